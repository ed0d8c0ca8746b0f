package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hyperengineering/replicator/internal/config"
	"github.com/hyperengineering/replicator/internal/journal"
	"github.com/hyperengineering/replicator/internal/metrics"
	"github.com/hyperengineering/replicator/internal/replication"
	"github.com/hyperengineering/replicator/internal/snapshot"
	"github.com/hyperengineering/replicator/internal/store"
)

// app holds the components shared by the run and once commands.
type app struct {
	cfg      *config.Config
	source   *store.DB
	dest     *store.DB
	state    *replication.State
	orch     *replication.Orchestrator
	registry *prometheus.Registry
	journal  *journal.Journal
	uploader snapshot.Uploader
}

// newApp opens both endpoints and the journal and wires the orchestrator
// with its observers. The caller owns the returned app and must Close it.
func newApp(cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	rc := cfg.Replication
	a.source, err = store.Open(store.Options{
		Name:        "source",
		Driver:      cfg.Source.Driver,
		DSN:         cfg.Source.DSN,
		Dialect:     cfg.Source.Dialect,
		LockTimeout: rc.LockTimeout.Std(),
	})
	if err != nil {
		return nil, err
	}
	a.dest, err = store.Open(store.Options{
		Name:        "destination",
		Driver:      cfg.Destination.Driver,
		DSN:         cfg.Destination.DSN,
		Dialect:     cfg.Destination.Dialect,
		LockTimeout: rc.LockTimeout.Std(),
	})
	if err != nil {
		return nil, err
	}
	slog.Info("endpoints opened",
		"component", "main",
		"source_driver", cfg.Source.Driver,
		"destination_driver", cfg.Destination.Driver,
	)

	defs := make([]replication.TableDef, len(rc.Tables))
	for i, t := range rc.Tables {
		defs[i] = replication.TableDef{ID: t.ID, Title: t.Title}
	}
	a.state = replication.NewState(defs, rc.CycleDelay.Std())

	m := metrics.New(a.state.Running)
	if err := m.Register(a.registry); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	for _, db := range []*store.DB{a.source, a.dest} {
		if err := metrics.RegisterPool(a.registry, db.Name(), db.Pool()); err != nil {
			return nil, fmt.Errorf("register pool metrics: %w", err)
		}
	}

	a.journal, err = journal.Open(cfg.Journal.Path, cfg.Journal.Retain)
	if err != nil {
		return nil, err
	}
	slog.Info("journal opened", "component", "main", "path", cfg.Journal.Path)

	a.uploader, err = snapshot.NewUploader(cfg.Export)
	if err != nil {
		return nil, err
	}

	srcStmts := store.NewStatements(a.source.Dialect(), templates(rc.Statements.Source))
	dstStmts := store.NewStatements(a.dest.Dialect(), templates(rc.Statements.Destination))
	tables := replication.NewTableReplicator(srcStmts, dstStmts, rc.VersionColumn, rc.ProgressBatch)
	a.orch = replication.NewOrchestrator(a.source, a.dest, dstStmts, tables, a.state, rc.CycleDelay.Std(), a.journal, m)

	return a, nil
}

func templates(c config.TemplatesConfig) store.Templates {
	return store.Templates{
		CountChanged:  c.CountChanged,
		SelectChanged: c.SelectChanged,
		Apply:         c.Apply,
		GetWatermark:  c.GetWatermark,
		SetWatermark:  c.SetWatermark,
	}
}

// exportEnabled reports whether a real bucket is configured.
func (a *app) exportEnabled() bool {
	return a.cfg.Export.Bucket != ""
}

// Close releases the journal and both pools. It is safe on a partially
// constructed app.
func (a *app) Close() error {
	var errs []error
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.dest != nil {
		errs = append(errs, a.dest.Close())
	}
	if a.source != nil {
		errs = append(errs, a.source.Close())
	}
	return errors.Join(errs...)
}
