package replication

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/replicator/internal/store"
	"github.com/oklog/ulid/v2"
)

// Observer is notified with the post-cycle snapshot after every cycle,
// successful or not. Observers must not retain s.
type Observer interface {
	CycleFinished(ctx context.Context, s *Snapshot)
}

// Orchestrator drives replication cycles across the ordered table list.
type Orchestrator struct {
	source    store.Connector
	dest      store.Connector
	destStmts *store.Statements
	tables    *TableReplicator
	state     *State
	delay     time.Duration
	observers []Observer

	last Snapshot
}

// NewOrchestrator wires the engine. destStmts supplies the watermark
// statements; tables does the per-table work.
func NewOrchestrator(
	source, dest store.Connector,
	destStmts *store.Statements,
	tables *TableReplicator,
	state *State,
	delay time.Duration,
	observers ...Observer,
) *Orchestrator {
	return &Orchestrator{
		source:    source,
		dest:      dest,
		destStmts: destStmts,
		tables:    tables,
		state:     state,
		delay:     delay,
		observers: observers,
	}
}

// State returns the shared progress model.
func (o *Orchestrator) State() *State {
	return o.state
}

// Run repeats cycles with a fixed pause between attempts until ctx is
// cancelled. Cancellation only interrupts the pause: a cycle in flight
// always runs to completion.
func (o *Orchestrator) Run(ctx context.Context) {
	slog.Info("replication started",
		"component", "worker",
		"worker", "replication",
		"action", "worker_started",
		"tables", o.state.Len(),
		"cycle_delay", o.delay.String(),
	)

	timer := time.NewTimer(o.delay)
	timer.Stop()
	defer timer.Stop()

	for ctx.Err() == nil {
		_ = o.RunCycle(ctx)

		timer.Reset(o.delay)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}

	slog.Info("replication stopped",
		"component", "worker",
		"worker", "replication",
		"action", "worker_stopped",
		"reason", "context_cancelled",
	)
}

// RunCycle performs one complete replication attempt: read the watermark,
// replicate every table in order, write the advanced watermark and commit.
// The first table failure aborts the cycle and both sessions roll back.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	id := ulid.Make().String()
	o.state.StartCycle(id)
	slog.Debug("cycle started",
		"component", "replication",
		"action", "cycle_start",
		"cycle_id", id,
	)

	err := WithSession(ctx, o.source, func(src store.Session) error {
		return WithSession(ctx, o.dest, func(dst store.Session) error {
			return o.replicateAll(ctx, src, dst)
		})
	})

	o.state.EndCycle(err)
	o.state.Snapshot(&o.last)
	o.logCycle(err)

	for _, obs := range o.observers {
		obs.CycleFinished(ctx, &o.last)
	}
	return err
}

func (o *Orchestrator) replicateAll(ctx context.Context, src, dst store.Session) error {
	v, err := dst.QueryScalar(ctx, o.destStmts.GetWatermark())
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}
	watermark, err := store.AsInt64(v)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}
	o.state.SetWatermark(watermark)

	for i := 0; i < o.state.Len(); i++ {
		if err := o.tables.Replicate(ctx, o.state.Table(i), src, dst, watermark); err != nil {
			return err
		}
		o.state.FoldTable(i)
	}

	if candidate := o.state.Candidate(); candidate > watermark {
		if _, err := dst.Call(ctx, o.destStmts.SetWatermark(), candidate); err != nil {
			return fmt.Errorf("write watermark: %w", err)
		}
	}

	if err := dst.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", o.dest.Name(), err)
	}
	o.state.AdvanceWatermark()

	// The source transaction only read; the destination is already durable.
	if err := src.Commit(); err != nil {
		slog.Warn("source commit failed after destination commit",
			"component", "replication",
			"database", o.source.Name(),
			"error", err,
		)
	}
	return nil
}

func (o *Orchestrator) logCycle(err error) {
	s := &o.last
	duration := s.CycleEndedAt.Sub(s.CycleStartedAt)
	if err != nil {
		slog.Error("cycle failed",
			"component", "replication",
			"action", "cycle_failed",
			"cycle_id", s.CycleID,
			"kind", KindOf(err).String(),
			"watermark", s.Watermark,
			"duration_ms", duration.Milliseconds(),
			"error", err,
		)
		return
	}

	level := slog.LevelDebug
	if s.CycleRows > 0 {
		level = slog.LevelInfo
	}
	slog.Log(context.Background(), level, "cycle completed",
		"component", "replication",
		"action", "cycle_complete",
		"cycle_id", s.CycleID,
		"rows", s.CycleRows,
		"watermark", s.Watermark,
		"duration_ms", duration.Milliseconds(),
	)
	for _, t := range s.Tables {
		if t.Expected > 0 {
			slog.Info("table replicated",
				"component", "replication",
				"cycle_id", s.CycleID,
				"table", t.ID,
				"rows", t.Applied,
				"written", t.Written,
				"duration_ms", t.EndedAt.Sub(t.StartedAt).Milliseconds(),
			)
		}
	}
}
