package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/replicator/internal/replication"
	"github.com/hyperengineering/replicator/internal/report"
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single replication cycle and exit",
	Long:  "Run one replication cycle, print the resulting status and exit non-zero if the cycle failed.",
	Args:  cobra.NoArgs,
	RunE:  runOnce,
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cmd.ErrOrStderr(), cfg.Log))

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	cycleErr := a.orch.RunCycle(ctx)

	var s replication.Snapshot
	a.state.Snapshot(&s)
	now := time.Now()

	sinks := []report.Sink{report.NewStateFile(cfg.Report.StatePath)}
	if a.exportEnabled() {
		sinks = append(sinks, report.NewObjectExport(a.uploader, cfg.Export.Interval.Std()))
	}
	for _, sink := range sinks {
		if err := sink.Write(context.WithoutCancel(ctx), &s, now); err != nil {
			slog.Warn("report sink failed", "component", "main", "sink", sink.Name(), "error", err)
		}
	}

	if err := report.Render(cmd.OutOrStdout(), &s, now); err != nil {
		return err
	}
	if cycleErr != nil {
		return errors.New(replication.Message(cycleErr))
	}
	return nil
}
