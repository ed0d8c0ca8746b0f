// Package report publishes the replication progress on a fixed redraw
// interval: a state file, an ANSI terminal view and an S3 export.
package report

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/replicator/internal/replication"
)

// Sink consumes a snapshot on every redraw. Sinks are only called from the
// reporter goroutine and must not retain s.
type Sink interface {
	Name() string
	Write(ctx context.Context, s *replication.Snapshot, now time.Time) error
}

// Reporter periodically snapshots the shared state and hands the copy to
// its sinks. It only reads the state and never blocks the worker.
type Reporter struct {
	name     string
	state    *replication.State
	interval time.Duration
	sinks    []Sink

	snap    replication.Snapshot
	lastErr []string
	now     func() time.Time
}

// New creates a reporter redrawing every interval.
func New(state *replication.State, interval time.Duration, sinks ...Sink) *Reporter {
	return &Reporter{
		name:     "reporter",
		state:    state,
		interval: interval,
		sinks:    sinks,
		lastErr:  make([]string, len(sinks)),
		now:      time.Now,
	}
}

// Named sets the worker name used in log records.
func (r *Reporter) Named(name string) *Reporter {
	r.name = name
	return r
}

// Run redraws immediately, then on each interval. On cancellation it
// redraws once more so the sinks reflect the final state.
func (r *Reporter) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", r.name,
		"interval", r.interval.String(),
		"sinks", len(r.sinks),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Redraw(ctx)

	for {
		select {
		case <-ctx.Done():
			r.Redraw(context.WithoutCancel(ctx))
			slog.Info("worker stopped",
				"component", "worker",
				"worker", r.name,
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			r.Redraw(ctx)
		}
	}
}

// Redraw takes one snapshot and writes it to every sink. A failing sink
// is logged when its error changes and never stops the others.
func (r *Reporter) Redraw(ctx context.Context) {
	r.state.Snapshot(&r.snap)
	now := r.now()

	for i, sink := range r.sinks {
		err := sink.Write(ctx, &r.snap, now)
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		if msg == r.lastErr[i] {
			continue
		}
		r.lastErr[i] = msg
		if err != nil {
			slog.Warn("report sink failed",
				"component", "worker",
				"worker", r.name,
				"action", "sink_failed",
				"sink", sink.Name(),
				"error", err,
			)
		} else {
			slog.Info("report sink recovered",
				"component", "worker",
				"worker", r.name,
				"action", "sink_recovered",
				"sink", sink.Name(),
			)
		}
	}
}
