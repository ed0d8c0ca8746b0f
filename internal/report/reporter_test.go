package report

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/replicator/internal/replication"
)

type recordingSink struct {
	mu         sync.Mutex
	watermarks []int64
	err        error
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Write(ctx context.Context, s *replication.Snapshot, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watermarks = append(r.watermarks, s.Watermark)
	return r.err
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watermarks)
}

func newTestState() *replication.State {
	return replication.NewState([]replication.TableDef{{ID: "A", Title: "Accounts"}}, time.Second)
}

func TestReporter_RedrawWritesEverySink(t *testing.T) {
	// Given two sinks, the first failing
	state := newTestState()
	state.SetWatermark(9)
	failing := &recordingSink{err: errors.New("disk full")}
	ok := &recordingSink{}
	r := New(state, time.Second, failing, ok)

	// When redrawn
	r.Redraw(context.Background())

	// Then the failure does not stop the second sink
	if failing.count() != 1 || ok.count() != 1 {
		t.Fatalf("writes = %d/%d, want 1/1", failing.count(), ok.count())
	}
	if ok.watermarks[0] != 9 {
		t.Errorf("watermark = %d, want 9", ok.watermarks[0])
	}
	if r.lastErr[0] != "disk full" || r.lastErr[1] != "" {
		t.Errorf("lastErr = %q", r.lastErr)
	}

	// When the failing sink recovers
	failing.err = nil
	r.Redraw(context.Background())

	// Then its error is cleared
	if r.lastErr[0] != "" {
		t.Errorf("lastErr[0] = %q, want empty", r.lastErr[0])
	}
}

func TestReporter_RunDrawsImmediatelyAndOnStop(t *testing.T) {
	// Given a reporter with a long interval
	state := newTestState()
	sink := &recordingSink{}
	r := New(state, time.Hour, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	// When it has drawn once and is then stopped
	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	state.SetWatermark(77)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	// Then a final draw reflects the latest state
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.watermarks) != 2 {
		t.Fatalf("writes = %d, want 2", len(sink.watermarks))
	}
	if sink.watermarks[1] != 77 {
		t.Errorf("final watermark = %d, want 77", sink.watermarks[1])
	}
}

func TestReporter_RunTicks(t *testing.T) {
	state := newTestState()
	sink := &recordingSink{}
	r := New(state, 10*time.Millisecond, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	if sink.count() < 3 {
		t.Errorf("writes = %d, want at least 3", sink.count())
	}
}

func TestReporter_NamedLogsWorker(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	// Given a named reporter with a failing sink
	r := New(newTestState(), time.Second, &recordingSink{err: errors.New("bucket unavailable")}).Named("exporter")

	// When redrawn
	r.Redraw(context.Background())

	// Then the failure is attributed to the named worker
	if !strings.Contains(buf.String(), `"worker":"exporter"`) {
		t.Errorf("log = %s", buf.String())
	}
}
