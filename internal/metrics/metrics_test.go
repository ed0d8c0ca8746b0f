package metrics

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/replicator/internal/replication"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	_ "modernc.org/sqlite"
)

func finished(lastErr string, tables ...replication.TableStatus) *replication.Snapshot {
	start := time.Now()
	return &replication.Snapshot{
		CycleID:        "c",
		CycleStartedAt: start,
		CycleEndedAt:   start.Add(2 * time.Second),
		Watermark:      105,
		LastError:      lastErr,
		Tables:         tables,
	}
}

func TestCycleFinished_Success(t *testing.T) {
	m := New(nil)

	m.CycleFinished(context.Background(), finished("",
		replication.TableStatus{ID: "A", Applied: 3},
		replication.TableStatus{ID: "B"},
	))

	if got := testutil.ToFloat64(m.CyclesTotal.WithLabelValues(ResultSuccess)); got != 1 {
		t.Errorf("cycles{success} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RowsTotal.WithLabelValues("A")); got != 3 {
		t.Errorf("rows{A} = %v, want 3", got)
	}
	if got := testutil.CollectAndCount(m.RowsTotal); got != 1 {
		t.Errorf("rows series = %d, want only A", got)
	}
	if got := testutil.ToFloat64(m.Watermark); got != 105 {
		t.Errorf("watermark = %v, want 105", got)
	}
	if got := testutil.CollectAndCount(m.CycleDuration); got != 1 {
		t.Errorf("duration series = %d, want 1", got)
	}
}

func TestCycleFinished_FailureCountsNoRows(t *testing.T) {
	m := New(nil)

	m.CycleFinished(context.Background(), finished("table B: locked by a concurrent writer",
		replication.TableStatus{ID: "A", Applied: 3},
		replication.TableStatus{ID: "B", Applied: 1, Failed: true},
	))

	if got := testutil.ToFloat64(m.CyclesTotal.WithLabelValues(ResultFailure)); got != 1 {
		t.Errorf("cycles{failure} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TableFailures.WithLabelValues("B")); got != 1 {
		t.Errorf("failures{B} = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.RowsTotal); got != 0 {
		t.Errorf("rows series = %d, want 0 for a rolled back cycle", got)
	}
}

func TestCycleRunningGauge(t *testing.T) {
	running := false
	m := New(func() bool { return running })

	if got := testutil.ToFloat64(m.CycleRunning); got != 0 {
		t.Errorf("running = %v, want 0", got)
	}
	running = true
	if got := testutil.ToFloat64(m.CycleRunning); got != 1 {
		t.Errorf("running = %v, want 1", got)
	}
}

func TestRegister_ToleratesDuplicates(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(nil)

	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.Register(reg); err != nil {
		t.Fatalf("second Register() error = %v", err)
	}

	m.CycleFinished(context.Background(), finished("", replication.TableStatus{ID: "A", Applied: 1}))
	expected := `
# HELP replicator_cycles_total Replication cycles by result
# TYPE replicator_cycles_total counter
replicator_cycles_total{result="success"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "replicator_cycles_total"); err != nil {
		t.Error(err)
	}
}

func TestRegisterPool(t *testing.T) {
	// Given an open pool
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	defer db.Close()
	reg := prometheus.NewRegistry()

	// When registered twice under the same name
	if err := RegisterPool(reg, "source", db); err != nil {
		t.Fatalf("RegisterPool() error = %v", err)
	}
	if err := RegisterPool(reg, "source", db); err != nil {
		t.Fatalf("second RegisterPool() error = %v", err)
	}

	// Then the pool statistics are exported with the name label
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() != "go_sql_max_open_connections" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "db_name" && l.GetValue() == "source" {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("go_sql_max_open_connections{db_name=\"source\"} not exported")
	}
}
