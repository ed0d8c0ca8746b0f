// Package metrics exposes replication cycle outcomes as Prometheus metrics.
package metrics

import (
	"context"
	"database/sql"

	"github.com/hyperengineering/replicator/internal/replication"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Cycle results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics holds the replicator collectors and feeds them from finished
// cycles.
type Metrics struct {
	CyclesTotal   *prometheus.CounterVec
	RowsTotal     *prometheus.CounterVec
	TableFailures *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	Watermark     prometheus.Gauge
	CycleRunning  prometheus.GaugeFunc
}

// New creates the collectors. running backs the cycle-running gauge and is
// evaluated on every scrape.
func New(running func() bool) *Metrics {
	return &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replicator_cycles_total",
			Help: "Replication cycles by result",
		}, []string{"result"}), // result: success|failure

		RowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replicator_rows_replicated_total",
			Help: "Rows committed to the destination by table",
		}, []string{"table"}),

		TableFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replicator_table_failures_total",
			Help: "Table passes that aborted a cycle",
		}, []string{"table"}),

		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "replicator_cycle_duration_seconds",
			Help:    "Wall time of replication cycles",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}),

		Watermark: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replicator_watermark",
			Help: "Change-version up to which the destination is in sync",
		}),

		CycleRunning: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "replicator_cycle_running",
			Help: "1 while a replication cycle is in progress",
		}, func() float64 {
			if running != nil && running() {
				return 1
			}
			return 0
		}),
	}
}

// Register registers every collector on reg (or the default registerer if
// nil). Collectors that are already registered are not an error.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		m.CyclesTotal, m.RowsTotal, m.TableFailures, m.CycleDuration, m.Watermark, m.CycleRunning,
	} {
		if err := registerCollector(reg, c); err != nil {
			return err
		}
	}
	return nil
}

// RegisterPool exports the connection pool statistics of db, labelled
// db_name=name.
func RegisterPool(reg prometheus.Registerer, name string, db *sql.DB) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return registerCollector(reg, collectors.NewDBStatsCollector(db, name))
}

func registerCollector(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			return err
		}
	}
	return nil
}

// CycleFinished records the outcome of the cycle in s. Row counters only
// move for committed cycles.
func (m *Metrics) CycleFinished(ctx context.Context, s *replication.Snapshot) {
	m.CycleDuration.Observe(s.CycleEndedAt.Sub(s.CycleStartedAt).Seconds())
	m.Watermark.Set(float64(s.Watermark))

	if s.LastError != "" {
		m.CyclesTotal.WithLabelValues(ResultFailure).Inc()
		for i := range s.Tables {
			if s.Tables[i].Failed {
				m.TableFailures.WithLabelValues(s.Tables[i].ID).Inc()
			}
		}
		return
	}

	m.CyclesTotal.WithLabelValues(ResultSuccess).Inc()
	for i := range s.Tables {
		if s.Tables[i].Applied > 0 {
			m.RowsTotal.WithLabelValues(s.Tables[i].ID).Add(float64(s.Tables[i].Applied))
		}
	}
}
