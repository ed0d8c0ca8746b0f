// Package journal keeps a local SQLite history of finished replication
// cycles and their per-table outcomes.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/replicator/internal/replication"
	"github.com/hyperengineering/replicator/migrations"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Table statuses.
const (
	StatusDone    = "done"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Cycle is one journaled replication cycle.
type Cycle struct {
	ID        string         `json:"id"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Succeeded bool           `json:"succeeded"`
	Rows      int64          `json:"rows"`
	Watermark int64          `json:"watermark"`
	Error     string         `json:"error,omitempty"`
	Tables    []TableOutcome `json:"tables"`
}

// Duration is the wall time of the cycle.
func (c *Cycle) Duration() time.Duration {
	return c.EndedAt.Sub(c.StartedAt)
}

// TableOutcome is the result of one table within a cycle.
type TableOutcome struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Expected       int64  `json:"expected"`
	Applied        int64  `json:"applied"`
	Written        int64  `json:"written"`
	MaxVersion     int64  `json:"max_version"`
	DurationMillis int64  `json:"duration_ms"`
	Error          string `json:"error,omitempty"`
}

// Journal is the SQLite-backed cycle history.
type Journal struct {
	db     *sql.DB
	retain int
}

// Open opens or creates the journal at path and applies migrations.
// retain bounds the number of cycles kept; zero keeps everything.
func Open(path string, retain int) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db, retain: retain}, nil
}

// RunMigrations applies all pending journal migrations using goose.
func RunMigrations(db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// CycleFinished records s. Journal failures are logged and never reach the
// replication cycle.
func (j *Journal) CycleFinished(ctx context.Context, s *replication.Snapshot) {
	if err := j.Record(ctx, s); err != nil {
		slog.Warn("journal write failed",
			"component", "journal",
			"cycle_id", s.CycleID,
			"error", err,
		)
	}
}

// Record appends the cycle described by s, then prunes beyond the
// retention limit.
func (j *Journal) Record(ctx context.Context, s *replication.Snapshot) error {
	if s.CycleID == "" {
		return nil
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Rows of a failed cycle were rolled back.
	rows := s.CycleRows
	if s.LastError != "" {
		rows = 0
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cycles (id, started_at, ended_at, succeeded, rows, watermark, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.CycleID, s.CycleStartedAt.UTC().Format(timeFormat), s.CycleEndedAt.UTC().Format(timeFormat),
		s.LastError == "", rows, s.Watermark, s.LastError)
	if err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}

	for i := range s.Tables {
		t := &s.Tables[i]
		var ms int64
		if !t.EndedAt.IsZero() {
			ms = t.EndedAt.Sub(t.StartedAt).Milliseconds()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cycle_tables (cycle_id, position, table_id, expected, applied, written, max_version, duration_ms, status, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, s.CycleID, i, t.ID, t.Expected, t.Applied, t.Written, t.MaxVersion, ms, tableStatus(t), t.Error)
		if err != nil {
			return fmt.Errorf("insert table %s: %w", t.ID, err)
		}
	}

	if j.retain > 0 {
		if _, err := prune(ctx, tx, j.retain); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func tableStatus(t *replication.TableStatus) string {
	switch {
	case t.Failed:
		return StatusFailed
	case !t.EndedAt.IsZero():
		return StatusDone
	default:
		return StatusSkipped
	}
}

// Prune deletes all but the newest retain cycles and returns how many
// were removed.
func (j *Journal) Prune(ctx context.Context, retain int) (int64, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	n, err := prune(ctx, tx, retain)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return n, nil
}

func prune(ctx context.Context, tx *sql.Tx, retain int) (int64, error) {
	const keep = `SELECT id FROM cycles ORDER BY started_at DESC, id DESC LIMIT ?`

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cycle_tables WHERE cycle_id NOT IN (`+keep+`)`, retain); err != nil {
		return 0, fmt.Errorf("prune cycle tables: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cycles WHERE id NOT IN (`+keep+`)`, retain)
	if err != nil {
		return 0, fmt.Errorf("prune cycles: %w", err)
	}
	return res.RowsAffected()
}

// Recent returns the newest limit cycles, newest first, with their tables
// in processing order.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Cycle, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, started_at, ended_at, succeeded, rows, watermark, error
		FROM cycles
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	cycles := make([]Cycle, 0, limit)
	index := make(map[string]int)
	for rows.Next() {
		var c Cycle
		var startedAt, endedAt string
		if err := rows.Scan(&c.ID, &startedAt, &endedAt, &c.Succeeded, &c.Rows, &c.Watermark, &c.Error); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		c.StartedAt = parseTime("started_at", startedAt)
		c.EndedAt = parseTime("ended_at", endedAt)
		index[c.ID] = len(cycles)
		cycles = append(cycles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cycles) == 0 {
		return cycles, nil
	}

	trows, err := j.db.QueryContext(ctx, `
		SELECT cycle_id, table_id, status, expected, applied, written, max_version, duration_ms, error
		FROM cycle_tables
		WHERE cycle_id IN (SELECT id FROM cycles ORDER BY started_at DESC, id DESC LIMIT ?)
		ORDER BY cycle_id, position
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query cycle tables: %w", err)
	}
	defer trows.Close()

	for trows.Next() {
		var cycleID string
		var t TableOutcome
		if err := trows.Scan(&cycleID, &t.ID, &t.Status, &t.Expected, &t.Applied, &t.Written,
			&t.MaxVersion, &t.DurationMillis, &t.Error); err != nil {
			return nil, fmt.Errorf("scan cycle table: %w", err)
		}
		if i, ok := index[cycleID]; ok {
			cycles[i].Tables = append(cycles[i].Tables, t)
		}
	}
	return cycles, trows.Err()
}

func parseTime(field, value string) time.Time {
	t, err := time.Parse(timeFormat, value)
	if err != nil {
		slog.Warn("journal: failed to parse timestamp", "field", field, "value", value, "error", err)
	}
	return t
}
