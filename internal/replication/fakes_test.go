package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hyperengineering/replicator/internal/store"
)

// fakeDialect renders statements as "<verb> <table>" so fakeSession can
// dispatch on them.
var fakeDialect = &store.Dialect{
	Name:        "fake",
	Placeholder: func(int) string { return "?" },
	Templates: store.Templates{
		CountChanged:  "count {table}",
		SelectChanged: "select {table}",
		Apply:         "apply {table}",
		GetWatermark:  "get_watermark",
		SetWatermark:  "set_watermark",
	},
}

func fakeStatements() *store.Statements {
	return store.NewStatements(fakeDialect, store.Templates{})
}

// fakeTable is one source table: column names and rows, the change-version
// being the last column.
type fakeTable struct {
	cols []string
	rows [][]any
}

// fakeDB implements store.Connector over in-memory tables. The same type
// plays source and destination.
type fakeDB struct {
	name string

	mu         sync.Mutex
	acquireErr error
	tables     map[string]*fakeTable
	countErr   map[string]error
	// applyErr is consulted before every apply; n is the 1-based call
	// number for the table within the session.
	applyErr    func(table string, n int) error
	applyResult []any
	// applyCtxErr is ctx.Err() as seen after the last applyErr returned.
	applyCtxErr error

	watermark      int64
	committedRows  map[string][][]any
	applyCalls     map[string]int
	countOrder     []string
	setWMCalls     int
	acquired       int
	commits        int
	closedSessions int
	rollbacks      int
}

func newFakeDB(name string) *fakeDB {
	return &fakeDB{
		name:          name,
		tables:        make(map[string]*fakeTable),
		countErr:      make(map[string]error),
		committedRows: make(map[string][][]any),
		applyCalls:    make(map[string]int),
	}
}

func (d *fakeDB) addRows(table string, versions ...int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tables[table]
	if !ok {
		t = &fakeTable{cols: []string{"id", "name", "x_ver"}}
		d.tables[table] = t
	}
	for _, v := range versions {
		id := int64(len(t.rows) + 1)
		t.rows = append(t.rows, []any{id, fmt.Sprintf("%s-%d", table, id), v})
	}
}

func (d *fakeDB) Name() string { return d.name }

func (d *fakeDB) Acquire(ctx context.Context) (store.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.acquireErr != nil {
		return nil, d.acquireErr
	}
	d.acquired++
	return &fakeSession{db: d, pending: make(map[string][][]any), calls: make(map[string]int)}, nil
}

func (d *fakeDB) getWatermark() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.watermark
}

func (d *fakeDB) getApplyCalls(table string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applyCalls[table]
}

func (d *fakeDB) getApplyCtxErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applyCtxErr
}

func (d *fakeDB) getCommits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commits
}

func (d *fakeDB) getCommitted(table string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.committedRows[table])
}

type fakeSession struct {
	db        *fakeDB
	pending   map[string][][]any
	pendingWM *int64
	calls     map[string]int
	committed bool
	closed    bool
}

func splitOp(query string) (verb, table string) {
	parts := strings.Fields(query)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

func (s *fakeSession) QueryScalar(ctx context.Context, query string, args ...any) (any, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	verb, table := splitOp(query)
	switch verb {
	case "get_watermark":
		return s.db.watermark, nil
	case "count":
		s.db.countOrder = append(s.db.countOrder, table)
		if err := s.db.countErr[table]; err != nil {
			return nil, err
		}
		return int64(len(s.changed(table, args[0].(int64)))), nil
	}
	return nil, fmt.Errorf("unexpected scalar query %q", query)
}

// changed returns the rows of table with a change-version above wm.
// Callers hold db.mu.
func (s *fakeSession) changed(table string, wm int64) [][]any {
	t, ok := s.db.tables[table]
	if !ok {
		return nil
	}
	var out [][]any
	for _, r := range t.rows {
		if r[len(r)-1].(int64) > wm {
			out = append(out, append([]any(nil), r...))
		}
	}
	return out
}

func (s *fakeSession) QueryRows(ctx context.Context, query string, args ...any) (store.Cursor, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	verb, table := splitOp(query)
	if verb != "select" {
		return nil, fmt.Errorf("unexpected rows query %q", query)
	}
	cols := []string{"id", "name", "x_ver"}
	if t, ok := s.db.tables[table]; ok {
		cols = t.cols
	}
	return &fakeCursor{cols: cols, rows: s.changed(table, args[0].(int64)), pos: -1}, nil
}

func (s *fakeSession) Call(ctx context.Context, query string, args ...any) ([]any, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	verb, table := splitOp(query)
	switch verb {
	case "set_watermark":
		s.db.setWMCalls++
		v := args[0].(int64)
		s.pendingWM = &v
		return nil, nil
	case "apply":
		s.db.applyCalls[table]++
		s.calls[table]++
		if s.db.applyErr != nil {
			if err := s.db.applyErr(table, s.calls[table]); err != nil {
				return nil, err
			}
		}
		s.db.applyCtxErr = ctx.Err()
		s.pending[table] = append(s.pending[table], append([]any(nil), args...))
		return s.db.applyResult, nil
	}
	return nil, fmt.Errorf("unexpected call %q", query)
}

func (s *fakeSession) Commit() error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for t, rows := range s.pending {
		s.db.committedRows[t] = append(s.db.committedRows[t], rows...)
	}
	if s.pendingWM != nil {
		s.db.watermark = *s.pendingWM
	}
	s.pending = make(map[string][][]any)
	s.pendingWM = nil
	s.committed = true
	s.db.commits++
	return nil
}

func (s *fakeSession) Close() error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if s.closed {
		return errors.New("session closed twice")
	}
	s.closed = true
	s.db.closedSessions++
	if !s.committed {
		s.db.rollbacks++
	}
	return nil
}

type fakeCursor struct {
	cols []string
	rows [][]any
	pos  int
}

func (c *fakeCursor) Columns() []string { return c.cols }

func (c *fakeCursor) Next() bool {
	c.pos++
	return c.pos < len(c.rows)
}

func (c *fakeCursor) Values() ([]any, error) { return c.rows[c.pos], nil }

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Close() error { return nil }

// recordingObserver keeps copies of the snapshots it is handed.
type recordingObserver struct {
	mu        sync.Mutex
	snapshots []Snapshot
}

func (r *recordingObserver) CycleFinished(ctx context.Context, s *Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	cp.Tables = append([]TableStatus(nil), s.Tables...)
	r.snapshots = append(r.snapshots, cp)
}

func (r *recordingObserver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

var lockConflict = &store.Error{Code: "55P03", Name: "lock_not_available", Message: "could not obtain lock on relation"}
