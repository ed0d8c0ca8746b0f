package replication

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hyperengineering/replicator/internal/store"
)

// DefaultProgressBatch is the number of rows between progress updates.
const DefaultProgressBatch = 100

// TableReplicator copies the rows of one table changed after a watermark
// from a source session into a destination session.
type TableReplicator struct {
	source        *store.Statements
	dest          *store.Statements
	versionColumn string
	batch         int64
}

// NewTableReplicator creates a replicator using the given statement sets.
// versionColumn names the change-version column of every streamed row.
func NewTableReplicator(source, dest *store.Statements, versionColumn string, batch int) *TableReplicator {
	if batch <= 0 {
		batch = DefaultProgressBatch
	}
	return &TableReplicator{
		source:        source,
		dest:          dest,
		versionColumn: versionColumn,
		batch:         int64(batch),
	}
}

// tableRun accumulates the counters of one table pass.
type tableRun struct {
	applied    int64
	written    int64
	maxVersion int64
}

// Replicate runs the count / stream / apply pass for one table.
// Rows applied before a failure stay in the open destination transaction;
// the caller decides whether to commit or roll back.
func (r *TableReplicator) Replicate(ctx context.Context, tab *TableProgress, src, dst store.Session, watermark int64) error {
	tab.Start()

	var run tableRun
	if err := r.replicate(ctx, tab, src, dst, watermark, &run); err != nil {
		te := classifyTableError(tab.ID(), err)
		tab.Fail(run.applied, run.written, run.maxVersion, te.Message)
		slog.Warn("table replication failed",
			"component", "replication",
			"action", "table_failed",
			"table", tab.ID(),
			"kind", te.Kind.String(),
			"applied", run.applied,
			"error", err,
		)
		return te
	}

	tab.Finish(run.applied, run.written, run.maxVersion)
	return nil
}

func (r *TableReplicator) replicate(ctx context.Context, tab *TableProgress, src, dst store.Session, watermark int64, run *tableRun) error {
	table := tab.ID()

	v, err := src.QueryScalar(ctx, r.source.CountChanged(table), watermark)
	if err != nil {
		return fmt.Errorf("count changed rows: %w", err)
	}
	expected, err := store.AsInt64(v)
	if err != nil {
		return fmt.Errorf("count changed rows: %w", err)
	}
	tab.InitCount(expected)

	// Some import procedures have side effects even on empty input, so an
	// empty table issues no destination call at all.
	if expected == 0 {
		return nil
	}

	rows, err := src.QueryRows(ctx, r.source.SelectChanged(table), watermark)
	if err != nil {
		return fmt.Errorf("select changed rows: %w", err)
	}
	defer rows.Close()

	cols := rows.Columns()
	versionIdx := columnIndex(cols, r.versionColumn)
	if versionIdx < 0 {
		return fmt.Errorf("%w: %q in %s", ErrMissingVersionColumn, r.versionColumn, table)
	}
	apply := r.dest.Apply(table, len(cols))

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return err
		}
		out, err := dst.Call(ctx, apply, vals...)
		if err != nil {
			return fmt.Errorf("apply row %d: %w", run.applied+1, err)
		}

		run.applied++
		if rowWritten(out) {
			run.written++
		}
		version, err := store.AsInt64(vals[versionIdx])
		if err != nil {
			return fmt.Errorf("row %d change-version: %w", run.applied, err)
		}
		if version > run.maxVersion {
			run.maxVersion = version
		}

		if run.applied%r.batch == 0 {
			tab.Update(run.applied, run.written, run.maxVersion)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read changed rows: %w", err)
	}

	if run.applied != expected {
		slog.Warn("applied row count differs from pending count",
			"component", "replication",
			"table", table,
			"expected", expected,
			"applied", run.applied,
		)
	}
	return nil
}

// rowWritten interprets the optional result row of an import call. A
// first column holding zero or false means the row was accepted but not
// written; anything else, including no result row, counts as written.
func rowWritten(out []any) bool {
	if len(out) == 0 || out[0] == nil {
		return true
	}
	n, err := store.AsInt64(out[0])
	if err != nil {
		return true
	}
	return n != 0
}

func columnIndex(cols []string, name string) int {
	for i, c := range cols {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

func classifyTableError(table string, err error) *Error {
	if store.IsLockConflict(err) {
		return &Error{
			Kind:    KindLockConflict,
			Message: fmt.Sprintf("table %s: locked by a concurrent writer", table),
			Err:     err,
		}
	}
	if se := store.ParseError(err); se != nil {
		return &Error{
			Kind:    KindStore,
			Message: fmt.Sprintf("table %s: %s: %s", table, se.Name, se.Message),
			Err:     err,
		}
	}
	return &Error{
		Kind:    KindGeneric,
		Message: fmt.Sprintf("table %s: replication failed, see log for details", table),
		Err:     err,
	}
}
