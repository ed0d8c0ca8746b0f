// Package store is the relational database layer used by the replicator.
// It wraps database/sql pools for the source and destination databases and
// hands out transactional sessions configured for a consistent, non-blocking
// read view.
package store

import (
	"context"
)

// Connector acquires sessions against one database.
type Connector interface {
	// Name identifies the database in logs and user-facing messages.
	Name() string
	Acquire(ctx context.Context) (Session, error)
}

// Session is one connection holding one open transaction.
// Nothing is committed unless Commit is called; Close rolls back otherwise.
type Session interface {
	// QueryScalar runs query and returns the first column of the first row.
	QueryScalar(ctx context.Context, query string, args ...any) (any, error)

	// QueryRows opens a forward-only cursor over the result of query.
	QueryRows(ctx context.Context, query string, args ...any) (Cursor, error)

	// Call executes a statement and returns its first result row, or nil
	// when the statement produced none.
	Call(ctx context.Context, query string, args ...any) ([]any, error)

	Commit() error
	Close() error
}

// Cursor iterates the rows of a query.
type Cursor interface {
	Columns() []string
	Next() bool
	// Values returns the current row. The slice is reused by the next call
	// to Next.
	Values() ([]any, error)
	Err() error
	Close() error
}
