package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverPgx    = "pgx"
	DriverSQLite = "sqlite"
)

// ErrNoResult is returned by QueryScalar when the query produced no row.
var ErrNoResult = errors.New("query returned no rows")

// Options describes one database endpoint.
type Options struct {
	Name        string
	Driver      string
	DSN         string
	Dialect     string
	LockTimeout time.Duration
}

// DB is a pooled database endpoint implementing Connector.
type DB struct {
	name        string
	db          *sql.DB
	dialect     *Dialect
	lockTimeout time.Duration
}

// Open creates the pool for opts. No connection is made until the first
// Acquire, so an unreachable database surfaces as a per-cycle failure
// rather than a startup failure.
func Open(opts Options) (*DB, error) {
	dialectName := opts.Dialect
	if dialectName == "" {
		dialectName = DefaultDialect(opts.Driver)
	}
	dialect, err := LookupDialect(dialectName)
	if err != nil {
		return nil, err
	}

	switch opts.Driver {
	case DriverSQLite:
		if err := ensureParentDir(opts.DSN); err != nil {
			return nil, err
		}
	case DriverPgx:
	default:
		return nil, fmt.Errorf("unsupported driver %q", opts.Driver)
	}

	db, err := sql.Open(opts.Driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", opts.Name, err)
	}

	return &DB{
		name:        opts.Name,
		db:          db,
		dialect:     dialect,
		lockTimeout: opts.LockTimeout,
	}, nil
}

// ensureParentDir creates the directory of a file-backed SQLite DSN.
func ensureParentDir(dsn string) error {
	if dsn == "" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	path := dsn
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	return nil
}

// Name returns the endpoint name given in Options.
func (d *DB) Name() string {
	return d.name
}

// Dialect returns the SQL dialect of the endpoint.
func (d *DB) Dialect() *Dialect {
	return d.dialect
}

// Pool returns the underlying connection pool.
func (d *DB) Pool() *sql.DB {
	return d.db
}

// Close closes the pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// Acquire takes one connection from the pool, disables lock waits and
// begins a transaction at the dialect's isolation level.
func (d *DB) Acquire(ctx context.Context) (Session, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	before, after := d.dialect.sessionSetup(d.lockTimeout)
	for _, q := range before {
		if _, err := conn.ExecContext(ctx, q); err != nil {
			conn.Close()
			return nil, fmt.Errorf("configure session (%s): %w", q, err)
		}
	}

	tx, err := conn.BeginTx(ctx, &sql.TxOptions{Isolation: d.dialect.Isolation})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	for _, q := range after {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			tx.Rollback()
			conn.Close()
			return nil, fmt.Errorf("configure transaction (%s): %w", q, err)
		}
	}

	return &sqlSession{
		conn:  conn,
		tx:    tx,
		stmts: make(map[string]*sql.Stmt),
	}, nil
}

// sqlSession implements Session over a dedicated connection and transaction.
type sqlSession struct {
	conn      *sql.Conn
	tx        *sql.Tx
	stmts     map[string]*sql.Stmt
	committed bool
	closed    bool
}

func (s *sqlSession) QueryScalar(ctx context.Context, query string, args ...any) (any, error) {
	var v any
	err := s.tx.QueryRowContext(ctx, query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoResult
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *sqlSession) QueryRows(ctx context.Context, query string, args ...any) (Cursor, error) {
	rows, err := s.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("read columns: %w", err)
	}
	return newCursor(rows, cols), nil
}

// Call prepares query once per session and reuses the statement for every
// subsequent call with the same text.
func (s *sqlSession) Call(ctx context.Context, query string, args ...any) ([]any, error) {
	stmt, ok := s.stmts[query]
	if !ok {
		var err error
		stmt, err = s.tx.PrepareContext(ctx, query)
		if err != nil {
			return nil, err
		}
		s.stmts[query] = stmt
	}

	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	c := newCursor(rows, cols)
	vals, err := c.Values()
	if err != nil {
		return nil, err
	}
	out := make([]any, len(vals))
	copy(out, vals)
	return out, nil
}

func (s *sqlSession) Commit() error {
	if err := s.tx.Commit(); err != nil {
		return err
	}
	s.committed = true
	return nil
}

// Close rolls back an uncommitted transaction and returns the connection
// to the pool. Calling Close twice is a no-op.
func (s *sqlSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, stmt := range s.stmts {
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if !s.committed {
		if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			errs = append(errs, fmt.Errorf("rollback: %w", err))
		}
	}
	if err := s.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("release connection: %w", err))
	}
	return errors.Join(errs...)
}

// sqlCursor implements Cursor over *sql.Rows.
type sqlCursor struct {
	rows *sql.Rows
	cols []string
	vals []any
	ptrs []any
}

func newCursor(rows *sql.Rows, cols []string) *sqlCursor {
	c := &sqlCursor{
		rows: rows,
		cols: cols,
		vals: make([]any, len(cols)),
		ptrs: make([]any, len(cols)),
	}
	for i := range c.vals {
		c.ptrs[i] = &c.vals[i]
	}
	return c
}

func (c *sqlCursor) Columns() []string { return c.cols }

func (c *sqlCursor) Next() bool { return c.rows.Next() }

func (c *sqlCursor) Values() ([]any, error) {
	if err := c.rows.Scan(c.ptrs...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}
	return c.vals, nil
}

func (c *sqlCursor) Err() error { return c.rows.Err() }

func (c *sqlCursor) Close() error { return c.rows.Close() }
