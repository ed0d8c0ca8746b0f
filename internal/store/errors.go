package store

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Error is a failure reported by the database engine itself, with the
// engine's code, condition name and message.
type Error struct {
	Code    string
	Name    string
	Message string
}

func (e *Error) Error() string {
	return e.Name + ": " + e.Message
}

// PostgreSQL condition names for the codes the replicator cares about.
var pgConditions = map[string]string{
	"P0001": "raise_exception",
	"55P03": "lock_not_available",
	"40P01": "deadlock_detected",
	"40001": "serialization_failure",
	"23505": "unique_violation",
	"23503": "foreign_key_violation",
	"23502": "not_null_violation",
	"42883": "undefined_function",
	"42P01": "undefined_table",
	"57014": "query_canceled",
}

var sqliteConditions = map[int]string{
	sqlite3.SQLITE_ERROR:      "SQLITE_ERROR",
	sqlite3.SQLITE_BUSY:       "SQLITE_BUSY",
	sqlite3.SQLITE_LOCKED:     "SQLITE_LOCKED",
	sqlite3.SQLITE_READONLY:   "SQLITE_READONLY",
	sqlite3.SQLITE_CONSTRAINT: "SQLITE_CONSTRAINT",
	sqlite3.SQLITE_MISMATCH:   "SQLITE_MISMATCH",
	sqlite3.SQLITE_ABORT:      "SQLITE_ABORT",
}

// ParseError extracts the structured engine error from err.
// Returns nil when err did not originate in the database engine.
func ParseError(err error) *Error {
	if err == nil {
		return nil
	}

	var se *Error
	if errors.As(err, &se) {
		return se
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		name := pgConditions[pgErr.Code]
		if name == "" {
			name = pgErr.Severity
		}
		return &Error{Code: pgErr.Code, Name: name, Message: pgErr.Message}
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		primary := liteErr.Code() & 0xff
		name := sqliteConditions[primary]
		if name == "" {
			name = fmt.Sprintf("SQLITE_%d", primary)
		}
		return &Error{Code: strconv.Itoa(liteErr.Code()), Name: name, Message: liteErr.Error()}
	}

	return nil
}

// IsLockConflict reports whether err means an object was locked by a
// concurrent writer and the statement gave up instead of waiting.
func IsLockConflict(err error) bool {
	se := ParseError(err)
	if se == nil {
		return false
	}
	switch se.Code {
	case "55P03", "40P01", "40001":
		return true
	}
	switch se.Name {
	case sqliteConditions[sqlite3.SQLITE_BUSY], sqliteConditions[sqlite3.SQLITE_LOCKED]:
		return true
	}
	return false
}
