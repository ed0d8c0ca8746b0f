package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/replicator/internal/store"
)

// WithSession acquires one session from db, runs fn with it and always
// releases it. Nothing is committed implicitly: fn must call Commit itself,
// otherwise the session is rolled back on release.
//
// Every failure comes back as *Error: connect failures when the session
// cannot be opened, store failures verbatim from the engine, and anything
// else as an opaque message with the details logged.
func WithSession(ctx context.Context, db store.Connector, fn func(store.Session) error) error {
	sess, err := db.Acquire(ctx)
	if err != nil {
		return connectError(db.Name(), err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			slog.Warn("session release failed",
				"component", "replication",
				"database", db.Name(),
				"error", err,
			)
		}
	}()

	if err := fn(sess); err != nil {
		return operationError(db.Name(), err)
	}
	return nil
}

func connectError(name string, err error) *Error {
	if se := store.ParseError(err); se != nil {
		return &Error{
			Kind:    KindConnect,
			Message: fmt.Sprintf("cannot connect to %s database: %s: %s", name, se.Name, se.Message),
			Err:     err,
		}
	}
	slog.Error("database connect failed",
		"component", "replication",
		"database", name,
		"error", err,
	)
	return &Error{
		Kind:    KindConnect,
		Message: fmt.Sprintf("cannot connect to %s database, see log for details", name),
		Err:     err,
	}
}

func operationError(name string, err error) *Error {
	// Already classified and logged where it was raised.
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	if se := store.ParseError(err); se != nil {
		kind := KindStore
		if store.IsLockConflict(err) {
			kind = KindLockConflict
		}
		return &Error{
			Kind:    kind,
			Message: fmt.Sprintf("%s database operation failed: %s: %s", name, se.Name, se.Message),
			Err:     err,
		}
	}
	slog.Error("database operation failed",
		"component", "replication",
		"database", name,
		"error", err,
	)
	return &Error{
		Kind:    KindGeneric,
		Message: fmt.Sprintf("%s database operation failed, see log for details", name),
		Err:     err,
	}
}
