package replication

import (
	"errors"
)

// Kind classifies a replication failure.
type Kind int

const (
	// KindGeneric is any failure not recognised below.
	KindGeneric Kind = iota
	// KindConnect means a session could not be opened.
	KindConnect
	// KindLockConflict means a destination object was locked by a
	// concurrent writer.
	KindLockConflict
	// KindStore means the database engine reported a structured error.
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindLockConflict:
		return "lock_conflict"
	case KindStore:
		return "store"
	default:
		return "generic"
	}
}

// Error is the uniform failure type of the replication engine. Message is
// short and safe to show to an operator; Err keeps the original cause for
// logging.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrMissingVersionColumn is returned when a streamed table does not expose
// the configured change-version column.
var ErrMissingVersionColumn = errors.New("change-version column not found")

// Message returns the operator-facing message for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Message
	}
	return "replication failed, see log for details"
}

// KindOf returns the classification of err, KindGeneric when unclassified.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindGeneric
}
