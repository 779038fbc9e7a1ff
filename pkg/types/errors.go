package types

import (
	"errors"
	"fmt"
)

// ErrorKind identifies a failure class surfaced across component
// boundaries. Kinds are identity; the wrapped error is detail.
type ErrorKind string

const (
	ErrNotFound           ErrorKind = "not_found"
	ErrAlreadyExists      ErrorKind = "already_exists"
	ErrAlreadyProcessed   ErrorKind = "already_processed"
	ErrClaimConflict      ErrorKind = "claim_conflict"
	ErrIO                 ErrorKind = "io_error"
	ErrSchemaInvalid      ErrorKind = "schema_invalid"
	ErrRateLimited        ErrorKind = "rate_limited"
	ErrStreamDisconnected ErrorKind = "stream_disconnected"
	ErrTurnTimeout        ErrorKind = "turn_timeout"
	ErrSuperseded         ErrorKind = "superseded"
	ErrDependencyMissing  ErrorKind = "dependency_missing"
)

// Error is the typed error carried across burrow boundaries. Op is the
// failing operation ("bus.claim"), Path the file involved when one is.
type Error struct {
	Kind ErrorKind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an Error. A nil wrapped error is fine; kind alone is often the
// whole story.
func E(kind ErrorKind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf extracts the ErrorKind from err, unwrapping as needed. Errors
// without a kind report ErrIO, the catch-all for unclassified failures.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrIO
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}
