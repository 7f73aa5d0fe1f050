package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/ncruces/go-sqlite3"
)

// Kind classifies a store failure into a closed taxonomy that the boundary
// layer can map to a response without inspecting driver details.
type Kind string

const (
	// KindDuplicate is a unique or primary key violation.
	KindDuplicate Kind = "duplicate"

	// KindReferential is a foreign key violation.
	KindReferential Kind = "referential"

	// KindMissingField is a NOT NULL violation.
	KindMissingField Kind = "missing_field"

	// KindConstraint is any other constraint violation (CHECK and friends).
	KindConstraint Kind = "constraint"

	// KindNotFound means the targeted row does not exist.
	KindNotFound Kind = "not_found"

	// KindUnavailable means the database could not be reached or is locked.
	// This is the only kind worth retrying.
	KindUnavailable Kind = "unavailable"

	// KindExhausted means the database ran out of memory or disk.
	KindExhausted Kind = "exhausted"

	// KindUnknown is everything else.
	KindUnknown Kind = "unknown"
)

// HTTPStatus returns the status code the API boundary reports for this kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindDuplicate, KindReferential:
		return http.StatusConflict
	case KindMissingField, KindConstraint:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindExhausted:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may retry the request unchanged.
func (k Kind) Retryable() bool {
	return k == KindUnavailable
}

// Error is a normalized store error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("store %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("store %s (%s): %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Common errors returned by store and sync operations.
//
// These are checked with errors.Is:
//
//	if errors.Is(err, store.ErrNotFound) {
//	    // record absent or soft-deleted
//	}
var (
	// ErrNotFound is returned when a record or conflict is absent, or when a
	// record has been soft-deleted.
	ErrNotFound = errors.New("not found")
)

// VersionConflictError is returned when the caller's expected version does
// not match the stored version. Current holds the server-side record so the
// caller can rebase.
type VersionConflictError struct {
	Expected int64
	Current  *Record
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, current %d", e.Expected, e.Current.Version)
}

// ValidationError reports a missing or invalid field before anything
// reaches the database.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Normalize maps driver errors into *Error. Errors that are not driver
// errors (domain errors such as *VersionConflictError) are returned as-is.
func Normalize(op string, err error) error {
	if err == nil {
		return nil
	}

	var se *Error
	if errors.As(err, &se) {
		return err
	}

	var sqErr *sqlite3.Error
	switch {
	case errors.As(err, &sqErr):
		return &Error{Kind: classify(sqErr), Op: op, Err: err}
	case errors.Is(err, sql.ErrNoRows):
		return &Error{Kind: KindNotFound, Op: op, Err: ErrNotFound}
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindUnavailable, Op: op, Err: err}
	}
	return err
}

// normalizeAll is Normalize for paths where every error comes from the
// driver, so anything unrecognized is reported as KindUnknown.
func normalizeAll(op string, err error) error {
	if err == nil {
		return nil
	}
	n := Normalize(op, err)
	var se *Error
	if errors.As(n, &se) {
		return n
	}
	return &Error{Kind: KindUnknown, Op: op, Err: err}
}

func classify(e *sqlite3.Error) Kind {
	switch {
	case errors.Is(e, sqlite3.CONSTRAINT_UNIQUE), errors.Is(e, sqlite3.CONSTRAINT_PRIMARYKEY):
		return KindDuplicate
	case errors.Is(e, sqlite3.CONSTRAINT_FOREIGNKEY):
		return KindReferential
	case errors.Is(e, sqlite3.CONSTRAINT_NOTNULL):
		return KindMissingField
	case errors.Is(e, sqlite3.CONSTRAINT):
		return KindConstraint
	case errors.Is(e, sqlite3.BUSY), errors.Is(e, sqlite3.LOCKED),
		errors.Is(e, sqlite3.CANTOPEN), errors.Is(e, sqlite3.IOERR):
		return KindUnavailable
	case errors.Is(e, sqlite3.NOMEM), errors.Is(e, sqlite3.FULL), errors.Is(e, sqlite3.TOOBIG):
		return KindExhausted
	}
	return KindUnknown
}

// KindOf returns the Kind of err, or KindUnknown when err is not a store error.
// ErrNotFound maps to KindNotFound.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindUnknown
}
