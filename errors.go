package knk

import (
	"errors"
	"fmt"
)

// Error kinds. Every error surfaced by the module matches one of these with errors.Is.
var (
	// ErrTransient is a network failure (timeout, 5xx) that outlived the transport's retries.
	ErrTransient = errors.New("knk: transient network failure")

	// ErrPermanent is a 4xx-class backend rejection that must not be retried.
	ErrPermanent = errors.New("knk: permanent backend failure")

	// ErrNotFound is returned when the backend has no record for the key.
	ErrNotFound = errors.New("knk: record not found")

	// ErrVersionConflict means the backend holds a newer version than the write was based on.
	ErrVersionConflict = errors.New("knk: version conflict")

	// ErrFlushTimeout means a final flush did not complete in time and local edits may be lost.
	ErrFlushTimeout = errors.New("knk: flush timed out")

	// ErrNotReady means the entity's remote state is unresolved; the caller should try again.
	ErrNotReady = errors.New("knk: entity not ready, try again")

	// ErrUnloading means the entity is being flushed and unloaded.
	ErrUnloading = errors.New("knk: entity is unloading, try again")

	// ErrAbandoned means the entity unloaded before its load completed.
	ErrAbandoned = errors.New("knk: load abandoned")

	// ErrDirty means a cache entry still holds unconfirmed edits.
	ErrDirty = errors.New("knk: record has unflushed changes")

	// ErrClosed is returned once a component has been shut down.
	ErrClosed = errors.New("knk: closed")
)

// BackendError describes a failed exchange with the backend.
type BackendError struct {
	Method string
	Path   string
	Status int

	// ServerVersion is set for version conflicts when the backend reported its version.
	ServerVersion Version

	// Body is a truncated snippet of the response body.
	Body string

	// Kind is one of the error kinds above.
	Kind error

	// Err is the underlying cause, if any.
	Err error
}

// Error implements error.
func (e *BackendError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Method, e.Path)
	if e.Status != 0 {
		msg += fmt.Sprintf(" -> %d", e.Status)
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the error kind. NotFound also matches ErrPermanent.
func (e *BackendError) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	return target == ErrPermanent && e.Kind == ErrNotFound
}

// Unwrap returns the underlying cause.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a player-facing action failed on unresolved remote state
// and should be offered a "try again" instead of proceeding with stale data.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrNotReady) ||
		errors.Is(err, ErrUnloading) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrFlushTimeout)
}

// serverVersion extracts the server version from a conflict error.
func serverVersion(err error) (Version, bool) {
	var be *BackendError
	if errors.As(err, &be) && be.Kind == ErrVersionConflict {
		return be.ServerVersion, true
	}
	return 0, false
}
