package knk

import (
	"errors"
	"fmt"
	"time"
)

// OpKind is the kind of a backend operation.
type OpKind uint8

const (
	OpLoad OpKind = iota
	OpSave
	OpPatch
)

// String returns the lowercase name of the kind.
func (k OpKind) String() string {
	switch k {
	case OpLoad:
		return "load"
	case OpSave:
		return "save"
	case OpPatch:
		return "patch"
	default:
		return "unknown"
	}
}

// Outcome classifies a finished operation.
type Outcome uint8

const (
	// Success means the backend accepted the operation.
	Success Outcome = iota

	// Conflict means the backend rejected a write because its version was stale.
	Conflict

	// TransportFailure covers every other failure, including permanent rejections.
	// The error kind is available through SyncResult.Err.
	TransportFailure
)

// String returns the lowercase name of the outcome.
func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Conflict:
		return "conflict"
	default:
		return "failure"
	}
}

// Operation is a backend request waiting in its key's queue.
type Operation struct {
	Key        EntityKey
	Kind       OpKind
	Request    Request
	EnqueuedAt time.Time

	// Attempt counts how many times the scheduler dispatched the operation.
	Attempt int

	// Done receives the result on the main thread. It may be nil.
	Done func(SyncResult)
}

// SyncResult is the typed completion event delivered through the Bridge.
type SyncResult struct {
	Key     EntityKey
	Kind    OpKind
	Outcome Outcome

	// Record holds the document and version returned by the backend.
	// Its payload is empty when the backend returned no body.
	Record Record

	// HasVersion reports whether the backend sent a version token.
	HasVersion bool

	// ServerVersion is the backend's version on conflicts, when known.
	ServerVersion Version

	// Err is set for Conflict and TransportFailure outcomes.
	Err error
}

// newSyncResult converts a transport response into a completion event.
func newSyncResult(op *Operation, resp Response, err error, now time.Time) SyncResult {
	res := SyncResult{
		Key:  op.Key,
		Kind: op.Kind,
		Err:  err,
	}
	switch {
	case err == nil && op.Kind == OpLoad && !resp.HasVersion:
		// Without a version every later write would be sent as a create.
		res.Outcome = TransportFailure
		res.Err = fmt.Errorf("knk: load %s: missing version token: %w", op.Key, ErrPermanent)
	case err == nil:
		res.Outcome = Success
		res.HasVersion = resp.HasVersion
		res.Record = Record{
			Key:          op.Key,
			Payload:      Document(resp.Body),
			Version:      resp.Version,
			LastSyncedAt: now,
		}
	case errors.Is(err, ErrVersionConflict):
		res.Outcome = Conflict
		res.ServerVersion, _ = serverVersion(err)
	default:
		res.Outcome = TransportFailure
	}
	return res
}
