package pagestash

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrInvalidURL         = errors.New("invalid url")
	ErrStorageFull        = errors.New("storage full")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrConflict           = errors.New("revision conflict")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotImplemented     = errors.New("not implemented")
)

type ConflictError struct {
	ExpectedRevision string
	CurrentRevision  string
}

func (e *ConflictError) Error() string {
	return "revision conflict"
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Snapshot is one committed state of the collection. Revision is opaque;
// an empty revision means the key has never been written.
type Snapshot struct {
	Revision string
	Items    []Item
}

// Backend is the persistence contract: a single key holding the whole
// collection as one blob. Set performs a compare-and-swap against the
// revision the caller read and fails with a *ConflictError when the
// committed revision has moved. Watch registers a change signal that fires
// whenever the key changes from any writer, with no payload; callbacks may
// be invoked from arbitrary goroutines and must not be assumed to arrive
// in any particular order relative to the Set that caused them.
type Backend interface {
	Get(ctx context.Context) (Snapshot, error)
	Set(ctx context.Context, expectedRevision string, items []Item) (string, error)
	Watch(fn func()) (func(), error)
}

type backendCloser interface {
	Close() error
}

func newRevision() string {
	return uuid.NewString()
}
