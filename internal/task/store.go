package task

import (
	"context"
	"errors"
)

// ErrStoreUnavailable indicates the backing persistence cannot be
// reached. Callers treat an absent value as an empty sequence; this
// error is reserved for genuine outages.
var ErrStoreUnavailable = errors.New("task store unavailable")

// Store is the single source of truth across process restarts. The
// whole task sequence is read and rewritten as one value; there are no
// partial updates. Exactly one orchestration process mutates a store at
// a time, so no locking is provided.
type Store interface {
	// Load returns the full task sequence. A store that has never been
	// written loads as an empty sequence, not an error.
	Load(ctx context.Context) ([]Task, error)
	// Save overwrites the full task sequence. The write is atomic from
	// the caller's perspective: a subsequent Load never observes a
	// partial value.
	Save(ctx context.Context, tasks []Task) error
}
