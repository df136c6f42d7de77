// Package objectstore defines the interfaces for the archive object
// store behind the presign gateway. This abstraction keeps the gateway
// independent of a specific backend (MinIO, Google Cloud Storage, or an
// in-memory store for tests).
package objectstore

import (
	"context"
	"time"
)

// Store is the capability the gateway needs: check whether an object
// exists, and mint a time-limited write URL for a key that does not.
// The gateway never overwrites existing archives, so there is no
// unconditional write operation here.
type Store interface {
	// Exists reports whether an object is present at key.
	Exists(ctx context.Context, key string) (bool, error)
	// PresignPut issues a presigned PUT URL scoped to exactly key,
	// valid for the given duration.
	PresignPut(ctx context.Context, key string, expiry time.Duration) (string, error)
}
