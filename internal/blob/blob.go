// Package blob provides flat key/value storage for binary artifacts: staged
// export parts, finished archives, and generated page images. Keys look like
// slash-separated paths ("exports/user-1/book.zip") but are opaque to callers.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("blob not found")

// Store is the storage backend contract. Implementations must return the
// canonical key from Put; callers persist that key, not the one they passed
// in. List returns keys in lexicographic order so zero-padded staging keys
// come back in page order.
type Store interface {
	// Put stores data under key and returns the canonical key.
	Put(ctx context.Context, key string, data []byte) (string, error)

	// Get retrieves the data stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns all keys with the given prefix, sorted lexicographically.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the data stored under key. Deleting a missing key is
	// not an error.
	Delete(ctx context.Context, key string) error
}
