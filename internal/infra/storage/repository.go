package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key doesn't exist
	ErrNotFound = errors.New("key not found")

	// ErrQuotaExceeded is returned when the backing store refuses a write
	// because it is full
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// KeyValue is the shared persistence contract used by every tab. Values are
// opaque serialized strings; the corruption detector validates them, so the
// store must hand back whatever bytes were written, even if malformed.
type KeyValue interface {
	// Get retrieves the value stored under key. The boolean reports presence.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key, overwriting any previous value
	Set(ctx context.Context, key string, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys enumerates all stored keys with the given prefix
	Keys(ctx context.Context, prefix string) ([]string, error)
}
