package providers

import (
	"context"
	"errors"
	"time"
)

// ErrUpdateAborted may be returned by an UpdateFunc to leave the key unchanged.
var ErrUpdateAborted = errors.New("coordination store: update aborted")

// UpdateFunc computes the next value of a key from its current value.
type UpdateFunc func(current string, exists bool) (string, error)

// CoordinationStore is the shared key-value store used for locks, breaker
// state and failure records. Every engine process must see the same store.
type CoordinationStore interface {
	// SetNX stores value only if key is absent. It reports whether it stored.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete removes key only if it currently holds value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)

	// Get retrieves a value. exists is false when the key is absent or expired.
	Get(ctx context.Context, key string) (value string, exists bool, err error)

	// Set stores a value. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Update atomically replaces the value of key with fn(current). Returning
	// ErrUpdateAborted from fn leaves the key untouched and returns the
	// current value.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) (string, error)

	// Delete removes a key
	Delete(ctx context.Context, key string) error

	// Exists checks if a key is present
	Exists(ctx context.Context, key string) (bool, error)

	// Keys lists keys starting with prefix
	Keys(ctx context.Context, prefix string) ([]string, error)
}
