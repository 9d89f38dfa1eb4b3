package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by KeyValueStore.Get when the key does not exist.
	ErrNotFound = errors.New("storage: key not found")

	// ErrQuotaExceeded is returned when a write would exceed the store's capacity.
	ErrQuotaExceeded = errors.New("storage: quota exceeded")
)

// KeyValueStore is a string key/value store.
// Session-scoped instances back the CSRF token; durable instances back the audit log.
// All methods accept context.Context for tracing and cancellation.
type KeyValueStore interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// WindowCounter counts hits per key in fixed windows.
// The window for a key starts with the first Increment after the previous window
// expired and lasts exactly window; the count restarts at 1 in the next window.
type WindowCounter interface {
	// Increment adds one hit for key and returns the count inside the current
	// window together with the time left until the window ends.
	Increment(ctx context.Context, key string, window time.Duration) (count int64, resetIn time.Duration, err error)
}
