// Package store defines the credential store contract: a shared, TTL-capable
// key-value store with per-key atomic conditional writes. The production
// implementation is Redis; an in-memory implementation with identical
// semantics backs the test suite.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by Get when the key is absent or expired.
var ErrKeyNotFound = errors.New("key not found")

// Store is the contract every credential component depends on.
//
// No ordering is guaranteed between operations on different keys.
// CompareAndSwap is the only multi-step primitive and is atomic per key:
// concurrent swaps against the same key observe exactly one winner.
type Store interface {
	// Get returns the value at key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value at key with the given ttl. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX writes value only if key does not exist. Reports whether the
	// write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndSwap replaces the value at key with replacement only if the
	// current value is byte-equal to expected. Reports whether the swap
	// happened; a missing key never swaps.
	CompareAndSwap(ctx context.Context, key string, expected, replacement []byte, ttl time.Duration) (bool, error)

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Keys returns the keys matching a glob-style pattern. Expensive on
	// large keyspaces; callers keep patterns narrow.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases underlying resources.
	Close() error
}
