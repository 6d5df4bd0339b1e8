package cache

import (
	"context"
	"errors"
)

var (
	// ErrBackendUnavailable indicates a storage backend call failed or timed
	// out. EdgeCache treats it as a cache miss; it never fails the request.
	ErrBackendUnavailable = errors.New("cache backend unavailable")
)

// Backend is the storage contract shared by the in-memory reference
// implementation and remote backends (Redis, object store).
//
// Implementations must be safe for concurrent use. Remote implementations
// must bound every call with a short timeout and surface failures as errors;
// they must never block the request path.
type Backend interface {
	// Get returns the entry stored under key, and whether one was found.
	Get(ctx context.Context, key string) (*Entry, bool, error)

	// Set stores the entry under key, replacing any previous entry.
	Set(ctx context.Context, key string, entry *Entry) error

	// Delete removes the entry under key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Scan visits every stored entry until fn returns false. Used by the
	// background sweep; entries passed to fn must not be retained.
	Scan(ctx context.Context, fn func(key string, entry *Entry) bool) error
}
