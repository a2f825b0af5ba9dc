// Package storage defines the TTL-capable key-value port the auth core
// depends on. Production runs against Redis; tests run against the
// in-memory implementation. Core logic never depends on which is active.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by operations that require an existing key.
var ErrNotFound = errors.New("storage: key not found")

// KV is the storage contract for all revocation, refresh, session, and
// MFA state. Implementations must make Update atomic per key: concurrent
// updates of the same key serialize, and the transform sees the latest
// committed value.
type KV interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes a value. A non-positive ttl stores the key without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes only when the key is absent. Reports whether the write
	// happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Update atomically rewrites an existing key with fn(current),
	// preserving its TTL. Returns ErrNotFound when the key is absent.
	// An error from fn aborts the write and is returned verbatim.
	Update(ctx context.Context, key string, fn func(current string) (string, error)) error

	// Del removes keys, returning how many existed.
	Del(ctx context.Context, keys ...string) (int, error)

	Exists(ctx context.Context, key string) (bool, error)

	// TTL reports the remaining lifetime. hasTTL is false for keys stored
	// without expiry; exists is false for missing keys.
	TTL(ctx context.Context, key string) (ttl time.Duration, hasTTL bool, exists bool, err error)

	// Expire sets a key's TTL. Returns ErrNotFound when the key is absent.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// ScanPrefix lists keys with the given prefix. Used by maintenance
	// paths only; never on the request hot path.
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)

	// Unordered string-set operations, used for per-user indexes.
	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	SetCard(ctx context.Context, key string) (int64, error)
}
