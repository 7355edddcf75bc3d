// Package store provides the durable key-value storage contract used by
// the credential pool, the stats recorder, and the audit log. The
// concrete backend is opaque to callers; records are JSON values keyed
// by prefixed string keys.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the backing store cannot be reached.
var ErrUnavailable = errors.New("store unavailable")

// Store is the abstract key-value contract. A missing key yields
// (nil, nil) from Get rather than an error.
//
// Implementations must be safe for concurrent use; callers treat every
// record as subject to concurrent modification from other handlers.
type Store interface {
	// Get returns the raw value for key, or nil if the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key. A ttl of zero means no expiration.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys matching the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
