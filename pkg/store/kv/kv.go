// Package kv defines the ephemeral key/value store used for in-flight
// admission markers and small-payload caching. The redis variant provides
// the cross-instance semantics admission dedup needs; the memory variant
// backs single-node deployments and tests.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the key does not exist or has expired.
var ErrNotFound = errors.New("key not found")

// Store is the KV contract. All writes carry a TTL; there is no unexpiring
// state in this store.
type Store interface {
	// Get returns the value, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes the value with a TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX atomically writes the value only if the key is absent.
	// Returns true if the write happened. This is the cross-instance
	// mutual exclusion primitive behind in-flight markers.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes a key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Healthy reports whether the store is reachable.
	Healthy(ctx context.Context) error
}

// InFlightKey is the admission in-flight marker key for a data item id.
func InFlightKey(id string) string {
	return "inflight:" + id
}
