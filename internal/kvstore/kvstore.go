// Package kvstore provides the keyed persistence layer for OAuth credentials
// and short-lived state tokens.
package kvstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("kvstore: key not found")
	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("kvstore: store unavailable")
)

// Store is a minimal TTL-aware key-value contract. A zero ttl on Put means the
// entry does not expire.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// GetDel atomically reads and removes a key. Used to consume one-shot
	// OAuth state entries so a replayed callback cannot reuse them.
	GetDel(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
