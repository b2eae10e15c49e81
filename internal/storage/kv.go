// Package storage persists the per-instance feature state: take-profit logs,
// trailing stops, pauses, watermarks, DCA logs and entry times.
//
// State lives in a small bucketed key-value store. BoltStore keeps it in an
// embedded BoltDB file next to the service; RedisStore shares it between
// replicas.
package storage

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// KV is the storage backend the StateRepository runs on.
type KV interface {
	// Get returns (nil, false, nil) when the key does not exist.
	Get(ctx context.Context, bucket, key string) ([]byte, bool, error)
	Put(ctx context.Context, bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket, key string) error
	// Scan calls fn for every key in bucket starting with prefix, in key order.
	Scan(ctx context.Context, bucket, prefix string, fn func(key string, value []byte) error) error
	Close() error
}
