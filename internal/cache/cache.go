// Package cache provides the TTL-keyed byte store used across the
// pipeline. Two backends exist: Redis for production and an in-process map
// for development and tests. Values are opaque; callers serialize.
package cache

import (
	"context"
	"time"
)

// Cache is the TTL store contract. Get reports a miss as (nil, false, nil);
// backend failures surface as errors and the caller decides whether to
// degrade. A ttl of 0 stores without expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) ([]byte, error)
	Health(ctx context.Context) error
	Close() error
}

// FetchFunc produces the value for a key on a cache miss.
type FetchFunc func(ctx context.Context) ([]byte, error)

// getOrFetch is the shared read-through path. On a miss the fetcher runs
// once for this caller; concurrent misses are not coalesced. A non-empty
// result is stored with ttl; a store failure does not invalidate the
// freshly fetched value.
func getOrFetch(ctx context.Context, c Cache, key string, ttl time.Duration, fetch FetchFunc, onStoreErr func(error)) ([]byte, error) {
	if v, ok, err := c.Get(ctx, key); err == nil && ok {
		return v, nil
	}

	v, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if len(v) > 0 {
		if err := c.Set(ctx, key, v, ttl); err != nil && onStoreErr != nil {
			onStoreErr(err)
		}
	}
	return v, nil
}
