package cache

import (
	"context"
	"errors"
	"time"
)

// GetOrLoad returns the cached value for key, or calls load and caches its
// result. Cache read errors other than a miss fall through to load; write
// errors are ignored so a flaky cache never fails a read.
func GetOrLoad[T any](ctx context.Context, store Store, stats *Stats, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var cached T
	err := store.Get(ctx, key, &cached)
	if err == nil {
		stats.RecordHit()
		return cached, nil
	}
	stats.RecordMiss()
	if !errors.Is(err, ErrCacheMiss) {
		stats.RecordError()
	}

	value, err := load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	if err := store.Set(ctx, key, value, ttl); err != nil {
		stats.RecordError()
	}
	return value, nil
}

func Invalidate(ctx context.Context, store Store, keys ...string) error {
	return store.Delete(ctx, keys...)
}
