package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/config"
	infraCache "github.com/Alexander-D-Karpov/chatcore/internal/infra/cache"
)

var (
	cacheOnce   sync.Once
	sharedCache *infraCache.Cache
	cacheErr    error
)

const cachePrefix = "chatcore_test"

// GetCache returns a Redis cache under a test-only prefix or skips the test.
func GetCache(t *testing.T) *infraCache.Cache {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis test in short mode")
	}

	cacheOnce.Do(func() {
		sharedCache, cacheErr = infraCache.New(config.RedisConfig{
			Host:     envOr("TEST_REDIS_HOST", "localhost"),
			Port:     envIntOr("TEST_REDIS_PORT", 6379),
			Password: envOr("TEST_REDIS_PASSWORD", ""),
			DB:       envIntOr("TEST_REDIS_DB", 15),
		}, cachePrefix)
	})

	if cacheErr != nil {
		t.Skipf("redis not available: %v", cacheErr)
	}
	CacheFlush(t)
	return sharedCache
}

// CacheFlush drops every key under the test prefix.
func CacheFlush(t *testing.T) {
	t.Helper()
	if sharedCache != nil {
		if err := sharedCache.DeletePattern(context.Background(), "*"); err != nil {
			t.Logf("testutil: flush failed: %v", err)
		}
	}
}

func CacheTeardown() {
	if sharedCache != nil {
		_ = sharedCache.Close()
		sharedCache = nil
	}
}
