package cache

import (
	"context"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/logging"
	"go.uber.org/zap"
)

// Loader produces the value cached under a warmer key.
type Loader func(ctx context.Context) (any, error)

type Warmer struct {
	store  Store
	ttl    time.Duration
	logger *zap.Logger
}

func NewWarmer(store Store, ttl time.Duration, logger *zap.Logger) *Warmer {
	return &Warmer{
		store:  store,
		ttl:    ttl,
		logger: logging.OrNop(logger),
	}
}

// Warm loads and caches every key. Failures are logged and skipped; the
// number of keys cached is returned.
func (w *Warmer) Warm(ctx context.Context, loaders map[string]Loader) int {
	warmed := 0
	for key, load := range loaders {
		if ctx.Err() != nil {
			break
		}
		data, err := load(ctx)
		if err != nil {
			w.logger.Warn("failed to load cache entry", zap.String("key", key), zap.Error(err))
			continue
		}

		if err := w.store.Set(ctx, key, data, w.ttl); err != nil {
			w.logger.Warn("failed to cache entry", zap.String("key", key), zap.Error(err))
			continue
		}
		warmed++
	}

	w.logger.Debug("cache warmed", zap.Int("keys", warmed), zap.Int("requested", len(loaders)))
	return warmed
}
