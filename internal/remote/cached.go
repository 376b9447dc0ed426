package remote

import (
	"context"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/logging"
	"github.com/Alexander-D-Karpov/chatcore/internal/infra/cache"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"github.com/Alexander-D-Karpov/chatcore/internal/observability"
	"go.uber.org/zap"
)

// Cached is a cache-aside decorator over a Service. Listings are cached for
// ttl; Invalidate drops a conversation after local changes.
type Cached struct {
	next    Service
	store   cache.Store
	ttl     time.Duration
	stats   map[string]*cache.Stats
	logger  *zap.Logger
}

const (
	cacheChannels = "channels"
	cacheMessages = "messages"
	cacheUsers    = "users"
)

func NewCached(next Service, store cache.Store, ttl time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Cached {
	c := &Cached{
		next:   next,
		store:  store,
		ttl:    ttl,
		stats:  make(map[string]*cache.Stats),
		logger: logging.OrNop(logger),
	}
	for _, cacheType := range []string{cacheChannels, cacheMessages, cacheUsers} {
		cacheType := cacheType
		c.stats[cacheType] = cache.NewStats().Observe(func(hit bool) {
			metrics.RecordCacheHit(cacheType, hit)
		})
	}
	return c
}

func channelsKey() string { return "channels" }

func messagesKey(ref messaging.ConversationRef) string { return "messages:" + ref.Key() }

func usersKey(tenantID string) string { return "users:" + tenantID }

func (c *Cached) ListChannels(ctx context.Context) ([]messaging.Channel, error) {
	return get(ctx, c, cacheChannels, channelsKey(), c.next.ListChannels)
}

func (c *Cached) ListChannelMessages(ctx context.Context, channelID string) ([]messaging.Message, error) {
	return get(ctx, c, cacheMessages, messagesKey(messaging.ChannelRef(channelID)), func(ctx context.Context) ([]messaging.Message, error) {
		return c.next.ListChannelMessages(ctx, channelID)
	})
}

func (c *Cached) ListDirectMessages(ctx context.Context, peerUserID string) ([]messaging.Message, error) {
	return get(ctx, c, cacheMessages, messagesKey(messaging.DirectRef(peerUserID)), func(ctx context.Context) ([]messaging.Message, error) {
		return c.next.ListDirectMessages(ctx, peerUserID)
	})
}

func (c *Cached) ListTenantUsers(ctx context.Context, tenantID string) ([]messaging.ChatUser, error) {
	return get(ctx, c, cacheUsers, usersKey(tenantID), func(ctx context.Context) ([]messaging.ChatUser, error) {
		return c.next.ListTenantUsers(ctx, tenantID)
	})
}

// Invalidate drops the cached history of ref. Channel metadata is dropped
// too, since membership changes travel with channel listings.
func (c *Cached) Invalidate(ctx context.Context, ref messaging.ConversationRef) error {
	keys := []string{messagesKey(ref)}
	if ref.IsChannel() {
		keys = append(keys, channelsKey())
	}
	return cache.Invalidate(ctx, c.store, keys...)
}

// Warm preloads the channel list and every channel's history.
func (c *Cached) Warm(ctx context.Context) (int, error) {
	channels, err := c.ListChannels(ctx)
	if err != nil {
		return 0, err
	}

	loaders := make(map[string]cache.Loader, len(channels))
	for _, ch := range channels {
		id := ch.ID
		loaders[messagesKey(messaging.ChannelRef(id))] = func(ctx context.Context) (any, error) {
			return c.next.ListChannelMessages(ctx, id)
		}
	}
	return cache.NewWarmer(c.store, c.ttl, c.logger).Warm(ctx, loaders), nil
}

// Stats returns the hit counters for "channels", "messages" or "users".
func (c *Cached) Stats(cacheType string) *cache.Stats {
	return c.stats[cacheType]
}

func get[T any](ctx context.Context, c *Cached, cacheType, key string, load func(context.Context) (T, error)) (T, error) {
	return cache.GetOrLoad(ctx, c.store, c.stats[cacheType], key, c.ttl, load)
}
