package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/config"
	"golang.org/x/time/rate"
)

const (
	KindDefault = "default"
	KindMessage = "message"
	KindUpload  = "upload"
	KindTyping  = "typing"
)

// Counter is a shared fixed-window counter, typically Redis.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Limiter throttles outgoing actions per key. Keys have the form
// "<kind>:<subject>" and the kind selects the limit. With a Counter the
// window is shared across processes; counter failures fall back to the
// in-process token bucket.
type Limiter struct {
	counter     Counter
	enabled     bool
	limits      map[string]LimitConfig
	localCache  map[string]*rate.Limiter
	mu          sync.Mutex
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

type LimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

func NewLimiter(counter Counter, cfg config.RateLimitConfig) *Limiter {
	l := &Limiter{
		counter: counter,
		enabled: cfg.Enabled,
		limits: map[string]LimitConfig{
			KindDefault: {
				RequestsPerMinute: 60,
				Burst:             10,
			},
			KindMessage: {
				RequestsPerMinute: cfg.MessagesPerMinute,
				Burst:             cfg.Burst,
			},
			KindUpload: {
				RequestsPerMinute: 30,
				Burst:             5,
			},
			KindTyping: {
				RequestsPerMinute: 60,
				Burst:             3,
			},
		},
		localCache:  make(map[string]*rate.Limiter),
		cleanupDone: make(chan struct{}),
	}

	if l.enabled {
		go l.cleanup()
	}

	return l
}

// Key builds a limiter key for kind and subject.
func Key(kind, subject string) string {
	return kind + ":" + subject
}

func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	if l == nil || !l.enabled {
		return true, nil
	}

	limitType, _, _ := strings.Cut(key, ":")
	cfg, ok := l.limits[limitType]
	if !ok {
		cfg = l.limits[KindDefault]
	}

	if l.counter != nil {
		return l.allowShared(ctx, key, cfg), nil
	}

	return l.allowLocal(key, cfg), nil
}

func (l *Limiter) allowLocal(key string, cfg LimitConfig) bool {
	l.mu.Lock()
	limiter, exists := l.localCache[key]
	if !exists {
		limit := rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
		limiter = rate.NewLimiter(limit, max(cfg.Burst, 1))
		l.localCache[key] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *Limiter) allowShared(ctx context.Context, key string, cfg LimitConfig) bool {
	cacheKey := "ratelimit:" + key

	count, err := l.counter.Incr(ctx, cacheKey)
	if err != nil {
		return l.allowLocal(key, cfg)
	}

	if count == 1 {
		_ = l.counter.Expire(ctx, cacheKey, time.Minute)
	}

	return count <= int64(cfg.RequestsPerMinute)
}

func (l *Limiter) Reset(ctx context.Context, key string) error {
	l.mu.Lock()
	delete(l.localCache, key)
	l.mu.Unlock()

	if l.counter != nil {
		return l.counter.Delete(ctx, "ratelimit:"+key)
	}

	return nil
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			l.localCache = make(map[string]*rate.Limiter)
			l.mu.Unlock()
		case <-l.cleanupDone:
			return
		}
	}
}

func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.cleanupDone) })
}
