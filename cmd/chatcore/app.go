package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/circuitbreaker"
	"github.com/Alexander-D-Karpov/chatcore/internal/common/config"
	"github.com/Alexander-D-Karpov/chatcore/internal/common/logging"
	"github.com/Alexander-D-Karpov/chatcore/internal/infra"
	"github.com/Alexander-D-Karpov/chatcore/internal/infra/cache"
	"github.com/Alexander-D-Karpov/chatcore/internal/infra/db"
	"github.com/Alexander-D-Karpov/chatcore/internal/observability"
	"github.com/Alexander-D-Karpov/chatcore/internal/remote"
	"github.com/Alexander-D-Karpov/chatcore/internal/storage"
	"github.com/Alexander-D-Karpov/chatcore/internal/store"
	"github.com/Alexander-D-Karpov/chatcore/internal/version"
	"go.uber.org/zap"
)

const cachePrefix = "chatcore"

// app holds what every subcommand shares: configuration, logging, metrics
// and the cleanup stack for opened resources.
type app struct {
	source string
	user   string

	cfg     *config.Config
	logger  *zap.Logger
	metrics *observability.Metrics
	health  *observability.HealthChecker
	closers []func()
}

func (a *app) init() error {
	if a.cfg != nil {
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.source != "" {
		cfg.Remote.Source = a.source
	}
	if a.user != "" {
		cfg.Chat.LocalUserID = a.user
	}

	logger, err := logging.Init(
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.Output,
		cfg.Logging.EnableFile,
		cfg.Logging.FilePath,
	)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	a.cfg = cfg
	a.logger = logger
	a.metrics = observability.NewMetrics(logger)
	a.health = observability.NewHealthChecker(logger, version.String())
	a.onClose(func() { _ = logger.Sync() })
	return nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) newStore() *store.Store {
	gen := infra.NewSnowflakeGenerator(a.cfg.Chat.WorkerID)
	return store.New(gen, time.Now, a.logger)
}

func (a *app) openDB(ctx context.Context) (*db.DB, error) {
	database, err := db.New(ctx, a.cfg.Database, a.logger)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a.onClose(database.Close)

	monitor := db.NewPoolMonitor(database.Pool, a.logger, 30*time.Second)
	monitor.Start(ctx)
	a.onClose(monitor.Stop)

	a.health.RegisterCheck("postgres", observability.PingCheck(database.Health, false))
	a.logger.Info("connected to database")
	return database, nil
}

// openCache connects to Redis when enabled. A failed connection is logged and
// the caller continues without a cache.
func (a *app) openCache() *cache.Cache {
	if !a.cfg.Redis.Enabled {
		return nil
	}
	c, err := cache.New(a.cfg.Redis, cachePrefix)
	if err != nil {
		a.logger.Warn("failed to connect to Redis, continuing without cache", zap.Error(err))
		return nil
	}
	a.onClose(func() {
		if err := c.Close(); err != nil {
			a.logger.Error("failed to close cache", zap.Error(err))
		}
	})
	a.health.RegisterCheck("redis", observability.PingCheck(c.Ping, true))
	a.logger.Info("connected to Redis")
	return c
}

// remoteStack is the remote chat service wrapped with resilience and,
// when Redis is available, a listing cache.
type remoteStack struct {
	Service   remote.Service
	Resilient *remote.Resilient
	Cached    *remote.Cached
}

func (a *app) openRemote(ctx context.Context) (*remoteStack, error) {
	var base remote.Service
	switch a.cfg.Remote.Source {
	case "postgres":
		database, err := a.openDB(ctx)
		if err != nil {
			return nil, err
		}
		base = remote.NewPostgresSource(database.Pool, a.cfg.Chat.LocalUserID, a.logger)
	case "http", "":
		client := remote.NewHTTPClient(a.cfg.Remote,
			remote.WithHTTPMetrics(a.metrics),
			remote.WithHTTPLogger(a.logger),
		)
		a.onClose(func() { _ = client.Close() })
		base = client
	default:
		return nil, fmt.Errorf("unknown remote source %q", a.cfg.Remote.Source)
	}

	resilient := remote.NewResilient(base, a.cfg.Remote, a.logger)
	a.health.RegisterCheck("remote", breakerCheck(resilient.Breaker()))

	stack := &remoteStack{Service: resilient, Resilient: resilient}
	if c := a.openCache(); c != nil {
		stack.Cached = remote.NewCached(resilient, c, a.cfg.Remote.CacheTTL, a.metrics, a.logger)
		stack.Service = stack.Cached
	}
	return stack, nil
}

func breakerCheck(cb *circuitbreaker.CircuitBreaker) observability.HealthCheck {
	return func(context.Context) (observability.HealthStatus, string, error) {
		switch state := cb.GetState(); state {
		case circuitbreaker.StateOpen:
			return observability.StatusUnhealthy, "circuit " + state.String(), nil
		case circuitbreaker.StateHalfOpen:
			return observability.StatusDegraded, "circuit " + state.String(), nil
		}
		return observability.StatusHealthy, "", nil
	}
}

func (a *app) openBackend() (storage.Backend, *storage.Local, error) {
	att := a.cfg.Attachments
	switch att.Backend {
	case "s3":
		backend, err := storage.NewS3(storage.S3Config{
			Bucket:   att.S3Bucket,
			Region:   att.S3Region,
			Endpoint: att.S3Endpoint,
			CDNURL:   att.CDNURL,
		}, a.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("init s3 storage: %w", err)
		}
		return backend, nil, nil
	case "local", "":
		local, err := storage.NewLocal(att.StoragePath, att.StorageURL, a.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("init local storage: %w", err)
		}
		return local, local, nil
	}
	return nil, nil, fmt.Errorf("unknown attachments backend %q", att.Backend)
}

func (a *app) requireUser() error {
	if a.cfg.Chat.LocalUserID == "" {
		return fmt.Errorf("local user is required: set CHAT_LOCAL_USER_ID or --user")
	}
	return nil
}
