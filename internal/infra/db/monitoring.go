package db

import (
	"context"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/logging"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PoolMonitor periodically logs pool statistics until stopped.
type PoolMonitor struct {
	pool     *pgxpool.Pool
	logger   *zap.Logger
	interval time.Duration
	stop     chan struct{}
}

func NewPoolMonitor(pool *pgxpool.Pool, logger *zap.Logger, interval time.Duration) *PoolMonitor {
	return &PoolMonitor{
		pool:     pool,
		logger:   logging.OrNop(logger),
		interval: interval,
		stop:     make(chan struct{}),
	}
}

func (m *PoolMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				stats := m.pool.Stat()
				m.logger.Debug("database pool stats",
					zap.Int32("total_conns", stats.TotalConns()),
					zap.Int32("idle_conns", stats.IdleConns()),
					zap.Int32("acquired_conns", stats.AcquiredConns()),
					zap.Int64("acquire_count", stats.AcquireCount()),
					zap.Duration("acquire_duration", stats.AcquireDuration()),
				)
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *PoolMonitor) Stop() {
	close(m.stop)
}
