package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

type contextKeyType string

const queryStartKey contextKeyType = "query_start"

type queryStart struct {
	sql string
	at  time.Time
}

// SlowQueryLogger is a pgx tracer that warns about queries slower than the
// threshold. Arguments are never logged since they carry message content.
type SlowQueryLogger struct {
	logger    *zap.Logger
	threshold time.Duration
	now       func() time.Time
}

func NewSlowQueryLogger(logger *zap.Logger, threshold time.Duration) *SlowQueryLogger {
	return &SlowQueryLogger{
		logger:    logger,
		threshold: threshold,
		now:       time.Now,
	}
}

func (s *SlowQueryLogger) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey, queryStart{sql: data.SQL, at: s.now()})
}

func (s *SlowQueryLogger) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(queryStartKey).(queryStart)
	if !ok {
		return
	}

	if duration := s.now().Sub(start.at); duration > s.threshold {
		s.logger.Warn("slow query detected",
			zap.Duration("duration", duration),
			zap.String("sql", start.sql),
			zap.Error(data.Err),
		)
	}
}
