package db

import (
	"context"
	"testing"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/config"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSlowQueryLogger(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	s := NewSlowQueryLogger(zap.New(core), 100*time.Millisecond)

	now := time.Unix(0, 0)
	s.now = func() time.Time { return now }

	ctx := s.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	now = now.Add(50 * time.Millisecond)
	s.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{})
	assert.Zero(t, logs.Len())

	ctx = s.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT * FROM messages"})
	now = now.Add(time.Second)
	s.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{})
	assert.Equal(t, 1, logs.Len())
	assert.Equal(t, "SELECT * FROM messages", logs.All()[0].ContextMap()["sql"])

	// Without a start marker nothing is logged.
	s.TraceQueryEnd(context.Background(), nil, pgx.TraceQueryEndData{})
	assert.Equal(t, 1, logs.Len())
}

func TestDSN(t *testing.T) {
	dsn := DSN(config.DatabaseConfig{Host: "db", Port: 5433, User: "u", Password: "p", Database: "chat"})
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=chat sslmode=disable", dsn)
}
