// Package testutil connects integration tests to Postgres and Redis. Tests
// that need a service skip when it is not reachable.
package testutil

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/config"
	"github.com/Alexander-D-Karpov/chatcore/internal/infra/db"
	"github.com/Alexander-D-Karpov/chatcore/internal/infra/migrations"
	"github.com/stretchr/testify/require"
)

var (
	dbOnce         sync.Once
	sharedDB       *db.DB
	dbErr          error
	migrationsDone bool
	mu             sync.Mutex
)

// Stable advisory lock so only one package resets/runs migrations at a time.
const advisoryLockID int64 = 0x63_68_61_74_63_6F_72_65

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}

func getConfig() config.DatabaseConfig {
	return config.DatabaseConfig{
		Host:            envOr("TEST_DB_HOST", "localhost"),
		Port:            envIntOr("TEST_DB_PORT", 5432),
		User:            envOr("TEST_DB_USER", "postgres"),
		Password:        envOr("TEST_DB_PASSWORD", "postgres"),
		Database:        envOr("TEST_DB_NAME", "chatcore_test"),
		MaxConns:        10,
		MinConns:        1,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 5 * time.Minute,
	}
}

// GetDB returns a migrated, emptied database or skips the test.
func GetDB(t *testing.T) *db.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}

	mu.Lock()
	defer mu.Unlock()

	dbOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sharedDB, dbErr = db.New(ctx, getConfig(), nil)
	})
	if dbErr != nil {
		t.Skipf("postgres not available: %v", dbErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	conn, err := sharedDB.Pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	_, err = conn.Exec(ctx, "SELECT pg_advisory_lock($1)", advisoryLockID)
	require.NoError(t, err)
	defer func() { _, _ = conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockID) }()

	if !migrationsDone {
		resetPublicSchema(t, ctx, sharedDB)

		_, err = migrations.Run(ctx, sharedDB.Pool)
		require.NoError(t, err, "Failed to run migrations")
		migrationsDone = true
	}

	truncateAll(t, ctx, sharedDB)

	return sharedDB
}

func resetPublicSchema(t *testing.T, ctx context.Context, database *db.DB) {
	t.Helper()

	_, err := database.Pool.Exec(ctx, `DROP SCHEMA IF EXISTS public CASCADE`)
	require.NoError(t, err)

	_, err = database.Pool.Exec(ctx, `CREATE SCHEMA public`)
	require.NoError(t, err)
}

func truncateAll(t *testing.T, ctx context.Context, database *db.DB) {
	t.Helper()

	tables := []string{
		"message_reads",
		"message_reactions",
		"message_files",
		"messages",
		"channel_members",
		"channels",
		"users",
	}

	for _, table := range tables {
		q := fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)
		if _, err := database.Pool.Exec(ctx, q); err != nil {
			t.Logf("Warning: failed to truncate table %s: %v", table, err)
		}
	}
}

func Teardown() {
	CacheTeardown()
	if sharedDB != nil {
		sharedDB.Close()
		sharedDB = nil
	}
}
