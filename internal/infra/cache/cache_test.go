package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryStore mimics Cache's JSON round trip in memory.
type memoryStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	ttls    map[string]time.Duration
	failGet error
	failSet error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (m *memoryStore) Get(ctx context.Context, key string, dest any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return m.failGet
	}
	data, ok := m.data[key]
	if !ok {
		return ErrCacheMiss
	}
	return json.Unmarshal(data, dest)
}

func (m *memoryStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet != nil {
		return m.failSet
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.data[key] = data
	m.ttls[key] = ttl
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

type channelRow struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func TestGetOrLoadCachesResult(t *testing.T) {
	store := newMemoryStore()
	stats := NewStats()
	ctx := context.Background()

	calls := 0
	load := func(context.Context) ([]channelRow, error) {
		calls++
		return []channelRow{{ID: "c1", Name: "general"}}, nil
	}

	first, err := GetOrLoad(ctx, store, stats, "channels", time.Minute, load)
	require.NoError(t, err)
	second, err := GetOrLoad(ctx, store, stats, "channels", time.Minute, load)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)
	assert.Equal(t, time.Minute, store.ttls["channels"])

	hits, misses, rate := stats.Snapshot()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
	assert.InDelta(t, 0.5, rate, 0.001)
}

func TestGetOrLoadPropagatesLoaderError(t *testing.T) {
	store := newMemoryStore()
	boom := errors.New("remote down")

	_, err := GetOrLoad(context.Background(), store, nil, "k", time.Minute, func(context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, store.data)
}

func TestGetOrLoadSurvivesBrokenCache(t *testing.T) {
	store := newMemoryStore()
	store.failGet = errors.New("connection refused")
	store.failSet = errors.New("connection refused")
	stats := NewStats()

	v, err := GetOrLoad(context.Background(), store, stats, "k", time.Minute, func(context.Context) (string, error) {
		return "fresh", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
	assert.Equal(t, uint64(2), stats.Errors())
}

func TestInvalidate(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "a", 1, 0))
	require.NoError(t, store.Set(ctx, "b", 2, 0))

	require.NoError(t, Invalidate(ctx, store, "a"))

	var v int
	assert.ErrorIs(t, store.Get(ctx, "a", &v), ErrCacheMiss)
	assert.NoError(t, store.Get(ctx, "b", &v))
}

func TestWarmerSkipsFailures(t *testing.T) {
	store := newMemoryStore()
	w := NewWarmer(store, 30*time.Second, nil)

	n := w.Warm(context.Background(), map[string]Loader{
		"ok": func(context.Context) (any, error) { return []string{"x"}, nil },
		"bad": func(context.Context) (any, error) {
			return nil, errors.New("nope")
		},
	})

	assert.Equal(t, 1, n)
	assert.Contains(t, store.data, "ok")
	assert.NotContains(t, store.data, "bad")
	assert.Equal(t, 30*time.Second, store.ttls["ok"])
}

func TestNilStats(t *testing.T) {
	var s *Stats
	assert.NotPanics(t, func() {
		s.RecordHit()
		s.RecordMiss()
		s.RecordError()
	})
	h, m, r := s.Snapshot()
	assert.Zero(t, h)
	assert.Zero(t, m)
	assert.Zero(t, r)
}
