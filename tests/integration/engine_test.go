package integration

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bananalabs/server-fetcher/internal/testutil"
	"github.com/bananalabs/server-fetcher/pkg/fetcher"
	"github.com/bananalabs/server-fetcher/pkg/persist"
	"github.com/bananalabs/server-fetcher/pkg/throttle"
	"github.com/bananalabs/server-fetcher/pkg/upstream"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

// newEngine builds a complete engine over the mock listing with Redis
// persistence and zero request spacing.
func newEngine(t *testing.T, mock *testutil.MockListing, adapter persist.Adapter, cfg fetcher.Config) *fetcher.Store {
	t.Helper()

	th := throttle.New(0, 60*time.Second, zerolog.Nop())
	client, err := upstream.New(upstream.Config{
		BaseURL: mock.URL(),
		Timeout: 10 * time.Second,
	}, th, zerolog.Nop())
	require.NoError(t, err)

	store, err := fetcher.New(client, th, adapter, cfg, zerolog.Nop())
	require.NoError(t, err)
	return store
}

// TestFullServeFlow exercises the complete path: upstream fetch, pool
// merge, Redis save, cache drain on the next call.
func TestFullServeFlow(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockListing()
	defer mock.Close()
	mock.SetPages(123, testutil.GenerateServers(80, 2, 8))

	adapter := persist.NewRedisAdapterWithClient(redisClient, zerolog.Nop())
	cfg := fetcher.DefaultConfig()
	cfg.MinSize = 1
	store := newEngine(t, mock, adapter, cfg)

	ctx := context.Background()

	// Empty pool: one synchronous upstream fetch.
	res1, err := store.TakeServers(ctx, "123", 20, false, false)
	require.NoError(t, err)
	assert.Equal(t, fetcher.SourceUpstream, res1.Source)
	assert.Len(t, res1.Records, 20)
	assert.Equal(t, 1, mock.GetRequestCount())

	// Stocked pool: served from cache, no upstream call.
	res2, err := store.TakeServers(ctx, "123", 20, false, false)
	require.NoError(t, err)
	assert.Equal(t, fetcher.SourceCache, res2.Source)
	assert.Len(t, res2.Records, 20)
	assert.Equal(t, 60, res2.Remaining)
	assert.Equal(t, 1, mock.GetRequestCount())

	// Drained records never come back.
	seen := make(map[string]bool, len(res2.Records))
	for _, rec := range res2.Records {
		seen[rec.ID] = true
	}
	res3, err := store.TakeServers(ctx, "123", 20, false, false)
	require.NoError(t, err)
	for _, rec := range res3.Records {
		assert.False(t, seen[rec.ID], "record %s served twice", rec.ID)
	}

	// The Redis snapshot reflects the drained pool.
	state, err := adapter.Load()
	require.NoError(t, err)
	require.Contains(t, state.Pools, "123")
	persisted := state.Pools["123"]
	assert.Equal(t, 40, persisted.Size())
}

// TestRestartRestoresState persists through Redis, builds a second engine
// over the same backend, and verifies pools and throttle state survive.
func TestRestartRestoresState(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockListing()
	defer mock.Close()
	mock.SetPages(555, testutil.GenerateServers(50, 3, 8))

	adapter := persist.NewRedisAdapterWithClient(redisClient, zerolog.Nop())
	cfg := fetcher.DefaultConfig()
	cfg.MinSize = 1
	store1 := newEngine(t, mock, adapter, cfg)

	ctx := context.Background()
	_, err := store1.TakeServers(ctx, "555", 10, false, false)
	require.NoError(t, err)

	// Second engine over the same Redis backend.
	store2 := newEngine(t, mock, adapter, cfg)

	res, err := store2.TakeServers(ctx, "555", 10, false, false)
	require.NoError(t, err)
	assert.Equal(t, fetcher.SourceCache, res.Source, "restored pool should serve from cache")
	assert.Len(t, res.Records, 10)
	assert.Equal(t, 1, mock.GetRequestCount(), "restart must not refetch a stocked pool")
}

// TestRateLimitCooldownSurvivesRestart verifies a 429-triggered cooldown is
// persisted and still blocks after the engine is rebuilt.
func TestRateLimitCooldownSurvivesRestart(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockListing()
	defer mock.Close()
	mock.ForceStatus(777, 429)

	adapter := persist.NewRedisAdapterWithClient(redisClient, zerolog.Nop())
	cfg := fetcher.DefaultConfig()
	cfg.MinSize = 1
	store1 := newEngine(t, mock, adapter, cfg)

	ctx := context.Background()
	_, err := store1.TakeServers(ctx, "777", 10, false, false)
	var rl *throttle.RateLimitedError
	require.ErrorAs(t, err, &rl)
	countAfterTrip := mock.GetRequestCount()

	// A different place sees the same cooldown without touching upstream.
	_, err = store1.TakeServers(ctx, "888", 10, false, false)
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, countAfterTrip, mock.GetRequestCount())

	// Rebuild: the restored store still refuses upstream calls.
	store2 := newEngine(t, mock, adapter, cfg)
	_, err = store2.TakeServers(ctx, "777", 10, false, false)
	require.ErrorAs(t, err, &rl)
	assert.Greater(t, rl.RetryAfter, time.Duration(0))
	assert.Equal(t, countAfterTrip, mock.GetRequestCount())
}

// TestClearCacheDropsRedisState clears everything and verifies the next
// call goes back upstream.
func TestClearCacheDropsRedisState(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockListing()
	defer mock.Close()
	mock.SetPages(321, testutil.GenerateServers(40, 2, 8))

	adapter := persist.NewRedisAdapterWithClient(redisClient, zerolog.Nop())
	cfg := fetcher.DefaultConfig()
	cfg.MinSize = 1
	store := newEngine(t, mock, adapter, cfg)

	ctx := context.Background()
	_, err := store.TakeServers(ctx, "321", 10, false, false)
	require.NoError(t, err)
	require.Equal(t, 1, mock.GetRequestCount())

	require.NoError(t, store.ClearCache(""))

	state, err := adapter.Load()
	require.NoError(t, err)
	assert.Empty(t, state.Pools)

	// Pool is gone, so the next take fetches again.
	res, err := store.TakeServers(ctx, "321", 10, false, false)
	require.NoError(t, err)
	assert.Equal(t, fetcher.SourceUpstream, res.Source)
	assert.Equal(t, 2, mock.GetRequestCount())
}
