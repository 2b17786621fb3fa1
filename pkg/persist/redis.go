package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisKeySnapshot is the Redis key holding the full cache snapshot.
const RedisKeySnapshot = "serverfetcher:snapshot"

// RedisAdapter snapshots state into a single Redis key, so several
// fetcher instances behind one Redis can share warmed pools across
// restarts.
type RedisAdapter struct {
	client *redis.Client
	key    string
	logger zerolog.Logger
}

// NewRedisAdapter connects to Redis and verifies the connection, retrying
// the initial ping with exponential backoff so the service tolerates Redis
// coming up slightly later than it does.
func NewRedisAdapter(addr string, logger zerolog.Logger) (*RedisAdapter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ping := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return client.Ping(ctx).Err()
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(ping, policy); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	logger.Info().Str("addr", addr).Msg("Connected to Redis for cache snapshots")
	return &RedisAdapter{client: client, key: RedisKeySnapshot, logger: logger}, nil
}

// NewRedisAdapterWithClient wraps an existing Redis client (for testing).
func NewRedisAdapterWithClient(client *redis.Client, logger zerolog.Logger) *RedisAdapter {
	return &RedisAdapter{client: client, key: RedisKeySnapshot, logger: logger}
}

// Load reads the snapshot key. An absent key is a fresh start.
func (r *RedisAdapter) Load() (*State, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			r.logger.Info().Msg("No snapshot in Redis, starting with empty cache")
			return NewState(), nil
		}
		PersistErrors.WithLabelValues("load").Inc()
		return nil, fmt.Errorf("redis get snapshot: %w", err)
	}

	state := NewState()
	if err := json.Unmarshal(data, state); err != nil {
		PersistErrors.WithLabelValues("load").Inc()
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if state.Pools == nil {
		state.Pools = NewState().Pools
	}

	r.logger.Info().Int("pools", len(state.Pools)).Msg("Loaded cache snapshot from Redis")
	return state, nil
}

// Save overwrites the snapshot key. No TTL: pool freshness is tracked per
// pool, a stale snapshot still carries the cursor positions.
func (r *RedisAdapter) Save(state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		PersistErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		PersistErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("redis set snapshot: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (r *RedisAdapter) Close() error {
	return r.client.Close()
}
