// Package fetcher is the replenishing cache engine: the per-place pool
// store, the single-flight background refiller, and the facade the HTTP
// front door calls into.
package fetcher

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/bananalabs/server-fetcher/pkg/persist"
	"github.com/bananalabs/server-fetcher/pkg/pool"
	"github.com/bananalabs/server-fetcher/pkg/throttle"
	"github.com/bananalabs/server-fetcher/pkg/upstream"
)

// Prometheus metrics for the engine.
var (
	poolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fetcher_pool_size",
		Help: "Current pooled server count per place",
	}, []string{"place_id"})

	servedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetcher_pool_served_total",
		Help: "Total server records handed out by source",
	}, []string{"source"})

	refillRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetcher_refill_runs_total",
		Help: "Total background refill runs by outcome",
	}, []string{"outcome"})

	refillPagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetcher_refill_pages_total",
		Help: "Total listing pages merged by background refills",
	})
)

// PageFetcher fetches one page of a place's public server listing.
// *upstream.Client implements it; tests substitute fakes.
type PageFetcher interface {
	FetchPage(ctx context.Context, placeID int64, cursor pool.Cursor, excludeFull bool) (*upstream.Page, error)
}

// Config holds the engine tunables.
type Config struct {
	// MinSize is the pool size below which a background refill is kicked.
	MinSize int

	// TargetSize is the refill goal and the pool truncation bound.
	TargetSize int

	// Expiry is the pool freshness window; older pools are stale.
	Expiry time.Duration

	// MaxAttempts bounds the pages one refill run may fetch.
	MaxAttempts int

	// PageDelay is the pause between pages within a refill run.
	PageDelay time.Duration

	// DefaultCount is served when a caller does not say how many servers
	// it wants.
	DefaultCount int
}

// DefaultConfig returns the production engine configuration.
func DefaultConfig() Config {
	return Config{
		MinSize:      250,
		TargetSize:   500,
		Expiry:       45 * time.Minute,
		MaxAttempts:  5,
		PageDelay:    3 * time.Second,
		DefaultCount: 50,
	}
}

// entry is one place's pool plus its lock. The refilling flag lives in the
// store, guarded by the store lock.
type entry struct {
	mu   sync.Mutex
	pool pool.Pool
}

// Store owns every per-place pool, the single-flight refill flags, and the
// persistence adapter. It is the engine's facade; all methods are safe for
// concurrent use.
type Store struct {
	mu        sync.Mutex
	entries   map[int64]*entry
	refilling map[int64]bool

	fetcher  PageFetcher
	throttle *throttle.Throttle
	adapter  persist.Adapter
	config   Config
	logger   zerolog.Logger

	// Injected clock, overridable via SetClock.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates the engine store and loads the persisted snapshot: pools are
// rebuilt and the throttle state (including a still-running cooldown) is
// restored.
func New(fetcher PageFetcher, th *throttle.Throttle, adapter persist.Adapter, cfg Config, logger zerolog.Logger) (*Store, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("page fetcher is required")
	}
	if th == nil {
		return nil, fmt.Errorf("throttle is required")
	}
	if adapter == nil {
		adapter = persist.Nop{}
	}
	if cfg.MinSize > cfg.TargetSize {
		return nil, fmt.Errorf("min size %d exceeds target size %d", cfg.MinSize, cfg.TargetSize)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.DefaultCount <= 0 {
		cfg.DefaultCount = DefaultConfig().DefaultCount
	}

	s := &Store{
		entries:   make(map[int64]*entry),
		refilling: make(map[int64]bool),
		fetcher:   fetcher,
		throttle:  th,
		adapter:   adapter,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}

	state, err := adapter.Load()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	for key, p := range state.Pools {
		placeID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			logger.Warn().Str("key", key).Msg("Skipping snapshot pool with non-numeric key")
			continue
		}
		s.entries[placeID] = &entry{pool: p}
		poolSize.WithLabelValues(key).Set(float64(p.Size()))
	}
	th.Restore(state.Throttle)

	if len(s.entries) > 0 {
		logger.Info().Int("pools", len(s.entries)).Msg("Restored cached pools from snapshot")
	}
	return s, nil
}

// entryFor returns the pool entry for placeID, creating an empty one on
// first reference.
func (s *Store) entryFor(placeID int64) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[placeID]
	if !ok {
		e = &entry{}
		s.entries[placeID] = e
	}
	return e
}

// save snapshots every pool plus the throttle state through the adapter.
// Callers must not hold any entry lock. Failures are logged and counted,
// never propagated: losing a snapshot must not fail a request.
func (s *Store) save() {
	state := persist.NewState()

	s.mu.Lock()
	refs := make(map[int64]*entry, len(s.entries))
	for id, e := range s.entries {
		refs[id] = e
	}
	s.mu.Unlock()

	poolSize.Reset()
	for id, e := range refs {
		e.mu.Lock()
		members := make([]pool.ServerRecord, len(e.pool.Members))
		copy(members, e.pool.Members)
		state.Pools[strconv.FormatInt(id, 10)] = pool.Pool{
			Members:         members,
			Cursor:          e.pool.Cursor,
			LastRefreshedAt: e.pool.LastRefreshedAt,
		}
		e.mu.Unlock()
		poolSize.WithLabelValues(strconv.FormatInt(id, 10)).Set(float64(len(members)))
	}
	state.Throttle = s.throttle.Snapshot()

	if err := s.adapter.Save(state); err != nil {
		s.logger.Error().Err(err).Msg("Failed to save cache snapshot")
	}
}

// SetClock replaces the time source and sleeper (for testing).
func (s *Store) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	s.sleep = sleep
}
