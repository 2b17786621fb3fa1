package fetcher

import (
	"context"
	"errors"
	"strconv"

	"github.com/bananalabs/server-fetcher/pkg/pool"
	"github.com/bananalabs/server-fetcher/pkg/throttle"
)

// Source says where a TakeServers response was served from.
type Source string

const (
	// SourceCache means the records were drained from the standing pool.
	SourceCache Source = "cache"

	// SourceUpstream means a synchronous upstream fetch produced them.
	SourceUpstream Source = "upstream"
)

// TakeResult is the facade's answer to "give me up to N servers".
type TakeResult struct {
	Source    Source
	PlaceID   int64
	Records   []pool.ServerRecord
	Remaining int
}

// KeyInfo describes one place's pool for introspection.
type KeyInfo struct {
	Size           int     `json:"servers"`
	AgeSeconds     float64 `json:"age_seconds"`
	IsValid        bool    `json:"is_valid"`
	RefillInFlight bool    `json:"fetching"`
}

// Description is the full cache introspection shape.
type Description struct {
	PerKey          map[string]KeyInfo `json:"cache"`
	CooldownSeconds float64            `json:"cooldown_seconds"`
	MinThreshold    int                `json:"min_cache"`
	TargetSize      int                `json:"target_cache"`
}

// Health is the liveness snapshot.
type Health struct {
	CachedKeyCount     int `json:"cached_places"`
	TotalCachedRecords int `json:"total_servers"`
}

// ParseKey validates a caller-supplied place key. Non-numeric keys are
// rejected with ErrInvalidKey before any pool is touched.
func ParseKey(key string) (int64, error) {
	placeID, err := strconv.ParseInt(key, 10, 64)
	if err != nil || placeID < 0 {
		return 0, ErrInvalidKey
	}
	return placeID, nil
}

// TakeServers hands out up to count servers for the given place key.
//
// A fresh, stocked pool answers from cache: records are drained from the
// front and do not return. Otherwise one synchronous upstream fetch runs
// and the freshly merged records answer the call. Either way, a pool left
// below the minimum threshold gets an asynchronous refill kicked off
// (single-flight per place, fire-and-forget).
func (s *Store) TakeServers(ctx context.Context, key string, count int, excludeFull, forceRefresh bool) (*TakeResult, error) {
	placeID, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = s.config.DefaultCount
	}

	e := s.entryFor(placeID)
	now := s.now()

	e.mu.Lock()
	size := e.pool.Size()
	stale := e.pool.IsStale(now, s.config.Expiry)

	// Auto-refill is gated on validity: a stale pool is refreshed through
	// the synchronous path below instead.
	if size < s.config.MinSize && !stale {
		s.logger.Debug().Int64("place_id", placeID).Int("size", size).Msg("Pool low, kicking refill")
		s.StartRefill(placeID, excludeFull)
	}

	if size > 0 && !stale && !forceRefresh {
		records := e.pool.Drain(count)
		remaining := e.pool.Size()
		e.mu.Unlock()

		servedTotal.WithLabelValues(string(SourceCache)).Add(float64(len(records)))
		s.save()

		s.logger.Info().
			Int64("place_id", placeID).
			Int("served", len(records)).
			Int("remaining", remaining).
			Msg("Served servers from cache")
		return &TakeResult{
			Source:    SourceCache,
			PlaceID:   placeID,
			Records:   records,
			Remaining: remaining,
		}, nil
	}

	// Synchronous fetch. An ended cursor on a stale or empty pool restarts
	// the listing; without that, a fully paged place could never refresh.
	cursor := e.pool.Cursor
	if cursor.Ended() {
		cursor = pool.CursorNotStarted()
	}
	e.mu.Unlock()

	page, err := s.fetcher.FetchPage(ctx, placeID, cursor, excludeFull)
	if err != nil {
		// A freshly tripped cooldown must survive a restart, so persist
		// the throttle state before reporting it.
		var rl *throttle.RateLimitedError
		if errors.As(err, &rl) {
			s.save()
		}
		return nil, err
	}

	e.mu.Lock()
	joinable, full := pool.Partition(page.Records, e.pool.MemberIDs())
	fresh := make([]pool.ServerRecord, 0, len(joinable)+len(full))
	fresh = append(fresh, joinable...)
	fresh = append(fresh, full...)
	e.pool.Merge(joinable, full, page.NextCursor, s.config.TargetSize, s.now())
	size = e.pool.Size()
	e.mu.Unlock()

	s.save()

	if size < s.config.MinSize {
		s.StartRefill(placeID, excludeFull)
	}

	if count < len(fresh) {
		fresh = fresh[:count]
	}
	servedTotal.WithLabelValues(string(SourceUpstream)).Add(float64(len(fresh)))

	s.logger.Info().
		Int64("place_id", placeID).
		Int("served", len(fresh)).
		Int("pool_size", size).
		Msg("Served servers from upstream fetch")
	return &TakeResult{
		Source:    SourceUpstream,
		PlaceID:   placeID,
		Records:   fresh,
		Remaining: size,
	}, nil
}

// DescribeCache reports every pool's size, age, validity, and refill
// status, plus the engine tunables.
func (s *Store) DescribeCache() Description {
	now := s.now()

	s.mu.Lock()
	refs := make(map[int64]*entry, len(s.entries))
	for id, e := range s.entries {
		refs[id] = e
	}
	inFlight := make(map[int64]bool, len(s.refilling))
	for id, f := range s.refilling {
		inFlight[id] = f
	}
	s.mu.Unlock()

	perKey := make(map[string]KeyInfo, len(refs))
	for id, e := range refs {
		e.mu.Lock()
		info := KeyInfo{
			Size:           e.pool.Size(),
			AgeSeconds:     e.pool.Age(now).Seconds(),
			IsValid:        !e.pool.IsStale(now, s.config.Expiry),
			RefillInFlight: inFlight[id],
		}
		e.mu.Unlock()
		perKey[strconv.FormatInt(id, 10)] = info
	}

	return Description{
		PerKey:          perKey,
		CooldownSeconds: s.throttle.MinSpacing().Seconds(),
		MinThreshold:    s.config.MinSize,
		TargetSize:      s.config.TargetSize,
	}
}

// ClearCache removes one place's pool, or, with an empty key, every pool
// plus the shared throttle state. Clearing an unknown place returns
// ErrNoCache with no side effects.
func (s *Store) ClearCache(key string) error {
	if key == "" {
		s.mu.Lock()
		s.entries = make(map[int64]*entry)
		s.mu.Unlock()
		s.throttle.Reset()
		s.save()
		s.logger.Info().Msg("Cleared all cached pools and throttle state")
		return nil
	}

	placeID, err := ParseKey(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.entries[placeID]; !ok {
		s.mu.Unlock()
		return ErrNoCache
	}
	delete(s.entries, placeID)
	s.mu.Unlock()

	s.save()
	s.logger.Info().Int64("place_id", placeID).Msg("Cleared cached pool")
	return nil
}

// HealthSnapshot returns the cached place count and total pooled records.
func (s *Store) HealthSnapshot() Health {
	s.mu.Lock()
	refs := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		refs = append(refs, e)
	}
	s.mu.Unlock()

	total := 0
	for _, e := range refs {
		e.mu.Lock()
		total += e.pool.Size()
		e.mu.Unlock()
	}
	return Health{CachedKeyCount: len(refs), TotalCachedRecords: total}
}
