package fetcher

import (
	"context"

	"github.com/bananalabs/server-fetcher/pkg/pool"
)

// Refill run outcomes, recorded in fetcher_refill_runs_total.
const (
	outcomeTargetReached     = "target_reached"
	outcomeExhausted         = "exhausted"
	outcomeFailed            = "failed"
	outcomeAttemptsExhausted = "attempts_exhausted"
	outcomeCancelled         = "cancelled"
)

// StartRefill kicks a background refill run for placeID. At most one run
// per place may be in flight; starting a second is a no-op, not an error.
// Returns whether a run was actually started.
func (s *Store) StartRefill(placeID int64, excludeFull bool) bool {
	s.mu.Lock()
	if s.refilling[placeID] {
		s.mu.Unlock()
		return false
	}
	s.refilling[placeID] = true
	s.mu.Unlock()

	go s.runRefill(context.Background(), placeID, excludeFull)
	return true
}

// finishRefill releases the single-flight flag. Deferred by runRefill so
// the release happens on every exit path.
func (s *Store) finishRefill(placeID int64) {
	s.mu.Lock()
	delete(s.refilling, placeID)
	s.mu.Unlock()
}

// runRefill is one refill run: fetch a page, partition, merge, decide
// whether to continue. A run stops when the pool reaches the target size,
// the listing is exhausted, a fetch fails (no retry within a run), or the
// attempt budget is spent. Errors stop this run only; they are never thrown
// at a facade caller.
func (s *Store) runRefill(ctx context.Context, placeID int64, excludeFull bool) {
	defer s.finishRefill(placeID)

	e := s.entryFor(placeID)
	logger := s.logger.With().Int64("place_id", placeID).Logger()
	logger.Info().Msg("Starting background refill")

	for attempt := 0; attempt < s.config.MaxAttempts; attempt++ {
		e.mu.Lock()
		size := e.pool.Size()
		cursor := e.pool.Cursor
		e.mu.Unlock()

		if size >= s.config.TargetSize {
			logger.Info().Int("size", size).Msg("Refill target reached")
			refillRunsTotal.WithLabelValues(outcomeTargetReached).Inc()
			return
		}
		if cursor.Ended() {
			logger.Info().Int("size", size).Msg("Listing already exhausted, nothing to refill")
			refillRunsTotal.WithLabelValues(outcomeExhausted).Inc()
			return
		}

		page, err := s.fetcher.FetchPage(ctx, placeID, cursor, excludeFull)
		if err != nil {
			logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Refill fetch failed, stopping run")
			refillRunsTotal.WithLabelValues(outcomeFailed).Inc()
			return
		}
		if len(page.Records) == 0 {
			logger.Info().Int("size", size).Msg("Upstream returned no servers, stopping refill")
			refillRunsTotal.WithLabelValues(outcomeExhausted).Inc()
			return
		}

		e.mu.Lock()
		joinable, full := pool.Partition(page.Records, e.pool.MemberIDs())
		added := e.pool.Merge(joinable, full, page.NextCursor, s.config.TargetSize, s.now())
		size = e.pool.Size()
		e.mu.Unlock()

		refillPagesTotal.Inc()
		s.save()

		logger.Info().
			Int("added", added).
			Int("joinable", len(joinable)).
			Int("full", len(full)).
			Int("size", size).
			Msg("Merged listing page into pool")

		if added == 0 {
			if page.NextCursor.Ended() {
				// The whole page was already pooled and the listing is
				// done: expected exhaustion, not a failure.
				refillRunsTotal.WithLabelValues(outcomeExhausted).Inc()
				return
			}
			// Stalled page (all duplicates) with more listing behind it:
			// advance the cursor immediately. Still consumes an attempt so
			// the run stays bounded.
			continue
		}

		if page.NextCursor.Ended() {
			refillRunsTotal.WithLabelValues(outcomeExhausted).Inc()
			return
		}

		if err := s.sleep(ctx, s.config.PageDelay); err != nil {
			refillRunsTotal.WithLabelValues(outcomeCancelled).Inc()
			return
		}
	}

	logger.Info().Msg("Refill attempt budget spent")
	refillRunsTotal.WithLabelValues(outcomeAttemptsExhausted).Inc()
}
