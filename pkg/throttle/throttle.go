package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for throttle decisions.
var (
	throttleWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetcher_throttle_waits_total",
		Help: "Total number of requests that waited out the minimum spacing",
	})

	throttleBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetcher_throttle_blocks_total",
		Help: "Total number of requests rejected during a rate-limit cooldown",
	})

	cooldownActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fetcher_cooldown_active",
		Help: "1 while a rate-limit cooldown is active, 0 otherwise",
	})
)

// RateLimitedError is returned when the upstream is in a cooldown window.
// RetryAfter is the remaining cooldown; callers should surface it as a
// retry hint, not sleep on it.
type RateLimitedError struct {
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("upstream rate limited, retry after %s", e.RetryAfter.Round(time.Second))
}

// Throttle serializes access to the upstream request budget.
// All methods are safe for concurrent use; the internal mutex is released
// while a caller sleeps out the spacing window so unrelated work is not
// blocked for the duration.
type Throttle struct {
	mu    sync.Mutex
	state State

	minSpacing time.Duration
	cooldown   time.Duration

	logger zerolog.Logger

	// Injected clock, overridable via SetClock.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a throttle with the given minimum inter-request spacing and
// rate-limit cooldown duration.
func New(minSpacing, cooldown time.Duration, logger zerolog.Logger) *Throttle {
	return &Throttle{
		minSpacing: minSpacing,
		cooldown:   cooldown,
		logger:     logger,
		now:        time.Now,
		sleep:      sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Acquire grants permission to issue exactly one upstream request.
// It fails immediately with *RateLimitedError while a cooldown is active,
// otherwise it suspends the calling goroutine until the minimum spacing
// since the previous request has elapsed, then stamps the request time.
//
// The wait is recomputed after every sleep: another acquirer may have been
// granted a slot in the meantime, and both the spacing and a 429 reported
// while sleeping must be honored before this caller is granted its slot.
func (t *Throttle) Acquire(ctx context.Context) error {
	t.mu.Lock()
	for {
		now := t.now()

		if remaining := t.state.RemainingCooldown(now); remaining > 0 {
			t.mu.Unlock()
			throttleBlocksTotal.Inc()
			t.logger.Warn().
				Dur("retry_after", remaining).
				Msg("Still in rate-limit cooldown, rejecting request")
			return &RateLimitedError{RetryAfter: remaining}
		}
		cooldownActive.Set(0)

		wait := t.minSpacing - t.state.SinceLastRequest(now)
		if wait <= 0 {
			t.state.LastRequestAt = t.now()
			t.mu.Unlock()
			return nil
		}

		t.mu.Unlock()
		throttleWaitsTotal.Inc()
		t.logger.Debug().
			Dur("wait", wait).
			Msg("Waiting out minimum request spacing")
		if err := t.sleep(ctx, wait); err != nil {
			return err
		}
		t.mu.Lock()
	}
}

// ReportRateLimited records an upstream rate-limit response and starts the
// cooldown window. The returned duration is the configured cooldown, which
// callers surface as the retry hint; any retry-after value the upstream
// reported is informational only.
func (t *Throttle) ReportRateLimited() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.RateLimitedUntil = t.now().Add(t.cooldown)
	cooldownActive.Set(1)
	t.logger.Warn().
		Time("until", t.state.RateLimitedUntil).
		Msg("Upstream rate limited, entering cooldown")
	return t.cooldown
}

// Snapshot returns a copy of the current throttle state for persistence
// and introspection.
func (t *Throttle) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Restore replaces the throttle state, used when loading a persisted
// snapshot at startup.
func (t *Throttle) Restore(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
	if s.CoolingDown(t.now()) {
		cooldownActive.Set(1)
	}
}

// Reset clears the throttle state (operator cache clear).
func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = State{}
	cooldownActive.Set(0)
}

// MinSpacing returns the configured minimum inter-request spacing.
func (t *Throttle) MinSpacing() time.Duration {
	return t.minSpacing
}

// Cooldown returns the configured rate-limit cooldown duration.
func (t *Throttle) Cooldown() time.Duration {
	return t.cooldown
}

// SetClock replaces the time source and sleeper (for testing).
func (t *Throttle) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
	t.sleep = sleep
}
