// Package throttle gates every upstream listing call. It enforces a minimum
// spacing between requests and a process-wide cooldown window after the
// upstream signals a rate limit, so one hot key cannot burn the whole
// service's request budget.
package throttle

import (
	"time"
)

// State is the shared throttle state. It is process-wide: a rate limit
// observed while fetching one place's listing cools down fetches for every
// place. The zero value means "never called upstream, not cooling down".
type State struct {
	// LastRequestAt is when the most recent upstream request was issued.
	LastRequestAt time.Time `json:"last_request_at"`

	// RateLimitedUntil is the end of the current cooldown window.
	// Zero unless a 429 has been reported and the cooldown is still running.
	RateLimitedUntil time.Time `json:"rate_limited_until"`
}

// CoolingDown reports whether the cooldown window is still active at now.
func (s *State) CoolingDown(now time.Time) bool {
	return now.Before(s.RateLimitedUntil)
}

// RemainingCooldown returns how long the cooldown has left at now.
// Returns 0 when no cooldown is active.
func (s *State) RemainingCooldown(now time.Time) time.Duration {
	remaining := s.RateLimitedUntil.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SinceLastRequest returns the elapsed time since the last upstream request.
// A zero LastRequestAt yields a very large elapsed time, so the first call
// never waits.
func (s *State) SinceLastRequest(now time.Time) time.Duration {
	return now.Sub(s.LastRequestAt)
}
