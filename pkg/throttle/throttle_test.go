package throttle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// stubClock is a manually advanced clock whose sleep calls are recorded
// instead of actually sleeping.
type stubClock struct {
	current time.Time
	slept   []time.Duration
}

func newStubClock() *stubClock {
	return &stubClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stubClock) now() time.Time { return c.current }

func (c *stubClock) sleep(_ context.Context, d time.Duration) error {
	c.slept = append(c.slept, d)
	c.current = c.current.Add(d)
	return nil
}

func (c *stubClock) advance(d time.Duration) { c.current = c.current.Add(d) }

func newTestThrottle(clock *stubClock, spacing, cooldown time.Duration) *Throttle {
	th := New(spacing, cooldown, zerolog.Nop())
	th.SetClock(clock.now, clock.sleep)
	return th
}

func TestThrottle_FirstAcquireDoesNotWait(t *testing.T) {
	clock := newStubClock()
	th := newTestThrottle(clock, 5*time.Second, 60*time.Second)

	if err := th.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if len(clock.slept) != 0 {
		t.Errorf("first acquire slept %v, want no sleep", clock.slept)
	}
	if got := th.Snapshot().LastRequestAt; !got.Equal(clock.current) {
		t.Errorf("LastRequestAt = %v, want %v", got, clock.current)
	}
}

func TestThrottle_BackToBackAcquiresAreSpaced(t *testing.T) {
	clock := newStubClock()
	th := newTestThrottle(clock, 5*time.Second, 60*time.Second)

	if err := th.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	first := th.Snapshot().LastRequestAt

	clock.advance(2 * time.Second)
	if err := th.Acquire(context.Background()); err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}

	if len(clock.slept) != 1 || clock.slept[0] != 3*time.Second {
		t.Errorf("slept %v, want one 3s sleep", clock.slept)
	}
	second := th.Snapshot().LastRequestAt
	if gap := second.Sub(first); gap < 5*time.Second {
		t.Errorf("request gap = %v, want >= 5s", gap)
	}
}

func TestThrottle_AcquireAfterSpacingElapsed(t *testing.T) {
	clock := newStubClock()
	th := newTestThrottle(clock, 5*time.Second, 60*time.Second)

	if err := th.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	clock.advance(7 * time.Second)
	if err := th.Acquire(context.Background()); err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	if len(clock.slept) != 0 {
		t.Errorf("slept %v, want no sleep after spacing elapsed", clock.slept)
	}
}

func TestThrottle_CooldownRejectsWithoutConsumingSlot(t *testing.T) {
	clock := newStubClock()
	th := newTestThrottle(clock, 5*time.Second, 60*time.Second)

	if got := th.ReportRateLimited(); got != 60*time.Second {
		t.Fatalf("ReportRateLimited() = %v, want 60s", got)
	}

	clock.advance(10 * time.Second)
	before := th.Snapshot().LastRequestAt

	err := th.Acquire(context.Background())
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("Acquire() error = %v, want *RateLimitedError", err)
	}
	if rl.RetryAfter != 50*time.Second {
		t.Errorf("RetryAfter = %v, want 50s", rl.RetryAfter)
	}
	if len(clock.slept) != 0 {
		t.Errorf("slept %v, want no sleep during cooldown", clock.slept)
	}
	if after := th.Snapshot().LastRequestAt; !after.Equal(before) {
		t.Errorf("LastRequestAt changed during cooldown: %v -> %v", before, after)
	}
}

func TestThrottle_AcquireSucceedsAfterCooldown(t *testing.T) {
	clock := newStubClock()
	th := newTestThrottle(clock, 5*time.Second, 60*time.Second)

	th.ReportRateLimited()
	clock.advance(61 * time.Second)

	if err := th.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() after cooldown error = %v", err)
	}
}

func TestThrottle_RestoreAndReset(t *testing.T) {
	clock := newStubClock()
	th := newTestThrottle(clock, 5*time.Second, 60*time.Second)

	persisted := State{
		LastRequestAt:    clock.current.Add(-1 * time.Second),
		RateLimitedUntil: clock.current.Add(30 * time.Second),
	}
	th.Restore(persisted)

	if got := th.Snapshot(); got != persisted {
		t.Errorf("Snapshot() = %+v, want %+v", got, persisted)
	}
	if err := th.Acquire(context.Background()); err == nil {
		t.Error("Acquire() after restoring an active cooldown should fail")
	}

	th.Reset()
	if got := th.Snapshot(); got != (State{}) {
		t.Errorf("Snapshot() after Reset = %+v, want zero state", got)
	}
	if err := th.Acquire(context.Background()); err != nil {
		t.Errorf("Acquire() after Reset error = %v", err)
	}
}

func TestThrottle_ConcurrentAcquiresKeepSpacing(t *testing.T) {
	// Real clock: the spacing guarantee under contention is exactly what a
	// stubbed sleeper cannot exercise. The throttle is process-wide, so a
	// refiller and a synchronous fetch for different places can race here.
	const spacing = 150 * time.Millisecond
	th := New(spacing, time.Minute, zerolog.Nop())

	if err := th.Acquire(context.Background()); err != nil {
		t.Fatalf("seed Acquire() error = %v", err)
	}

	var mu sync.Mutex
	var grants []time.Time
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := th.Acquire(context.Background()); err != nil {
				t.Errorf("concurrent Acquire() error = %v", err)
				return
			}
			mu.Lock()
			grants = append(grants, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(grants) != 2 {
		t.Fatalf("got %d grants, want 2", len(grants))
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].Before(grants[j]) })
	// Scheduling jitter can shave a few ms off the observed gap; anything
	// close to zero means both sleepers woke together and were both granted.
	if gap := grants[1].Sub(grants[0]); gap < spacing-20*time.Millisecond {
		t.Errorf("concurrent grants %v apart, want >= %v spacing", gap, spacing)
	}
}

func TestThrottle_ContextCancelledDuringWait(t *testing.T) {
	clock := newStubClock()
	th := newTestThrottle(clock, 5*time.Second, 60*time.Second)
	th.SetClock(clock.now, func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	})

	if err := th.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	clock.advance(1 * time.Second)

	if err := th.Acquire(context.Background()); !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire() error = %v, want context.Canceled", err)
	}
}
