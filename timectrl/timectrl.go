package timectrl

import (
	"context"
	"sync"
	"time"
)

// Clock is an interface for reading the current time. Components that do
// debounce/timeout math (arbitration, caches, landing detection) depend on
// this abstraction rather than time.Now directly, enabling testability.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// SystemClock is the wall-clock implementation used in production.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a settable clock for tests. Time only moves when the test
// advances it.
type ManualClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewManualClock constructs a manual clock starting at the given instant.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{t: start}
}

// Now returns the manually controlled time. Implements Clock.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Set jumps the clock to an absolute instant.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// TimeController drives periodic evaluation and notifies registered
// listeners on every tick. The coordinator registers its tick handler here;
// UI refresh concerns live outside this module entirely.
type TimeController struct {
	mu        sync.RWMutex
	Tick      time.Duration
	listeners []func(time.Time)
}

// NewTimeController constructs a controller with the given tick interval.
func NewTimeController(tick time.Duration) *TimeController {
	if tick <= 0 {
		tick = time.Second
	}
	return &TimeController{Tick: tick}
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Fire invokes all listeners with the given instant. Exposed so tests and
// replay tooling can drive ticks without a running ticker.
func (tc *TimeController) Fire(now time.Time) {
	tc.mu.RLock()
	listeners := append([]func(time.Time){}, tc.listeners...)
	tc.mu.RUnlock()

	for _, fn := range listeners {
		fn(now)
	}
}

// Run ticks until the context is cancelled.
func (tc *TimeController) Run(ctx context.Context) error {
	ticker := time.NewTicker(tc.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			tc.Fire(now)
		}
	}
}
