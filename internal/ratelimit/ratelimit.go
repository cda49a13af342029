// Package ratelimit implements the two job-creation guards: a sliding
// window bounding how often broadcasts are created on the platform, and
// a burst-then-interval limiter bounding the rate of job creation
// requests overall. Neither matches the shape of golang.org/x/time/rate
// (a single token bucket) closely enough to reuse it without fighting
// its API, so both are hand-rolled here.
package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow allows at most limit events in any trailing window-sized
// interval. It is used to bound broadcast creation calls against the
// platform's own rate limits.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events []time.Time
}

// NewSlidingWindow creates a limiter admitting at most limit events per
// window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{limit: limit, window: window}
}

// Allow reports whether an event may proceed now, and if so records it.
func (w *SlidingWindow) Allow() bool {
	return w.AllowAt(time.Now())
}

// AllowAt is Allow with an explicit clock, for deterministic tests.
func (w *SlidingWindow) AllowAt(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.window)
	kept := w.events[:0]
	for _, t := range w.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.events = kept

	if len(w.events) >= w.limit {
		return false
	}
	w.events = append(w.events, now)
	return true
}

// BurstInterval allows an initial burst of up to `burst` events with no
// spacing requirement, then requires at least `interval` between every
// subsequent event. Tokens refill one at a time as `interval` elapses,
// up to the burst cap, rather than all at once, so a brief pause never
// hands back a full fresh burst. It is used to bound job creation so a
// client cannot flood the scheduler with a tight loop while still
// allowing a human operator to queue a handful of jobs back to back.
type BurstInterval struct {
	mu     sync.Mutex
	burst  int
	interval time.Duration

	tokens    int
	lastRefill time.Time
}

// NewBurstInterval creates a limiter admitting an initial burst of size
// burst, then requiring at least interval between subsequent events.
func NewBurstInterval(burst int, interval time.Duration) *BurstInterval {
	return &BurstInterval{burst: burst, tokens: burst, interval: interval}
}

// Allow reports whether an event may proceed now, and if so records it.
func (b *BurstInterval) Allow() bool {
	return b.AllowAt(time.Now())
}

// AllowAt is Allow with an explicit clock, for deterministic tests.
func (b *BurstInterval) AllowAt(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lastRefill.IsZero() {
		b.lastRefill = now
	} else if elapsed := now.Sub(b.lastRefill); elapsed >= b.interval {
		refilled := int(elapsed / b.interval)
		b.tokens += refilled
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = b.lastRefill.Add(time.Duration(refilled) * b.interval)
	}

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}
