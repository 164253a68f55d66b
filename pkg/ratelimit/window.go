package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// WindowCounter counts events per key over a sliding window. It backs
// the registration limiter and the media attempt governor, which need
// a plain over-limit answer without the penalty machinery.
type WindowCounter struct {
	max     int
	window  time.Duration
	entries map[string][]time.Time
	mu      sync.Mutex
	clk     clock.Clock
}

// NewWindowCounter creates a counter allowing max events per key per window
func NewWindowCounter(max int, window time.Duration, clk clock.Clock) *WindowCounter {
	if clk == nil {
		clk = clock.New()
	}
	return &WindowCounter{
		max:     max,
		window:  window,
		entries: make(map[string][]time.Time),
		clk:     clk,
	}
}

// Allow records an event for key and reports whether it fits the window
func (w *WindowCounter) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clk.Now()
	cutoff := now.Add(-w.window)

	kept := w.entries[key][:0]
	for _, t := range w.entries[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	w.entries[key] = kept

	return len(kept) <= w.max
}

// Count returns the number of events for key inside the current window
func (w *WindowCounter) Count(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.clk.Now().Add(-w.window)
	count := 0
	for _, t := range w.entries[key] {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

// Prune drops keys with no events inside the current window
func (w *WindowCounter) Prune() {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.clk.Now().Add(-w.window)
	for key, times := range w.entries {
		live := false
		for _, t := range times {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(w.entries, key)
		}
	}
}

// Reset removes all tracked keys
func (w *WindowCounter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = make(map[string][]time.Time)
}
