// Package ratelimit bounds repeated admin login attempts per source address
// using a sliding window of attempt timestamps.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxAttempts = 5
	DefaultWindow      = 15 * time.Minute
)

// SlidingWindow keeps, per address, the timestamps of attempts that still fall
// inside the trailing window. Safe for concurrent use.
type SlidingWindow struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	max      int
	window   time.Duration
	now      func() time.Time
}

func NewSlidingWindow(maxAttempts int, window time.Duration) *SlidingWindow {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &SlidingWindow{
		attempts: make(map[string][]time.Time),
		max:      maxAttempts,
		window:   window,
		now:      time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (l *SlidingWindow) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// prune drops expired timestamps for addr and returns what is left. Caller holds mu.
func (l *SlidingWindow) prune(addr string) []time.Time {
	ts, ok := l.attempts[addr]
	if !ok {
		return nil
	}
	cutoff := l.now().Add(-l.window)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	ts = ts[i:]
	if len(ts) == 0 {
		delete(l.attempts, addr)
		return nil
	}
	l.attempts[addr] = ts
	return ts
}

// Allow reports whether addr may make another attempt.
func (l *SlidingWindow) Allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prune(addr)) < l.max
}

// RecordAttempt appends now to addr's history and returns the attempts left, floored at zero.
func (l *SlidingWindow) RecordAttempt(addr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := append(l.prune(addr), l.now())
	l.attempts[addr] = ts
	return remaining(l.max, len(ts))
}

// Remaining returns the attempts addr has left in the current window.
func (l *SlidingWindow) Remaining(addr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return remaining(l.max, len(l.prune(addr)))
}

// Clear forgets every attempt from addr.
func (l *SlidingWindow) Clear(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, addr)
}

// Sweep prunes every address and returns how many addresses are still tracked.
func (l *SlidingWindow) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr := range l.attempts {
		l.prune(addr)
	}
	return len(l.attempts)
}

// Start sweeps idle addresses every interval until ctx is done.
func (l *SlidingWindow) Start(ctx context.Context, logger *logrus.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logEntry := logger.WithField("component", "login_limiter")
	for {
		select {
		case <-ticker.C:
			logEntry.WithField("tracked", l.Sweep()).Debug("Swept login attempt windows")
		case <-ctx.Done():
			return
		}
	}
}

func remaining(max, count int) int {
	if count >= max {
		return 0
	}
	return max - count
}
