// Package ratelimit provides sliding-window admission control for outbound
// reply generation.
//
// A Limiter remembers the instants at which it admitted work and allows at
// most Count admissions inside any Window. State is in memory only and resets
// when the process restarts.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a sliding-window rate limiter. It is safe for concurrent use.
type Limiter struct {
	mu     sync.Mutex
	count  int
	window time.Duration
	stamps []time.Time // ascending

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSleep replaces the context-aware sleep used by Wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = sleep }
}

// New creates a limiter admitting at most count events per window.
// Non-positive values fall back to 4 per 30s.
func New(count int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		now:   time.Now,
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.setBudget(count, window)
	return l
}

// SetBudget changes the admission budget. Already recorded admissions are
// kept and judged against the new window.
func (l *Limiter) SetBudget(count int, window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setBudget(count, window)
}

func (l *Limiter) setBudget(count int, window time.Duration) {
	if count <= 0 {
		count = 4
	}
	if window <= 0 {
		window = 30 * time.Second
	}
	l.count = count
	l.window = window
}

// Budget returns the current admission count and window.
func (l *Limiter) Budget() (int, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count, l.window
}

// prune drops admissions at or before now-window. Caller holds mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

// TryAdmit records an admission at the current instant if the window has
// capacity. It never blocks.
func (l *Limiter) TryAdmit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)
	if len(l.stamps) >= l.count {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}

// Wait blocks until an admission is granted or ctx is done.
// The lock is released while sleeping so other callers can proceed.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)
		if len(l.stamps) < l.count {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.stamps[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// TimeUntilAvailable reports how long until the next admission could be
// granted. It does not record anything.
func (l *Limiter) TimeUntilAvailable() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)
	if len(l.stamps) < l.count {
		return 0
	}
	wait := l.stamps[0].Add(l.window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Remaining returns the number of admissions still available in the current window.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.now())
	if n := l.count - len(l.stamps); n > 0 {
		return n
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
