// Package ratelimit implements per-client sliding-window admission control.
//
// Each key carries two limits enforced together: a cap over a rolling
// window (default 60 requests per 60s) and a burst cap over the last second
// (default 10). Rejections are returned as a Decision, never as an error.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Category separates limits for the same client on different surfaces.
type Category string

const (
	CategoryAPI      Category = "api"
	CategoryRealtime Category = "realtime"
)

// Key builds the limiter key for identity on a surface.
func Key(identity string, category Category) string {
	return string(category) + ":" + identity
}

// Limits configures a Limiter.
type Limits struct {
	// WindowMax is the number of requests admitted per Window.
	WindowMax int

	// BurstMax is the number of requests admitted per Burst.
	BurstMax int

	Window time.Duration
	Burst  time.Duration

	// IdleTTL is how long an empty window is kept before Sweep drops it.
	IdleTTL time.Duration
}

// DefaultLimits returns 60/min with bursts of 10/s.
func DefaultLimits() Limits {
	return Limits{
		WindowMax: 60,
		BurstMax:  10,
		Window:    60 * time.Second,
		Burst:     time.Second,
		IdleTTL:   time.Hour,
	}
}

// SweepInterval is how often Run purges idle keys.
const SweepInterval = 60 * time.Second

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	Violations int
}

// RetryAfter is the wait until ResetAt, rounded up to a whole second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return 0
	}
	return wait.Truncate(time.Second) + time.Second
}

type window struct {
	stamps     []time.Time
	violations int
	lastSeen   time.Time
}

// prune drops timestamps at or before cutoff. Stamps are appended in order,
// so the survivors are a suffix.
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// oldestAfter returns the earliest stamp after cutoff.
func (w *window) oldestAfter(cutoff time.Time) (time.Time, bool) {
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			return ts, true
		}
	}
	return time.Time{}, false
}

func (w *window) countAfter(cutoff time.Time) int {
	n := 0
	for j := len(w.stamps) - 1; j >= 0 && w.stamps[j].After(cutoff); j-- {
		n++
	}
	return n
}

// Limiter tracks request windows per key. Safe for concurrent use; every
// admission check runs in one critical section.
type Limiter struct {
	mu      sync.Mutex
	limits  Limits
	windows map[string]*window
	now     func() time.Time
}

// New creates a limiter. Zero fields in limits take their defaults.
func New(limits Limits) *Limiter {
	return &Limiter{
		limits:  withDefaults(limits),
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Used by tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// SetLimits replaces the thresholds. Existing windows are kept.
func (l *Limiter) SetLimits(limits Limits) {
	l.mu.Lock()
	l.limits = withDefaults(limits)
	l.mu.Unlock()
}

// Limits returns the current thresholds.
func (l *Limiter) Limits() Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits
}

// Admit checks and, if allowed, records one request for key.
func (l *Limiter) Admit(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	w.lastSeen = now
	w.prune(now.Add(-l.limits.Window))

	if len(w.stamps) >= l.limits.WindowMax {
		w.violations++
		return l.decide(w, false, l.windowReset(w, now))
	}
	burstCutoff := now.Add(-l.limits.Burst)
	if w.countAfter(burstCutoff) >= l.limits.BurstMax {
		w.violations++
		// Admission resumes once the oldest stamp leaves the burst window.
		reset := now.Add(l.limits.Burst)
		if oldest, ok := w.oldestAfter(burstCutoff); ok {
			reset = oldest.Add(l.limits.Burst)
		}
		return l.decide(w, false, reset)
	}

	w.stamps = append(w.stamps, now)
	return l.decide(w, true, l.windowReset(w, now))
}

// windowReset is when the oldest stamp leaves the rate window.
func (l *Limiter) windowReset(w *window, now time.Time) time.Time {
	if len(w.stamps) > 0 {
		return w.stamps[0].Add(l.limits.Window)
	}
	return now.Add(l.limits.Window)
}

func (l *Limiter) decide(w *window, allowed bool, reset time.Time) Decision {
	remaining := l.limits.WindowMax - len(w.stamps)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:    allowed,
		Remaining:  remaining,
		ResetAt:    reset,
		Violations: w.violations,
	}
}

// Sweep drops keys whose window has been empty for longer than IdleTTL and
// returns how many were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, w := range l.windows {
		w.prune(now.Add(-l.limits.Window))
		if len(w.stamps) == 0 && now.Sub(w.lastSeen) > l.limits.IdleTTL {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Run sweeps every SweepInterval until ctx is done.
func (l *Limiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Stats reports limiter occupancy.
type Stats struct {
	Keys int `json:"keys"`
}

// Stats returns the number of tracked keys.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Keys: len(l.windows)}
}

func withDefaults(in Limits) Limits {
	def := DefaultLimits()
	if in.WindowMax <= 0 {
		in.WindowMax = def.WindowMax
	}
	if in.BurstMax <= 0 {
		in.BurstMax = def.BurstMax
	}
	if in.Window <= 0 {
		in.Window = def.Window
	}
	if in.Burst <= 0 {
		in.Burst = def.Burst
	}
	if in.IdleTTL <= 0 {
		in.IdleTTL = def.IdleTTL
	}
	return in
}
