// Package ratelimit implements the per-connection admission window used by
// the relay. A Window is owned by a single connection and is not safe for
// concurrent use.
package ratelimit

import "time"

const (
	DefaultMax    = 100
	DefaultWindow = 60 * time.Second
)

type Option func(*Window)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Window) { w.now = now }
}

// Window is a sliding-window hard cap: at most max admissions within any
// trailing interval of length window. Rejected attempts are not recorded.
type Window struct {
	max    int
	window time.Duration
	now    func() time.Time
	stamps []time.Time
}

func New(max int, window time.Duration, opts ...Option) *Window {
	if max <= 0 {
		max = DefaultMax
	}
	if window <= 0 {
		window = DefaultWindow
	}
	w := &Window{max: max, window: window, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// CheckAndRecord prunes expired admissions and reports whether one more is
// allowed, recording it when it is. Cost is linear in the window occupancy.
func (w *Window) CheckAndRecord() bool {
	now := w.now()
	keep := 0
	for _, t := range w.stamps {
		if now.Sub(t) < w.window {
			w.stamps[keep] = t
			keep++
		}
	}
	w.stamps = w.stamps[:keep]

	if len(w.stamps) >= w.max {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// Len returns the number of admissions currently inside the window as of the
// last check.
func (w *Window) Len() int { return len(w.stamps) }
