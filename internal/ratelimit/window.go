// Package ratelimit provides a sliding-window event limiter. Unlike a token
// bucket, the window gives exact "at most N events in any trailing span"
// semantics, which the edit and subscribe limits require.
package ratelimit

import "time"

// Window admits at most Limit events within any trailing Span. The zero value
// admits nothing; construct with NewWindow. Not safe for concurrent use;
// callers hold their own exclusion.
type Window struct {
	limit  int
	span   time.Duration
	events []time.Time
}

// NewWindow builds a limiter admitting limit events per span.
func NewWindow(limit int, span time.Duration) *Window {
	return &Window{limit: limit, span: span}
}

// Allow records an event at now if the window has room and reports whether it
// was admitted. Rejected events are not recorded and do not extend the window.
func (w *Window) Allow(now time.Time) bool {
	w.prune(now)
	if len(w.events) >= w.limit {
		return false
	}
	w.events = append(w.events, now)
	return true
}

// Len reports the events currently inside the window.
func (w *Window) Len(now time.Time) int {
	w.prune(now)
	return len(w.events)
}

func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	drop := 0
	for drop < len(w.events) && !w.events[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		w.events = append(w.events[:0], w.events[drop:]...)
	}
}
