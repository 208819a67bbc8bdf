package ratelimit

import (
	"testing"
	"time"
)

func TestWindowAdmitsUpToLimit(t *testing.T) {
	now := time.Unix(1000, 0)
	w := NewWindow(3, time.Second)
	for i := 0; i < 3; i++ {
		if !w.Allow(now) {
			t.Fatalf("event %d should be admitted", i)
		}
	}
	if w.Allow(now) {
		t.Fatal("fourth event inside the window should be rejected")
	}
}

func TestWindowSlides(t *testing.T) {
	start := time.Unix(1000, 0)
	w := NewWindow(2, time.Second)
	if !w.Allow(start) || !w.Allow(start.Add(500*time.Millisecond)) {
		t.Fatal("first two events should be admitted")
	}
	if w.Allow(start.Add(900 * time.Millisecond)) {
		t.Fatal("window still full at +900ms")
	}
	// The first event ages out at +1s; one slot opens.
	if !w.Allow(start.Add(1100 * time.Millisecond)) {
		t.Fatal("slot should open once the first event ages out")
	}
	if w.Allow(start.Add(1200 * time.Millisecond)) {
		t.Fatal("window full again at +1.2s")
	}
}

func TestWindowRejectionsDoNotExtend(t *testing.T) {
	start := time.Unix(1000, 0)
	w := NewWindow(1, time.Second)
	if !w.Allow(start) {
		t.Fatal("first event should be admitted")
	}
	for i := 0; i < 10; i++ {
		w.Allow(start.Add(time.Duration(i*50) * time.Millisecond))
	}
	if !w.Allow(start.Add(1001 * time.Millisecond)) {
		t.Fatal("rejections must not keep the window closed")
	}
}

func TestWindowLen(t *testing.T) {
	start := time.Unix(1000, 0)
	w := NewWindow(5, time.Second)
	w.Allow(start)
	w.Allow(start.Add(100 * time.Millisecond))
	if got := w.Len(start.Add(200 * time.Millisecond)); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}
	if got := w.Len(start.Add(2 * time.Second)); got != 0 {
		t.Fatalf("Len after expiry = %d, want 0", got)
	}
}
