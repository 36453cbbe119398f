package roomsync

import (
	"sync"
	"time"

	"secondbrain/api/internal/model"
)

const DefaultCursorInterval = 50 * time.Millisecond

// CursorTracker rate limits pointer samples with a simple time gate: a
// sample is dropped when less than the interval has passed since the last
// accepted one.
type CursorTracker struct {
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	last     time.Time
	accepted bool
}

func NewCursorTracker(interval time.Duration, now func() time.Time) *CursorTracker {
	if interval <= 0 {
		interval = DefaultCursorInterval
	}
	if now == nil {
		now = time.Now
	}
	return &CursorTracker{interval: interval, now: now}
}

// Sample returns the presence update for an accepted sample.
func (t *CursorTracker) Sample(x, y float64) (model.PresenceUpdate, bool) {
	now := t.now()

	t.mu.Lock()
	if t.accepted && now.Sub(t.last) < t.interval {
		t.mu.Unlock()
		return model.PresenceUpdate{}, false
	}
	t.last = now
	t.accepted = true
	t.mu.Unlock()

	return model.PresenceUpdate{
		Cursor:   &model.Cursor{X: x, Y: y},
		LastSeen: &now,
	}, true
}

func (t *CursorTracker) Reset() {
	t.mu.Lock()
	t.accepted = false
	t.mu.Unlock()
}
