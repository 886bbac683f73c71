package charge

import (
	"context"
	"time"
)

// Clock supplies wall-clock readings and the inter-tick wait. It is the only
// place the controller suspends.
type Clock interface {
	Now() time.Time
	// WaitUntil blocks until t has passed or ctx is done, returning ctx.Err()
	// in the latter case.
	WaitUntil(ctx context.Context, t time.Time) error
}

// SystemClock returns a Clock backed by the time package.
func SystemClock() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) WaitUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Schedule produces tick boundaries on a fixed grid anchored at the start
// instant. A boundary that has already passed when the loop comes back is
// skipped rather than replayed, so a stalled round-trip never causes a burst
// of back-to-back polls.
type Schedule struct {
	next     time.Time
	interval time.Duration
}

// NewSchedule returns a schedule whose first boundary is start+interval.
func NewSchedule(start time.Time, interval time.Duration) *Schedule {
	return &Schedule{next: start.Add(interval), interval: interval}
}

// Next returns the boundary to wait for.
func (s *Schedule) Next() time.Time { return s.next }

// Advance moves past the boundary just served, skipping any that now is
// already beyond.
func (s *Schedule) Advance(now time.Time) {
	s.next = s.next.Add(s.interval)
	for !s.next.After(now) {
		s.next = s.next.Add(s.interval)
	}
}
