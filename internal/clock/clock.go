// Package clock isolates time access so the Scheduler, Dispatcher, Tailer,
// and Reconciler can be driven by a deterministic simulated clock in tests
// instead of wall time.
package clock

import (
	"context"
	"time"
)

// Clock supplies monotonic and wall-clock time to the rest of the core.
type Clock interface {
	// Now returns the current instant (UTC).
	Now() time.Time
	// NowInZone returns the current instant converted to loc.
	NowInZone(loc *time.Location) time.Time
	// SleepUntil blocks until t is reached or ctx is cancelled.
	SleepUntil(ctx context.Context, t time.Time) error
}

// Real is a Clock backed by the operating system's wall clock.
type Real struct{}

// New returns the real, OS-backed Clock.
func New() Clock { return Real{} }

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) NowInZone(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Now().In(loc)
}

func (Real) SleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
