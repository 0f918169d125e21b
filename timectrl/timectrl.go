package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock is an interface for accessing simulation time. The intersection
// depends on this abstraction rather than on wall-clock time so that green
// intervals can be simulated instantly in tests.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
	// After returns a channel that receives the simulation time once d has
	// elapsed in simulation time.
	After(d time.Duration) <-chan time.Time
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances according to wall-clock time.
	RealTime Mode = iota
	// Accelerated advances simulation time immediately when a wait is requested.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case Accelerated:
		return "accelerated"
	default:
		return "realtime"
	}
}

// TimeController drives simulation time. It implements SimClock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Mode      Mode

	// currentTime tracks the current simulation time. It only moves forward
	// through After.
	currentTime time.Time
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// After returns a channel that will receive the simulation time after d has
// elapsed. In Accelerated mode the clock jumps forward and the channel is
// ready immediately; in RealTime mode it fires after d of wall-clock time.
// Implements SimClock.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	if d < 0 {
		d = 0
	}

	if tc.Mode == Accelerated {
		ch <- tc.advance(d)
		return ch
	}

	time.AfterFunc(d, func() {
		ch <- tc.advance(d)
	})
	return ch
}

// advance moves simulation time forward by d and returns the new time.
func (tc *TimeController) advance(d time.Duration) time.Time {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.currentTime = tc.currentTime.Add(d)
	return tc.currentTime
}

// Sleep blocks until d has elapsed on clock or ctx is done, whichever comes
// first. It returns ctx.Err() when the context wins.
func Sleep(ctx context.Context, clock SimClock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}
