package scheduler

import (
	"sync"
	"time"
)

// Clock is the wall-clock source of the scheduler
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// RealClock is the system clock
var RealClock Clock = realClock{}

// FakeClock is a manually advanced Clock for tests
type FakeClock struct {
	sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	c        chan time.Time
}

// NewFakeClock creates a FakeClock starting at start
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the fake time
func (fc *FakeClock) Now() time.Time {
	fc.Lock()
	defer fc.Unlock()
	return fc.now
}

// After returns a channel that receives once the clock is advanced past d
func (fc *FakeClock) After(d time.Duration) <-chan time.Time {
	fc.Lock()
	defer fc.Unlock()
	c := make(chan time.Time, 1)
	if d <= 0 {
		c <- fc.now
		return c
	}
	fc.waiters = append(fc.waiters, fakeWaiter{deadline: fc.now.Add(d), c: c})
	return c
}

// Advance moves the clock forward and fires expired waiters
func (fc *FakeClock) Advance(d time.Duration) {
	fc.Lock()
	defer fc.Unlock()
	fc.now = fc.now.Add(d)
	waiters := fc.waiters[:0]
	for _, w := range fc.waiters {
		if !w.deadline.After(fc.now) {
			w.c <- fc.now
		} else {
			waiters = append(waiters, w)
		}
	}
	fc.waiters = waiters
}
