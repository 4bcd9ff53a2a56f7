package poller

import (
	"sync"
	"testing"
	"time"
)

// manualClock runs AfterFunc callbacks only when the test fires them, on the
// test goroutine.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// active returns the number of timers that are neither fired nor stopped.
func (c *manualClock) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// fireNext advances time to the oldest pending timer and runs it. It returns
// the timer's delay.
func (c *manualClock) fireNext(t *testing.T) time.Duration {
	t.Helper()
	c.mu.Lock()
	var next *manualTimer
	for _, tm := range c.timers {
		if !tm.fired && !tm.stopped {
			next = tm
			break
		}
	}
	if next == nil {
		c.mu.Unlock()
		t.Fatalf("no pending timer to fire")
		return 0
	}
	next.fired = true
	c.now = c.now.Add(next.delay)
	c.mu.Unlock()

	next.f()
	return next.delay
}
