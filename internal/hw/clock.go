package hw

import (
	"sort"
	"sync"
	"time"
)

// CNTFRQ is the generic-timer counter frequency the firmware programs on
// this board.
const CNTFRQ = 19_200_000

// Clock is the machine counter: a monotonic virtual time source with
// deadline callbacks. The real clock tracks the host monotonic clock; the
// manual clock is stepped explicitly by tests.
type Clock interface {
	// Freq returns the counter frequency in Hz (CNTFRQ).
	Freq() uint64
	// Now returns the time since machine reset.
	Now() time.Duration
	// AfterFunc arranges for fn to run once Now() >= deadline. The returned
	// function cancels the callback if it has not fired.
	AfterFunc(deadline time.Duration, fn func()) (cancel func())
}

// RealClock follows the host monotonic clock.
type RealClock struct {
	epoch time.Time
}

// NewRealClock starts a real clock at machine reset.
func NewRealClock() *RealClock {
	return &RealClock{epoch: time.Now()}
}

func (c *RealClock) Freq() uint64 { return CNTFRQ }

func (c *RealClock) Now() time.Duration {
	return time.Since(c.epoch)
}

func (c *RealClock) AfterFunc(deadline time.Duration, fn func()) func() {
	t := time.AfterFunc(time.Until(c.epoch.Add(deadline)), fn)
	return func() { t.Stop() }
}

type manualTimer struct {
	deadline time.Duration
	fn       func()
	id       uint64
}

// ManualClock only moves when Advance is called, which makes timing
// behavior deterministic under test.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Duration
	nextID uint64
	timers []*manualTimer
}

// NewManualClock returns a manual clock at time zero.
func NewManualClock() *ManualClock {
	return &ManualClock{}
}

func (c *ManualClock) Freq() uint64 { return CNTFRQ }

func (c *ManualClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) AfterFunc(deadline time.Duration, fn func()) func() {
	c.mu.Lock()
	t := &manualTimer{deadline: deadline, fn: fn, id: c.nextID}
	c.nextID++
	c.timers = append(c.timers, t)
	due := deadline <= c.now
	c.mu.Unlock()

	// A deadline in the past fires immediately, like programming CNTP_TVAL
	// with zero.
	if due {
		c.fire()
	}

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, other := range c.timers {
			if other.id == t.id {
				c.timers = append(c.timers[:i], c.timers[i+1:]...)
				return
			}
		}
	}
}

// Advance moves the clock forward by d and fires every callback whose
// deadline has been reached, in deadline order.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
	c.fire()
}

func (c *ManualClock) fire() {
	for {
		c.mu.Lock()
		sort.Slice(c.timers, func(i, j int) bool { return c.timers[i].deadline < c.timers[j].deadline })
		var due *manualTimer
		if len(c.timers) > 0 && c.timers[0].deadline <= c.now {
			due = c.timers[0]
			c.timers = c.timers[1:]
		}
		c.mu.Unlock()

		if due == nil {
			return
		}
		due.fn()
	}
}
