package bcm

import (
	"sync"
	"time"

	"github.com/tinyrange/pios/internal/hw"
)

// SystemTimer models the shared system timer: a free-running counter with a
// compare channel wired to the Timer1 line of the global controller.
type SystemTimer struct {
	mu     sync.Mutex
	clock  hw.Clock
	ctrl   *Controller
	cancel func()
}

// NewSystemTimer wires a system timer to the global controller.
func NewSystemTimer(clock hw.Clock, ctrl *Controller) *SystemTimer {
	return &SystemTimer{clock: clock, ctrl: ctrl}
}

// CurrentTime returns the time since machine reset as the free-running
// counter reports it.
func (t *SystemTimer) CurrentTime() time.Duration {
	return t.clock.Now()
}

// TickAt programs the compare channel to assert Timer1 at the absolute
// deadline, replacing any previous compare value and dropping the line.
func (t *SystemTimer) TickAt(deadline time.Duration) {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.ctrl.Assert(IntTimer1, false)
	t.cancel = t.clock.AfterFunc(deadline, func() {
		t.ctrl.Assert(IntTimer1, true)
	})
	t.mu.Unlock()
}

// SpinSleep blocks until d has elapsed on the machine counter, parking the
// goroutine on a clock callback. With a manual clock the caller is expected
// to advance time from another goroutine.
func (t *SystemTimer) SpinSleep(d time.Duration) {
	deadline := t.clock.Now() + d
	done := make(chan struct{})
	cancel := t.clock.AfterFunc(deadline, func() { close(done) })
	defer cancel()
	<-done
}
