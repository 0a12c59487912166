// Package bcm models the BCM2837 interrupt fabric: the global interrupt
// controller and system timer in the shared peripheral window, the per-core
// local controller with the generic-timer routing, and the mini UART.
//
// Device models latch pending state and call an optional Notify hook; the
// machine run loop decides when a core actually observes the interrupt,
// which is how IRQ lines and the core's PSTATE.I mask interact on hardware.
package bcm

import (
	"sync"
	"time"

	"github.com/tinyrange/pios/internal/hw"
)

// Interrupt identifies one of the 64 global IRQ lines.
type Interrupt int

// Global IRQ lines with registered peripherals.
const (
	IntTimer1 Interrupt = 1
	IntTimer3 Interrupt = 3
	IntUsb    Interrupt = 9
	IntGpio0  Interrupt = 49
	IntGpio1  Interrupt = 50
	IntGpio2  Interrupt = 51
	IntGpio3  Interrupt = 52
	IntUart   Interrupt = 57

	// NumIRQs is the number of lines the controller tracks.
	NumIRQs = 64
)

// Interrupts lists the lines with attached peripherals, in pending-scan
// order.
func Interrupts() []Interrupt {
	return []Interrupt{IntTimer1, IntTimer3, IntUsb, IntGpio0, IntGpio1, IntGpio2, IntGpio3, IntUart}
}

// Controller is the global interrupt controller: enable, disable and
// pending state for 64 IRQ lines.
type Controller struct {
	mu      sync.Mutex
	enabled uint64
	pending uint64

	// Notify is called after a line becomes pending, so the machine can
	// nudge core 0's run loop.
	Notify func()
}

// NewController returns a controller with every line disabled.
func NewController() *Controller {
	return &Controller{}
}

// Enable unmasks the interrupt line.
func (c *Controller) Enable(irq Interrupt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled |= 1 << uint(irq)
}

// Disable masks the interrupt line.
func (c *Controller) Disable(irq Interrupt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled &^= 1 << uint(irq)
}

// IsPending reports whether the line is both asserted and enabled.
func (c *Controller) IsPending(irq Interrupt) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	mask := uint64(1) << uint(irq)
	return c.pending&c.enabled&mask != 0
}

// AnyPending reports whether any enabled line is asserted.
func (c *Controller) AnyPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending&c.enabled != 0
}

// Assert drives the line's level from the device side.
func (c *Controller) Assert(irq Interrupt, level bool) {
	c.mu.Lock()
	mask := uint64(1) << uint(irq)
	was := c.pending & mask
	if level {
		c.pending |= mask
	} else {
		c.pending &^= mask
	}
	notify := c.Notify
	fire := level && was == 0 && c.enabled&mask != 0
	c.mu.Unlock()

	if fire && notify != nil {
		notify()
	}
}

// LocalInterrupt identifies one of the per-core interrupt sources (QA7 4.10).
type LocalInterrupt int

const (
	LocalCntPsIrq LocalInterrupt = iota
	LocalCntPnsIrq
	LocalCntHpIrq
	LocalCntVIrq
	LocalMailbox0
	LocalMailbox1
	LocalMailbox2
	LocalMailbox3
	LocalGpu
	LocalPmu
	LocalAxiOutstanding
	LocalTimer

	// NumLocalIRQs is the number of per-core sources.
	NumLocalIRQs = 12
)

// LocalInterrupts lists every per-core source in pending-scan order.
func LocalInterrupts() []LocalInterrupt {
	ints := make([]LocalInterrupt, NumLocalIRQs)
	for i := range ints {
		ints[i] = LocalInterrupt(i)
	}
	return ints
}

type coreTimer struct {
	routed  bool
	pending uint64 // bitmap of LocalInterrupt
	cancel  func()
}

// LocalController models the per-core peripheral block: interrupt routing
// for the core-local sources and the physical non-secure generic timer.
type LocalController struct {
	mu    sync.Mutex
	clock hw.Clock
	cores []*hw.Core
	state []coreTimer

	// Notify is called with the core index when one of its sources becomes
	// pending.
	Notify func(core int)
}

// NewLocalController builds the local controller for the given cores.
func NewLocalController(clock hw.Clock, cores []*hw.Core) *LocalController {
	return &LocalController{
		clock: clock,
		cores: cores,
		state: make([]coreTimer, len(cores)),
	}
}

// EnableLocalTimer enables the core's physical non-secure timer (sets
// CNTP_CTL.ENABLE, clears CNTP_CTL.IMASK) and routes CNTPNSIRQ to the
// core's IRQ line.
func (lc *LocalController) EnableLocalTimer(core int) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	c := lc.cores[core]
	c.CNTP_CTL |= hw.CNTP_CTL_ENABLE
	c.CNTP_CTL &^= hw.CNTP_CTL_IMASK
	lc.state[core].routed = true
}

// IsPending reports whether the source is pending for the core.
func (lc *LocalController) IsPending(core int, irq LocalInterrupt) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.state[core].pending&(1<<uint(irq)) != 0
}

// AnyPending reports whether any source is pending for the core.
func (lc *LocalController) AnyPending(core int) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.state[core].pending != 0
}

// TickIn programs the core's CNTP_TVAL so the timer fires d from now:
// ticks = freq * d_micros / 1_000_000. Re-programming clears the pending
// condition, which is how the timer handler acknowledges the interrupt.
func (lc *LocalController) TickIn(core int, d time.Duration) {
	lc.mu.Lock()
	c := lc.cores[core]
	freq := lc.clock.Freq()
	ticks := freq * uint64(d.Microseconds()) / 1_000_000
	c.CNTP_TVAL = ticks

	st := &lc.state[core]
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	st.pending &^= 1 << uint(LocalCntPnsIrq)
	c.CNTP_CTL &^= hw.CNTP_CTL_ISTATUS

	deadline := lc.clock.Now() + time.Duration(ticks*uint64(time.Second)/freq)
	st.cancel = lc.clock.AfterFunc(deadline, func() { lc.timerFired(core) })
	lc.mu.Unlock()
}

func (lc *LocalController) timerFired(core int) {
	lc.mu.Lock()
	c := lc.cores[core]
	c.CNTP_CTL |= hw.CNTP_CTL_ISTATUS
	st := &lc.state[core]
	enabled := c.CNTP_CTL&hw.CNTP_CTL_ENABLE != 0 && c.CNTP_CTL&hw.CNTP_CTL_IMASK == 0
	fire := enabled && st.routed
	if fire {
		st.pending |= 1 << uint(LocalCntPnsIrq)
	}
	notify := lc.Notify
	lc.mu.Unlock()

	if fire && notify != nil {
		notify(core)
	}
}
