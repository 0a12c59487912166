package kernel

import (
	"encoding/binary"

	"github.com/tinyrange/pios/internal/hw"
	"github.com/tinyrange/pios/internal/hw/bcm"
	"github.com/tinyrange/pios/internal/param"
	"github.com/tinyrange/pios/internal/sched"
	"github.com/tinyrange/pios/internal/traps"
)

// schedStart is the per-core start of day: pull the first ready process
// into a locally built trap frame, arm the core's timer (plus the global
// timer on core 0), and transfer to user space with an exception return.
// It then services that core's traps forever.
func (k *Kernel) schedStart(core *hw.Core) {
	// If nothing was loaded there is no user space to enter; fall into the
	// kernel shell instead of spinning forever on core 0.
	if core.Affinity() == 0 {
		empty := true
		k.Scheduler.Critical(func(s *sched.Scheduler) { empty = s.Len() == 0 })
		if empty {
			k.shell("> ", nil)
			return
		}
	}

	tf := &traps.TrapFrame{}
	k.Scheduler.SwitchTo(tf)

	n := core.Affinity()
	if n == 0 {
		k.GlobalIRQ.Register(int(bcm.IntTimer1), func(tf *traps.TrapFrame) {
			k.Timer.TickAt(k.Timer.CurrentTime() + param.TICK)
			k.Scheduler.Switch(sched.StateReady, tf)
		})
		k.Intc.Enable(bcm.IntTimer1)
		k.Timer.TickAt(k.Timer.CurrentTime() + param.TICK)
	}

	k.LocalIRQ[n].Register(int(bcm.LocalCntPnsIrq), func(tf *traps.TrapFrame) {
		k.Local.TickIn(n, param.TICK)
		k.Scheduler.Switch(sched.StateReady, tf)
	})
	k.Local.EnableLocalTimer(n)
	k.Local.TickIn(n, param.TICK)

	k.eretToUser(core, tf)
	k.runLoop(core)
}

// stackTop returns the top of core n's kernel stack.
func stackTop(n int) uint64 {
	return param.KERN_STACK_BASE - uint64(n)*param.KERN_STACK_SIZE
}

// eretToUser copies tf to a fixed slot near the top of the core's kernel
// stack, points SP there, restores every register from the copy, and
// exception-returns. The destination address has to survive the restore,
// which is why the copy helper hands it back rather than relying on
// anything stack-relative.
func (k *Kernel) eretToUser(core *hw.Core, tf *traps.TrapFrame) {
	dst := k.copyTrapFrame(tf, stackTop(core.Affinity())-traps.TrapFrameSize)
	core.SP[hw.EL1] = dst
	k.restoreFrame(core, tf)
}

// copyTrapFrame serializes tf into guest memory at dst and returns dst.
func (k *Kernel) copyTrapFrame(tf *traps.TrapFrame, dst uint64) uint64 {
	mem := k.Mem.RAM()
	le := binary.LittleEndian

	off := dst
	put := func(v uint64) {
		le.PutUint64(mem[off:], v)
		off += 8
	}
	put(tf.ELR)
	put(tf.SPSR)
	put(tf.SP)
	put(tf.TPIDR)
	put(tf.TTBR0)
	put(tf.TTBR1)
	for _, q := range tf.Simd {
		put(q[0])
		put(q[1])
	}
	for _, r := range tf.Regs {
		put(r)
	}
	return dst
}

// restoreFrame pops tf into the core's registers and exception-returns,
// entering user space.
func (k *Kernel) restoreFrame(core *hw.Core, tf *traps.TrapFrame) {
	core.ELR[hw.EL1] = tf.ELR
	core.SPSR[hw.EL1] = tf.SPSR
	core.SP[hw.EL0] = tf.SP
	core.TPIDR = tf.TPIDR
	core.TTBR0 = tf.TTBR0
	core.TTBR1 = tf.TTBR1
	core.Simd = tf.Simd
	core.Regs = tf.Regs
	core.SP[hw.EL1] += traps.TrapFrameSize
	core.Eret()
}

// buildFrame is the vector stub's save path: allocate a frame on the
// kernel stack and capture the full user state the hardware and stub
// latched on exception entry.
func (k *Kernel) buildFrame(core *hw.Core) *traps.TrapFrame {
	tf := &traps.TrapFrame{
		ELR:   core.ELR[hw.EL1],
		SPSR:  core.SPSR[hw.EL1],
		SP:    core.SP[hw.EL0],
		TPIDR: core.TPIDR,
		TTBR0: core.TTBR0,
		TTBR1: core.TTBR1,
		Simd:  core.Simd,
		Regs:  core.Regs,
	}
	core.SP[hw.EL1] -= traps.TrapFrameSize
	k.copyTrapFrame(tf, core.SP[hw.EL1])
	return tf
}

// runLoop drives the core: run user code until it traps, vector through the
// dispatcher, and return to whatever process the scheduler left in the
// frame.
func (k *Kernel) runLoop(core *hw.Core) {
	for {
		ev := k.Users.Run(core)

		core.TakeExceptionTo(core.PC, uint64(ev.ESR), ev.FAR)
		tf := k.buildFrame(core)

		info := traps.Info{Source: traps.LowerAArch64, Kind: ev.Kind}
		k.HandleException(core, info, ev.ESR, ev.FAR, tf)

		k.restoreFrame(core, tf)
	}
}
