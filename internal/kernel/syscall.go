package kernel

import (
	"time"
	"unicode/utf8"

	"github.com/tinyrange/pios/internal/kalloc"
	"github.com/tinyrange/pios/internal/param"
	"github.com/tinyrange/pios/internal/sched"
	"github.com/tinyrange/pios/internal/traps"
	"github.com/tinyrange/pios/internal/uapi"
)

func setStatus(tf *traps.TrapFrame, e uapi.OsError) {
	tf.Regs[uapi.StatusReg] = uint64(e)
}

func (k *Kernel) handleSyscall(num uint16, tf *traps.TrapFrame) {
	switch num {
	case uapi.NR_SLEEP:
		k.sysSleep(uint32(tf.Regs[0]), tf)
	case uapi.NR_TIME:
		k.sysTime(tf)
	case uapi.NR_EXIT:
		k.sysExit(tf)
	case uapi.NR_WRITE:
		k.sysWrite(uint8(tf.Regs[0]), tf)
	case uapi.NR_GETPID:
		k.sysGetpid(tf)
	case uapi.NR_WRITE_STR:
		k.sysWriteStr(tf.Regs[0], tf.Regs[1], tf)
	default:
		k.kprintf("unknown syscall %d\n", num)
	}
}

// sysSleep parks the caller on a deadline predicate and switches away. The
// caller's return registers are filled in by the predicate at the moment
// the deadline passes, so the elapsed time it reports covers the whole
// wait, not just the trap.
func (k *Kernel) sysSleep(ms uint32, tf *traps.TrapFrame) {
	start := k.Timer.CurrentTime()
	deadline := start + time.Duration(ms)*time.Millisecond

	poll := func(p *sched.Process) bool {
		now := k.Timer.CurrentTime()
		if now < deadline {
			return false
		}
		p.Context.Regs[0] = uint64((now - start).Milliseconds())
		setStatus(p.Context, uapi.Ok)
		return true
	}

	k.Scheduler.Switch(sched.StateWaiting(poll), tf)
}

// sysTime returns the machine time as whole seconds in x0 and the
// remaining nanoseconds in x1.
func (k *Kernel) sysTime(tf *traps.TrapFrame) {
	now := k.Timer.CurrentTime()
	secs := uint64(now / time.Second)
	tf.Regs[0] = secs
	tf.Regs[1] = uint64(now - time.Duration(secs)*time.Second)
	setStatus(tf, uapi.Ok)
}

// sysExit kills the calling process, releasing its pages inline, and
// switches to the next ready process.
func (k *Kernel) sysExit(tf *traps.TrapFrame) {
	k.Scheduler.Kill(tf)
	k.Scheduler.SwitchTo(tf)
}

// sysWrite puts one byte on the console.
func (k *Kernel) sysWrite(b uint8, tf *traps.TrapFrame) {
	k.Uart.WriteByte(b)
	setStatus(tf, uapi.Ok)
}

// sysGetpid returns the caller's process id.
func (k *Kernel) sysGetpid(tf *traps.TrapFrame) {
	tf.Regs[0] = tf.TPIDR
	setStatus(tf, uapi.Ok)
}

// sysWriteStr writes the user buffer [va, va+n) to the console. The range
// must lie entirely inside the user region and decode as UTF-8.
func (k *Kernel) sysWriteStr(va, n uint64, tf *traps.TrapFrame) {
	if va < param.USER_IMG_BASE || n > sched.MaxVA()-va+1 {
		setStatus(tf, uapi.BadAddress)
		return
	}

	buf, ok := k.readUser(tf.TPIDR, va, n)
	if !ok {
		setStatus(tf, uapi.BadAddress)
		return
	}
	if !utf8.Valid(buf) {
		setStatus(tf, uapi.InvalidArgument)
		return
	}

	k.Uart.Write(buf)
	tf.Regs[0] = uint64(len(buf))
	setStatus(tf, uapi.Ok)
}

// readUser copies [va, va+n) out of the address space of the process
// identified by id, page by page.
func (k *Kernel) readUser(id sched.Id, va, n uint64) ([]byte, bool) {
	buf := make([]byte, 0, n)
	ok := false

	k.Scheduler.Critical(func(s *sched.Scheduler) {
		p := s.Find(id)
		if p == nil {
			return
		}
		for off := va; off < va+n; {
			pageVA := kalloc.AlignDown(off, param.PAGE_SIZE)
			page := p.Vmap.Slice(pageVA)
			if page == nil {
				return
			}
			start := off - pageVA
			take := min(uint64(len(page))-start, va+n-off)
			buf = append(buf, page[start:start+take]...)
			off += take
		}
		ok = true
	})

	return buf, ok
}
