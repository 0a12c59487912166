package pios

import (
	"sync"
	"time"

	"github.com/tinyrange/pios/internal/hw"
	"github.com/tinyrange/pios/internal/kalloc"
	"github.com/tinyrange/pios/internal/kernel"
	"github.com/tinyrange/pios/internal/param"
	"github.com/tinyrange/pios/internal/sched"
	"github.com/tinyrange/pios/internal/traps"
	"github.com/tinyrange/pios/internal/uapi"
	"github.com/tinyrange/pios/internal/vmm"
)

// The user-execution engine. Each process's program runs on its own
// goroutine and talks to the core that schedules it through a request
// channel: system calls, memory accesses and compute bursts all arrive as
// requests, and the core turns them into the traps the kernel sees. A
// process is only ever run by one core at a time, handed over through the
// scheduler lock, so task state needs no locking of its own.

type reqKind int

const (
	reqSvc reqKind = iota
	reqCompute
	reqAccess
)

// dataAbortStatus is the DFSC for a translation fault at level 1.
const dataAbortStatus = 0b000101

type request struct {
	kind reqKind

	// svc
	num  uint16
	args []uint64

	// compute
	dur time.Duration

	// access
	va    uint64
	write bool
	val   uint64

	reply  chan [3]uint64 // svc: x0, x1, x7 after return
	loaded chan uint64    // access: loaded value (zero when skipped)
	done   chan struct{}  // compute completion

	// delivered marks a request whose trap has been raised and is waiting
	// for the process to be scheduled back in.
	delivered bool
}

// task is the user side of one process.
type task struct {
	pid  uint64
	path string
	req  chan *request

	pending *request

	// pc is the virtual address of the next instruction, maintained the
	// way the modeled instruction stream advances it.
	pc uint64

	// literal staging region for program constants.
	litVA   uint64
	litRoom uint64

	started bool
}

type taskSet struct {
	mu    sync.Mutex
	tasks map[uint64]*task
	paths map[uint64]string
}

func newTaskSet() *taskSet {
	return &taskSet{
		tasks: make(map[uint64]*task),
		paths: make(map[uint64]string),
	}
}

func (ts *taskSet) bind(pid uint64, path string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.paths[pid] = path
}

func (ts *taskSet) get(pid uint64) (*task, string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.tasks[pid], ts.paths[pid]
}

func (ts *taskSet) put(t *task) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.tasks[t.pid] = t
}

// taskMachine is the uapi.Machine a program traps through; it is bound to
// one task.
type taskMachine struct {
	m *Machine
	t *task
}

func (tm *taskMachine) Svc(num uint16, args ...uint64) (r0, r1, status uint64) {
	r := &request{kind: reqSvc, num: num, args: args, reply: make(chan [3]uint64)}
	tm.t.req <- r
	res := <-r.reply
	return res[0], res[1], res[2]
}

func (tm *taskMachine) Compute(d time.Duration) {
	r := &request{kind: reqCompute, dur: d, done: make(chan struct{})}
	tm.t.req <- r
	<-r.done
}

func (tm *taskMachine) Load(va uint64) uint64 {
	r := &request{kind: reqAccess, va: va, loaded: make(chan uint64)}
	tm.t.req <- r
	return <-r.loaded
}

func (tm *taskMachine) Store(va, val uint64) {
	r := &request{kind: reqAccess, va: va, write: true, val: val, loaded: make(chan uint64)}
	tm.t.req <- r
	<-r.loaded
}

func (tm *taskMachine) Literal(data []byte) uint64 {
	return tm.m.stageLiteral(tm.t, data)
}

// Run implements kernel.UserRunner: execute the process named by the
// core's TPIDR until it raises a trap.
func (m *Machine) Run(core *hw.Core) kernel.TrapEvent {
	for {
		t := m.taskFor(core.TPIDR)

		// A request whose trap was serviced completes now that the
		// process is back on a core with its post-trap registers.
		if r := t.pending; r != nil && r.delivered {
			switch r.kind {
			case reqSvc:
				t.pending = nil
				t.pc = core.PC
				r.reply <- [3]uint64{core.Regs[0], core.Regs[1], core.Regs[uapi.StatusReg]}
				continue

			case reqAccess:
				if core.PC != t.pc {
					// The fault handler advanced past the instruction;
					// the access never happens and a load reads zero.
					t.pending = nil
					t.pc = core.PC
					r.loaded <- 0
					continue
				}
				// Same instruction: the access retries and faults again.
				return m.raiseAbort(core, t, r)
			}
		}

		// Interrupt window between instructions.
		if ev, ok := m.pendingIRQ(core); ok {
			core.PC = t.pc
			return ev
		}

		r := t.pending
		if r == nil {
			select {
			case r = <-t.req:
			case <-m.nudge[core.Index]:
				continue
			}
		}

		switch r.kind {
		case reqSvc:
			t.pending = r
			r.delivered = true
			for i, a := range r.args {
				core.Regs[i] = a
			}
			// The svc executes; the preferred return address is the next
			// instruction.
			core.PC = t.pc + 4
			return kernel.TrapEvent{Kind: traps.Synchronous, ESR: traps.SvcESR(r.num)}

		case reqAccess:
			if val, ok := m.tryAccess(core.TPIDR, r); ok {
				t.pc += 4
				t.pending = nil
				r.loaded <- val
				continue
			}
			return m.raiseAbort(core, t, r)

		case reqCompute:
			t.pending = r
			slice := r.dur
			if slice > param.TICK/2 {
				slice = param.TICK / 2
			}
			m.wait(core.Index, slice)
			r.dur -= slice
			if r.dur <= 0 {
				t.pending = nil
				t.pc += 4
				close(r.done)
				continue
			}
			if ev, ok := m.pendingIRQ(core); ok {
				core.PC = t.pc
				return ev
			}
		}
	}
}

// raiseAbort delivers a data abort for the access request.
func (m *Machine) raiseAbort(core *hw.Core, t *task, r *request) kernel.TrapEvent {
	t.pending = r
	r.delivered = true
	core.PC = t.pc
	return kernel.TrapEvent{
		Kind: traps.Synchronous,
		ESR:  traps.DataAbortESR(dataAbortStatus),
		FAR:  r.va,
	}
}

// taskFor returns the task for pid, starting its program goroutine on
// first use. A pid with no registered program gets a program that exits
// immediately.
func (m *Machine) taskFor(pid uint64) *task {
	t, path := m.tasks.get(pid)
	if t == nil {
		t = &task{
			pid:  pid,
			path: path,
			req:  make(chan *request),
			pc:   sched.ImageBase(),
		}
		m.tasks.put(t)
	}

	if !t.started {
		t.started = true
		prog := m.programs[t.path]
		env := uapi.NewEnv(&taskMachine{m: m, t: t})
		go func() {
			if prog != nil {
				prog(env)
			}
			env.Exit()
		}()
	}

	return t
}

// pendingIRQ reports whether the core observes an interrupt right now.
func (m *Machine) pendingIRQ(core *hw.Core) (kernel.TrapEvent, bool) {
	if core.IRQMasked() {
		return kernel.TrapEvent{}, false
	}
	if core.Index == 0 && m.intc.AnyPending() {
		return kernel.TrapEvent{Kind: traps.Irq}, true
	}
	if m.local.AnyPending(core.Index) {
		return kernel.TrapEvent{Kind: traps.Irq}, true
	}
	return kernel.TrapEvent{}, false
}

// wait passes d of machine time on the core, returning early when the core
// is nudged by an interrupt.
func (m *Machine) wait(core int, d time.Duration) {
	done := make(chan struct{})
	cancel := m.clock.AfterFunc(m.clock.Now()+d, func() { close(done) })
	defer cancel()
	select {
	case <-done:
	case <-m.nudge[core]:
	}
}

// tryAccess performs a user memory access against the owning process's
// page table. It reports false when the address is unmapped and the access
// must abort.
func (m *Machine) tryAccess(pid uint64, r *request) (uint64, bool) {
	if r.va > sched.MaxVA()-8 || r.va < param.USER_IMG_BASE {
		return 0, false
	}

	var (
		val uint64
		ok  bool
	)
	m.kernel.Scheduler.Critical(func(s *sched.Scheduler) {
		p := s.Find(pid)
		if p == nil {
			return
		}
		pageVA := kalloc.AlignDown(r.va, param.PAGE_SIZE)
		page := p.Vmap.Slice(pageVA)
		if page == nil {
			return
		}
		off := r.va - pageVA
		if off+8 > uint64(len(page)) {
			return
		}
		if r.write {
			putLE(page[off:], r.val)
		} else {
			val = getLE(page[off:])
		}
		ok = true
	})
	return val, ok
}

func putLE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getLE(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// literalBase is where staged program constants live in a process's
// address space, well clear of the image and the stack.
const literalBase = param.USER_IMG_BASE + 0x1000_0000

// stageLiteral copies program constant bytes into the process's address
// space and returns their virtual address.
func (m *Machine) stageLiteral(t *task, data []byte) uint64 {
	var va uint64
	m.kernel.Scheduler.Critical(func(s *sched.Scheduler) {
		p := s.Find(t.pid)
		if p == nil {
			return
		}
		if t.litRoom < uint64(len(data)) {
			pageVA := literalBase
			if t.litVA != 0 {
				pageVA = kalloc.AlignUp(t.litVA, param.PAGE_SIZE)
			}
			p.Vmap.Alloc(pageVA, vmm.PermRO)
			t.litVA = pageVA
			t.litRoom = param.PAGE_SIZE
		}
		va = t.litVA
		page := p.Vmap.Slice(kalloc.AlignDown(va, param.PAGE_SIZE))
		copy(page[va-kalloc.AlignDown(va, param.PAGE_SIZE):], data)
		t.litVA += uint64(len(data))
		t.litRoom -= uint64(len(data))
	})
	return va
}
