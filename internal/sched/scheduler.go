package sched

import (
	"sync"

	"github.com/tinyrange/pios/internal/traps"
)

// Scheduler is the machine-wide process queue. It is not safe for
// concurrent use on its own; GlobalScheduler serializes access under the
// global lock.
type Scheduler struct {
	processes []*Process
	lastID    Id
}

// NewScheduler returns a scheduler with an empty queue.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Add assigns the next id to the process, stores it in the process's TPIDR,
// and enqueues the process.
func (s *Scheduler) Add(p *Process) Id {
	id := s.lastID
	p.Context.TPIDR = id
	s.processes = append(s.processes, p)
	s.lastID = id + 1
	return id
}

// ScheduleOut finds the running process owning tf (by TPIDR), saves tf into
// it, sets its state, and moves it to the back of the queue. It reports
// whether a matching process was found.
func (s *Scheduler) ScheduleOut(newState State, tf *traps.TrapFrame) bool {
	for i, p := range s.processes {
		if p.Context.TPIDR == tf.TPIDR && p.State.Kind == Running {
			*p.Context = *tf
			p.State = newState
			s.processes = append(append(s.processes[:i:i], s.processes[i+1:]...), p)
			return true
		}
	}
	return false
}

// SwitchTo scans from the front for the first ready process, marks it
// Running, restores its context into tf, and returns its id. It returns
// false if no process is ready.
func (s *Scheduler) SwitchTo(tf *traps.TrapFrame) (Id, bool) {
	for _, p := range s.processes {
		if p.IsReady() {
			p.State = StateRunning
			*tf = *p.Context
			return tf.TPIDR, true
		}
	}
	return 0, false
}

// Kill schedules the current process out as Dead, pops it from the back of
// the queue, releases it, and returns its id. It returns false if tf does
// not belong to a live process.
func (s *Scheduler) Kill(tf *traps.TrapFrame) (Id, bool) {
	if !s.ScheduleOut(StateDead, tf) {
		return 0, false
	}
	last := len(s.processes) - 1
	p := s.processes[last]
	s.processes = s.processes[:last]
	id := p.Context.TPIDR
	p.Release()
	return id, true
}

// Find returns the queued process with the given id, or nil.
func (s *Scheduler) Find(id Id) *Process {
	for _, p := range s.processes {
		if p.Context.TPIDR == id {
			return p
		}
	}
	return nil
}

// Len returns the number of queued processes.
func (s *Scheduler) Len() int {
	return len(s.processes)
}

// GlobalScheduler wraps the scheduler in the global spinlock. All queue
// operations from every core are serialized through it.
type GlobalScheduler struct {
	mu    sync.Mutex
	sched *Scheduler

	// Idle is the low-power wait executed when SwitchTo finds no candidate.
	// The kernel points it at a short sleep on the machine's system timer.
	Idle func()
}

// NewGlobalScheduler returns an uninitialized global scheduler; Initialize
// must run before any queue operation.
func NewGlobalScheduler() *GlobalScheduler {
	return &GlobalScheduler{}
}

// Initialize installs an empty scheduler.
func (g *GlobalScheduler) Initialize() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sched = NewScheduler()
}

// Critical runs f with the scheduler while holding the global lock.
func (g *GlobalScheduler) Critical(f func(s *Scheduler)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sched == nil {
		panic("sched: scheduler uninitialized")
	}
	f(g.sched)
}

// Add enqueues a process and returns its id.
func (g *GlobalScheduler) Add(p *Process) Id {
	var id Id
	g.Critical(func(s *Scheduler) { id = s.Add(p) })
	return id
}

// Switch performs a full context switch: the current process is scheduled
// out into newState and the next ready process's context is restored into
// tf. It blocks until some process becomes ready.
func (g *GlobalScheduler) Switch(newState State, tf *traps.TrapFrame) Id {
	g.Critical(func(s *Scheduler) { s.ScheduleOut(newState, tf) })
	return g.SwitchTo(tf)
}

// SwitchTo restores the next ready process into tf, spinning on the idle
// wait while no process is ready.
func (g *GlobalScheduler) SwitchTo(tf *traps.TrapFrame) Id {
	for {
		var (
			id Id
			ok bool
		)
		g.Critical(func(s *Scheduler) { id, ok = s.SwitchTo(tf) })
		if ok {
			return id
		}
		if g.Idle != nil {
			g.Idle()
		}
	}
}

// Kill kills the process owning tf and returns its id.
func (g *GlobalScheduler) Kill(tf *traps.TrapFrame) (Id, bool) {
	var (
		id Id
		ok bool
	)
	g.Critical(func(s *Scheduler) { id, ok = s.Kill(tf) })
	return id, ok
}
