package sched

import (
	"testing"

	"github.com/tinyrange/pios/internal/kalloc"
	"github.com/tinyrange/pios/internal/kfs"
	"github.com/tinyrange/pios/internal/param"
	"github.com/tinyrange/pios/internal/traps"
	"github.com/tinyrange/pios/internal/uapi"
)

func testResources(t *testing.T) Resources {
	t.Helper()
	mem := make([]byte, 64*param.PAGE_SIZE)
	heap := kalloc.New(mem, 64, uint64(len(mem)))

	fs := kfs.NewMemFS()
	fs.Write("/sleep", []byte("sleep-image"))
	fs.Write("/fib", make([]byte, param.PAGE_SIZE+10)) // spans two pages

	return Resources{Heap: heap, Mem: mem, FS: fs, KernBase: 0x1000}
}

// testProcess builds a queueable process without touching the filesystem.
func testProcess(t *testing.T, res Resources) *Process {
	t.Helper()
	p, err := New(res)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestLoadSetsUpContext(t *testing.T) {
	res := testResources(t)
	p, err := Load(res, "/sleep")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if p.Context.SP != StackTopVA() {
		t.Errorf("SP = %#x, want %#x", p.Context.SP, StackTopVA())
	}
	if p.Context.SP%StackAlign != 0 {
		t.Errorf("SP %#x not 16-byte aligned", p.Context.SP)
	}
	if p.Context.ELR != param.USER_IMG_BASE {
		t.Errorf("ELR = %#x, want image base", p.Context.ELR)
	}
	if p.Context.TTBR0 != res.KernBase {
		t.Errorf("TTBR0 = %#x, want kernel base", p.Context.TTBR0)
	}
	if p.Context.TTBR1 != p.Vmap.BaseAddr() {
		t.Errorf("TTBR1 = %#x, want user table base", p.Context.TTBR1)
	}
	if mode := p.Context.SPSR & traps.PSTATE_M_MASK; mode != traps.PSTATE_M_EL0T {
		t.Errorf("SPSR mode = %#b, want EL0t", mode)
	}
	if p.Context.SPSR&traps.PSTATE_I != 0 {
		t.Error("IRQ masked in new process")
	}

	// Image bytes landed in the first image page.
	page := p.Vmap.Slice(param.USER_IMG_BASE)
	if string(page[:11]) != "sleep-image" {
		t.Errorf("image page = %q", page[:11])
	}
	// Stack page is mapped RW.
	if !p.Vmap.IsValidUser(StackBaseVA()) {
		t.Error("stack page not mapped")
	}
}

func TestLoadMultiPageImage(t *testing.T) {
	res := testResources(t)
	p, err := Load(res, "/fib")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !p.Vmap.IsValidUser(param.USER_IMG_BASE + param.PAGE_SIZE) {
		t.Error("second image page not mapped")
	}
}

func TestLoadErrors(t *testing.T) {
	res := testResources(t)

	if _, err := Load(res, "/missing"); err != uapi.NoEntry {
		t.Errorf("missing file: err = %v, want NoEntry", err)
	}

	fs := res.FS.(*kfs.MemFS)
	fs.Write("/dir/child", []byte("x"))
	if _, err := Load(res, "/dir"); err != uapi.ExpectedFileFoundDir {
		t.Errorf("directory: err = %v, want ExpectedFileFoundDir", err)
	}
}

func TestAddAssignsSequentialIDs(t *testing.T) {
	res := testResources(t)
	s := NewScheduler()

	for want := Id(0); want < 3; want++ {
		p := testProcess(t, res)
		if got := s.Add(p); got != want {
			t.Errorf("Add = %d, want %d", got, want)
		}
		if p.Context.TPIDR != want {
			t.Errorf("TPIDR = %d, want %d", p.Context.TPIDR, want)
		}
	}
}

func TestSwitchToRoundTrip(t *testing.T) {
	res := testResources(t)
	s := NewScheduler()
	id := s.Add(testProcess(t, res))

	var tf traps.TrapFrame
	got, ok := s.SwitchTo(&tf)
	if !ok || got != id {
		t.Fatalf("SwitchTo = %d, %v; want %d", got, ok, id)
	}
	if tf.TPIDR != id {
		t.Errorf("tf.TPIDR = %d, want %d", tf.TPIDR, id)
	}
}

func TestSwitchEqualsScheduleOutPlusSwitchTo(t *testing.T) {
	res := testResources(t)

	run := func(useSwitch bool) Id {
		g := NewGlobalScheduler()
		g.Initialize()
		g.Add(testProcess(t, res))
		g.Add(testProcess(t, res))

		var tf traps.TrapFrame
		first := g.SwitchTo(&tf)
		if first != 0 {
			t.Fatalf("first = %d, want 0", first)
		}

		if useSwitch {
			return g.Switch(StateReady, &tf)
		}
		g.Critical(func(s *Scheduler) { s.ScheduleOut(StateReady, &tf) })
		return g.SwitchTo(&tf)
	}

	if a, b := run(true), run(false); a != b {
		t.Errorf("Switch = %d, ScheduleOut+SwitchTo = %d", a, b)
	}
}

func TestRoundRobinOrder(t *testing.T) {
	res := testResources(t)
	g := NewGlobalScheduler()
	g.Initialize()
	for i := 0; i < 3; i++ {
		g.Add(testProcess(t, res))
	}

	var tf traps.TrapFrame
	var order []Id
	order = append(order, g.SwitchTo(&tf))
	for i := 0; i < 5; i++ {
		order = append(order, g.Switch(StateReady, &tf))
	}

	want := []Id{0, 1, 2, 0, 1, 2}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestWaitingProcessSkippedUntilEvent(t *testing.T) {
	res := testResources(t)
	s := NewScheduler()

	ready := false
	waiter := testProcess(t, res)
	waiter.State = StateWaiting(func(p *Process) bool { return ready })
	other := testProcess(t, res)

	s.Add(waiter)
	s.Add(other)

	var tf traps.TrapFrame
	id, ok := s.SwitchTo(&tf)
	if !ok || id != 1 {
		t.Fatalf("SwitchTo = %d, want the non-waiting process 1", id)
	}

	// The event arrives: the waiter becomes eligible and, being first in
	// the queue, wins the next scan.
	ready = true
	s.ScheduleOut(StateReady, &tf)
	id, ok = s.SwitchTo(&tf)
	if !ok || id != 0 {
		t.Fatalf("SwitchTo after event = %d, want 0", id)
	}
	if waiter.State.Kind != Running {
		t.Errorf("waiter state = %v, want Running", waiter.State.Kind)
	}
}

func TestPredicateSeesProcess(t *testing.T) {
	res := testResources(t)
	p := testProcess(t, res)
	p.Context.TPIDR = 42

	var saw Id
	p.State = StateWaiting(func(q *Process) bool {
		saw = q.Context.TPIDR
		return false
	})

	if p.IsReady() {
		t.Fatal("predicate returned false but process is ready")
	}
	if saw != 42 {
		t.Errorf("predicate saw TPIDR %d, want 42", saw)
	}
	if p.State.Kind != Waiting {
		t.Errorf("state = %v after failed poll, want Waiting", p.State.Kind)
	}
	// The predicate must have been restored, not lost.
	if p.State.poll == nil {
		t.Error("predicate lost after poll")
	}
}

func TestKillRemovesAndReleases(t *testing.T) {
	res := testResources(t)
	g := NewGlobalScheduler()
	g.Initialize()

	p, err := Load(res, "/sleep")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g.Add(p)
	g.Add(testProcess(t, res))

	var tf traps.TrapFrame
	id := g.SwitchTo(&tf)

	free := res.Heap.FreeBlocks(param.PAGE_SIZE)
	killed, ok := g.Kill(&tf)
	if !ok || killed != id {
		t.Fatalf("Kill = %d, %v; want %d", killed, ok, id)
	}
	if after := res.Heap.FreeBlocks(param.PAGE_SIZE); after <= free {
		t.Errorf("no pages returned on kill: %d -> %d", free, after)
	}

	g.Critical(func(s *Scheduler) {
		if s.Len() != 1 {
			t.Errorf("queue length = %d after kill, want 1", s.Len())
		}
	})
}

func TestSwitchToIdlesUntilReady(t *testing.T) {
	res := testResources(t)
	g := NewGlobalScheduler()
	g.Initialize()

	ready := false
	p := testProcess(t, res)
	p.State = StateWaiting(func(*Process) bool { return ready })
	g.Add(p)

	idles := 0
	g.Idle = func() {
		idles++
		if idles == 3 {
			ready = true
		}
	}

	var tf traps.TrapFrame
	id := g.SwitchTo(&tf)
	if id != 0 {
		t.Fatalf("SwitchTo = %d, want 0", id)
	}
	if idles != 3 {
		t.Errorf("idled %d times, want 3", idles)
	}
}
