package pios

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinyrange/pios/internal/console"
	"github.com/tinyrange/pios/internal/hw"
	"github.com/tinyrange/pios/internal/param"
	"github.com/tinyrange/pios/internal/uapi"
	"github.com/tinyrange/pios/userland"
)

// drive advances the manual clock until cond is true or the host deadline
// passes.
func drive(t *testing.T, clock *hw.ManualClock, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached while driving the clock")
		}
		clock.Advance(time.Millisecond)
		time.Sleep(50 * time.Microsecond)
	}
}

func TestBootRunsInitialProcesses(t *testing.T) {
	clock := hw.NewManualClock()
	cap := console.NewCapture(100, 40)

	m := New(WithClock(clock), WithConsole(cap))
	m.Register("/sleep", userland.Sleep)
	m.Register("/fib", userland.Fib)
	m.Boot()

	// The first process to run is the first /sleep loaded: pid 0.
	drive(t, clock, func() bool {
		return strings.Contains(cap.Raw(), "[0] sleeping 1s")
	})

	// All six initial processes get cores within the first quanta; the
	// /fib copies show up as compute progress eventually, and the sleepers
	// complete after a second of machine time.
	drive(t, clock, func() bool {
		raw := cap.Raw()
		return strings.Contains(raw, "[0] slept") &&
			strings.Contains(raw, "[2] slept") &&
			strings.Contains(raw, "[4] slept")
	})

	if screen := cap.Screen(); !strings.Contains(screen, "sleeping 1s") {
		t.Errorf("terminal screen missing boot output:\n%s", screen)
	}
}

func TestSleepReturnsWithinQuantum(t *testing.T) {
	clock := hw.NewManualClock()

	var (
		mu       sync.Mutex
		start    time.Duration
		end      time.Duration
		elapsed  time.Duration
		slept    bool
		sleepErr error
	)

	m := New(WithClock(clock), WithInit([]string{"/one"}, 1))
	m.Register("/one", func(sys *uapi.Env) {
		now, _ := sys.Time()
		e, err := sys.Sleep(100 * time.Millisecond)
		after, _ := sys.Time()

		mu.Lock()
		start, end, elapsed, sleepErr, slept = now, after, e, err, true
		mu.Unlock()
	})
	m.Boot()

	drive(t, clock, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return slept
	})

	mu.Lock()
	defer mu.Unlock()
	if sleepErr != nil {
		t.Fatalf("sleep error: %v", sleepErr)
	}
	if elapsed < 100*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 100ms", elapsed)
	}
	wall := end - start
	if wall < 100*time.Millisecond || wall > 100*time.Millisecond+2*param.TICK {
		t.Errorf("wall time across sleep = %v, want within [100ms, 100ms+2*TICK]", wall)
	}
}

func TestWriteStrBadAddressFromUser(t *testing.T) {
	clock := hw.NewManualClock()
	cap := console.NewCapture(80, 24)

	var (
		done atomic.Bool
		got  error
	)

	m := New(WithClock(clock), WithConsole(cap), WithInit([]string{"/bad"}, 1))
	m.Register("/bad", func(sys *uapi.Env) {
		_, got = sys.WriteStr(param.USER_IMG_BASE-1, 1)
		done.Store(true)
	})
	m.Boot()

	drive(t, clock, func() bool { return done.Load() })

	if got != uapi.BadAddress {
		t.Errorf("WriteStr error = %v, want BadAddress", got)
	}
	if cap.Raw() != "" {
		t.Errorf("console output on bad address: %q", cap.Raw())
	}
}

func TestDataAbortResumesProcess(t *testing.T) {
	clock := hw.NewManualClock()
	cap := console.NewCapture(100, 40)

	var done atomic.Bool

	m := New(WithClock(clock), WithConsole(cap), WithInit([]string{"/abort"}, 1))
	m.Register("/abort", func(sys *uapi.Env) {
		// Touch an unmapped address; the kernel prints the fault and skips
		// the access, so the load reads zero and the program carries on.
		if v := sys.Load(0); v != 0 {
			sys.Println("unexpected value")
		}
		sys.Println("still alive")
		done.Store(true)
	})
	m.Boot()

	drive(t, clock, func() bool { return done.Load() })

	raw := cap.Raw()
	if !strings.Contains(raw, "DataAbort { kind: Translation, level: 1 }") {
		t.Errorf("fault not decoded on console:\n%s", raw)
	}
	if !strings.Contains(raw, "fault addr: 0") {
		t.Errorf("fault address missing:\n%s", raw)
	}
	if !strings.Contains(raw, "still alive") {
		t.Errorf("process did not resume after the abort:\n%s", raw)
	}
}

func TestPreemptiveFairness(t *testing.T) {
	clock := hw.NewManualClock()

	const procs = 6
	var ran [procs]atomic.Int64 // virtual ms of compute completed per pid

	m := New(WithClock(clock), WithInit([]string{"/spin"}, procs))
	m.Register("/spin", func(sys *uapi.Env) {
		pid, _ := sys.Getpid()
		for {
			sys.Compute(time.Millisecond)
			ran[pid].Add(1)
		}
	})
	m.Boot()

	// Let every process get started, then measure one second of machine
	// time.
	drive(t, clock, func() bool {
		for i := range ran {
			if ran[i].Load() == 0 {
				return false
			}
		}
		return true
	})

	var before [procs]int64
	for i := range ran {
		before[i] = ran[i].Load()
	}
	target := clock.Now() + time.Second
	drive(t, clock, func() bool { return clock.Now() >= target })

	var total int64
	var deltas [procs]int64
	for i := range ran {
		deltas[i] = ran[i].Load() - before[i]
		total += deltas[i]
	}

	// Four cores share six runnable processes round-robin: everyone makes
	// steady progress and nobody hogs.
	mean := total / procs
	for i, d := range deltas {
		if d == 0 {
			t.Errorf("process %d starved: %v", i, deltas)
		}
		if d > 2*mean {
			t.Errorf("process %d ran %dms, more than twice the mean %dms", i, d, mean)
		}
	}
}

func TestGetpidMatchesAssignment(t *testing.T) {
	clock := hw.NewManualClock()

	var (
		mu   sync.Mutex
		pids []uint64
	)

	m := New(WithClock(clock), WithInit([]string{"/id"}, 4))
	m.Register("/id", func(sys *uapi.Env) {
		pid, err := sys.Getpid()
		if err != nil {
			return
		}
		mu.Lock()
		pids = append(pids, pid)
		mu.Unlock()
	})
	m.Boot()

	drive(t, clock, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(pids) == 4
	})

	mu.Lock()
	defer mu.Unlock()
	seen := map[uint64]bool{}
	for _, pid := range pids {
		if pid > 3 {
			t.Errorf("pid %d out of range", pid)
		}
		if seen[pid] {
			t.Errorf("pid %d reported twice", pid)
		}
		seen[pid] = true
	}
}

func TestRealClockSmoke(t *testing.T) {
	cap := console.NewCapture(80, 24)

	var done atomic.Bool
	m := New(WithConsole(cap), WithInit([]string{"/hello"}, 1))
	m.Register("/hello", func(sys *uapi.Env) {
		sys.Println("hello from user space")
		done.Store(true)
	})
	m.Boot()

	deadline := time.Now().Add(10 * time.Second)
	for !done.Load() {
		if time.Now().After(deadline) {
			t.Fatal("machine made no progress on the real clock")
		}
		time.Sleep(time.Millisecond)
	}
	if !strings.Contains(cap.Raw(), "hello from user space") {
		t.Errorf("console = %q", cap.Raw())
	}
}
