// Package pios models a Raspberry Pi 3 class board and boots an
// educational kernel on it. A Machine owns the modeled hardware — guest
// RAM, four cores, the interrupt controllers and timers, the mini UART —
// and drives user programs against the kernel's scheduler, virtual memory
// and system-call surface.
//
// User programs are Go functions bound to image paths; they interact with
// the kernel only through the system-call environment they receive, the
// way a real program talks to the kernel only through svc.
package pios

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tinyrange/pios/internal/hw"
	"github.com/tinyrange/pios/internal/hw/bcm"
	"github.com/tinyrange/pios/internal/kernel"
	"github.com/tinyrange/pios/internal/kfs"
	"github.com/tinyrange/pios/internal/param"
	"github.com/tinyrange/pios/internal/uapi"
)

// Program is the behavior of a user executable: it runs with the calling
// process's system-call environment and its return is an implicit exit.
type Program func(sys *uapi.Env)

// Machine is one modeled board plus the kernel booted on it.
type Machine struct {
	mem   *hw.Memory
	clock hw.Clock
	cores []*hw.Core
	event *hw.Event

	intc  *bcm.Controller
	local *bcm.LocalController
	timer *bcm.SystemTimer
	uart  *bcm.MiniUart

	fs       kfs.FileSystem
	memfs    *kfs.MemFS
	kernel   *kernel.Kernel
	programs map[string]Program

	tasks *taskSet

	nudge []chan struct{}

	cfg config
}

type config struct {
	memoryMB    int
	clock       hw.Clock
	console     io.Writer
	fs          kfs.FileSystem
	init        []string
	copies      int
	faultPrompt bool
	log         *slog.Logger
}

// Option configures a Machine.
type Option func(*config)

// WithMemoryMB sets the RAM size. The default is 128 MiB.
func WithMemoryMB(mb int) Option {
	return func(c *config) { c.memoryMB = mb }
}

// WithClock overrides the machine clock, mainly so tests can drive a
// manual clock.
func WithClock(clock hw.Clock) Option {
	return func(c *config) { c.clock = clock }
}

// WithConsole attaches the UART transmit side to w.
func WithConsole(w io.Writer) Option {
	return func(c *config) { c.console = w }
}

// WithFilesystem replaces the default in-memory filesystem.
func WithFilesystem(fs kfs.FileSystem) Option {
	return func(c *config) { c.fs = fs }
}

// WithInit sets the programs the kernel loads at boot and how many copies
// of each. The default is three copies each of /sleep and /fib.
func WithInit(paths []string, copies int) Option {
	return func(c *config) {
		c.init = paths
		c.copies = copies
	}
}

// WithFaultPrompt keeps the fault shell attached to console input.
func WithFaultPrompt() Option {
	return func(c *config) { c.faultPrompt = true }
}

// WithLogger sets the host-side diagnostic logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) { c.log = log }
}

// New builds a machine. Programs must be registered with Register before
// Boot.
func New(opts ...Option) *Machine {
	cfg := config{
		memoryMB: 128,
		copies:   3,
		init:     []string{"/sleep", "/fib"},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = hw.NewRealClock()
	}

	m := &Machine{
		mem:      hw.NewMemory(uint64(cfg.memoryMB) * 1024 * 1024),
		clock:    cfg.clock,
		event:    hw.NewEvent(),
		programs: make(map[string]Program),
		tasks:    newTaskSet(),
		cfg:      cfg,
	}

	m.cores = make([]*hw.Core, param.NCORES)
	m.nudge = make([]chan struct{}, param.NCORES)
	for i := range m.cores {
		m.cores[i] = hw.NewCore(i)
		m.nudge[i] = make(chan struct{}, 1)
	}

	m.intc = bcm.NewController()
	m.local = bcm.NewLocalController(m.clock, m.cores)
	m.timer = bcm.NewSystemTimer(m.clock, m.intc)
	m.uart = bcm.NewMiniUart(m.clock, m.intc, cfg.console)

	m.intc.Notify = func() {
		m.kick(0)
		m.event.Sev()
	}
	m.local.Notify = func(core int) {
		m.kick(core)
		m.event.Sev()
	}

	if cfg.fs != nil {
		m.fs = cfg.fs
	} else {
		m.memfs = kfs.NewMemFS()
		m.fs = m.memfs
	}

	k := kernel.NewKernel(kernel.Hardware{
		Mem:   m.mem,
		Clock: m.clock,
		Cores: m.cores,
		Event: m.event,
		Intc:  m.intc,
		Local: m.local,
		Timer: m.timer,
		Uart:  m.uart,
	}, m.fs)
	k.Users = m
	k.OnProcessLoaded = m.tasks.bind
	k.InitialPrograms = cfg.init
	k.InitialCopies = cfg.copies
	k.FaultPrompt = cfg.faultPrompt
	k.Log = cfg.log
	m.kernel = k

	return m
}

// Register binds a program to an image path. With the default in-memory
// filesystem a placeholder image is written so the loader has bytes to
// map; with an external filesystem the image must already exist there.
func (m *Machine) Register(path string, prog Program) {
	m.programs[path] = prog
	if m.memfs != nil {
		m.memfs.Write(path, []byte(fmt.Sprintf("%s: user image", path)))
	}
}

// WriteImage places file contents on the default card image without
// binding a program to them. It is a no-op when an external filesystem
// was supplied.
func (m *Machine) WriteImage(path string, data []byte) {
	if m.memfs != nil {
		m.memfs.Write(path, data)
	}
}

// Uart returns the machine's UART so a host console can inject input.
func (m *Machine) Uart() *bcm.MiniUart {
	return m.uart
}

// Boot starts all four cores: core 0 runs the cold path, cores 1-3 park on
// their spinning slots until the kernel wakes them. Boot returns
// immediately; the machine runs until the process exits.
func (m *Machine) Boot() {
	for n := 1; n < param.NCORES; n++ {
		go m.parkSecondary(n)
	}
	go m.kernel.Start()
}

func (m *Machine) parkSecondary(n int) {
	slot := param.SPINNING_BASE + 8*uint64(n)
	for m.mem.Read64(slot) == 0 {
		m.event.Wfe(n)
	}
	m.kernel.StartSecondary(n)
}

// kick nudges a core's run loop, dropping the nudge if one is already
// queued.
func (m *Machine) kick(core int) {
	select {
	case m.nudge[core] <- struct{}{}:
	default:
	}
}

// SpinSleep blocks until d has elapsed on the machine counter, for
// host-side pacing.
func (m *Machine) SpinSleep(d time.Duration) {
	m.timer.SpinSleep(d)
}
