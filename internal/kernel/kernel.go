// Package kernel ties the subsystems into a bootable kernel: the global
// singleton containers, the exception-level descent, the trap dispatcher,
// the system calls, and the per-core scheduler start.
package kernel

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/pios/internal/hw"
	"github.com/tinyrange/pios/internal/hw/bcm"
	"github.com/tinyrange/pios/internal/kalloc"
	"github.com/tinyrange/pios/internal/kfs"
	"github.com/tinyrange/pios/internal/param"
	"github.com/tinyrange/pios/internal/sched"
	"github.com/tinyrange/pios/internal/traps"
	"github.com/tinyrange/pios/internal/vmm"
)

// Image layout symbols the linker script would provide: the kernel image is
// loaded at KERN_STACK_BASE, the vector table lives inside it, and the BSS
// sits at the image's end. The heap begins past the image.
const (
	VectorBase uint64 = 0x8_1000
	Start2     uint64 = 0x8_2000

	BssStart uint64 = 0x9_0000
	BssEnd   uint64 = 0xA_0000

	HeapStart uint64 = 0x10_0000
)

// TrapEvent is what user execution produced: a synchronous exception or a
// pending interrupt.
type TrapEvent struct {
	Kind traps.Kind
	ESR  uint32
	FAR  uint64
}

// UserRunner executes user code. Run resumes the process identified by the
// core's TPIDR and returns when it traps; the core's registers then hold
// the user state at the trap point.
type UserRunner interface {
	Run(core *hw.Core) TrapEvent
}

// Hardware is the machine the kernel boots on.
type Hardware struct {
	Mem   *hw.Memory
	Clock hw.Clock
	Cores []*hw.Core
	Event *hw.Event

	Intc  *bcm.Controller
	Local *bcm.LocalController
	Timer *bcm.SystemTimer
	Uart  *bcm.MiniUart
}

// Kernel is the kernel image: the hardware it drives plus its global
// singletons. Singletons are lazily initialized in kmain in the fixed
// order allocator, filesystem, VMM, scheduler, IRQ.
type Kernel struct {
	Hardware

	FS    kfs.FileSystem
	Users UserRunner

	// InitialPrograms are loaded into the scheduler before the first
	// switch, each repeated InitialCopies times.
	InitialPrograms []string
	InitialCopies   int

	// OnProcessLoaded, if set, is told the id and image path of every
	// process the kernel loads, so the machine can bind user execution to
	// it.
	OnProcessLoaded func(id sched.Id, path string)

	// FaultPrompt keeps the fault shell attached to console input. When
	// unset, the shell drains any buffered input and resumes immediately,
	// so an unattended machine is not wedged by a fault.
	FaultPrompt bool

	Log *slog.Logger

	heapOnce sync.Once
	Heap     *kalloc.Allocator

	VMM       *vmm.KernPageTable
	vmmReady  chan struct{}
	Scheduler *sched.GlobalScheduler

	GlobalIRQ *traps.Registry
	LocalIRQ  [param.NCORES]*traps.Registry
	FIQ       *traps.Registry
}

// NewKernel builds a kernel over the hardware. Nothing is initialized until
// a core boots.
func NewKernel(hws Hardware, fs kfs.FileSystem) *Kernel {
	k := &Kernel{
		Hardware:        hws,
		FS:              fs,
		InitialPrograms: []string{"/sleep", "/fib"},
		InitialCopies:   3,
		Log:             slog.Default(),
		vmmReady:        make(chan struct{}),
		Scheduler:       sched.NewGlobalScheduler(),
		GlobalIRQ:       traps.NewRegistry(),
		FIQ:             traps.NewRegistry(),
	}
	for i := range k.LocalIRQ {
		k.LocalIRQ[i] = traps.NewRegistry()
	}
	return k
}

// Start boots core 0 from its reset state. It runs the whole cold path:
// stack setup, BSS zeroing, descent to EL1, kmain. It does not return under
// normal conditions; run it on its own goroutine.
func (k *Kernel) Start() {
	core := k.Cores[0]
	if core.Affinity() != 0 {
		panic("kernel: Start on secondary core")
	}
	core.SP[hw.EL3] = param.KERN_STACK_BASE
	k.kinit(core)
}

// StartSecondary boots core n once core 0 has written its spinning slot.
// The machine parks each secondary core until then.
func (k *Kernel) StartSecondary(n int) {
	core := k.Cores[n]
	core.SP[hw.EL3] = param.KERN_STACK_BASE - uint64(n)*param.KERN_STACK_SIZE
	k.switchToEL2(core)
	k.switchToEL1(core)
	k.kmain2(core)
}

func (k *Kernel) kinit(core *hw.Core) {
	k.zeroBss()
	k.switchToEL2(core)
	k.switchToEL1(core)
	k.kmain(core)
}

// zeroBss clears the BSS region word by word, before any code that relies
// on zeroed globals runs.
func (k *Kernel) zeroBss() {
	for addr := BssStart; addr < BssEnd; addr += 8 {
		k.Mem.Write64(addr, 0)
	}
}

// switchToEL2 steps down from EL3: configure the secure world for
// non-secure AArch64 with HVC enabled and exception-return into EL2. Like
// its assembly counterpart it must not touch the stack; SP for EL2 is not
// valid yet.
func (k *Kernel) switchToEL2(core *hw.Core) {
	if core.EL != hw.EL3 {
		return
	}

	core.SCR_EL3 = hw.SCR_NS | hw.SCR_SMD | hw.SCR_HCE | hw.SCR_RW | hw.SCR_RES1

	core.SPSR[hw.EL3] = hw.PSTATE_M_EL2H | hw.PSTATE_F | hw.PSTATE_I | hw.PSTATE_A | hw.PSTATE_D
	core.ELR[hw.EL3] = core.PC
	core.Eret()
}

// switchToEL1 steps down from EL2: mirror SP into EL1, open the counter to
// EL0/EL1, select AArch64 for EL1, unmask FP/SIMD, reset SCTLR, install the
// vector table, and exception-return into EL1h. Stack discipline as above.
func (k *Kernel) switchToEL1(core *hw.Core) {
	if core.EL != hw.EL2 {
		return
	}

	core.SP[hw.EL1] = core.SP[hw.EL3]

	core.CNTHCTL_EL2 |= hw.CNTHCTL_EL0PCTEN | hw.CNTHCTL_EL0VCTEN
	core.CNTVOFF_EL2 = 0

	core.HCR_EL2 = hw.HCR_RW | hw.HCR_RES1

	core.CPTR_EL2 = 0
	core.CPACR |= hw.CPACR_FPEN

	core.SCTLR = hw.SCTLR_RES1

	core.VBAR = VectorBase

	core.SPSR[hw.EL2] = hw.PSTATE_M_EL1H | hw.PSTATE_F | hw.PSTATE_I | hw.PSTATE_A | hw.PSTATE_D
	core.ELR[hw.EL2] = core.PC
	core.Eret()
}

func (k *Kernel) kmain(core *hw.Core) {
	k.initHeap()
	k.initVMM()
	k.initScheduler()
	k.initIRQ()

	k.Log.Info("kernel: core 0 up", "heap", HeapStart)
	k.initializeAppCores()
	k.schedStart(core)
}

func (k *Kernel) kmain2(core *hw.Core) {
	// Report in by clearing the spinning slot, then wait for the VMM.
	k.Mem.Write64(param.SPINNING_BASE+8*uint64(core.Affinity()), 0)
	<-k.vmmReady
	k.Log.Info("kernel: core up", "core", core.Affinity())
	k.schedStart(core)
}

func (k *Kernel) initHeap() {
	k.heapOnce.Do(func() {
		_, memEnd := k.Mem.MemoryMap()
		k.Heap = kalloc.New(k.Mem.RAM(), HeapStart, memEnd)
	})
}

func (k *Kernel) initVMM() {
	_, memEnd := k.Mem.MemoryMap()
	k.VMM = vmm.NewKernPageTable(k.Heap, k.Mem.RAM(), memEnd)
	close(k.vmmReady)
}

func (k *Kernel) initScheduler() {
	k.Scheduler.Initialize()
	// The idle wait polls on a short machine-time interval. A latched
	// interrupt line makes the hardware wfe degenerate to exactly this
	// kind of poll loop, and it keeps sleep deadlines observable even
	// when no further interrupt will fire.
	k.Scheduler.Idle = func() { k.Timer.SpinSleep(time.Millisecond) }

	res := k.resources()
	for i := 0; i < k.InitialCopies; i++ {
		for _, path := range k.InitialPrograms {
			p, err := sched.Load(res, path)
			if err != nil {
				k.Log.Error("kernel: load failed", "path", path, "err", err)
				continue
			}
			id := k.Scheduler.Add(p)
			if k.OnProcessLoaded != nil {
				k.OnProcessLoaded(id, path)
			}
		}
	}
}

func (k *Kernel) initIRQ() {
	k.GlobalIRQ.Initialize(bcm.NumIRQs)
	for i := range k.LocalIRQ {
		k.LocalIRQ[i].Initialize(bcm.NumLocalIRQs)
	}
	k.FIQ.Initialize(1)
}

// resources bundles the singletons for process creation.
func (k *Kernel) resources() sched.Resources {
	return sched.Resources{
		Heap:     k.Heap,
		Mem:      k.Mem.RAM(),
		FS:       k.FS,
		KernBase: k.VMM.BaseAddr(),
	}
}

// initializeAppCores wakes cores 1-3: write the secondary entrypoint into
// each spinning slot, send an event, and wait for the core to clear its
// slot.
func (k *Kernel) initializeAppCores() {
	for n := 1; n < param.NCORES; n++ {
		slot := param.SPINNING_BASE + 8*uint64(n)
		k.Mem.Write64(slot, Start2)
		k.Event.Sev()

		for k.Mem.Read64(slot) != 0 {
			time.Sleep(time.Microsecond)
		}
	}
}
