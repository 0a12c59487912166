package sched

import (
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/pios/internal/kalloc"
	"github.com/tinyrange/pios/internal/kfs"
	"github.com/tinyrange/pios/internal/param"
	"github.com/tinyrange/pios/internal/traps"
	"github.com/tinyrange/pios/internal/uapi"
	"github.com/tinyrange/pios/internal/vmm"
)

// Id identifies a process. It lives in the TPIDR field of the trap frame so
// the scheduler can find the owner of an in-flight frame.
type Id = uint64

// Resources bundles the kernel facilities process creation draws on. The
// kernel passes its singletons here.
type Resources struct {
	Heap *kalloc.Allocator
	Mem  []byte
	FS   kfs.FileSystem

	// KernBase is the physical base of the kernel page table, loaded into
	// TTBR0 of every process.
	KernBase uint64
}

// Process is the complete state of one user process.
type Process struct {
	// Context is the saved trap frame.
	Context *traps.TrapFrame
	// Stack is the kernel-owned stack allocation.
	Stack Stack
	// Vmap is the process's address space.
	Vmap *vmm.UserPageTable
	// State is the scheduling state.
	State State

	res Resources
}

// MaxVA returns the highest virtual address a process may use.
func MaxVA() uint64 {
	return param.USER_IMG_BASE + (param.USER_MAX_VM_SIZE - 1)
}

// ImageBase returns the load address of the program image.
func ImageBase() uint64 {
	return param.USER_IMG_BASE
}

// StackBaseVA returns the virtual address of the user stack page, the last
// page of the address space.
func StackBaseVA() uint64 {
	return (MaxVA() - param.PAGE_SIZE + 1) &^ uint64(param.PAGE_SIZE-1)
}

// StackTopVA returns the initial user stack pointer, 16-byte aligned at the
// top of the stack page.
func StackTopVA() uint64 {
	return MaxVA() &^ uint64(StackAlign-1)
}

// New creates a process with a zeroed trap frame, a fresh stack and an
// empty address space, in the Ready state.
func New(res Resources) (*Process, error) {
	stack, ok := NewStack(res.Heap, res.Mem)
	if !ok {
		return nil, uapi.NoMemory
	}

	return &Process{
		Context: &traps.TrapFrame{},
		Stack:   stack,
		Vmap:    vmm.NewUserPageTable(res.Heap, res.Mem),
		State:   StateReady,
		res:     res,
	}, nil
}

// Load creates a process from the program at path: one RW page for the user
// stack, RWX pages holding the image read from the filesystem, and a trap
// frame set up to enter the image at its base in EL0 with IRQs unmasked.
func Load(res Resources, path string) (*Process, error) {
	p, err := doLoad(res, path)
	if err != nil {
		return nil, err
	}

	p.Context.SP = StackTopVA()
	p.Context.ELR = ImageBase()
	p.Context.TTBR0 = res.KernBase
	p.Context.TTBR1 = p.Vmap.BaseAddr()
	p.Context.SPSR = traps.UserPSTATE()

	return p, nil
}

func doLoad(res Resources, path string) (*Process, error) {
	p, err := New(res)
	if err != nil {
		return nil, err
	}

	entry, err := res.FS.Open(path)
	if err != nil {
		p.Release()
		if errors.Is(err, kfs.ErrNotFound) {
			return nil, uapi.NoEntry
		}
		return nil, fmt.Errorf("sched: open %s: %w", path, err)
	}
	file, ok := kfs.AsFile(entry)
	if !ok {
		p.Release()
		return nil, uapi.ExpectedFileFoundDir
	}

	p.Vmap.Alloc(StackBaseVA(), vmm.PermRW)

	size := file.Size()
	for addr := ImageBase(); addr < ImageBase()+size; addr += param.PAGE_SIZE {
		page := p.Vmap.Alloc(addr, vmm.PermRWX)
		if err := readFull(file, page); err != nil {
			p.Release()
			return nil, fmt.Errorf("sched: read %s: %w", path, err)
		}
	}

	return p, nil
}

// readFull fills page from the file, tolerating short reads, until the page
// is full or the file ends.
func readFull(r io.Reader, page []byte) error {
	for len(page) > 0 {
		n, err := r.Read(page)
		page = page[n:]
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// IsReady reports whether the process can be scheduled. A waiting process
// has its predicate polled; if the event has occurred the process becomes
// Ready. The predicate is moved out of the state for the duration of the
// call so it may itself inspect the process.
func (p *Process) IsReady() bool {
	if p.State.Kind == Waiting {
		poll := p.State.poll
		p.State.poll = nil

		if poll(p) {
			p.State = StateReady
		} else if p.State.Kind == Waiting {
			p.State.poll = poll
		}
	}

	return p.State.Kind == Ready
}

// Release frees the stack and every page mapped in the address space.
func (p *Process) Release() {
	p.Stack.Release()
	if p.Vmap != nil {
		p.Vmap.Release()
		p.Vmap = nil
	}
}
