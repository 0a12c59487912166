package sched

import "github.com/tinyrange/pios/internal/kalloc"

// StackSize is the default stack allocation for a new process.
const StackSize = 64 * 1024

// StackAlign is the required stack alignment.
const StackAlign = 16

// Stack is an owned, aligned region of kernel memory backing a process.
type Stack struct {
	heap *kalloc.Allocator
	addr uint64
}

// NewStack allocates a zeroed stack of the default size, or returns false
// if the heap cannot supply one.
func NewStack(heap *kalloc.Allocator, mem []byte) (Stack, bool) {
	addr := heap.Alloc(StackSize, StackAlign)
	if addr == kalloc.Null {
		return Stack{}, false
	}
	clear(mem[addr : addr+StackSize])
	return Stack{heap: heap, addr: addr}, true
}

// Base returns the lowest address of the region.
func (s Stack) Base() uint64 { return s.addr }

// Top returns the first address past the region; stacks grow down from it.
func (s Stack) Top() uint64 { return s.addr + StackSize }

// Release returns the region to the heap.
func (s Stack) Release() {
	if s.heap != nil {
		s.heap.Dealloc(s.addr, StackSize, StackAlign)
	}
}
