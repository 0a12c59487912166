package traps

import (
	"fmt"
	"sync"
)

// Handler consumes a mutable view of the trap frame for a pending interrupt.
type Handler func(tf *TrapFrame)

// Registry is a fixed-size table of interrupt handlers indexed by interrupt
// number. It starts uninitialized; the kernel calls Initialize once the heap
// is up, matching the boot ordering of the other global containers.
type Registry struct {
	mu       sync.Mutex
	handlers []Handler
}

// NewRegistry returns an uninitialized registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Initialize allocates the handler table. Register and Invoke panic before
// Initialize has run.
func (r *Registry) Initialize(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make([]Handler, n)
}

// Register installs the handler for interrupt n, replacing any previous one.
func (r *Registry) Register(n int, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		panic("traps: Register before Initialize")
	}
	if n < 0 || n >= len(r.handlers) {
		panic(fmt.Sprintf("traps: interrupt %d out of range", n))
	}
	r.handlers[n] = h
}

// Invoke runs the handler for interrupt n if one is registered.
func (r *Registry) Invoke(n int, tf *TrapFrame) {
	r.mu.Lock()
	if r.handlers == nil {
		r.mu.Unlock()
		panic("traps: Invoke before Initialize")
	}
	var h Handler
	if n >= 0 && n < len(r.handlers) {
		h = r.handlers[n]
	}
	r.mu.Unlock()

	if h != nil {
		h(tf)
	}
}
