// Package kalloc implements the kernel heap: a size-class allocator over a
// region of guest physical memory.
//
// The allocator keeps one free list per power-of-two size class, starting at
// 2^3 bytes and doubling up to 2^16 (one translation granule). Bin k serves
// allocations in (2^(k+2), 2^(k+3)]. Free lists are threaded through the
// managed memory itself: the first eight bytes of a free block hold the
// physical address of the next free block.
//
// The arena start is aligned up to the largest size class, so any block on
// bin k is 2^(k+3)-aligned and alignment requests up to the largest class can
// always be satisfied. Blocks are split on demand from larger classes and are
// never coalesced; free is O(1).
package kalloc

import "encoding/binary"

const (
	binSmallestK = 3
	numBins      = 14

	// MinSizeClass and MaxSizeClass bound the block sizes the allocator
	// hands out. MaxSizeClass matches the page size so a page allocation is
	// a single block.
	MinSizeClass uint64 = 1 << binSmallestK
	MaxSizeClass uint64 = 1 << (numBins + binSmallestK - 1)
)

// Null is the out-of-memory sentinel returned by Alloc.
const Null uint64 = 0

// Allocator allocates blocks out of [start, end) of guest physical memory.
// It is not safe for concurrent use; callers hold the kernel heap lock.
type Allocator struct {
	mem  []byte
	bins [numBins]uint64 // head of each free list, Null when empty
}

// New builds an allocator managing [start, end) of mem, where mem is all of
// guest RAM indexed by physical address. The region is aligned up to the
// largest size class that still fits and pre-filled with the largest possible
// blocks.
func New(mem []byte, start, end uint64) *Allocator {
	a := &Allocator{mem: mem}

	// Physical address 0 doubles as the null sentinel, so a block can never
	// live there.
	if start == 0 {
		start = MinSizeClass
	}

	sizeClass := MaxSizeClass
	var addr uint64
	for {
		candidate := AlignUp(start, sizeClass)
		if candidate+sizeClass < end {
			addr = candidate
			break
		}
		sizeClass /= 2
		if sizeClass < MinSizeClass {
			return a
		}
	}

	for bin := numBins - 1; bin >= 0; bin-- {
		size := binClassSize(bin)
		for addr+size < end {
			a.push(bin, addr)
			addr += size
		}
	}

	return a
}

// binFor returns the bin with the smallest class size that size fits into,
// or -1 if size exceeds the largest class.
func binFor(size uint64) int {
	if size > MaxSizeClass {
		return -1
	}
	binSize := MinSizeClass
	bin := 0
	for size > binSize {
		binSize *= 2
		bin++
	}
	return bin
}

func binClassSize(bin int) uint64 {
	return 1 << (binSmallestK + bin)
}

func (a *Allocator) next(addr uint64) uint64 {
	return binary.LittleEndian.Uint64(a.mem[addr:])
}

func (a *Allocator) setNext(addr, next uint64) {
	binary.LittleEndian.PutUint64(a.mem[addr:], next)
}

func (a *Allocator) push(bin int, addr uint64) {
	a.setNext(addr, a.bins[bin])
	a.bins[bin] = addr
}

// popAligned removes and returns the first block on bin whose address is a
// multiple of align, or Null if the list has none.
func (a *Allocator) popAligned(bin int, align uint64) uint64 {
	prev := Null
	for addr := a.bins[bin]; addr != Null; addr = a.next(addr) {
		if addr%align == 0 {
			if prev == Null {
				a.bins[bin] = a.next(addr)
			} else {
				a.setNext(prev, a.next(addr))
			}
			return addr
		}
		prev = addr
	}
	return Null
}

// split returns the unused upper halves of a block taken from a larger class
// back to the free lists, until the block is pared down to wantSize.
func (a *Allocator) split(addr, blockSize, wantSize uint64) {
	for blockSize > wantSize {
		half := blockSize / 2
		bin := binFor(half)
		if bin < 0 {
			return
		}
		a.push(bin, addr+half)
		blockSize = half
	}
}

// Alloc returns the physical address of a free block of at least size bytes
// aligned to align, or Null if the request cannot be satisfied. align must be
// a power of two no larger than MaxSizeClass; size must be nonzero. Invalid
// requests return Null without side effects.
func (a *Allocator) Alloc(size, align uint64) uint64 {
	if size == 0 || !IsPowerOfTwo(align) || align > MaxSizeClass {
		return Null
	}

	bin := binFor(size)
	if bin < 0 {
		return Null
	}

	wantSize := binClassSize(bin)
	for ; bin < numBins; bin++ {
		addr := a.popAligned(bin, align)
		if addr == Null {
			continue
		}
		a.split(addr, binClassSize(bin), wantSize)
		return addr
	}

	return Null
}

// Dealloc returns the block at addr to the free list of the class that served
// the original (size, align) request. The caller must pass the same size it
// allocated with.
func (a *Allocator) Dealloc(addr, size, align uint64) {
	bin := binFor(size)
	if bin < 0 || addr == Null {
		return
	}
	a.push(bin, addr)
}

// FreeBlocks returns the number of free blocks on the bin serving size.
// It exists for diagnostics and tests.
func (a *Allocator) FreeBlocks(size uint64) int {
	bin := binFor(size)
	if bin < 0 {
		return 0
	}
	n := 0
	for addr := a.bins[bin]; addr != Null; addr = a.next(addr) {
		n++
	}
	return n
}
