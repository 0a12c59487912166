package vmm

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/pios/internal/kalloc"
	"github.com/tinyrange/pios/internal/param"
)

const (
	entriesPerTable = 8192
	tableSize       = entriesPerTable * 8 // one translation granule

	// l3Tables is the number of L3 tables behind the L2 table. Two tables at
	// a 64 KiB granule cover 1 GiB of virtual address space.
	l3Tables = 2
)

// PageTable is the two-level translation table shared by the kernel and user
// address-space wrappers. The three backing tables (one L2, two L3) are
// allocated from the kernel heap, self-aligned to the granule.
type PageTable struct {
	heap *kalloc.Allocator
	mem  []byte

	l2 uint64
	l3 [l3Tables]uint64
}

func newPageTable(heap *kalloc.Allocator, mem []byte, perm uint64) *PageTable {
	pt := &PageTable{heap: heap, mem: mem}

	pt.l2 = pt.allocTable()
	for i := range pt.l3 {
		pt.l3[i] = pt.allocTable()
		pt.writeRaw(pt.l2, i, tableEntry(pt.l3[i], perm))
	}

	return pt
}

func (pt *PageTable) allocTable() uint64 {
	addr := pt.heap.Alloc(tableSize, tableSize)
	if addr == kalloc.Null {
		panic("vmm: out of memory allocating a translation table")
	}
	clear(pt.mem[addr : addr+tableSize])
	return addr
}

func (pt *PageTable) writeRaw(table uint64, index int, e Entry) {
	binary.LittleEndian.PutUint64(pt.mem[table+uint64(index)*8:], uint64(e))
}

func (pt *PageTable) readRaw(table uint64, index int) Entry {
	return Entry(binary.LittleEndian.Uint64(pt.mem[table+uint64(index)*8:]))
}

// locate decomposes a virtual address into its L2 and L3 table indices.
// Bits 28:16 index the L3 table and bits 41:29 the L2 table; only L2 indices
// 0 and 1 are backed by an L3 table here.
//
// Panics if va is not aligned to the page size or the L2 index is out of
// range; both are kernel bugs.
func locate(va uint64) (l2index, l3index int) {
	if va%param.PAGE_SIZE != 0 {
		panic(fmt.Sprintf("vmm: virtual address %#x not aligned to page size", va))
	}

	l2index = int(va >> 29 & 0x1FFF)
	if l2index >= l3Tables {
		panic(fmt.Sprintf("vmm: L2 index %d out of range, only %d L3 tables", l2index, l3Tables))
	}

	l3index = int(va >> 16 & 0x1FFF)
	return l2index, l3index
}

// IsValid reports whether the L3 entry for va is valid.
func (pt *PageTable) IsValid(va uint64) bool {
	l2index, l3index := locate(va)
	return pt.readRaw(pt.l3[l2index], l3index).Valid()
}

// Entry returns the L3 descriptor for va.
func (pt *PageTable) Entry(va uint64) Entry {
	l2index, l3index := locate(va)
	return pt.readRaw(pt.l3[l2index], l3index)
}

// SetEntry installs an L3 descriptor for va.
func (pt *PageTable) SetEntry(va uint64, e Entry) {
	l2index, l3index := locate(va)
	pt.writeRaw(pt.l3[l2index], l3index, e)
}

// BaseAddr returns the physical address of the L2 table, suitable for a TTBR.
func (pt *PageTable) BaseAddr() uint64 {
	return pt.l2
}

// walk calls fn for every valid L3 entry in order.
func (pt *PageTable) walk(fn func(Entry)) {
	for _, l3 := range pt.l3 {
		for i := 0; i < entriesPerTable; i++ {
			if e := pt.readRaw(l3, i); e.Valid() {
				fn(e)
			}
		}
	}
}

// KernPageTable is the kernel address space: all of RAM identity-mapped as
// normal inner-shareable kernel-RW memory, plus the peripheral window mapped
// as device outer-shareable memory.
type KernPageTable struct {
	*PageTable
}

// NewKernPageTable builds the kernel table, identity-mapping every page of
// [0, memEnd) and the MMIO window.
func NewKernPageTable(heap *kalloc.Allocator, mem []byte, memEnd uint64) *KernPageTable {
	pt := newPageTable(heap, mem, AP_KERN_RW)

	for addr := uint64(0); addr < memEnd; addr += param.PAGE_SIZE {
		pt.SetEntry(addr, pageEntry(addr, ATTR_MEM, AP_KERN_RW, SH_INNER))
	}
	for addr := uint64(param.IO_BASE); addr < param.IO_BASE_END; addr += param.PAGE_SIZE {
		pt.SetEntry(addr, pageEntry(addr, ATTR_DEV, AP_KERN_RW, SH_OUTER))
	}

	return &KernPageTable{PageTable: pt}
}

// PagePerm is the permission requested for a user page.
type PagePerm int

const (
	PermRO PagePerm = iota
	PermRW
	PermRWX
)

// UserPageTable is a per-process address space. It starts empty and grows by
// explicit allocation at or above USER_IMG_BASE.
type UserPageTable struct {
	*PageTable
}

// NewUserPageTable builds an empty user table with user-RW default
// permissions on the L2 entries.
func NewUserPageTable(heap *kalloc.Allocator, mem []byte) *UserPageTable {
	return &UserPageTable{PageTable: newPageTable(heap, mem, AP_USER_RW)}
}

// Alloc maps one fresh page at va and returns it as a byte slice so the
// caller can populate it.
//
// Panics if va is below USER_IMG_BASE, if va is already mapped, or if the
// heap cannot supply a page; all are kernel bugs at this layer, and callers
// validate addresses before reaching it.
func (pt *UserPageTable) Alloc(va uint64, perm PagePerm) []byte {
	if va < param.USER_IMG_BASE {
		panic(fmt.Sprintf("vmm: va %#x below user image base %#x", va, param.USER_IMG_BASE))
	}

	// Table indices are computed relative to the base of the user region.
	userVA := va - param.USER_IMG_BASE

	l2index, l3index := locate(userVA)
	if pt.readRaw(pt.l3[l2index], l3index).Valid() {
		panic(fmt.Sprintf("vmm: va %#x already mapped", va))
	}

	page := pt.heap.Alloc(param.PAGE_SIZE, param.PAGE_SIZE)
	if page == kalloc.Null {
		panic(fmt.Sprintf("vmm: out of memory mapping va %#x", va))
	}
	clear(pt.mem[page : page+param.PAGE_SIZE])

	ap := AP_USER_RW
	if perm == PermRO {
		ap = AP_USER_RO
	}
	pt.writeRaw(pt.l3[l2index], l3index, pageEntry(page, ATTR_MEM, ap, SH_INNER))

	return pt.mem[page : page+param.PAGE_SIZE]
}

// IsValidUser reports whether the user va has a valid mapping. Addresses
// below the user region are never mapped.
func (pt *UserPageTable) IsValidUser(va uint64) bool {
	if va < param.USER_IMG_BASE {
		return false
	}
	return pt.IsValid(va - param.USER_IMG_BASE)
}

// EntryUser returns the L3 descriptor for the user va.
func (pt *UserPageTable) EntryUser(va uint64) Entry {
	return pt.PageTable.Entry(va - param.USER_IMG_BASE)
}

// Slice returns the mapped page backing va, or nil if va is unmapped. The
// kernel uses it to reach user memory when servicing system calls.
func (pt *UserPageTable) Slice(va uint64) []byte {
	if va < param.USER_IMG_BASE {
		return nil
	}
	userVA := va - param.USER_IMG_BASE

	l2index, l3index := locate(userVA)
	e := pt.readRaw(pt.l3[l2index], l3index)
	if !e.Valid() {
		return nil
	}
	page := e.Addr()
	return pt.mem[page : page+param.PAGE_SIZE]
}

// Release walks every L3 entry, returns each referenced page to the heap,
// and frees the translation tables themselves. The table must not be used
// afterwards.
func (pt *UserPageTable) Release() {
	pt.walk(func(e Entry) {
		pt.heap.Dealloc(e.Addr(), param.PAGE_SIZE, param.PAGE_SIZE)
	})
	for _, l3 := range pt.l3 {
		pt.heap.Dealloc(l3, tableSize, tableSize)
	}
	pt.heap.Dealloc(pt.l2, tableSize, tableSize)
}
