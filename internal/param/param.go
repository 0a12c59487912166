// Package param holds the memory map and scheduling constants shared by the
// machine model and the kernel. The layout follows the BCM2837 (Raspberry Pi 3):
// RAM at physical 0, the peripheral window at IO_BASE, and the per-core
// peripheral block at LOCAL_BASE.
package param

import "time"

const (
	// NCORES is the number of cores on the board.
	NCORES = 4

	// PAGE_SIZE is the translation granule. All page tables in this kernel
	// use 64 KiB pages.
	PAGE_SIZE = 64 * 1024

	// KERN_STACK_BASE is the top of core 0's kernel stack. Core n stacks
	// grow down from KERN_STACK_BASE - n*KERN_STACK_SIZE.
	KERN_STACK_BASE = 0x80_000
	KERN_STACK_SIZE = 0x10_000

	// SPINNING_BASE is where the firmware parks cores 1-3. Writing an
	// entrypoint address at SPINNING_BASE + 8*n and issuing an event wakes
	// core n.
	SPINNING_BASE = 0xd8

	// IO_BASE..IO_BASE_END is the MMIO window mapped with device attributes.
	// The window stops at the 1 GiB boundary, the edge of the mapped
	// virtual address space.
	IO_BASE     = 0x3F00_0000
	IO_BASE_END = 0x4000_0000

	// LOCAL_BASE is the base of the per-core peripheral registers (QA7).
	LOCAL_BASE = 0x4000_0000
)

const (
	// USER_IMG_BASE is the lowest legal user virtual address. Process images
	// are loaded here.
	USER_IMG_BASE uint64 = 0xffff_ffff_c000_0000

	// USER_MAX_VM_SIZE bounds a user address space to 1 GiB.
	USER_MAX_VM_SIZE uint64 = 0x4000_0000
)

// TICK is the scheduler quantum. Every local timer interrupt re-arms the
// timer TICK into the future.
const TICK = 10 * time.Millisecond
