// Package traps carries the architectural state saved across an exception:
// the trap frame layout, the sixteen-entry vector classification, the ESR
// syndrome decoder, and the IRQ handler registries the dispatcher consults.
package traps

import "unsafe"

// Reg128 is one 128-bit SIMD register, as a pair of 64-bit halves. It is an
// alias so the frame assigns directly to and from the core's register file.
type Reg128 = [2]uint64

// TrapFrame is the fixed-layout record the vector stubs push on the kernel
// stack on exception entry. The scheduler copies it into and out of the
// owning process on context switch.
//
// Field order matches the save/restore order of the vector stubs; every field
// is 8-byte aligned so the layout carries no padding.
type TrapFrame struct {
	ELR   uint64 // exception link register: resume address
	SPSR  uint64 // saved program status
	SP    uint64 // SP_EL0
	TPIDR uint64 // thread id register; the scheduler keys processes on it
	TTBR0 uint64 // kernel translation table base
	TTBR1 uint64 // user translation table base

	Simd [32]Reg128
	Regs [32]uint64
}

// TrapFrameSize is the byte size of the frame the vector stubs build. The
// vector-table offsets depend on it.
const TrapFrameSize = 816

var _ [0]struct{} = [unsafe.Sizeof(TrapFrame{}) - TrapFrameSize]struct{}{}

// IncrementELR advances the resume address, used to skip a faulting
// instruction.
func (tf *TrapFrame) IncrementELR(delta uint64) {
	tf.ELR += delta
}

// PSTATE mode and mask bits used when building a frame for a new process.
const (
	PSTATE_M_EL0T uint64 = 0b0000
	PSTATE_M_EL1T uint64 = 0b0100
	PSTATE_M_EL1H uint64 = 0b0101
	PSTATE_M_MASK uint64 = 0b1111

	PSTATE_F uint64 = 1 << 6 // FIQ masked
	PSTATE_I uint64 = 1 << 7 // IRQ masked
	PSTATE_A uint64 = 1 << 8 // SError masked
	PSTATE_D uint64 = 1 << 9 // debug masked
)

// UserPSTATE is the saved status for entering a fresh user process: EL0,
// IRQs unmasked, everything else masked.
func UserPSTATE() uint64 {
	return PSTATE_F | PSTATE_A | PSTATE_D
}
