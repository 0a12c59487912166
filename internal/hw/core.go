package hw

import "fmt"

// Exception levels.
const (
	EL0 = 0
	EL1 = 1
	EL2 = 2
	EL3 = 3
)

// PSTATE bits (DAIF and the mode field).
const (
	PSTATE_M_MASK uint64 = 0b1111
	PSTATE_M_EL0T uint64 = 0b0000
	PSTATE_M_EL1T uint64 = 0b0100
	PSTATE_M_EL1H uint64 = 0b0101
	PSTATE_M_EL2H uint64 = 0b1001

	PSTATE_F uint64 = 1 << 6
	PSTATE_I uint64 = 1 << 7
	PSTATE_A uint64 = 1 << 8
	PSTATE_D uint64 = 1 << 9
)

// SCR_EL3 bits (D13.2.10).
const (
	SCR_NS   uint64 = 1 << 0
	SCR_SMD  uint64 = 1 << 7
	SCR_HCE  uint64 = 1 << 8
	SCR_RW   uint64 = 1 << 10
	SCR_RES1 uint64 = 0b11 << 4
)

// HCR_EL2 bits (A53: 4.3.36).
const (
	HCR_RW   uint64 = 1 << 31
	HCR_RES1 uint64 = 1 << 1
)

// CNTHCTL_EL2 bits: EL0/EL1 access to the physical and virtual counters.
const (
	CNTHCTL_EL0PCTEN uint64 = 1 << 0
	CNTHCTL_EL0VCTEN uint64 = 1 << 1
)

// CPACR_EL1: FP/SIMD access for EL0/EL1.
const CPACR_FPEN uint64 = 0b11 << 20

// SCTLR_EL1 reserved-one bits for a known state.
const SCTLR_RES1 uint64 = (0b11 << 28) | (0b11 << 22) | (1 << 20) | (1 << 11)

// CNTP_CTL_EL0 bits.
const (
	CNTP_CTL_ENABLE  uint64 = 1 << 0
	CNTP_CTL_IMASK   uint64 = 1 << 1
	CNTP_CTL_ISTATUS uint64 = 1 << 2
)

// Core is the architectural state of one processor. The kernel's boot path
// mutates it the way the real code mutates system registers, and the trap
// plumbing reads and writes it when building and consuming trap frames.
//
// A Core is driven by a single goroutine (its run loop); it is not safe for
// concurrent mutation.
type Core struct {
	Index int

	EL     uint8
	PC     uint64
	PSTATE uint64
	SP     [4]uint64 // SP_EL0 .. SP_EL3
	Regs   [32]uint64
	Simd   [32][2]uint64

	// Per-level exception registers, indexed by exception level. Index 0 is
	// unused for ELR/SPSR/ESR/FAR.
	ELR  [4]uint64
	SPSR [4]uint64
	ESR  [4]uint64
	FAR  [4]uint64

	VBAR  uint64
	SCTLR uint64
	TTBR0 uint64
	TTBR1 uint64
	TPIDR uint64

	SCR_EL3     uint64
	HCR_EL2     uint64
	CNTHCTL_EL2 uint64
	CNTVOFF_EL2 uint64
	CPTR_EL2    uint64
	CPACR       uint64

	CNTP_CTL  uint64
	CNTP_TVAL uint64
}

// NewCore returns core n at its reset state: EL3 with everything masked.
func NewCore(n int) *Core {
	return &Core{
		Index:  n,
		EL:     EL3,
		PSTATE: PSTATE_D | PSTATE_A | PSTATE_I | PSTATE_F,
	}
}

// Affinity returns the core number, as MPIDR_EL1.Aff0 reports it.
func (c *Core) Affinity() int {
	return c.Index
}

// Eret performs an exception return: PSTATE is restored from SPSR of the
// current level, the PC from ELR, and execution drops to the exception level
// encoded in the restored mode field.
func (c *Core) Eret() {
	if c.EL == EL0 {
		panic("hw: eret at EL0")
	}
	spsr := c.SPSR[c.EL]
	c.PC = c.ELR[c.EL]
	c.PSTATE = spsr
	c.EL = uint8((spsr & PSTATE_M_MASK) >> 2)
}

// TakeExceptionTo vectors the core to EL1: the preferred return address,
// saved status, syndrome and fault address are latched into the EL1
// registers and the core enters EL1 with DAIF masked.
func (c *Core) TakeExceptionTo(returnAddr, esr, far uint64) {
	mode := uint64(c.EL) << 2
	if c.EL != EL0 {
		mode |= 1 // SP_ELx selected
	}
	c.ELR[EL1] = returnAddr
	c.SPSR[EL1] = (c.PSTATE &^ PSTATE_M_MASK) | mode
	c.ESR[EL1] = esr
	c.FAR[EL1] = far
	c.EL = EL1
	c.PSTATE |= PSTATE_D | PSTATE_A | PSTATE_I | PSTATE_F
}

// IRQMasked reports whether IRQ delivery is masked by PSTATE.I.
func (c *Core) IRQMasked() bool {
	return c.PSTATE&PSTATE_I != 0
}

func (c *Core) String() string {
	return fmt.Sprintf("core %d (EL%d)", c.Index, c.EL)
}
