package traps

import "fmt"

// Fault is the abort status taxonomy shared by instruction and data aborts,
// decoded from the low six ESR bits.
type Fault uint8

const (
	FaultAddressSize Fault = iota
	FaultTranslation
	FaultAccessFlag
	FaultPermission
	FaultAlignment
	FaultTlbConflict
	FaultOther
)

func (f Fault) String() string {
	switch f {
	case FaultAddressSize:
		return "AddressSize"
	case FaultTranslation:
		return "Translation"
	case FaultAccessFlag:
		return "AccessFlag"
	case FaultPermission:
		return "Permission"
	case FaultAlignment:
		return "Alignment"
	case FaultTlbConflict:
		return "TlbConflict"
	}
	return "Other"
}

func decodeFault(iss uint32) Fault {
	bits := iss & 0b111111
	switch {
	case bits <= 0b000011:
		return FaultAddressSize
	case bits <= 0b000111:
		return FaultTranslation
	case bits >= 0b001001 && bits <= 0b001011:
		return FaultAccessFlag
	case bits >= 0b001101 && bits <= 0b001111:
		return FaultPermission
	case bits == 0b100001:
		return FaultAlignment
	case bits == 0b110000:
		return FaultTlbConflict
	}
	return FaultOther
}

// SyndromeKind is the exception class decoded from ESR bits 31:26.
type SyndromeKind uint8

const (
	SynUnknown SyndromeKind = iota
	SynWfiWfe
	SynSimdFp
	SynIllegalExecutionState
	SynSvc
	SynHvc
	SynSmc
	SynMsrMrsSystem
	SynInstructionAbort
	SynPCAlignmentFault
	SynDataAbort
	SynSpAlignmentFault
	SynTrappedFpu
	SynSError
	SynBreakpoint
	SynStep
	SynWatchpoint
	SynBrk
	SynOther
)

// Syndrome is the decoded form of the exception syndrome register.
type Syndrome struct {
	Kind  SyndromeKind
	Imm   uint16 // SVC/HVC/SMC/BRK immediate
	Fault Fault  // abort status
	Level uint8  // abort level (exception level at decode time)
	Raw   uint32
}

// ESR exception-class encodings (bits 31:26).
const (
	EC_UNKNOWN        = 0b000000
	EC_WFI_WFE        = 0b000001
	EC_SIMD_FP        = 0b000111
	EC_ILLEGAL_STATE  = 0b001110
	EC_SVC32          = 0b010001
	EC_SVC64          = 0b010101
	EC_HVC32          = 0b010010
	EC_HVC64          = 0b010110
	EC_SMC32          = 0b010011
	EC_SMC64          = 0b010111
	EC_MSR_MRS        = 0b011000
	EC_IABORT_LOWER   = 0b100000
	EC_IABORT_SAME    = 0b100001
	EC_PC_ALIGNMENT   = 0b100010
	EC_DABORT_LOWER   = 0b100100
	EC_DABORT_SAME    = 0b100101
	EC_SP_ALIGNMENT   = 0b100110
	EC_FP32           = 0b101000
	EC_FP64           = 0b101100
	EC_SERROR         = 0b101111
	EC_BREAKPOINT_LO  = 0b110000
	EC_BREAKPOINT     = 0b110001
	EC_STEP_LO        = 0b110010
	EC_STEP           = 0b110011
	EC_WATCHPOINT_LO  = 0b110100
	EC_WATCHPOINT     = 0b110101
	EC_BRK64          = 0b111100
)

// DecodeSyndrome classifies a raw ESR value. el is the exception level the
// decode runs at; aborts report it as their level.
func DecodeSyndrome(esr uint32, el uint8) Syndrome {
	s := Syndrome{Raw: esr}

	switch esr >> 26 {
	case EC_UNKNOWN:
		s.Kind = SynUnknown
	case EC_WFI_WFE:
		s.Kind = SynWfiWfe
	case EC_SIMD_FP:
		s.Kind = SynSimdFp
	case EC_ILLEGAL_STATE:
		s.Kind = SynIllegalExecutionState
	case EC_SVC32, EC_SVC64:
		s.Kind = SynSvc
		s.Imm = uint16(esr)
	case EC_HVC32, EC_HVC64:
		s.Kind = SynHvc
		s.Imm = uint16(esr)
	case EC_SMC32, EC_SMC64:
		s.Kind = SynSmc
		s.Imm = uint16(esr)
	case EC_MSR_MRS:
		s.Kind = SynMsrMrsSystem
	case EC_IABORT_LOWER, EC_IABORT_SAME:
		s.Kind = SynInstructionAbort
		s.Fault = decodeFault(esr)
		s.Level = el
	case EC_PC_ALIGNMENT:
		s.Kind = SynPCAlignmentFault
	case EC_DABORT_LOWER, EC_DABORT_SAME:
		s.Kind = SynDataAbort
		s.Fault = decodeFault(esr)
		s.Level = el
	case EC_SP_ALIGNMENT:
		s.Kind = SynSpAlignmentFault
	case EC_FP32, EC_FP64:
		s.Kind = SynTrappedFpu
	case EC_SERROR:
		s.Kind = SynSError
	case EC_BREAKPOINT_LO, EC_BREAKPOINT:
		s.Kind = SynBreakpoint
	case EC_STEP_LO, EC_STEP:
		s.Kind = SynStep
	case EC_WATCHPOINT_LO, EC_WATCHPOINT:
		s.Kind = SynWatchpoint
	case EC_BRK64:
		s.Kind = SynBrk
		s.Imm = uint16(esr)
	default:
		s.Kind = SynOther
	}

	return s
}

func (s Syndrome) String() string {
	switch s.Kind {
	case SynUnknown:
		return "Unknown"
	case SynWfiWfe:
		return "WfiWfe"
	case SynSimdFp:
		return "SimdFp"
	case SynIllegalExecutionState:
		return "IllegalExecutionState"
	case SynSvc:
		return fmt.Sprintf("Svc(%d)", s.Imm)
	case SynHvc:
		return fmt.Sprintf("Hvc(%d)", s.Imm)
	case SynSmc:
		return fmt.Sprintf("Smc(%d)", s.Imm)
	case SynMsrMrsSystem:
		return "MsrMrsSystem"
	case SynInstructionAbort:
		return fmt.Sprintf("InstructionAbort { kind: %v, level: %d }", s.Fault, s.Level)
	case SynPCAlignmentFault:
		return "PCAlignmentFault"
	case SynDataAbort:
		return fmt.Sprintf("DataAbort { kind: %v, level: %d }", s.Fault, s.Level)
	case SynSpAlignmentFault:
		return "SpAlignmentFault"
	case SynTrappedFpu:
		return "TrappedFpu"
	case SynSError:
		return "SError"
	case SynBreakpoint:
		return "Breakpoint"
	case SynStep:
		return "Step"
	case SynWatchpoint:
		return "Watchpoint"
	case SynBrk:
		return fmt.Sprintf("Brk(%d)", s.Imm)
	}
	return fmt.Sprintf("Other(%#x)", s.Raw)
}

// SvcESR builds the ESR value for an `svc #imm` taken from AArch64, used by
// the machine model when it raises a system-call trap.
func SvcESR(imm uint16) uint32 {
	return EC_SVC64<<26 | uint32(imm)
}

// DataAbortESR builds the ESR for a data abort from a lower level with the
// given status bits.
func DataAbortESR(dfsc uint32) uint32 {
	return EC_DABORT_LOWER<<26 | (dfsc & 0b111111)
}

// BrkESR builds the ESR for a brk instruction with the given immediate.
func BrkESR(imm uint16) uint32 {
	return EC_BRK64<<26 | uint32(imm)
}
