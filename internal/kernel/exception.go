package kernel

import (
	"fmt"

	"github.com/tinyrange/pios/internal/hw"
	"github.com/tinyrange/pios/internal/hw/bcm"
	"github.com/tinyrange/pios/internal/traps"
)

// kprintf writes kernel console output to the UART.
func (k *Kernel) kprintf(format string, args ...any) {
	fmt.Fprintf(k.Uart, format, args...)
}

// HandleException is the common dispatcher every vector stub tail-calls
// with the exception info, the syndrome and fault-address registers, and
// the freshly saved trap frame.
func (k *Kernel) HandleException(core *hw.Core, info traps.Info, esr uint32, far uint64, tf *traps.TrapFrame) {
	switch info.Kind {
	case traps.Synchronous:
		syndrome := traps.DecodeSyndrome(esr, core.EL)
		if syndrome.Kind == traps.SynSvc {
			// The svc return path resumes after the instruction; the link
			// address already points there and must not be advanced.
			k.handleSyscall(syndrome.Imm, tf)
			return
		}

		k.kprintf("handle_exception: %v\n", info)
		k.kprintf("syndrome: %v\n", syndrome)
		k.kprintf("fault addr: %x\n", far)
		k.shell("exception > ", tf)

		// Resume one instruction past the faulting one. Skipping the
		// instruction keeps the machine inspectable after a fault instead
		// of wedging it in an abort loop.
		tf.IncrementELR(4)

	case traps.Irq:
		if core.Affinity() == 0 {
			for _, irq := range bcm.Interrupts() {
				if k.Intc.IsPending(irq) {
					k.GlobalIRQ.Invoke(int(irq), tf)
				}
			}
		}
		for _, irq := range bcm.LocalInterrupts() {
			if k.Local.IsPending(core.Affinity(), irq) {
				k.LocalIRQ[core.Affinity()].Invoke(int(irq), tf)
			}
		}

	case traps.Fiq:
		k.FIQ.Invoke(0, tf)

	default:
		k.kprintf("handle_exception: %v\n", info)
		panic(fmt.Sprintf("kernel: unhandled %v exception", info))
	}
}
