package kernel

import (
	"strings"

	"github.com/tinyrange/pios/internal/traps"
)

const (
	shellMaxLine = 512
)

// shell runs the kernel console prompt. It is entered both at boot when
// nothing was loaded and from the fault path, where tf is the faulting
// frame. "exit" leaves the shell and resumes whatever called it.
//
// When FaultPrompt is off the shell consumes whatever input is already
// buffered and returns as soon as the console runs dry, so an unattended
// fault prints its prompt and resumes.
func (k *Kernel) shell(prompt string, tf *traps.TrapFrame) {
	for {
		k.kprintf("%s", prompt)

		line, ok := k.readLine()
		if !ok {
			k.kprintf("\n")
			return
		}

		args := strings.Fields(line)
		if len(args) == 0 {
			if !k.FaultPrompt {
				return
			}
			continue
		}

		switch args[0] {
		case "echo":
			k.kprintf("%s\n", strings.Join(args[1:], " "))
		case "regs":
			k.dumpRegs(tf)
		case "panic":
			panic("kernel: panic requested from shell")
		case "exit":
			return
		default:
			k.kprintf("unknown command: %s\n", args[0])
		}
	}
}

// readLine collects one input line, echoing and honoring backspace. It
// reports false when the console has no more input to give.
func (k *Kernel) readLine() (string, bool) {
	var line []byte
	for {
		if !k.FaultPrompt && !k.Uart.HasByte() {
			if len(line) == 0 {
				return "", false
			}
			return string(line), true
		}

		b, err := k.Uart.ReadByte()
		if err != nil {
			return string(line), len(line) > 0
		}

		switch b {
		case '\r', '\n':
			k.kprintf("\n")
			return string(line), true
		case 8, 127: // backspace
			if len(line) > 0 {
				line = line[:len(line)-1]
				k.kprintf("\b \b")
			}
		default:
			if len(line) < shellMaxLine {
				line = append(line, b)
				k.Uart.WriteByte(b)
			}
		}
	}
}

func (k *Kernel) dumpRegs(tf *traps.TrapFrame) {
	if tf == nil {
		k.kprintf("no trap frame\n")
		return
	}
	k.kprintf("elr:   %016x\n", tf.ELR)
	k.kprintf("spsr:  %016x\n", tf.SPSR)
	k.kprintf("sp:    %016x\n", tf.SP)
	k.kprintf("tpidr: %016x\n", tf.TPIDR)
	k.kprintf("ttbr0: %016x\n", tf.TTBR0)
	k.kprintf("ttbr1: %016x\n", tf.TTBR1)
	for i := 0; i < len(tf.Regs); i += 4 {
		k.kprintf("x%-2d: %016x  x%-2d: %016x  x%-2d: %016x  x%-2d: %016x\n",
			i, tf.Regs[i], i+1, tf.Regs[i+1], i+2, tf.Regs[i+2], i+3, tf.Regs[i+3])
	}
}
