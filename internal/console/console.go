// Package console provides the host ends of the machine console: a
// headless capture backed by a terminal emulator, so tests and scripted
// runs can assert on what the kernel actually rendered, and an ANSI-styled
// banner writer for the CLI.
package console

import (
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

// Capture is a headless terminal attached to the machine UART. Kernel
// output is fed through a VT emulator, so control sequences render the
// same way they would on a real console.
type Capture struct {
	mu  sync.Mutex
	emu *vt.SafeEmulator
	raw strings.Builder
}

// NewCapture builds a capture terminal with the given grid size.
func NewCapture(cols, rows int) *Capture {
	return &Capture{emu: vt.NewSafeEmulator(cols, rows)}
}

// Write implements io.Writer for the UART transmit side.
func (c *Capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raw.Write(p)
	return c.emu.Write(p)
}

// Raw returns every byte written so far, control sequences included.
func (c *Capture) Raw() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw.String()
}

// Screen renders the emulator grid as plain text, one line per row, with
// trailing blanks trimmed.
func (c *Capture) Screen() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sb strings.Builder
	for y := 0; y < c.emu.Height(); y++ {
		var line strings.Builder
		for x := 0; x < c.emu.Width(); {
			cell := c.emu.CellAt(x, y)
			if cell == nil {
				line.WriteByte(' ')
				x++
				continue
			}
			content := cell.Content
			if content == "" {
				content = " "
			}
			line.WriteString(content)
			if cell.Width > 1 {
				x += cell.Width
			} else {
				x++
			}
		}
		sb.WriteString(strings.TrimRight(line.String(), " "))
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Banner returns the boot banner styled for an ANSI console.
func Banner(name string) string {
	var sb strings.Builder
	sb.WriteString(ansi.Style{}.Bold().Styled(name))
	sb.WriteString("\r\n")
	return sb.String()
}
