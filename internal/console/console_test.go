package console

import (
	"strings"
	"testing"
)

func TestCaptureRendersPlainText(t *testing.T) {
	c := NewCapture(40, 5)
	c.Write([]byte("hello\r\nworld\r\n"))

	screen := c.Screen()
	lines := strings.Split(screen, "\n")
	if len(lines) < 2 || lines[0] != "hello" || lines[1] != "world" {
		t.Errorf("screen = %q", screen)
	}
}

func TestCaptureHandlesControlSequences(t *testing.T) {
	c := NewCapture(40, 5)
	// Bold text renders as its plain content on the grid.
	c.Write([]byte("\x1b[1mbright\x1b[m\r\n"))

	if screen := c.Screen(); !strings.Contains(screen, "bright") {
		t.Errorf("screen = %q", screen)
	}
}

func TestCaptureRaw(t *testing.T) {
	c := NewCapture(40, 5)
	c.Write([]byte("abc"))
	if c.Raw() != "abc" {
		t.Errorf("raw = %q", c.Raw())
	}
}

func TestBannerStyled(t *testing.T) {
	b := Banner("pios")
	if !strings.Contains(b, "pios") {
		t.Errorf("banner = %q", b)
	}
	if !strings.Contains(b, "\x1b[") {
		t.Errorf("banner carries no styling: %q", b)
	}
}
