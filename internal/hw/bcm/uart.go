package bcm

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/tinyrange/pios/internal/hw"
)

// ErrReadTimeout is returned when a byte does not arrive within the
// configured read timeout.
var ErrReadTimeout = errors.New("bcm: uart read timed out")

// MiniUart models the auxiliary mini UART. The transmit side drains into an
// io.Writer supplied by the host (the attached console); the receive side is
// fed by InjectInput. Receive data asserts the Uart line on the global
// controller until drained.
type MiniUart struct {
	mu    sync.Mutex
	cond  *sync.Cond
	clock hw.Clock
	ctrl  *Controller
	out   io.Writer
	rx    []byte

	readTimeout time.Duration
}

// NewMiniUart builds the UART. out may be nil, in which case transmit data
// is dropped.
func NewMiniUart(clock hw.Clock, ctrl *Controller, out io.Writer) *MiniUart {
	u := &MiniUart{clock: clock, ctrl: ctrl, out: out}
	u.cond = sync.NewCond(&u.mu)
	return u
}

// SetReadTimeout bounds how long ReadByte waits for data. Zero means wait
// forever.
func (u *MiniUart) SetReadTimeout(d time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.readTimeout = d
}

// WriteByte transmits one byte.
func (u *MiniUart) WriteByte(b byte) {
	u.mu.Lock()
	out := u.out
	u.mu.Unlock()
	if out != nil {
		out.Write([]byte{b})
	}
}

// Write implements io.Writer for the transmit side.
func (u *MiniUart) Write(p []byte) (int, error) {
	u.mu.Lock()
	out := u.out
	u.mu.Unlock()
	if out == nil {
		return len(p), nil
	}
	return out.Write(p)
}

// HasByte reports whether receive data is waiting.
func (u *MiniUart) HasByte() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.rx) > 0
}

// ReadByte blocks until a byte arrives or the read timeout expires.
func (u *MiniUart) ReadByte() (byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	timedOut := false
	var cancel func()
	if u.readTimeout > 0 {
		deadline := u.clock.Now() + u.readTimeout
		cancel = u.clock.AfterFunc(deadline, func() {
			u.mu.Lock()
			timedOut = true
			u.mu.Unlock()
			u.cond.Broadcast()
		})
		defer cancel()
	}

	for len(u.rx) == 0 && !timedOut {
		u.cond.Wait()
	}
	if len(u.rx) == 0 {
		return 0, ErrReadTimeout
	}

	b := u.rx[0]
	u.rx = u.rx[1:]
	if len(u.rx) == 0 && u.ctrl != nil {
		u.ctrl.Assert(IntUart, false)
	}
	return b, nil
}

// InjectInput feeds host-side bytes into the receive queue.
func (u *MiniUart) InjectInput(p []byte) {
	u.mu.Lock()
	u.rx = append(u.rx, p...)
	have := len(u.rx) > 0
	u.mu.Unlock()

	if have {
		if u.ctrl != nil {
			u.ctrl.Assert(IntUart, true)
		}
		u.cond.Broadcast()
	}
}
