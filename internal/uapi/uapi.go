// Package uapi is the user-space side of the system-call surface: the call
// numbers, the OsError status taxonomy, and typed wrappers that perform the
// svc trap against the machine a program runs on. It is the contract user
// programs are written against; the kernel imports it only for the shared
// numbers and statuses.
package uapi

import (
	"fmt"
	"time"
)

// System call numbers. The immediate of the svc instruction selects the
// call; arguments travel in x0..x2, results in x0 (and x1 for Time), and
// the status in x7.
const (
	NR_SLEEP     uint16 = 1
	NR_TIME      uint16 = 2
	NR_EXIT      uint16 = 3
	NR_WRITE     uint16 = 4
	NR_GETPID    uint16 = 5
	NR_WRITE_STR uint16 = 6
)

// StatusReg is the register index that carries the OsError status.
const StatusReg = 7

// OsError is the kernel's status taxonomy, as delivered in x7.
type OsError uint64

const (
	Unknown OsError = 0
	Ok      OsError = 1

	NoEntry                OsError = 10
	NoMemory               OsError = 20
	ExpectedFileFoundDir   OsError = 30
	BadAddress             OsError = 40
	InvalidArgument        OsError = 50
	InvalidSocket          OsError = 60
	IllegalSocketOperation OsError = 70
)

func (e OsError) Error() string {
	switch e {
	case Ok:
		return "ok"
	case NoEntry:
		return "no entry"
	case NoMemory:
		return "out of memory"
	case ExpectedFileFoundDir:
		return "expected file, found directory"
	case BadAddress:
		return "bad address"
	case InvalidArgument:
		return "invalid argument"
	case InvalidSocket:
		return "invalid socket"
	case IllegalSocketOperation:
		return "illegal socket operation"
	}
	return fmt.Sprintf("unknown error (%d)", uint64(e))
}

// errOr converts a returned status into a Go error.
func errOr(status uint64) error {
	if OsError(status) == Ok {
		return nil
	}
	return OsError(status)
}

// Machine is what an svc instruction reaches: the core the calling program
// runs on. Svc traps with the given immediate and arguments and returns the
// post-trap values of x0, x1 and x7. Literal places read-only program bytes
// into the process's address space and returns their virtual address, the
// way a real image carries its string constants.
type Machine interface {
	Svc(num uint16, args ...uint64) (r0, r1, status uint64)
	Literal(data []byte) uint64

	// Compute models d worth of straight-line user instructions; the
	// program may be preempted inside it.
	Compute(d time.Duration)
	// Load and Store model user memory accesses; an access to an unmapped
	// address raises a data abort. A skipped (faulted) load reads zero.
	Load(va uint64) uint64
	Store(va, val uint64)
}

// Env is the system-call interface handed to a user program.
type Env struct {
	m Machine
}

// NewEnv wraps a machine-side trap implementation.
func NewEnv(m Machine) *Env {
	return &Env{m: m}
}

// Sleep suspends the caller for at least d and returns the true elapsed
// time as the kernel measured it.
func (e *Env) Sleep(d time.Duration) (time.Duration, error) {
	ms := uint64(d.Milliseconds())
	elapsed, _, status := e.m.Svc(NR_SLEEP, ms)
	if err := errOr(status); err != nil {
		return 0, err
	}
	return time.Duration(elapsed) * time.Millisecond, nil
}

// Time returns the machine time since boot.
func (e *Env) Time() (time.Duration, error) {
	secs, nanos, status := e.m.Svc(NR_TIME)
	if err := errOr(status); err != nil {
		return 0, err
	}
	return time.Duration(secs)*time.Second + time.Duration(nanos), nil
}

// Exit terminates the calling process. It does not return.
func (e *Env) Exit() {
	e.m.Svc(NR_EXIT)
	panic("uapi: exit returned")
}

// Write sends one byte to the console.
func (e *Env) Write(b byte) error {
	_, _, status := e.m.Svc(NR_WRITE, uint64(b))
	return errOr(status)
}

// Getpid returns the caller's process id.
func (e *Env) Getpid() (uint64, error) {
	pid, _, status := e.m.Svc(NR_GETPID)
	if err := errOr(status); err != nil {
		return 0, err
	}
	return pid, nil
}

// WriteStr writes the len bytes at virtual address va to the console and
// returns how many were written.
func (e *Env) WriteStr(va, len uint64) (uint64, error) {
	n, _, status := e.m.Svc(NR_WRITE_STR, va, len)
	if err := errOr(status); err != nil {
		return 0, err
	}
	return n, nil
}

// Print writes a string constant to the console via WriteStr.
func (e *Env) Print(s string) (uint64, error) {
	va := e.m.Literal([]byte(s))
	return e.WriteStr(va, uint64(len(s)))
}

// Println is Print with a trailing newline.
func (e *Env) Println(s string) error {
	_, err := e.Print(s + "\n")
	return err
}

// Compute burns d of CPU time in user space.
func (e *Env) Compute(d time.Duration) {
	e.m.Compute(d)
}

// Load reads the 64-bit word at va.
func (e *Env) Load(va uint64) uint64 {
	return e.m.Load(va)
}

// Store writes the 64-bit word at va.
func (e *Env) Store(va, val uint64) {
	e.m.Store(va, val)
}
