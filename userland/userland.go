// Package userland carries the reference user programs shipped on the
// card image. Each is a pios.Program; the shell and the boot configuration
// refer to them by their image paths.
package userland

import (
	"fmt"
	"time"

	"github.com/tinyrange/pios/internal/uapi"
)

// Sleep is /sleep: it reports its pid, sleeps for a second, reports the
// elapsed time, and exits.
func Sleep(sys *uapi.Env) {
	pid, err := sys.Getpid()
	if err != nil {
		return
	}
	sys.Println(fmt.Sprintf("[%d] sleeping 1s", pid))

	elapsed, err := sys.Sleep(time.Second)
	if err != nil {
		sys.Println(fmt.Sprintf("[%d] sleep failed: %v", pid, err))
		return
	}
	sys.Println(fmt.Sprintf("[%d] slept %v", pid, elapsed))
}

// Fib is /fib: a CPU-bound loop computing fibonacci numbers until killed,
// reporting progress every so often.
func Fib(sys *uapi.Env) {
	pid, _ := sys.Getpid()

	var a, b uint64 = 0, 1
	for i := 0; ; i++ {
		// Each step models a slab of arithmetic.
		sys.Compute(time.Millisecond)
		a, b = b, a+b
		if i%1000 == 999 {
			sys.Println(fmt.Sprintf("[%d] fib step %d", pid, i+1))
		}
	}
}

// Echo is /echo: it writes "echo\n" to the console, one byte at a time.
func Echo(sys *uapi.Env) {
	for _, b := range []byte("echo\n") {
		sys.Write(b)
	}
}
