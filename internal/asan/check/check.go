// Package check implements the fail-stop invariant helpers shared by
// the runtime: CHECK assertions and the process abort primitive.
//
// A failed CHECK is an internal-consistency error, not a detected
// application bug. It prints the condition with its file:line, the
// current stack, and aborts. Nothing in the runtime ever recovers from
// a failed CHECK.
package check

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"
)

// Out is where CHECK failures are written. Reassigned once by Init to
// the runtime's output stream.
var Out = os.Stderr.WriteString

// abort raises SIGABRT, matching the exit behavior of a detected
// violation. The exit code fallback covers the (theoretical) case of
// SIGABRT being ignored.
var abort = func() {
	_ = unix.Kill(unix.Getpid(), unix.SIGABRT)
	os.Exit(134)
}

// onAbort is invoked just before aborting; Init points it at the
// statistics printer so every fatal path ends with stats.
var onAbort = func() {}

// Check aborts the process if cond is false.
//
// The message names the violated condition; the location printed is
// the caller of Check.
func Check(cond bool, msg string) {
	if cond {
		return
	}
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		file, line = "???", 0
	}
	Out(fmt.Sprintf("CHECK failed: %s at %s:%d\n", msg, file, line))
	Out(CurrentStack(2))
	Die()
}

// Checkf is Check with a formatted condition message.
func Checkf(cond bool, format string, args ...interface{}) {
	if cond {
		return
	}
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		file, line = "???", 0
	}
	Out(fmt.Sprintf("CHECK failed: %s at %s:%d\n",
		fmt.Sprintf(format, args...), file, line))
	Out(CurrentStack(2))
	Die()
}

// Die runs the abort hook chain and terminates the process.
func Die() {
	onAbort()
	abort()
}

// DieQuiet terminates without the abort hook, for callers that have
// already emitted their own statistics block in the right position.
func DieQuiet() {
	abort()
}

// CurrentStack formats the caller's stack, skipping skip frames.
func CurrentStack(skip int) string {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return "  (no stack trace available)\n"
	}
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "  %s()\n      %s:%d\n",
			frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return b.String()
}

// SetOnAbort installs the hook run before aborting.
func SetOnAbort(f func()) {
	if f != nil {
		onAbort = f
	}
}

// SetAbortForTesting replaces the abort primitive so tests can observe
// fatal paths without dying. Returns the previous primitive.
func SetAbortForTesting(f func()) func() {
	prev := abort
	abort = f
	return prev
}
