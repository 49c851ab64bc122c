// Package sigrouter owns the runtime's two signals.
//
// SIGSEGV and SIGILL belong exclusively to the sanitizer: the
// signal/sigaction interposers hide them from the application. SIGSEGV
// either faults in a lazy shadow chunk and resumes, or produces the
// unknown-crash report. SIGILL carries a failed shadow check emitted
// by instrumentation as a ud2 trap whose trailing immediate encodes
// the access size and direction.
//
// The handler bodies (OnSIGSEGV, OnSIGILL) take the fault address and
// the saved register snapshot explicitly; extracting those from the
// machine context is the platform-specific part of the contract and is
// modeled by the Context callback. Externally delivered occurrences of
// the owned signals are drained from an os/signal channel and produce
// the unknown-crash report with a zero snapshot.
package sigrouter

import (
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/kolkov/addrsanitizer/internal/asan/check"
	"github.com/kolkov/addrsanitizer/internal/asan/flags"
	"github.com/kolkov/addrsanitizer/internal/asan/logging"
	"github.com/kolkov/addrsanitizer/internal/asan/mapping"
	"github.com/kolkov/addrsanitizer/internal/asan/report"
	"github.com/kolkov/addrsanitizer/internal/asan/shadow"
)

// Context is the saved machine state at the fault: program counter,
// stack pointer, base pointer, and the accumulator register carrying
// the faulting address for instrumentation traps.
type Context struct {
	PC, SP, BP, AX uintptr
}

// trapBase is the immediate offset of the instrumentation trap byte:
// the byte after ud2 is trapBase + (isWrite<<3 | log2(size)).
const trapBase = 0x50

// ud2 opcode bytes.
const (
	ud2Byte0 = 0x0f
	ud2Byte1 = 0x0b
)

var (
	installed bool
	sigCh     chan os.Signal
)

// Install claims SIGSEGV (when handle_segv is set) and SIGILL and
// starts the drain loop. Idempotent.
func Install() {
	if installed {
		return
	}
	installed = true
	check.Check(flags.Cur.HandleSegv || !flags.Cur.LazyShadow,
		"lazy shadow requires the SIGSEGV handler")
	sigCh = make(chan os.Signal, 8)
	if flags.Cur.HandleSegv {
		signal.Notify(sigCh, unix.SIGSEGV)
	}
	signal.Notify(sigCh, unix.SIGILL)
	go drain()
	logging.Debugf("signal router installed (handle_segv=%v)", flags.Cur.HandleSegv)
}

// Owned reports whether the runtime keeps sig for itself. The Apple
// case additionally owns SIGBUS; this router covers the linux set.
func Owned(sig int) bool {
	switch sig {
	case int(unix.SIGSEGV), int(unix.SIGILL):
		return true
	}
	return false
}

// drain handles externally delivered occurrences of the owned signals.
// No sibling fault address or register snapshot exists for those, so
// they go straight to the unknown-crash report.
func drain() {
	for sig := range sigCh {
		if sig == unix.SIGSEGV {
			firstWrite("ASAN:SIGSEGV\n")
		} else {
			firstWrite("ASAN:SIGILL\n")
		}
		report.UnknownCrash(0, 0, 0, 0, 0)
	}
}

// OnSIGSEGV is the segmentation-fault handler body.
//
// A fault on a shadow address in lazy mode is the expected demand-map
// path: back a 4 MiB chunk and return true so the faulting access
// retries. Anything else is terminal.
func OnSIGSEGV(addr uintptr, ctx Context) bool {
	if flags.Cur.LazyShadow && mapping.AddrIsInShadow(addr) {
		shadow.MapLazyChunk(addr)
		return true
	}
	firstWrite("ASAN:SIGSEGV\n")
	report.UnknownCrash(addr, ctx.PC, ctx.SP, ctx.BP, ctx.AX)
	return false // unreachable
}

// OnSIGILL is the illegal-instruction handler body. insn holds the
// bytes at the faulting PC; the accumulator carries the address the
// failed check was about.
func OnSIGILL(ctx Context, insn []byte) {
	firstWrite("ASAN:SIGILL\n")
	sizeAndType, err := DecodeTrap(insn)
	check.Checkf(err == nil, "instrumentation trap decodes: %v", err)
	report.ErrorCtx(ctx.PC, ctx.BP, ctx.SP, ctx.AX, sizeAndType, true)
}

// DecodeTrap validates a ud2 instrumentation trap and extracts the
// encoded access size and direction.
func DecodeTrap(insn []byte) (uint32, error) {
	if len(insn) < 3 || insn[0] != ud2Byte0 || insn[1] != ud2Byte1 {
		return 0, fmt.Errorf("not a ud2 trap: % x", insn)
	}
	if insn[2] < trapBase || insn[2] >= trapBase+16 {
		return 0, fmt.Errorf("trap immediate 0x%x out of range", insn[2])
	}
	return uint32(insn[2] - trapBase), nil
}

// firstWrite emits the bullet-proof first message with a bare write
// on fd 2, before any formatted output is attempted.
func firstWrite(msg string) {
	if n, _ := unix.Write(2, []byte(msg)); n != len(msg) {
		check.Die()
	}
}

// Uninstall releases the signals. Test use only.
func Uninstall() {
	if !installed {
		return
	}
	signal.Stop(sigCh)
	close(sigCh)
	installed = false
}
