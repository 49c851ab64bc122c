// Package report turns a faulting access into a human-readable
// diagnosis and aborts the process.
//
// The pipeline classifies the shadow byte under the access, names the
// bug, prints the access and its stack, attributes the address by
// walking the registry cascade (globals, then thread stacks, then the
// heap), and finishes with statistics and a window of raw shadow
// bytes. All output is written directly to the runtime's standard
// error stream; the format is part of the external contract.
//
// Reporting can run in signal context, where the interrupted thread
// may hold registry locks. In that mode the cascade acquires the
// global registry and heap index mutexes with try-lock and degrades to
// a partial report on contention. The stack attribution does not: it
// takes the thread's frame table lock with a blocking acquire in both
// modes.
package report

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/kolkov/addrsanitizer/internal/asan/allocator"
	"github.com/kolkov/addrsanitizer/internal/asan/check"
	"github.com/kolkov/addrsanitizer/internal/asan/flags"
	"github.com/kolkov/addrsanitizer/internal/asan/globals"
	"github.com/kolkov/addrsanitizer/internal/asan/mapping"
	"github.com/kolkov/addrsanitizer/internal/asan/shadow"
	"github.com/kolkov/addrsanitizer/internal/asan/stats"
	"github.com/kolkov/addrsanitizer/internal/asan/thread"
)

// Out is the report stream.
var Out io.Writer = os.Stderr

// Describer attributes an address to one kind of memory. Implementers
// print their attribution to w and report whether they matched.
type Describer interface {
	Describe(addr, accessSize uintptr, w io.Writer, tryLock bool) bool
}

type globalDescriber struct{}

func (globalDescriber) Describe(addr, _ uintptr, w io.Writer, tryLock bool) bool {
	return globals.Main.Describe(addr, w, tryLock)
}

type stackDescriber struct{}

func (stackDescriber) Describe(addr, accessSize uintptr, w io.Writer, _ bool) bool {
	return describeStackAddress(addr, w)
}

type heapDescriber struct{}

func (heapDescriber) Describe(addr, accessSize uintptr, w io.Writer, tryLock bool) bool {
	return allocator.Main.Describe(addr, accessSize, w, tryLock)
}

type unknownDescriber struct{}

func (unknownDescriber) Describe(addr, _ uintptr, w io.Writer, _ bool) bool {
	fmt.Fprintf(w, "Address 0x%x is not attributable to any known memory\n", addr)
	return true
}

// cascade is consulted in order; the first match wins except for
// globals, whose Describe already prints every matching global.
var cascade = []Describer{
	globalDescriber{},
	stackDescriber{},
	heapDescriber{},
	unknownDescriber{},
}

// Error is the main entry: a failed shadow check with the encoded
// access (bit 3 = write, low bits = log2 size). Never returns.
func Error(pc, bp, sp, addr uintptr, sizeAndType uint32) {
	ErrorCtx(pc, bp, sp, addr, sizeAndType, false)
}

// ErrorCtx is Error with explicit signal-context selection.
func ErrorCtx(pc, bp, sp, addr uintptr, sizeAndType uint32, inSignal bool) {
	isWrite := sizeAndType&8 != 0
	accessSize := uintptr(1) << (sizeAndType & 7)

	fmt.Fprintf(Out,
		"=================================================================\n")
	printUnwinderHint()
	bug := classify(addr)
	pid := unix.Getpid()
	fmt.Fprintf(Out,
		"==%d== ERROR: AddressSanitizer %s on address 0x%x at pc 0x%x bp 0x%x sp 0x%x\n",
		pid, bug, addr, pc, bp, sp)
	dir := "READ"
	if isWrite {
		dir = "WRITE"
	}
	fmt.Fprintf(Out, "%s of size %d at 0x%x thread T%d\n",
		dir, accessSize, addr, thread.Main.CurrentTID())

	if flags.Cur.Debug {
		printBytes(Out, "PC: ", pc)
	}

	fmt.Fprint(Out, check.CurrentStack(2))

	check.Check(mapping.AddrIsInMem(addr), "reported address is in app memory")
	for _, d := range cascade {
		if d.Describe(addr, accessSize, Out, inSignal) {
			break
		}
	}

	fmt.Fprintf(Out, "==%d== ABORTING\n", pid)
	stats.Main.Print(Out, flags.Cur.Stats)
	dumpShadow(Out, addr)
	check.DieQuiet()
}

// classify maps the shadow byte under addr to a bug name. A partial
// count means the access ran off the end of its granule; the magic
// that applies is in the following shadow byte.
func classify(addr uintptr) string {
	if !mapping.AddrIsInMem(addr) {
		return "unknown-crash"
	}
	sh := mapping.Shadow(addr)
	b := shadow.Load(sh)
	if b > 0 && b < 128 {
		b = shadow.Load(sh + 1)
	}
	switch b {
	case shadow.HeapLeftRedzone, shadow.HeapRightRedzone:
		return "heap-buffer-overflow"
	case shadow.HeapFreed:
		return "heap-use-after-free"
	case shadow.StackLeftRedzone:
		return "stack-buffer-underflow"
	case shadow.StackMidRedzone, shadow.StackRightRedzone, shadow.StackPartial:
		return "stack-buffer-overflow"
	case shadow.StackAfterReturn:
		return "stack-use-after-return"
	case shadow.GlobalRedzone:
		return "global-buffer-overflow"
	}
	return "unknown-crash"
}

func printUnwinderHint() {
	if flags.Cur.FastUnwind {
		fmt.Fprint(Out, "HINT: if your stack trace looks short or garbled, "+
			"use ASAN_OPTIONS=fast_unwind=0\n")
	}
}

// describeStackAddress attributes addr to a frame on some thread's
// stack using the compiler-emitted frame descriptor.
func describeStackAddress(addr uintptr, w io.Writer) bool {
	t := thread.Main.FindByStackAddress(addr)
	if t == nil {
		return false
	}
	descr, offset, ok := t.GetFrameNameByAddr(addr)
	if !ok {
		return false
	}
	fd, err := thread.ParseFrameDescriptor(descr)
	if err != nil {
		fmt.Fprintf(w, "Address 0x%x is on T%d's stack (frame descriptor unparsable: %v)\n",
			addr, t.TID, err)
		return true
	}
	fmt.Fprintf(w, "Address 0x%x is located at offset %d in frame <%s> of T%d's stack:\n",
		addr, offset, fd.Function, t.TID)
	fmt.Fprintf(w, "  This frame has %d object(s):\n", len(fd.Objects))
	for _, obj := range fd.Objects {
		fmt.Fprintf(w, "    [%d, %d) '%s'\n", obj.Offset, obj.Offset+obj.Size, obj.Name)
	}
	fmt.Fprint(w, "HINT: this may be a false positive if your program uses "+
		"some custom stack unwind mechanism\n"+
		"      (longjmp and C++ exceptions *are* supported)\n")
	announceThread(t, w)
	return true
}

// announceThread prints the thread's creation provenance.
func announceThread(t *thread.Summary, w io.Writer) {
	if t.TID == 0 {
		return
	}
	fmt.Fprintf(w, "Thread T%d created by T%d here:\n", t.TID, t.ParentTID)
	fmt.Fprint(w, formatCreation(t))
}

// UnknownCrash reports a fault the shadow cannot explain: the minimal
// report with the register snapshot and both unwinds.
func UnknownCrash(addr, pc, sp, bp, ax uintptr) {
	pid := unix.Getpid()
	fmt.Fprintf(Out,
		"==%d== ERROR: AddressSanitizer crashed on unknown address 0x%x"+
			" (pc 0x%x sp 0x%x bp 0x%x ax 0x%x T%d)\n",
		pid, addr, pc, sp, bp, ax, thread.Main.CurrentTID())
	fmt.Fprint(Out, "AddressSanitizer can not provide additional info. ABORTING\n")
	// Fast unwind first, then the full walk; if the fast one is
	// garbled the second may still be usable.
	fmt.Fprint(Out, check.CurrentStack(2))
	fmt.Fprint(Out, "\n")
	fmt.Fprint(Out, check.CurrentStack(0))
	stats.Main.Print(Out, flags.Cur.Stats)
	check.DieQuiet()
}

// dumpShadow prints the shadow byte under the access and a window of
// nine shadow words centered on it, the faulting word marked "=>".
func dumpShadow(w io.Writer, addr uintptr) {
	sh := mapping.Shadow(addr)
	fmt.Fprint(w, "Shadow byte and word:\n")
	fmt.Fprintf(w, "  0x%x: %x\n", sh, shadow.Load(sh))
	aligned := sh &^ (mapping.WordSize - 1)
	printShadowBytes(w, "  ", aligned)
	fmt.Fprint(w, "More shadow bytes:\n")
	for i := -4; i <= 4; i++ {
		prefix := "  "
		if i == 0 {
			prefix = "=>"
		}
		printShadowBytes(w, prefix,
			aligned+uintptr(int64(i)*int64(mapping.WordSize)))
	}
}

// printShadowBytes prints one word of shadow as hex bytes.
func printShadowBytes(w io.Writer, before string, sh uintptr) {
	fmt.Fprintf(w, "%s0x%x:", before, sh)
	for i := uintptr(0); i < mapping.WordSize; i++ {
		fmt.Fprintf(w, " %02x", shadow.Load(sh+i))
	}
	fmt.Fprint(w, "\n")
}

// printBytes dumps one application word, for the debug PC dump.
func printBytes(w io.Writer, before string, addr uintptr) {
	fmt.Fprintf(w, "%s0x%x:", before, addr)
	for i := uintptr(0); i < mapping.WordSize; i++ {
		b := *(*byte)(addrPtr(addr + i))
		fmt.Fprintf(w, " %02x", b)
	}
	fmt.Fprint(w, "\n")
}
