// Package api implements the runtime entry points: initialization and
// the interposed libc-shaped surface that instrumented applications
// call instead of the system allocator, signal installers, and
// non-local-exit primitives.
//
// This package owns the process-wide singleton state (options, output,
// the inited latch, the resolved real-function slots) and stitches the
// leaf packages together. Everything here is called synchronously from
// application threads.
package api

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/kolkov/addrsanitizer/internal/asan/allocator"
	"github.com/kolkov/addrsanitizer/internal/asan/check"
	"github.com/kolkov/addrsanitizer/internal/asan/flags"
	"github.com/kolkov/addrsanitizer/internal/asan/logging"
	"github.com/kolkov/addrsanitizer/internal/asan/mapping"
	"github.com/kolkov/addrsanitizer/internal/asan/report"
	"github.com/kolkov/addrsanitizer/internal/asan/shadow"
	"github.com/kolkov/addrsanitizer/internal/asan/sigrouter"
	"github.com/kolkov/addrsanitizer/internal/asan/stackdepot"
	"github.com/kolkov/addrsanitizer/internal/asan/stats"
	"github.com/kolkov/addrsanitizer/internal/asan/thread"
)

var (
	initMu sync.Mutex

	// inited is set only after options are parsed, real slots are
	// resolved, signals are installed, shadow is mapped, and the main
	// thread summary exists. Until then allocations go to the
	// bootstrap pool.
	inited bool

	// out is the runtime's output stream.
	out *os.File = os.Stderr
)

// Inited reports whether Init has completed.
func Inited() bool {
	return inited
}

// Init brings the runtime up. Idempotent; reached through the public
// facade's Init, which the instrumented main calls, and callable
// directly by tests.
func Init() {
	initMu.Lock()
	defer initMu.Unlock()
	if inited {
		return
	}

	report.Out = out
	check.Out = func(s string) (int, error) { return out.WriteString(s) }
	check.SetOnAbort(func() {
		stats.Main.Print(out, flags.Cur.Stats)
	})

	flags.Cur = flags.Parse(os.Getenv("ASAN_OPTIONS"))
	logging.Setup(out, flags.Cur.Verbosity, flags.Cur.Debug)

	resolveRealFuncs()
	sigrouter.Install()

	if flags.Cur.Verbosity >= 1 {
		printLayout()
	}

	shadow.MapRegions(flags.Cur.LazyShadow)

	// The main thread summary must exist before inited flips, because
	// the first instrumented access may happen immediately after.
	mainThread := thread.Main.Create(0, 0)
	thread.Main.SetCurrent(mainThread)
	var anchor byte
	top := mapping.RoundUpToPage(addrOf(&anchor))
	mainThread.SetStackBounds(top-defaultStackSpan, top)

	allocator.Main.Inited = true
	inited = true

	if flags.Cur.Verbosity >= 1 {
		logging.Infof("==%d== AddressSanitizer %s Init done ***",
			unix.Getpid(), Version)
	}
}

// Fini prints exit statistics when atexit is set. The facade exports
// it for the application to call at normal process exit; nothing
// registers it automatically.
func Fini() {
	if !flags.Cur.AtExit {
		return
	}
	fmt.Fprint(out, "AddressSanitizer exit stats:\n")
	stats.Main.Print(out, true)
}

// defaultStackSpan approximates a thread's stack reservation for the
// bounds recorded by the start trampoline.
const defaultStackSpan uintptr = 1 << 20

// printLayout writes the address-space table, the way verbose startup
// documents the mapping.
func printLayout() {
	fmt.Fprintf(out, "|| `[0x%012x, 0x%012x]` || HighMem    ||\n",
		mapping.HighMemBeg, mapping.HighMemEnd)
	fmt.Fprintf(out, "|| `[0x%012x, 0x%012x]` || HighShadow ||\n",
		mapping.HighShadowBeg, mapping.HighShadowEnd)
	fmt.Fprintf(out, "|| `[0x%012x, 0x%012x]` || ShadowGap  ||\n",
		mapping.GapBeg, mapping.GapEnd)
	fmt.Fprintf(out, "|| `[0x%012x, 0x%012x]` || LowShadow  ||\n",
		mapping.LowShadowBeg, mapping.LowShadowEnd)
	fmt.Fprintf(out, "|| `[0x%012x, 0x%012x]` || LowMem     ||\n",
		mapping.LowMemBeg, mapping.LowMemEnd)
	fmt.Fprintf(out, "MemToShadow(shadow): 0x%x 0x%x 0x%x 0x%x\n",
		mapping.Shadow(mapping.LowShadowBeg),
		mapping.Shadow(mapping.LowShadowEnd),
		mapping.Shadow(mapping.HighShadowBeg),
		mapping.Shadow(mapping.HighShadowEnd))
	fmt.Fprintf(out, "red_zone=%d\n", flags.Cur.Redzone)
	fmt.Fprintf(out, "malloc_context_size=%d\n", flags.Cur.MallocContextSize)
	fmt.Fprintf(out, "fast_unwind=%v\n", flags.Cur.FastUnwind)
	fmt.Fprintf(out, "SHADOW_SCALE: %x\n", mapping.Scale)
	fmt.Fprintf(out, "SHADOW_GRANULARITY: %x\n", mapping.Granularity())
	fmt.Fprintf(out, "SHADOW_OFFSET: %x\n", mapping.Offset)
	check.Check(mapping.Scale >= 3 && mapping.Scale <= 7,
		"shadow scale in [3, 7]")
}

// mallocStack captures the allocation-context stack for the current
// request.
func mallocStack() stackdepot.ID {
	return stackdepot.Capture(2, flags.Cur.MallocContextSize)
}

// callerPC returns the PC of the caller's caller, for the explicit
// report-error entry points.
func callerPC() uintptr {
	pc, _, _, ok := runtime.Caller(2)
	if !ok {
		return 0
	}
	return pc
}
