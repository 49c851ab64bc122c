// Package flags holds the runtime configuration parsed from the
// ASAN_OPTIONS environment variable.
//
// The option format is a deliberate ABI: key=value substrings are
// located by plain substring search anywhere in the string, so any
// separator (spaces, colons, commas) works and unknown keys are
// silently ignored. This matches the consumer side of the contract and
// is why no general-purpose config library is used here.
//
// All values live in one process-global Flags instance with explicit
// Parse, mirroring the singleton runtime state model.
package flags

import (
	"strconv"
	"strings"

	"github.com/kolkov/addrsanitizer/internal/asan/check"
)

// MaxMallocContextSize caps the per-allocation stack depth.
const MaxMallocContextSize = 30

// Flags is the full runtime option set. Field comments give the
// ASAN_OPTIONS key and default.
type Flags struct {
	// MallocContextSize (malloc_context_size=30) is the number of
	// frames captured for allocation and free stacks.
	MallocContextSize int

	// Verbosity (verbosity=0) is the log verbosity level.
	Verbosity int

	// Redzone (redzone=128) is the minimum redzone size in bytes.
	// Must be a power of two, at least 32.
	Redzone uintptr

	// AtExit (atexit=0) prints statistics at normal process exit.
	AtExit bool

	// PoisonShadow (poison_shadow=1) enables shadow writes; disabling
	// it effectively bypasses the sanitizer.
	PoisonShadow bool

	// ReportGlobals (report_globals=1): 0 disables global registration
	// and description, 2 additionally traces registry operations.
	ReportGlobals int

	// LargeMalloc (large_malloc=1<<31) is the user-size threshold at
	// which allocations are served by direct mmap.
	LargeMalloc uintptr

	// LazyShadow (lazy_shadow=0) maps shadow pages on demand from the
	// SIGSEGV handler instead of reserving them eagerly.
	LazyShadow bool

	// HandleSegv (handle_segv=1) installs the SIGSEGV handler.
	HandleSegv bool

	// Stats (stats=0) prints per-size-class statistics in reports.
	Stats bool

	// Symbolize (symbolize=1) toggles the external symbolizer.
	Symbolize bool

	// Demangle (demangle=1) toggles the external demangler.
	Demangle bool

	// Debug (debug=0) enables extra diagnostics.
	Debug bool

	// FastUnwind (fast_unwind=1) selects the frame-pointer walk over
	// the full unwinder.
	FastUnwind bool

	// MT (mt=1) declares the process multithreaded. The value is
	// parsed and stored; registry locking does not depend on it.
	MT bool

	// QuarantineSize (quarantine_size=1<<28) is the byte budget of the
	// freed-chunk quarantine.
	QuarantineSize uintptr
}

// Cur is the live option set. It is written once by Parse during Init
// and read-only afterwards.
var Cur = Defaults()

// Defaults returns the option set with every key at its default.
func Defaults() Flags {
	return Flags{
		MallocContextSize: MaxMallocContextSize,
		Verbosity:         0,
		Redzone:           128,
		AtExit:            false,
		PoisonShadow:      true,
		ReportGlobals:     1,
		LargeMalloc:       1 << 31,
		LazyShadow:        false,
		HandleSegv:        true,
		Stats:             false,
		Symbolize:         true,
		Demangle:          true,
		Debug:             false,
		FastUnwind:        true,
		MT:                true,
		QuarantineSize:    1 << 28,
	}
}

// Parse extracts every recognized key from options and validates the
// result. The empty string yields the defaults.
func Parse(options string) Flags {
	f := Defaults()
	f.MallocContextSize = int(IntValue(options, "malloc_context_size=",
		int64(MaxMallocContextSize)))
	check.Check(f.MallocContextSize <= MaxMallocContextSize,
		"malloc_context_size <= kMallocContextSize")
	f.Verbosity = int(IntValue(options, "verbosity=", 0))
	f.Redzone = uintptr(IntValue(options, "redzone=", 128))
	check.Check(f.Redzone >= 32, "redzone >= 32")
	check.Check(f.Redzone&(f.Redzone-1) == 0, "redzone is a power of two")
	f.AtExit = IntValue(options, "atexit=", 0) != 0
	f.PoisonShadow = IntValue(options, "poison_shadow=", 1) != 0
	f.ReportGlobals = int(IntValue(options, "report_globals=", 1))
	f.LargeMalloc = uintptr(IntValue(options, "large_malloc=", 1<<31))
	f.LazyShadow = IntValue(options, "lazy_shadow=", 0) != 0
	f.HandleSegv = IntValue(options, "handle_segv=", 1) != 0
	f.Stats = IntValue(options, "stats=", 0) != 0
	f.Symbolize = IntValue(options, "symbolize=", 1) != 0
	f.Demangle = IntValue(options, "demangle=", 1) != 0
	f.Debug = IntValue(options, "debug=", 0) != 0
	f.FastUnwind = IntValue(options, "fast_unwind=", 1) != 0
	f.MT = IntValue(options, "mt=", 1) != 0
	f.QuarantineSize = uintptr(IntValue(options, "quarantine_size=", 1<<28))
	// Lazy shadow is faulted in from the SIGSEGV handler, so it cannot
	// work with the handler disabled.
	check.Check(f.HandleSegv || !f.LazyShadow,
		"lazy_shadow requires handle_segv")
	return f
}

// IntValue locates flag (including its trailing '=') in options by
// substring search and parses the decimal value that follows. Missing
// flag or unparsable digits yield def.
func IntValue(options, flag string, def int64) int64 {
	idx := strings.Index(options, flag)
	if idx < 0 {
		return def
	}
	rest := options[idx+len(flag):]
	end := 0
	if end < len(rest) && (rest[end] == '-' || rest[end] == '+') {
		end++
	}
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	v, err := strconv.ParseInt(rest[:end], 10, 64)
	if err != nil {
		return def
	}
	return v
}
