// Package stackdepot stores deduplicated stack traces for allocation
// and free provenance.
//
// Every malloc and free captures a bounded stack; most programs
// allocate from a small set of call sites, so identical traces are
// stored once and referenced by a compact ID. The ID is an FNV-1a hash
// of the program counters, which makes storing a repeat trace a pure
// hash computation plus one lossless map probe.
//
// ID 0 is reserved and means "no stack recorded".
package stackdepot

import (
	"fmt"
	"hash/fnv"
	"runtime"
	"strings"
	"sync"
	"unsafe"
)

// MaxDepth is the largest trace the depot will hold; the effective
// depth per capture is the malloc_context_size flag, capped here.
const MaxDepth = 30

// ID is a depot handle: the FNV-1a hash of the trace's PCs.
type ID uint64

// Trace is a captured stack.
type Trace struct {
	PC []uintptr
}

// depot maps ID to *Trace. Append-only; entries are never evicted
// because reports may reference a trace captured arbitrarily long ago.
var depot sync.Map

// Capture records the current stack, skipping skip frames on top of
// Capture itself, keeping at most max frames, and returns its depot ID.
func Capture(skip, max int) ID {
	if max <= 0 {
		return 0
	}
	if max > MaxDepth {
		max = MaxDepth
	}
	pcs := make([]uintptr, max)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return 0
	}
	return Put(pcs[:n])
}

// Put stores an explicit PC slice and returns its ID. The slice is
// copied; callers may reuse their buffer.
func Put(pcs []uintptr) ID {
	if len(pcs) == 0 {
		return 0
	}
	id := hash(pcs)
	if _, ok := depot.Load(id); ok {
		return id
	}
	t := &Trace{PC: append([]uintptr(nil), pcs...)}
	depot.LoadOrStore(id, t)
	return id
}

// Get returns the trace for id, or nil for 0 or an unknown ID.
func Get(id ID) *Trace {
	if id == 0 {
		return nil
	}
	v, ok := depot.Load(id)
	if !ok {
		return nil
	}
	return v.(*Trace)
}

// hash computes the FNV-1a hash of the PCs, never returning 0.
func hash(pcs []uintptr) ID {
	h := fnv.New64a()
	for _, pc := range pcs {
		var b [8]byte
		*(*uintptr)(unsafe.Pointer(&b[0])) = pc
		h.Write(b[:])
	}
	id := ID(h.Sum64())
	if id == 0 {
		id = 1
	}
	return id
}

// Format renders the trace one frame per line in the report style:
//
//	#0 0x4a3f2b in main.leak()
//	    /path/main.go:21
func (t *Trace) Format() string {
	if t == nil || len(t.PC) == 0 {
		return "  (no stack trace available)\n"
	}
	frames := runtime.CallersFrames(t.PC)
	var b strings.Builder
	i := 0
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "    #%d 0x%x in %s()\n        %s:%d\n",
			i, frame.PC, frame.Function, frame.File, frame.Line)
		i++
		if !more {
			break
		}
	}
	return b.String()
}

// FormatID is Format on the depot entry for id.
func FormatID(id ID) string {
	return Get(id).Format()
}

// Reset clears the depot. Test use only.
func Reset() {
	depot = sync.Map{}
}
