// Package thread tracks instrumented threads: their stack bounds,
// creation provenance, and the compiler-emitted frame descriptors used
// to attribute a stack address to a function and its local objects.
//
// Summaries are append-only for the life of the process. A thread that
// exits keeps its summary so post-mortem reports can still describe
// addresses on its (now recycled) stack.
package thread

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/kolkov/addrsanitizer/internal/asan/check"
	"github.com/kolkov/addrsanitizer/internal/asan/mapping"
	"github.com/kolkov/addrsanitizer/internal/asan/shadow"
	"github.com/kolkov/addrsanitizer/internal/asan/stackdepot"
)

// Summary is the per-thread record.
type Summary struct {
	TID       uint32
	ParentTID uint32

	// CreationStack is where pthread_create (or its analog) was called.
	CreationStack stackdepot.ID

	// StackBottom and StackTop bound the thread's stack;
	// StackBottom < StackTop, stacks grow down.
	StackBottom uintptr
	StackTop    uintptr

	// frames maps a frame's base address to the descriptor string the
	// instrumented prologue registered for it.
	framesMu sync.Mutex
	frames   map[uintptr]string
}

// StackContains reports whether addr lies on this thread's stack.
func (s *Summary) StackContains(addr uintptr) bool {
	return addr >= s.StackBottom && addr < s.StackTop
}

// SetStackBounds installs the bounds; called by the start trampoline,
// which rounds the address of one of its locals up to a page for the
// top and places the bottom a fixed span below it.
func (s *Summary) SetStackBounds(bottom, top uintptr) {
	check.Check(bottom < top, "stack bottom below top")
	s.StackBottom = bottom
	s.StackTop = top
}

// RegisterFrame records the descriptor for a frame entered at base.
// Instrumented prologues call this; epilogues call UnregisterFrame.
func (s *Summary) RegisterFrame(base uintptr, descr string) {
	s.framesMu.Lock()
	if s.frames == nil {
		s.frames = make(map[uintptr]string)
	}
	s.frames[base] = descr
	s.framesMu.Unlock()
}

// UnregisterFrame drops the descriptor registered at base.
func (s *Summary) UnregisterFrame(base uintptr) {
	s.framesMu.Lock()
	delete(s.frames, base)
	s.framesMu.Unlock()
}

// GetFrameNameByAddr resolves the frame enclosing addr. It returns the
// descriptor of the registered frame with the greatest base not above
// addr, and addr's offset from that base. ok is false when no frame on
// this thread covers addr.
func (s *Summary) GetFrameNameByAddr(addr uintptr) (descr string, offset uintptr, ok bool) {
	if !s.StackContains(addr) {
		return "", 0, false
	}
	s.framesMu.Lock()
	defer s.framesMu.Unlock()
	var best uintptr
	for base := range s.frames {
		if base <= addr && base >= best {
			best = base
			descr = s.frames[base]
			ok = true
		}
	}
	if !ok {
		return "", 0, false
	}
	return descr, addr - best, true
}

// Registry is the process-wide thread table.
type Registry struct {
	nextTID atomic.Uint32

	// byTID is append-only: summaries are added at creation and never
	// removed, so readers (the reporter) need no lock.
	byTID sync.Map // uint32 -> *Summary

	// current maps goroutine ID to the summary installed by the start
	// trampoline.
	current sync.Map // int64 -> *Summary
}

// Main is the process-wide registry.
var Main = &Registry{}

// Create allocates the summary for a thread about to start. The caller
// supplies the parent and the captured creation stack; the trampoline
// completes the summary on the new thread.
func (r *Registry) Create(parent uint32, creation stackdepot.ID) *Summary {
	s := &Summary{
		TID:           r.nextTID.Add(1) - 1,
		ParentTID:     parent,
		CreationStack: creation,
	}
	r.byTID.Store(s.TID, s)
	return s
}

// SetCurrent installs s as the calling thread's summary.
func (r *Registry) SetCurrent(s *Summary) {
	r.current.Store(goid(), s)
}

// Current returns the calling thread's summary, or nil before the
// trampoline has run (bootstrap allocations).
func (r *Registry) Current() *Summary {
	v, ok := r.current.Load(goid())
	if !ok {
		return nil
	}
	return v.(*Summary)
}

// CurrentTID returns the calling thread's tid, or 0 (the main thread)
// when no summary is installed yet.
func (r *Registry) CurrentTID() uint32 {
	if s := r.Current(); s != nil {
		return s.TID
	}
	return 0
}

// ByTID returns the summary for tid, or nil.
func (r *Registry) ByTID(tid uint32) *Summary {
	v, ok := r.byTID.Load(tid)
	if !ok {
		return nil
	}
	return v.(*Summary)
}

// FindByStackAddress returns the summary whose stack range contains
// addr, or nil.
func (r *Registry) FindByStackAddress(addr uintptr) *Summary {
	var found *Summary
	r.byTID.Range(func(_, v interface{}) bool {
		s := v.(*Summary)
		if s.StackContains(addr) {
			found = s
			return false
		}
		return true
	})
	return found
}

// UnpoisonFromSP clears the shadow between sp (one page below it,
// rounded down to a page) and the current thread's stack top. Invoked
// by the unwind notifier before a long jump or throw transfers control,
// so that stack bytes reused by the landing frame are not spuriously
// poisoned. It does nothing when sp is not on the current thread's
// recorded stack.
func (r *Registry) UnpoisonFromSP(sp uintptr) {
	s := r.Current()
	if s == nil || s.StackTop == 0 || !s.StackContains(sp) {
		return
	}
	bottom := mapping.RoundDownToPage(sp - mapping.PageSize)
	if bottom >= s.StackTop {
		return
	}
	size := (s.StackTop - bottom) &^ (mapping.Granularity() - 1)
	shadow.UnpoisonRegion(bottom, size)
}

// Reset clears the registry. Test use only.
func (r *Registry) Reset() {
	r.byTID = sync.Map{}
	r.current = sync.Map{}
	r.nextTID.Store(0)
}

// goid extracts the current goroutine ID by parsing the header line of
// runtime.Stack ("goroutine N [running]:"). Slow, but only creation,
// current-summary lookup and reporting need it; the shadow check fast
// path never does.
func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
