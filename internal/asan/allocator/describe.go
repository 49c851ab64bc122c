package allocator

import (
	"fmt"
	"io"

	"github.com/kolkov/addrsanitizer/internal/asan/stackdepot"
)

// Contains reports whether addr lies inside any known chunk span
// (live or quarantined).
func (a *Allocator) Contains(addr uintptr) bool {
	return a.findChunk(addr) != nil
}

// Describe prints the heap attribution of addr: the owning region,
// the access position relative to it, and the allocation (and, for
// freed chunks, the free) provenance.
//
// tryLock makes the chunk-index acquisition non-blocking for signal
// context; on contention a partial line is printed instead.
func (a *Allocator) Describe(addr uintptr, accessSize uintptr,
	w io.Writer, tryLock bool) bool {
	var h *header
	if tryLock {
		if !a.chunksMu.TryLock() {
			fmt.Fprintf(w, "0x%x: heap index busy, description skipped\n", addr)
			return false
		}
		h = a.findChunkLocked(addr)
		a.chunksMu.Unlock()
	} else {
		h = a.findChunk(addr)
	}
	if h == nil {
		fmt.Fprintf(w, "0x%x: not a heap address\n", addr)
		return false
	}

	userEnd := h.userBeg + h.userSize
	fmt.Fprintf(w, "0x%x is located ", addr)
	switch {
	case addr < h.userBeg:
		fmt.Fprintf(w, "%d bytes to the left", h.userBeg-addr)
	case addr >= userEnd:
		fmt.Fprintf(w, "%d bytes to the right", addr-userEnd)
	default:
		fmt.Fprintf(w, "%d bytes inside", addr-h.userBeg)
	}
	fmt.Fprintf(w, " of %d-byte region [0x%x,0x%x)\n",
		h.userSize, h.userBeg, userEnd)

	if h.magic == chunkQuarantined {
		fmt.Fprintf(w, "freed by thread T%d here:\n", h.freeTID)
		fmt.Fprint(w, stackdepot.FormatID(h.freeStack))
		fmt.Fprintf(w, "previously allocated by thread T%d here:\n", h.allocTID)
	} else {
		fmt.Fprintf(w, "allocated by thread T%d here:\n", h.allocTID)
	}
	fmt.Fprint(w, stackdepot.FormatID(h.allocStack))
	return true
}

// Reset drops all allocator state. Test use only; mapped memory is
// intentionally leaked because outstanding test pointers may still
// reference it.
func (a *Allocator) Reset() {
	a.chunksMu.Lock()
	a.chunks.Clear(false)
	a.chunksMu.Unlock()
	a.live.Range(func(k, _ interface{}) bool {
		a.live.Delete(k)
		return true
	})
	a.quarantine.mu.Lock()
	a.quarantine.head, a.quarantine.tail, a.quarantine.bytes = 0, 0, 0
	a.quarantine.mu.Unlock()
	for c := range a.classFree {
		a.classMu[c].Lock()
		a.classFree[c] = nil
		a.classMu[c].Unlock()
	}
}
