package allocator

import (
	"sync"

	"github.com/kolkov/addrsanitizer/internal/asan/flags"
	"github.com/kolkov/addrsanitizer/internal/asan/stats"
)

// quarantine is the FIFO of freed chunks. A freed chunk's memory is
// held here, fully poisoned, until the byte budget forces it out; only
// then does the memory become reusable. The delay is what turns a
// use-after-free into a poisoned access instead of a silent read of
// recycled data.
type quarantine struct {
	mu    sync.Mutex
	head  uintptr // oldest chunk base
	tail  uintptr // newest chunk base
	bytes uintptr
}

// push appends h and evicts the oldest chunks while the budget is
// exceeded.
func (q *quarantine) push(a *Allocator, h *header) {
	q.mu.Lock()
	base := a.base(h)
	h.next = 0
	if q.tail != 0 {
		hdr(q.tail).next = base
	} else {
		q.head = base
	}
	q.tail = base
	q.bytes += h.totalSize

	var evict []uintptr
	for q.bytes > flags.Cur.QuarantineSize && q.head != 0 {
		oldest := q.head
		q.head = hdr(oldest).next
		if q.head == 0 {
			q.tail = 0
		}
		q.bytes -= hdr(oldest).totalSize
		evict = append(evict, oldest)
	}
	q.mu.Unlock()

	// True release happens outside the quarantine lock; the chunks are
	// no longer reachable from the FIFO.
	for _, base := range evict {
		a.reallyFree(hdr(base))
	}
}

// reallyFree returns a quarantined chunk's memory to its size class,
// or unmaps it for direct chunks.
func (a *Allocator) reallyFree(h *header) {
	stats.Main.RealFrees.Add(1)
	stats.Main.ReallyFreed.Add(uint64(h.userSize))
	stats.Main.ReallyFreedBySize[stats.Bucket(h.totalSize)].Add(1)
	a.dropChunk(h)
	if h.class < 0 {
		munmapChunk(a.base(h), h.totalSize)
		return
	}
	a.classRelease(h.class, a.base(h))
}
