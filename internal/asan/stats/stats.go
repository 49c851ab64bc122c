// Package stats keeps the coarse allocator counters printed in reports
// and, optionally, at exit.
//
// Counters are process-wide atomics. The by-size arrays are indexed by
// the bit width of the rounded allocation size, matching the word-size
// bucket scheme of the printed table.
package stats

import (
	"fmt"
	"io"
	"math/bits"
	"sync/atomic"

	"github.com/kolkov/addrsanitizer/internal/asan/mapping"
)

// numBuckets is one bucket per possible size bit width.
const numBuckets = 64

// S holds every counter. Bytes unless the name says calls/count.
type S struct {
	Mallocs          atomic.Uint64
	Malloced         atomic.Uint64
	MallocedRedzones atomic.Uint64
	Frees            atomic.Uint64
	Freed            atomic.Uint64
	RealFrees        atomic.Uint64
	ReallyFreed      atomic.Uint64
	Reallocs         atomic.Uint64
	Realloced        atomic.Uint64
	Mmaps            atomic.Uint64
	Mmaped           atomic.Uint64
	MallocLarge      atomic.Uint64

	MmapedBySize      [numBuckets]atomic.Uint64
	MallocedBySize    [numBuckets]atomic.Uint64
	FreedBySize       [numBuckets]atomic.Uint64
	ReallyFreedBySize [numBuckets]atomic.Uint64
}

// Main is the process-wide instance.
var Main S

// Bucket returns the by-size index for a byte count.
func Bucket(size uintptr) int {
	if size == 0 {
		return 0
	}
	return bits.Len64(uint64(size)) - 1
}

func printBySize(w io.Writer, name string, a *[numBuckets]atomic.Uint64) {
	fmt.Fprintf(w, "%s", name)
	for i := 0; i < numBuckets; i++ {
		n := a[i].Load()
		if n == 0 {
			continue
		}
		fmt.Fprintf(w, "%d:%03d; ", i, (n<<uint(i))>>20)
	}
	fmt.Fprintf(w, "\n")
}

// Print writes the statistics table when enabled is true.
func (s *S) Print(w io.Writer, enabled bool) {
	if !enabled {
		return
	}
	fmt.Fprintf(w, "Stats: %dM malloced (%dM for red zones) by %d calls\n",
		s.Malloced.Load()>>20, s.MallocedRedzones.Load()>>20, s.Mallocs.Load())
	fmt.Fprintf(w, "Stats: %dM realloced by %d calls\n",
		s.Realloced.Load()>>20, s.Reallocs.Load())
	fmt.Fprintf(w, "Stats: %dM freed by %d calls\n",
		s.Freed.Load()>>20, s.Frees.Load())
	fmt.Fprintf(w, "Stats: %dM really freed by %d calls\n",
		s.ReallyFreed.Load()>>20, s.RealFrees.Load())
	fmt.Fprintf(w, "Stats: %dM (%d pages) mmaped in %d calls\n",
		s.Mmaped.Load()>>20, s.Mmaped.Load()/uint64(mapping.PageSize),
		s.Mmaps.Load())
	printBySize(w, " mmaps   by size: ", &s.MmapedBySize)
	printBySize(w, " mallocs by size: ", &s.MallocedBySize)
	printBySize(w, " frees   by size: ", &s.FreedBySize)
	printBySize(w, " rfrees  by size: ", &s.ReallyFreedBySize)
	fmt.Fprintf(w, "Stats: malloc large: %d\n", s.MallocLarge.Load())
}

// Reset zeroes every counter. Test use only.
func (s *S) Reset() {
	for _, c := range []*atomic.Uint64{
		&s.Mallocs, &s.Malloced, &s.MallocedRedzones,
		&s.Frees, &s.Freed, &s.RealFrees, &s.ReallyFreed,
		&s.Reallocs, &s.Realloced, &s.Mmaps, &s.Mmaped, &s.MallocLarge,
	} {
		c.Store(0)
	}
	for i := 0; i < numBuckets; i++ {
		s.MmapedBySize[i].Store(0)
		s.MallocedBySize[i].Store(0)
		s.FreedBySize[i].Store(0)
		s.ReallyFreedBySize[i].Store(0)
	}
}
