// Package globals tracks instrumented global variables.
//
// Module initializers of instrumented code register each global with
// its address, size and name. Registration poisons the right redzone
// that the compiler reserved after the variable, and the registry is
// consulted by the reporter to attribute a faulting address to a
// nearby global.
//
// The registry is an ordered map keyed by the global's begin address;
// registering the same address again is an upsert, because module
// initializers may run more than once.
package globals

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/btree"

	"github.com/kolkov/addrsanitizer/internal/asan/check"
	"github.com/kolkov/addrsanitizer/internal/asan/flags"
	"github.com/kolkov/addrsanitizer/internal/asan/logging"
	"github.com/kolkov/addrsanitizer/internal/asan/mapping"
	"github.com/kolkov/addrsanitizer/internal/asan/shadow"
)

// Global describes one registered global variable.
type Global struct {
	Beg  uintptr
	Size uintptr
	Name string
}

// AlignedSize is Size rounded up to the global-redzone granule.
func (g *Global) AlignedSize() uintptr {
	rz := flags.Cur.Redzone
	return (g.Size + rz - 1) / rz * rz
}

// redzoneSpanContains reports whether addr falls inside the global or
// its surrounding redzones.
func (g *Global) redzoneSpanContains(addr uintptr) bool {
	rz := flags.Cur.Redzone
	return addr >= g.Beg-rz && addr < g.Beg+g.AlignedSize()+rz
}

// describe prints the position of addr relative to this global.
func (g *Global) describe(addr uintptr, w io.Writer) {
	fmt.Fprintf(w, "0x%x is located ", addr)
	switch {
	case addr < g.Beg:
		fmt.Fprintf(w, "%d bytes to the left", g.Beg-addr)
	case addr >= g.Beg+g.Size:
		fmt.Fprintf(w, "%d bytes to the right", addr-(g.Beg+g.Size))
	default:
		fmt.Fprintf(w, "%d bytes inside", addr-g.Beg)
	}
	fmt.Fprintf(w, " of global '%s' (0x%x) of size %d\n",
		g.Name, g.Beg, g.Size)
}

// poisonRedzones stamps the right redzone of the global.
//
// The full trailing granules of the redzone get the global magic; if
// the size is not a multiple of the granule, the boundary granule gets
// the partial count via the shared primitive.
func (g *Global) poisonRedzones() {
	rz := flags.Cur.Redzone
	check.Check(mapping.AddrIsAlignedToGranularity(g.Beg),
		"global beg is granule-aligned")
	shadow.PoisonRegion(g.Beg+g.AlignedSize(), rz, shadow.GlobalRedzone)
	if g.Size%rz != 0 {
		// Partial right redzone inside the last aligned block.
		partialBeg := g.Beg + g.Size/rz*rz
		shadow.PoisonPartialRightRedzone(mapping.Shadow(partialBeg),
			g.Size%rz, rz, mapping.Granularity(), shadow.GlobalRedzone)
	}
}

// Registry is the ordered set of registered globals.
type Registry struct {
	mu   sync.Mutex
	tree *btree.BTreeG[*Global]
}

// Main is the process-wide registry.
var Main = NewRegistry()

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tree: btree.NewG(16, func(a, b *Global) bool {
			return a.Beg < b.Beg
		}),
	}
}

// Register inserts or replaces the descriptor for beg and poisons its
// right redzone. Gated by the report_globals flag; level 2 traces each
// registration.
func (r *Registry) Register(beg, size uintptr, name string) {
	if flags.Cur.ReportGlobals == 0 {
		return
	}
	check.Check(mapping.AddrIsInMem(beg), "registered global is in app memory")
	g := &Global{Beg: beg, Size: size, Name: name}
	if flags.Cur.ReportGlobals >= 2 {
		logging.Warnf("Added Global: beg=0x%x size=%d name=%s", beg, size, name)
	}
	g.poisonRedzones()
	r.mu.Lock()
	r.tree.ReplaceOrInsert(g)
	r.mu.Unlock()
}

// Contains reports whether any registered global's redzone span holds
// addr, without printing.
func (r *Registry) Contains(addr uintptr) bool {
	if flags.Cur.ReportGlobals == 0 {
		return false
	}
	found := false
	r.withLock(func() {
		r.tree.Ascend(func(g *Global) bool {
			if g.redzoneSpanContains(addr) {
				found = true
				return false
			}
			return true
		})
	})
	return found
}

// Describe prints every registered global whose redzone span contains
// addr and reports whether at least one matched.
//
// In signal context the registry mutex may already be held by the
// interrupted thread; tryLock mode degrades to a partial report rather
// than deadlocking.
func (r *Registry) Describe(addr uintptr, w io.Writer, tryLock bool) bool {
	if flags.Cur.ReportGlobals == 0 {
		return false
	}
	if tryLock {
		if !r.mu.TryLock() {
			fmt.Fprintf(w, "0x%x: global registry busy, description skipped\n", addr)
			return false
		}
	} else {
		r.mu.Lock()
	}
	defer r.mu.Unlock()
	matched := false
	r.tree.Ascend(func(g *Global) bool {
		if flags.Cur.ReportGlobals >= 2 {
			logging.Warnf("Search Global: beg=0x%x size=%d name=%s",
				g.Beg, g.Size, g.Name)
		}
		if g.redzoneSpanContains(addr) {
			g.describe(addr, w)
			matched = true
		}
		return true
	})
	return matched
}

// Len returns the number of registered globals.
func (r *Registry) Len() int {
	n := 0
	r.withLock(func() { n = r.tree.Len() })
	return n
}

func (r *Registry) withLock(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f()
}

// Reset drops every registration. Test use only.
func (r *Registry) Reset() {
	r.withLock(func() {
		r.tree.Clear(false)
	})
}
