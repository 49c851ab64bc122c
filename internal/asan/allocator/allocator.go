// Package allocator implements the redzone-wrapping heap.
//
// Every live chunk is laid out as
//
//	[ left redzone | header | user bytes | right redzone ]
//
// with both redzones at least the redzone flag wide and the user range
// granule-aligned, so that an access one byte past either end of the
// user range lands on a poisoned shadow byte. Freed chunks keep their
// memory, stamped HEAP_FREED, inside a FIFO quarantine whose byte
// budget delays reuse long enough to catch most use-after-free bugs.
//
// Chunks are carved from size-classed arenas obtained by anonymous
// mmap; allocations at or above the large_malloc threshold bypass the
// classes and get their own mapping.
package allocator

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/kolkov/addrsanitizer/internal/asan/check"
	"github.com/kolkov/addrsanitizer/internal/asan/flags"
	"github.com/kolkov/addrsanitizer/internal/asan/mapping"
	"github.com/kolkov/addrsanitizer/internal/asan/shadow"
	"github.com/kolkov/addrsanitizer/internal/asan/stackdepot"
	"github.com/kolkov/addrsanitizer/internal/asan/stats"
)

// Chunk state tags.
const (
	chunkLive        uint32 = 0x3ac5e1a9
	chunkQuarantined uint32 = 0x9152b0c4
)

// Size classing: chunk total sizes are powers of two between
// minClassBits and maxClassBits; anything larger is direct-mmapped.
const (
	minClassBits = 6
	maxClassBits = 31
	numClasses   = maxClassBits + 1

	// arenaBatch is the minimum mapping carved into class chunks.
	arenaBatch uintptr = 1 << 20
)

// header sits at the chunk base, inside the left redzone. Fields are
// 8-byte aligned by construction of the layout.
type header struct {
	magic      uint32
	allocTID   uint32
	freeTID    uint32
	class      int32 // -1 for direct-mmap chunks
	userSize   uintptr
	alignment  uintptr
	totalSize  uintptr // whole chunk span, base..base+totalSize
	userBeg    uintptr
	allocStack stackdepot.ID
	freeStack  stackdepot.ID
	next       uintptr // next chunk base in the quarantine FIFO
}

const headerSize = unsafe.Sizeof(header{})

func hdr(base uintptr) *header {
	return (*header)(unsafe.Pointer(base))
}

// Allocator is the heap state. One instance serves the process; the
// type exists so tests can run an isolated heap.
type Allocator struct {
	// Inited gates the bootstrap bump pool. Set by runtime Init after
	// the real entry points are resolved.
	Inited bool

	classMu   [numClasses]sync.Mutex
	classFree [numClasses][]uintptr

	// live maps userBeg to chunk base for exactly the live chunks;
	// the uniqueness invariant (at most one chunk per beg) holds here.
	live sync.Map // uintptr -> uintptr

	// chunksMu guards chunks, the address-ordered index over live and
	// quarantined chunks used for heap address description.
	chunksMu sync.Mutex
	chunks   *btree.BTreeG[*header]

	quarantine quarantine

	bootMu   sync.Mutex
	bootPool [bootstrapPoolSize]byte
	bootOff  uintptr
}

// bootstrapPoolSize holds every allocation the dynamic-linker analog
// issues before Init completes. Measured constant.
const bootstrapPoolSize = 8 << 10

// Main is the process-wide heap.
var Main = New()

// New returns an empty heap.
func New() *Allocator {
	return &Allocator{
		chunks: btree.NewG(16, func(a, b *header) bool {
			return uintptr(unsafe.Pointer(a)) < uintptr(unsafe.Pointer(b))
		}),
	}
}

func (a *Allocator) base(h *header) uintptr {
	return uintptr(unsafe.Pointer(h))
}

// classFor returns the class index for a total chunk size, or -1 when
// the size exceeds the largest class.
func classFor(total uintptr) int32 {
	for c := minClassBits; c <= maxClassBits; c++ {
		if total <= uintptr(1)<<c {
			return int32(c)
		}
	}
	return -1
}

// layout computes the chunk geometry for a request.
//
// The left redzone absorbs the header and pads userBeg out to the
// requested alignment; the right redzone covers everything between the
// granule-rounded user end and the (power-of-two) class total.
func layout(size, alignment uintptr) (leftRZ, roundedUser, total uintptr, class int32) {
	g := mapping.Granularity()
	rz := flags.Cur.Redzone
	if alignment < g {
		alignment = g
	}
	leftRZ = rz
	for leftRZ < headerSize || leftRZ < alignment {
		leftRZ <<= 1
	}
	roundedUser = mapping.RoundUpToGranularity(size)
	needed := leftRZ + roundedUser + rz
	if alignment > mapping.PageSize {
		// Chunk bases are only page-aligned; leave slack so the user
		// begin can be rounded up to the requested alignment.
		needed += alignment
	}
	class = classFor(needed)
	if class >= 0 {
		total = uintptr(1) << class
	} else {
		total = mapping.RoundUpToPage(needed)
	}
	return leftRZ, roundedUser, total, class
}

// Allocate returns the user pointer for a new chunk of size bytes at
// the given alignment, or 0 when backing memory cannot be obtained.
func (a *Allocator) Allocate(size, alignment uintptr,
	stack stackdepot.ID, tid uint32) uintptr {
	if !a.Inited {
		return a.bootstrapAlloc(size)
	}
	if alignment == 0 {
		alignment = mapping.Granularity()
	}
	check.Check(alignment&(alignment-1) == 0, "alignment is a power of two")

	leftRZ, roundedUser, total, class := layout(size, alignment)
	var base uintptr
	direct := size >= flags.Cur.LargeMalloc || class < 0
	if direct {
		base = a.mmapChunk(total)
	} else {
		base = a.classAlloc(class)
	}
	if base == 0 {
		return 0
	}
	if direct {
		stats.Main.MallocLarge.Add(1)
	}

	userBeg := base + leftRZ
	if alignment > mapping.PageSize {
		userBeg = (userBeg + alignment - 1) &^ (alignment - 1)
	}
	h := hdr(base)
	*h = header{
		magic:      chunkLive,
		allocTID:   tid,
		class:      -1,
		userSize:   size,
		alignment:  alignment,
		totalSize:  total,
		userBeg:    userBeg,
		allocStack: stack,
	}
	if !direct {
		h.class = class
	}
	check.Check(mapping.AddrIsAlignedToGranularity(h.userBeg),
		"user begin is granule-aligned")
	check.Check(h.userBeg%alignment == 0, "user begin honors alignment")
	check.Check(h.userBeg+roundedUser+flags.Cur.Redzone <= base+total,
		"right redzone fits the chunk")

	a.poisonAllocated(h, roundedUser)

	_, clash := a.live.LoadOrStore(h.userBeg, base)
	check.Check(!clash, "at most one live chunk per user begin")
	a.chunksMu.Lock()
	a.chunks.ReplaceOrInsert(h)
	a.chunksMu.Unlock()

	stats.Main.Mallocs.Add(1)
	stats.Main.Malloced.Add(uint64(size))
	stats.Main.MallocedRedzones.Add(uint64(total - size))
	stats.Main.MallocedBySize[stats.Bucket(total)].Add(1)
	return h.userBeg
}

// poisonAllocated stamps the shadow for a freshly carved chunk: left
// redzone magic, user range addressable (with a partial boundary byte
// when the size ends mid-granule), right redzone magic.
func (a *Allocator) poisonAllocated(h *header, roundedUser uintptr) {
	g := mapping.Granularity()
	base := a.base(h)
	shadow.PoisonRegion(base, h.userBeg-base, shadow.HeapLeftRedzone)
	fullUser := h.userSize &^ (g - 1)
	if fullUser > 0 {
		shadow.UnpoisonRegion(h.userBeg, fullUser)
	}
	if tail := h.userSize & (g - 1); tail != 0 {
		shadow.PoisonPartialRightRedzone(mapping.Shadow(h.userBeg+fullUser),
			tail, g, g, shadow.HeapRightRedzone)
	}
	rightBeg := h.userBeg + roundedUser
	shadow.PoisonRegion(rightBeg, base+h.totalSize-rightBeg,
		shadow.HeapRightRedzone)
}

// Deallocate frees the chunk whose user range starts at p.
//
// Invalid and double frees are terminal. Valid frees record the free
// provenance, stamp the whole span HEAP_FREED, and quarantine the
// chunk; the oldest quarantined chunks are truly released once the
// quarantine exceeds its byte budget.
func (a *Allocator) Deallocate(p uintptr, stack stackdepot.ID, tid uint32) {
	if p == 0 {
		return
	}
	if a.isBootstrap(p) {
		// Bootstrap-pool memory is never freed.
		return
	}
	v, ok := a.live.LoadAndDelete(p)
	if !ok {
		a.reportBadFree(p, stack)
		return
	}
	base := v.(uintptr)
	h := hdr(base)
	check.Check(h.magic == chunkLive, "freed chunk was live")
	check.Check(h.userBeg == p, "free pointer matches chunk user begin")

	h.magic = chunkQuarantined
	h.freeTID = tid
	h.freeStack = stack
	shadow.PoisonRegion(base, h.totalSize, shadow.HeapFreed)

	stats.Main.Frees.Add(1)
	stats.Main.Freed.Add(uint64(h.userSize))
	stats.Main.FreedBySize[stats.Bucket(h.totalSize)].Add(1)

	a.quarantine.push(a, h)
}

// Reallocate implements realloc semantics: nil grows from nothing,
// otherwise allocate-copy-free. The old pointer is quarantined like
// any other free, so stale accesses through it keep reporting.
func (a *Allocator) Reallocate(p, size uintptr,
	stack stackdepot.ID, tid uint32) uintptr {
	if p == 0 {
		return a.Allocate(size, 0, stack, tid)
	}
	v, ok := a.live.Load(p)
	if !ok {
		a.reportBadFree(p, stack)
		return 0
	}
	oldSize := hdr(v.(uintptr)).userSize
	np := a.Allocate(size, 0, stack, tid)
	if np == 0 {
		return 0
	}
	n := oldSize
	if size < n {
		n = size
	}
	if n > 0 {
		copy(unsafe.Slice((*byte)(unsafe.Pointer(np)), n),
			unsafe.Slice((*byte)(unsafe.Pointer(p)), n))
	}
	stats.Main.Reallocs.Add(1)
	stats.Main.Realloced.Add(uint64(size))
	a.Deallocate(p, stack, tid)
	return np
}

// UserSize returns the recorded user size of the live chunk at p, or
// 0 when p is not a live user begin.
func (a *Allocator) UserSize(p uintptr) uintptr {
	v, ok := a.live.Load(p)
	if !ok {
		return 0
	}
	return hdr(v.(uintptr)).userSize
}

// reportBadFree handles free/realloc of a pointer that is not a live
// user begin: double-free when the address still resolves to a
// quarantined chunk, invalid-free otherwise. Both are terminal.
func (a *Allocator) reportBadFree(p uintptr, stack stackdepot.ID) {
	kind := "attempting free on address which was not malloc()-ed"
	if h := a.findChunk(p); h != nil && h.magic == chunkQuarantined && h.userBeg == p {
		kind = "attempting double-free"
	}
	check.Out(fmt.Sprintf("==%d== ERROR: AddressSanitizer %s: 0x%x\n",
		unix.Getpid(), kind, p))
	check.Out(stackdepot.FormatID(stack))
	check.Die()
}

// classAlloc pops a chunk base for class c, refilling the class from a
// fresh arena when its freelist is empty.
func (a *Allocator) classAlloc(c int32) uintptr {
	a.classMu[c].Lock()
	defer a.classMu[c].Unlock()
	if len(a.classFree[c]) == 0 {
		chunkSize := uintptr(1) << c
		batch := arenaBatch
		if batch < chunkSize {
			batch = chunkSize
		}
		arena := a.mmapChunk(batch)
		if arena == 0 {
			return 0
		}
		for off := uintptr(0); off+chunkSize <= batch; off += chunkSize {
			a.classFree[c] = append(a.classFree[c], arena+off)
		}
	}
	n := len(a.classFree[c])
	base := a.classFree[c][n-1]
	a.classFree[c] = a.classFree[c][:n-1]
	return base
}

// classRelease returns a chunk base to its class freelist.
func (a *Allocator) classRelease(c int32, base uintptr) {
	a.classMu[c].Lock()
	a.classFree[c] = append(a.classFree[c], base)
	a.classMu[c].Unlock()
}

// mappings remembers the []byte returned by unix.Mmap for each chunk
// base, so direct chunks can be handed back to unix.Munmap when they
// leave the quarantine. Class arenas stay mapped for the life of the
// process and are simply never removed.
var mappings sync.Map // uintptr -> []byte

// mmapChunk obtains length bytes of page-aligned anonymous memory.
var mmapChunk = func(length uintptr) uintptr {
	length = mapping.RoundUpToPage(length)
	mem, err := unix.Mmap(-1, 0, int(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0
	}
	base := uintptr(unsafe.Pointer(&mem[0]))
	mappings.Store(base, mem)
	stats.Main.Mmaps.Add(1)
	stats.Main.Mmaped.Add(uint64(length))
	stats.Main.MmapedBySize[stats.Bucket(length)].Add(1)
	return base
}

func (a *Allocator) mmapChunk(length uintptr) uintptr {
	return mmapChunk(length)
}

// munmapChunk releases a direct mapping.
var munmapChunk = func(base, length uintptr) {
	if v, ok := mappings.LoadAndDelete(base); ok {
		_ = unix.Munmap(v.([]byte))
	}
}

// bootstrapAlloc serves allocations issued before Init from the fixed
// bump pool. The pool is never freed and must fit every pre-Init
// request.
func (a *Allocator) bootstrapAlloc(size uintptr) uintptr {
	a.bootMu.Lock()
	defer a.bootMu.Unlock()
	size = (size + mapping.WordSize - 1) &^ (mapping.WordSize - 1)
	check.Check(a.bootOff+size <= bootstrapPoolSize,
		"bootstrap pool fits pre-init allocations")
	p := uintptr(unsafe.Pointer(&a.bootPool[a.bootOff]))
	a.bootOff += size
	return p
}

func (a *Allocator) isBootstrap(p uintptr) bool {
	beg := uintptr(unsafe.Pointer(&a.bootPool[0]))
	return p >= beg && p < beg+bootstrapPoolSize
}

// findChunk returns the chunk (live or quarantined) whose span
// contains addr, or nil.
func (a *Allocator) findChunk(addr uintptr) *header {
	a.chunksMu.Lock()
	defer a.chunksMu.Unlock()
	return a.findChunkLocked(addr)
}

func (a *Allocator) findChunkLocked(addr uintptr) *header {
	var found *header
	probe := hdr(addr)
	a.chunks.DescendLessOrEqual(probe, func(h *header) bool {
		if addr >= a.base(h) && addr < a.base(h)+h.totalSize {
			found = h
		}
		return false
	})
	return found
}

// dropChunk removes a chunk from the address index once its memory is
// truly released.
func (a *Allocator) dropChunk(h *header) {
	a.chunksMu.Lock()
	a.chunks.Delete(h)
	a.chunksMu.Unlock()
}
