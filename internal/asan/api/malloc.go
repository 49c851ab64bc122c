package api

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kolkov/addrsanitizer/internal/asan/allocator"
	"github.com/kolkov/addrsanitizer/internal/asan/check"
	"github.com/kolkov/addrsanitizer/internal/asan/mapping"
	"github.com/kolkov/addrsanitizer/internal/asan/thread"
)

// Malloc allocates size bytes with default alignment. Returns 0 on
// allocator exhaustion, per the wrapped symbol's contract.
func Malloc(size uintptr) uintptr {
	return allocator.Main.Allocate(size, 0, mallocStack(),
		thread.Main.CurrentTID())
}

// Calloc allocates nmemb*size zeroed bytes. Pre-Init calls are served
// from the bootstrap pool, which is zero by construction; this is the
// path the dynamic-linker analog hits while the real symbols resolve.
func Calloc(nmemb, size uintptr) uintptr {
	total := nmemb * size
	if nmemb != 0 && total/nmemb != size {
		return 0
	}
	p := allocator.Main.Allocate(total, 0, mallocStack(),
		thread.Main.CurrentTID())
	if p != 0 && total > 0 {
		clear(unsafe.Slice((*byte)(unsafe.Pointer(p)), total))
	}
	return p
}

// Realloc resizes the allocation at p.
func Realloc(p, size uintptr) uintptr {
	return allocator.Main.Reallocate(p, size, mallocStack(),
		thread.Main.CurrentTID())
}

// Memalign allocates size bytes aligned to boundary (0 means default).
func Memalign(boundary, size uintptr) uintptr {
	return allocator.Main.Allocate(size, boundary, mallocStack(),
		thread.Main.CurrentTID())
}

// PosixMemalign follows the posix_memalign contract: EINVAL for a bad
// alignment, ENOMEM for exhaustion, 0 with the pointer on success.
func PosixMemalign(alignment, size uintptr) (uintptr, unix.Errno) {
	if alignment%mapping.WordSize != 0 || alignment&(alignment-1) != 0 ||
		alignment == 0 {
		return 0, unix.EINVAL
	}
	p := allocator.Main.Allocate(size, alignment, mallocStack(),
		thread.Main.CurrentTID())
	if p == 0 {
		return 0, unix.ENOMEM
	}
	return p, 0
}

// Valloc allocates page-aligned memory.
func Valloc(size uintptr) uintptr {
	return allocator.Main.Allocate(size, mapping.PageSize, mallocStack(),
		thread.Main.CurrentTID())
}

// Pvalloc allocates page-aligned memory rounded up to whole pages.
func Pvalloc(size uintptr) uintptr {
	return allocator.Main.Allocate(mapping.RoundUpToPage(size),
		mapping.PageSize, mallocStack(), thread.Main.CurrentTID())
}

// Free releases the allocation at p. Free of nil is a no-op.
func Free(p uintptr) {
	if p == 0 {
		return
	}
	allocator.Main.Deallocate(p, mallocStack(), thread.Main.CurrentTID())
}

// New is the throwing operator-new analog: exhaustion is terminal.
func New(size uintptr) uintptr {
	p := allocator.Main.Allocate(size, 0, mallocStack(),
		thread.Main.CurrentTID())
	check.Check(p != 0, "operator new never returns nil")
	return p
}

// NewArray is New for array form.
func NewArray(size uintptr) uintptr {
	return New(size)
}

// NewNothrow is the nothrow operator-new analog: returns 0 on
// exhaustion.
func NewNothrow(size uintptr) uintptr {
	return Malloc(size)
}

// Delete and DeleteArray release operator-new memory.
func Delete(p uintptr)      { Free(p) }
func DeleteArray(p uintptr) { Free(p) }

// MallocUsableSize returns the user size of the live allocation at p,
// or 0 for anything else.
func MallocUsableSize(p uintptr) uintptr {
	return allocator.Main.UserSize(p)
}

func addrOf(p *byte) uintptr {
	return uintptr(unsafe.Pointer(p))
}
