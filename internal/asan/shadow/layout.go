package shadow

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/kolkov/addrsanitizer/internal/asan/check"
	"github.com/kolkov/addrsanitizer/internal/asan/logging"
	"github.com/kolkov/addrsanitizer/internal/asan/mapping"
)

// LazyChunkSize is the span mapped around a faulting shadow address in
// lazy mode: 1024 pages, 4 MiB.
const LazyChunkSize = mapping.PageSize << 10

// mmapFixed backs [beg, end] (inclusive, page-aligned bounds) with an
// anonymous fixed mapping of the given protection.
//
// unix.Mmap cannot request a placement, so the fixed-address case goes
// through the raw mmap syscall; nothing may wrap a reservation that
// must land exactly on the computed shadow ranges.
var mmapFixed = func(beg, end uintptr, prot int) error {
	check.Check(beg%mapping.PageSize == 0, "mmapFixed: page-aligned beg")
	check.Check((end+1)%mapping.PageSize == 0, "mmapFixed: page-aligned end")
	length := end - beg + 1
	res, _, errno := unix.Syscall6(unix.SYS_MMAP, beg, length, uintptr(prot),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED|unix.MAP_NORESERVE),
		^uintptr(0), 0)
	if errno != 0 {
		return fmt.Errorf("mmap [0x%x, 0x%x]: %w", beg, end, errno)
	}
	check.Check(res == beg, "mmapFixed: kernel honored MAP_FIXED")
	return nil
}

// outOfMemory prints the startup OOM message and aborts. Shadow
// reservation failure is not survivable.
func outOfMemory(memType string, beg, end uintptr, err error) {
	check.Out(fmt.Sprintf(
		"==%d== ERROR: AddressSanitizer failed to allocate 0x%x (%d) bytes of %s: %v\n",
		unix.Getpid(), end-beg+1, end-beg+1, memType, err))
	check.Die()
}

// MapRegions reserves the shadow with the OS.
//
// Eager mode maps both shadow regions read-write up front. Lazy mode
// maps nothing; shadow pages are faulted in by MapLazyChunk from the
// SIGSEGV handler. In both modes the gap is made PROT_NONE so that any
// stray access to it (including the shadow of a shadow address) traps.
func MapRegions(lazy bool) {
	if !lazy {
		if mapping.LowShadowBeg != mapping.LowShadowEnd {
			// The extra leading page absorbs shadow computed for
			// addresses just below the region.
			beg := mapping.LowShadowBeg - mapping.PageSize
			end := mapping.RoundUpToPage(mapping.LowShadowEnd+1) - 1
			if err := mmapFixed(beg, end, unix.PROT_READ|unix.PROT_WRITE); err != nil {
				outOfMemory("LowShadow", beg, end, err)
			}
		}
		beg := mapping.RoundDownToPage(mapping.HighShadowBeg)
		end := mapping.RoundUpToPage(mapping.HighShadowEnd+1) - 1
		if err := mmapFixed(beg, end, unix.PROT_READ|unix.PROT_WRITE); err != nil {
			outOfMemory("HighShadow", beg, end, err)
		}
	}
	gapBeg := mapping.RoundDownToPage(mapping.GapBeg)
	gapEnd := mapping.RoundUpToPage(mapping.GapEnd+1) - 1
	if err := mmapFixed(gapBeg, gapEnd, unix.PROT_NONE); err != nil {
		outOfMemory("ShadowGap", gapBeg, gapEnd, err)
	}
	logging.Debugf("shadow mapped (lazy=%v)", lazy)
}

// MapLazyChunk backs the LazyChunkSize-aligned chunk containing the
// faulting shadow address sh. Called from the SIGSEGV path in lazy
// mode; returns false if sh is not a shadow address.
func MapLazyChunk(sh uintptr) bool {
	if !mapping.AddrIsInShadow(sh) {
		return false
	}
	chunk := sh &^ (LazyChunkSize - 1)
	if err := mmapFixed(chunk, chunk+LazyChunkSize-1,
		unix.PROT_READ|unix.PROT_WRITE); err != nil {
		outOfMemory("LazyShadowChunk", chunk, chunk+LazyChunkSize-1, err)
	}
	logging.Debugf("lazy shadow chunk mapped at 0x%x", chunk)
	return true
}

// SetMmapForTesting replaces the fixed-mapping primitive and returns a
// restore function.
func SetMmapForTesting(f func(beg, end uintptr, prot int) error) (restore func()) {
	prev := mmapFixed
	mmapFixed = f
	return func() { mmapFixed = prev }
}
