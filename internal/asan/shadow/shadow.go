// Package shadow owns the shadow-memory state: the magic-byte
// alphabet, the poisoning primitives, and the reservation of the
// shadow regions with the OS.
//
// Shadow bytes encode, for each granule of application memory, one of:
//
//	0          all bytes of the granule addressable
//	1..2^k-1   first n bytes addressable, the rest poisoned
//	magic      a redzone or lifetime state (values below)
//
// The magic values are distinct and disjoint from the partial range
// for every supported scale (k <= 7).
package shadow

import (
	"unsafe"

	"github.com/kolkov/addrsanitizer/internal/asan/check"
	"github.com/kolkov/addrsanitizer/internal/asan/flags"
	"github.com/kolkov/addrsanitizer/internal/asan/mapping"
)

// Shadow magic bytes.
const (
	HeapLeftRedzone   byte = 0xfa
	HeapRightRedzone  byte = 0xfb
	HeapFreed         byte = 0xfd
	StackLeftRedzone  byte = 0xf1
	StackMidRedzone   byte = 0xf2
	StackRightRedzone byte = 0xf3
	StackPartial      byte = 0xf4
	StackAfterReturn  byte = 0xf5
	GlobalRedzone     byte = 0xf9
)

// loadByte and storeByte access one shadow byte. They are variables so
// tests can run the poisoning protocol against a simulated shadow
// without mapping the real regions.
var (
	loadByte = func(sh uintptr) byte {
		return *(*byte)(unsafe.Pointer(sh))
	}
	storeByte = func(sh uintptr, v byte) {
		*(*byte)(unsafe.Pointer(sh)) = v
	}
)

// Load reads the shadow byte at shadow address sh.
func Load(sh uintptr) byte {
	return loadByte(sh)
}

// LoadForAddr reads the shadow byte describing application address addr.
func LoadForAddr(addr uintptr) byte {
	return loadByte(mapping.Shadow(addr))
}

// memset writes n shadow bytes starting at sh.
func memset(sh uintptr, n uintptr, v byte) {
	for i := uintptr(0); i < n; i++ {
		storeByte(sh+i, v)
	}
}

// PoisonRegion stamps the shadow of [addr, addr+size) with magic.
// Both addr and size must be granule-aligned.
func PoisonRegion(addr, size uintptr, magic byte) {
	if !flags.Cur.PoisonShadow {
		return
	}
	check.Check(mapping.AddrIsAlignedToGranularity(addr),
		"PoisonRegion: aligned addr")
	check.Check(mapping.AddrIsAlignedToGranularity(size),
		"PoisonRegion: aligned size")
	memset(mapping.Shadow(addr), size>>mapping.Scale, magic)
}

// UnpoisonRegion marks [addr, addr+size) fully addressable. Alignment
// requirements match PoisonRegion.
func UnpoisonRegion(addr, size uintptr) {
	PoisonRegion(addr, size, 0)
}

// PoisonPartialRightRedzone finishes the right redzone of a region
// whose user bytes end mid-granule.
//
// sh is the shadow address of the first granule at or after the user
// tail; userTail is the number of user bytes in [0, alignment) beyond
// the last fully-addressable granule; alignment is the distance (in
// application bytes) covered by the shadow range being written; and
// granularity is 2^k. The granule containing the tail gets the partial
// count, every granule after it gets magic.
func PoisonPartialRightRedzone(sh uintptr, userTail, alignment,
	granularity uintptr, magic byte) {
	if !flags.Cur.PoisonShadow {
		return
	}
	check.Check(granularity == mapping.Granularity(),
		"PoisonPartialRightRedzone: granularity matches mapping")
	for i := uintptr(0); i*granularity < alignment; i++ {
		switch {
		case userTail >= (i+1)*granularity:
			// Granule fully addressable.
			storeByte(sh+i, 0)
		case userTail > i*granularity:
			// Boundary granule: partial count.
			storeByte(sh+i, byte(userTail-i*granularity))
		default:
			storeByte(sh+i, magic)
		}
	}
}

// SetMemoryForTesting replaces the shadow byte accessors and returns a
// function restoring the previous pair. Tests back the shadow with a
// sparse map so no real regions are required.
func SetMemoryForTesting(load func(uintptr) byte,
	store func(uintptr, byte)) (restore func()) {
	prevLoad, prevStore := loadByte, storeByte
	loadByte, storeByte = load, store
	return func() {
		loadByte, storeByte = prevLoad, prevStore
	}
}
