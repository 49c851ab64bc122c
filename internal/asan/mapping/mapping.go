// Package mapping implements the shadow-memory address arithmetic.
//
// Every 2^Scale bytes of application memory are described by one shadow
// byte located at Shadow(addr) = (addr >> Scale) + Offset. The address
// space is carved into five regions:
//
//	[HighMemBeg,    HighMemEnd]    application high memory
//	[HighShadowBeg, HighShadowEnd] shadow of high memory
//	[GapBeg,        GapEnd]        protected gap (PROT_NONE)
//	[LowShadowBeg,  LowShadowEnd]  shadow of low memory
//	[0,             LowMemEnd]     application low memory
//
// The mapping is self-consistent: the shadow of an application address
// lands in a shadow region, and the shadow of a shadow address lands in
// the gap. The gap is never legitimately accessed, so a wild load from
// it faults immediately.
//
// Scale and Offset are variables rather than constants so that the
// values can be published to instrumented code and overridden before
// Init for testing. Region bounds are derived; call Recompute after
// changing either value.
package mapping

// Defaults for linux/amd64: one shadow byte per 8 application bytes,
// shadow placed at the classic 0x7fff8000 offset.
const (
	DefaultScale  uintptr = 3
	DefaultOffset uintptr = 0x00007fff8000

	// PageSize is the assumed OS page size.
	PageSize uintptr = 4096

	// WordSize is the machine word size in bytes.
	WordSize uintptr = 8
)

// Scale is the shadow scale k. One shadow byte covers 2^Scale
// application bytes. Valid range is [3, 7].
var Scale = DefaultScale

// Offset is the shadow offset O added after shifting.
var Offset = DefaultOffset

// Derived region bounds. All Beg/End pairs are inclusive.
var (
	LowMemBeg     uintptr
	LowMemEnd     uintptr
	LowShadowBeg  uintptr
	LowShadowEnd  uintptr
	GapBeg        uintptr
	GapEnd        uintptr
	HighShadowBeg uintptr
	HighShadowEnd uintptr
	HighMemBeg    uintptr
	HighMemEnd    uintptr
)

func init() {
	Recompute()
}

// Recompute rederives the region bounds from Scale and Offset.
//
// The derivation follows the canonical layout: low memory ends where
// the low shadow begins (at Offset); high memory occupies the top of
// the 47-bit user address space; the boundary between gap and high
// shadow is chosen so that Shadow maps each memory region exactly onto
// its shadow region.
func Recompute() {
	LowMemBeg = 0
	LowMemEnd = Offset - 1
	LowShadowBeg = Offset
	LowShadowEnd = Shadow(LowMemEnd)

	HighMemEnd = (uintptr(1) << 47) - 1
	HighMemBeg = Shadow(HighMemEnd) + 1
	HighShadowBeg = Shadow(HighMemBeg)
	HighShadowEnd = Shadow(HighMemEnd)

	GapBeg = LowShadowEnd + 1
	GapEnd = HighShadowBeg - 1
}

// Granularity returns the number of application bytes covered by one
// shadow byte (2^Scale).
func Granularity() uintptr {
	return uintptr(1) << Scale
}

// Shadow translates an application address to the address of its
// shadow byte. The caller must classify addr first: computing the
// shadow of a non-application address is meaningful only for
// addresses in a shadow region, where the result lands in the gap.
func Shadow(addr uintptr) uintptr {
	return (addr >> Scale) + Offset
}

// AddrIsInLowMem reports whether addr is in the low application region.
func AddrIsInLowMem(addr uintptr) bool {
	return addr <= LowMemEnd
}

// AddrIsInHighMem reports whether addr is in the high application region.
func AddrIsInHighMem(addr uintptr) bool {
	return addr >= HighMemBeg && addr <= HighMemEnd
}

// AddrIsInMem reports whether addr is application memory (low or high).
func AddrIsInMem(addr uintptr) bool {
	return AddrIsInLowMem(addr) || AddrIsInHighMem(addr)
}

// AddrIsInLowShadow reports whether addr is in the low shadow region.
func AddrIsInLowShadow(addr uintptr) bool {
	return addr >= LowShadowBeg && addr <= LowShadowEnd
}

// AddrIsInHighShadow reports whether addr is in the high shadow region.
func AddrIsInHighShadow(addr uintptr) bool {
	return addr >= HighShadowBeg && addr <= HighShadowEnd
}

// AddrIsInShadow reports whether addr is in either shadow region.
func AddrIsInShadow(addr uintptr) bool {
	return AddrIsInLowShadow(addr) || AddrIsInHighShadow(addr)
}

// AddrIsInGap reports whether addr is in the protected gap.
func AddrIsInGap(addr uintptr) bool {
	return addr >= GapBeg && addr <= GapEnd
}

// AddrIsAlignedToGranularity reports whether addr is a multiple of the
// shadow granularity.
func AddrIsAlignedToGranularity(addr uintptr) bool {
	return addr&(Granularity()-1) == 0
}

// RoundUpToGranularity rounds size up to a multiple of the shadow
// granularity.
func RoundUpToGranularity(size uintptr) uintptr {
	g := Granularity()
	return (size + g - 1) &^ (g - 1)
}

// RoundDownToPage rounds addr down to a page boundary.
func RoundDownToPage(addr uintptr) uintptr {
	return addr &^ (PageSize - 1)
}

// RoundUpToPage rounds addr up to a page boundary.
func RoundUpToPage(addr uintptr) uintptr {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}
