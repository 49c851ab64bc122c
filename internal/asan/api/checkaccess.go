package api

import (
	"math/bits"

	"github.com/kolkov/addrsanitizer/internal/asan/mapping"
	"github.com/kolkov/addrsanitizer/internal/asan/report"
	"github.com/kolkov/addrsanitizer/internal/asan/shadow"
)

// Read is the instrumented-load check: verify the shadow for
// [addr, addr+size) and report on the first poisoned byte. This is
// the hot path; it does nothing but shadow compares until a violation
// is found.
func Read(addr, size uintptr) {
	if bad, ok := findPoisoned(addr, size); ok {
		reportAccess(bad, size, false)
	}
}

// Write is the instrumented-store check.
func Write(addr, size uintptr) {
	if bad, ok := findPoisoned(addr, size); ok {
		reportAccess(bad, size, true)
	}
}

// findPoisoned scans the access span granule by granule and returns
// the first inaccessible address. A nonzero shadow byte below the
// granularity is a partial count: the first n bytes of the granule
// are addressable.
func findPoisoned(addr, size uintptr) (uintptr, bool) {
	if !inited || size == 0 {
		return 0, false
	}
	if !mapping.AddrIsInMem(addr) {
		return addr, true
	}
	g := mapping.Granularity()
	end := addr + size
	for a := addr; a < end; a = (a &^ (g - 1)) + g {
		sb := shadow.LoadForAddr(a)
		if sb == 0 {
			continue
		}
		// Bytes of this granule touched by the access: [a&(g-1), last].
		last := end - 1
		if last > (a|(g-1)) {
			last = a | (g - 1)
		}
		if sb < byte(g) && byte(last&(g-1)) < sb {
			continue
		}
		off := a
		if first := a & (g - 1); sb >= 1 && sb < byte(g) && first < uintptr(sb) {
			// The granule's accessible prefix covers the start of this
			// piece; the violation begins at the partial boundary.
			off = (a &^ (g - 1)) + uintptr(sb)
		}
		return off, true
	}
	return 0, false
}

// reportAccess encodes the access and enters the reporter with the
// caller's approximate frame state.
func reportAccess(addr, size uintptr, isWrite bool) {
	code := uint32(bits.Len64(uint64(size)) - 1)
	if isWrite {
		code |= 8
	}
	var local byte
	sp := addrOf(&local)
	report.Error(callerPC(), sp, sp, addr, code)
}

// ReportError is the explicit instrumentation entry for a failed
// shadow check, used where a call is preferred over a ud2 trap. code
// encodes log2(size) in the low bits and the write bit at 8; valid
// codes are 0..4 and 8..12.
func ReportError(code uint32, addr uintptr) {
	var local byte
	sp := addrOf(&local)
	report.Error(callerPC(), sp, sp, addr, code)
}
