package shadow

import (
	"testing"

	"github.com/kolkov/addrsanitizer/internal/asan/mapping"
)

// fakeShadow backs the shadow with a sparse map so the poisoning
// protocol can run without OS mappings.
type fakeShadow struct {
	bytes map[uintptr]byte
}

func installFakeShadow(t *testing.T) *fakeShadow {
	t.Helper()
	fs := &fakeShadow{bytes: make(map[uintptr]byte)}
	restore := SetMemoryForTesting(
		func(sh uintptr) byte { return fs.bytes[sh] },
		func(sh uintptr, v byte) { fs.bytes[sh] = v },
	)
	t.Cleanup(restore)
	return fs
}

// appAddr is a granule-aligned address in high application memory.
const appAddr = uintptr(0x100080000000)

// TestPoisonRegion verifies the full-region stamp.
func TestPoisonRegion(t *testing.T) {
	fs := installFakeShadow(t)
	PoisonRegion(appAddr, 64, HeapLeftRedzone)
	sh := mapping.Shadow(appAddr)
	for i := uintptr(0); i < 8; i++ {
		if got := fs.bytes[sh+i]; got != HeapLeftRedzone {
			t.Errorf("shadow[%d] = 0x%02x, want 0x%02x", i, got, HeapLeftRedzone)
		}
	}
	if _, ok := fs.bytes[sh+8]; ok {
		t.Error("PoisonRegion wrote past size>>scale bytes")
	}
}

// TestUnpoisonRegion verifies unpoisoning is writing zero.
func TestUnpoisonRegion(t *testing.T) {
	fs := installFakeShadow(t)
	PoisonRegion(appAddr, 32, HeapFreed)
	UnpoisonRegion(appAddr, 32)
	sh := mapping.Shadow(appAddr)
	for i := uintptr(0); i < 4; i++ {
		if got := fs.bytes[sh+i]; got != 0 {
			t.Errorf("shadow[%d] = 0x%02x after unpoison, want 0", i, got)
		}
	}
}

// TestPoisonPartialRightRedzone exercises the boundary-byte encoding
// for user tails that end mid-granule.
func TestPoisonPartialRightRedzone(t *testing.T) {
	cases := []struct {
		name     string
		userTail uintptr
		span     uintptr
		want     []byte
	}{
		{"tail3", 3, 32, []byte{3, GlobalRedzone, GlobalRedzone, GlobalRedzone}},
		{"tail8", 8, 32, []byte{0, GlobalRedzone, GlobalRedzone, GlobalRedzone}},
		{"tail13", 13, 32, []byte{0, 5, GlobalRedzone, GlobalRedzone}},
		{"tail0", 0, 16, []byte{GlobalRedzone, GlobalRedzone}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs := installFakeShadow(t)
			sh := mapping.Shadow(appAddr)
			PoisonPartialRightRedzone(sh, tc.userTail, tc.span,
				mapping.Granularity(), GlobalRedzone)
			for i, want := range tc.want {
				if got := fs.bytes[sh+uintptr(i)]; got != want {
					t.Errorf("shadow[%d] = 0x%02x, want 0x%02x", i, got, want)
				}
			}
		})
	}
}

// TestMagicValuesDisjoint verifies the magic alphabet never collides
// with partial-addressability counts at the largest scale.
func TestMagicValuesDisjoint(t *testing.T) {
	magics := []byte{
		HeapLeftRedzone, HeapRightRedzone, HeapFreed,
		StackLeftRedzone, StackMidRedzone, StackRightRedzone,
		StackPartial, StackAfterReturn, GlobalRedzone,
	}
	seen := map[byte]bool{}
	for _, m := range magics {
		if m < 1<<7 {
			t.Errorf("magic 0x%02x collides with partial range", m)
		}
		if seen[m] {
			t.Errorf("magic 0x%02x duplicated", m)
		}
		seen[m] = true
	}
}
