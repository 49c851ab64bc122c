package thread

import (
	"testing"

	"github.com/kolkov/addrsanitizer/internal/asan/mapping"
	"github.com/kolkov/addrsanitizer/internal/asan/shadow"
)

const (
	stackBottom = uintptr(0x100080000000)
	stackTop    = stackBottom + 1<<20
)

func installFakeShadow(t *testing.T) map[uintptr]byte {
	t.Helper()
	bytes := make(map[uintptr]byte)
	restore := shadow.SetMemoryForTesting(
		func(sh uintptr) byte { return bytes[sh] },
		func(sh uintptr, v byte) { bytes[sh] = v },
	)
	t.Cleanup(restore)
	return bytes
}

// TestCreateAndFind verifies tid assignment and stack-address lookup.
func TestCreateAndFind(t *testing.T) {
	r := &Registry{}
	main := r.Create(0, 0)
	if main.TID != 0 {
		t.Fatalf("first summary TID = %d, want 0", main.TID)
	}
	child := r.Create(main.TID, 0)
	if child.TID != 1 || child.ParentTID != 0 {
		t.Fatalf("child TID/parent = %d/%d, want 1/0", child.TID, child.ParentTID)
	}
	child.SetStackBounds(stackBottom, stackTop)

	if got := r.FindByStackAddress(stackBottom + 100); got != child {
		t.Errorf("FindByStackAddress landed on %v, want the child summary", got)
	}
	if got := r.FindByStackAddress(stackTop + 100); got != nil {
		t.Errorf("FindByStackAddress(outside) = %v, want nil", got)
	}
	if got := r.ByTID(1); got != child {
		t.Errorf("ByTID(1) = %v, want the child summary", got)
	}
}

// TestCurrentSummary verifies SetCurrent/Current on this goroutine.
func TestCurrentSummary(t *testing.T) {
	r := &Registry{}
	s := r.Create(0, 0)
	if r.Current() != nil {
		t.Fatal("Current() non-nil before SetCurrent")
	}
	r.SetCurrent(s)
	if r.Current() != s {
		t.Error("Current() does not return the installed summary")
	}
	if r.CurrentTID() != s.TID {
		t.Errorf("CurrentTID() = %d, want %d", r.CurrentTID(), s.TID)
	}
}

// TestFrameLookup verifies descriptor registration and the
// greatest-base-not-above resolution.
func TestFrameLookup(t *testing.T) {
	r := &Registry{}
	s := r.Create(0, 0)
	s.SetStackBounds(stackBottom, stackTop)
	outer := stackBottom + 0x8000
	inner := stackBottom + 0x4000 // deeper frame, lower address
	s.RegisterFrame(outer, "outer 1 16 8 1 x")
	s.RegisterFrame(inner, "inner 1 16 8 1 y")

	descr, off, ok := s.GetFrameNameByAddr(inner + 24)
	if !ok {
		t.Fatal("no frame for inner address")
	}
	if descr != "inner 1 16 8 1 y" || off != 24 {
		t.Errorf("got %q offset %d, want inner descriptor offset 24", descr, off)
	}

	descr, _, ok = s.GetFrameNameByAddr(outer + 8)
	if !ok || descr != "outer 1 16 8 1 x" {
		t.Errorf("outer lookup got %q ok=%v", descr, ok)
	}

	s.UnregisterFrame(inner)
	descr, _, ok = s.GetFrameNameByAddr(inner + 24)
	if !ok || descr != "outer 1 16 8 1 x" {
		t.Errorf("after unregister got %q ok=%v, want fallback to outer", descr, ok)
	}

	if _, _, ok := s.GetFrameNameByAddr(stackTop + 8); ok {
		t.Error("frame resolved for an address off the stack")
	}
}

// TestUnpoisonFromSP verifies the unwind notifier clears the shadow
// between the jump point and the stack top.
func TestUnpoisonFromSP(t *testing.T) {
	bytes := installFakeShadow(t)
	r := &Registry{}
	s := r.Create(0, 0)
	s.SetStackBounds(stackBottom, stackTop)
	r.SetCurrent(s)

	// Poison a band in the middle of the stack, as live frames would.
	bandBeg := stackBottom + 1<<16
	shadow.PoisonRegion(bandBeg, 256, shadow.StackMidRedzone)

	sp := bandBeg - mapping.PageSize // jumping past the poisoned band
	r.UnpoisonFromSP(sp)

	for i := uintptr(0); i < 256>>mapping.Scale; i++ {
		if got := bytes[mapping.Shadow(bandBeg)+i]; got != 0 {
			t.Fatalf("shadow byte %d still 0x%02x after unwind unpoison", i, got)
		}
	}
}

// TestUnpoisonFromSPNoSummary verifies the notifier is a no-op without
// a current summary.
func TestUnpoisonFromSPNoSummary(t *testing.T) {
	installFakeShadow(t)
	r := &Registry{}
	r.UnpoisonFromSP(stackBottom) // must not panic
}
