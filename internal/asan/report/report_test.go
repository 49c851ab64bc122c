package report

import (
	"strings"
	"testing"

	"github.com/kolkov/addrsanitizer/internal/asan/allocator"
	"github.com/kolkov/addrsanitizer/internal/asan/check"
	"github.com/kolkov/addrsanitizer/internal/asan/flags"
	"github.com/kolkov/addrsanitizer/internal/asan/globals"
	"github.com/kolkov/addrsanitizer/internal/asan/mapping"
	"github.com/kolkov/addrsanitizer/internal/asan/shadow"
	"github.com/kolkov/addrsanitizer/internal/asan/thread"
)

func setup(t *testing.T) (*strings.Builder, map[uintptr]byte) {
	t.Helper()
	flags.Cur = flags.Defaults()
	bytes := make(map[uintptr]byte)
	restoreShadow := shadow.SetMemoryForTesting(
		func(sh uintptr) byte { return bytes[sh] },
		func(sh uintptr, v byte) { bytes[sh] = v },
	)
	var buf strings.Builder
	prevOut := Out
	Out = &buf
	globals.Main.Reset()
	thread.Main.Reset()
	allocator.Main.Reset()
	allocator.Main.Inited = true
	t.Cleanup(func() {
		Out = prevOut
		restoreShadow()
	})
	return &buf, bytes
}

// runReport invokes f expecting the terminal report path, returning
// whether the runtime aborted.
func runReport(t *testing.T, f func()) (aborted bool) {
	t.Helper()
	restore := check.SetAbortForTesting(func() { panic("asan-abort") })
	defer func() {
		check.SetAbortForTesting(restore)
		if r := recover(); r != nil {
			if r != "asan-abort" {
				panic(r)
			}
			aborted = true
		}
	}()
	f()
	return false
}

// TestHeapOverflowReport covers the S1 shape: read one past a 10-byte
// allocation.
func TestHeapOverflowReport(t *testing.T) {
	buf, _ := setup(t)
	p := allocator.Main.Allocate(10, 0, 0, 0)
	if p == 0 {
		t.Fatal("allocation failed")
	}
	if !runReport(t, func() { Error(0x1234, 0, 0, p+10, 0) }) {
		t.Fatal("report did not abort")
	}
	out := buf.String()
	for _, want := range []string{
		"ERROR: AddressSanitizer heap-buffer-overflow on address",
		"READ of size 1",
		"0 bytes to the right of 10-byte region",
		"==",
		"ABORTING",
		"Shadow byte and word:",
		"=>",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

// TestUseAfterFreeReport covers the S2 shape: both stacks printed.
func TestUseAfterFreeReport(t *testing.T) {
	buf, _ := setup(t)
	p := allocator.Main.Allocate(40, 0, 0, 0)
	allocator.Main.Deallocate(p, 0, 1)
	if !runReport(t, func() { Error(0, 0, 0, p, 8|3) }) {
		t.Fatal("report did not abort")
	}
	out := buf.String()
	for _, want := range []string{
		"heap-use-after-free",
		"WRITE of size 8",
		"freed by thread T1 here:",
		"previously allocated by thread T0 here:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

// TestGlobalOverflowReport covers the S3 shape.
func TestGlobalOverflowReport(t *testing.T) {
	buf, _ := setup(t)
	const g = uintptr(0x100090000000)
	globals.Main.Register(g, 5, "g")
	if !runReport(t, func() { Error(0, 0, 0, g+5, 8|0) }) {
		t.Fatal("report did not abort")
	}
	out := buf.String()
	for _, want := range []string{
		"global-buffer-overflow",
		"WRITE of size 1",
		"0 bytes to the right of global 'g'",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

// TestStackOverflowReport covers the S4 shape: frame description with
// both objects listed.
func TestStackOverflowReport(t *testing.T) {
	buf, _ := setup(t)
	const bottom = uintptr(0x1000a0000000)
	s := thread.Main.Create(0, 0)
	s.SetStackBounds(bottom, bottom+1<<20)
	frameBase := bottom + 0x1000
	s.RegisterFrame(frameBase, "victim 2 16 8 1 a 32 8 1 b")
	addr := frameBase + 24 // one past object a
	shadow.PoisonRegion(addr&^7, 8, shadow.StackMidRedzone)
	if !runReport(t, func() { Error(0, 0, 0, addr, 8|0) }) {
		t.Fatal("report did not abort")
	}
	out := buf.String()
	for _, want := range []string{
		"stack-buffer-overflow",
		"is located at offset 24 in frame <victim>",
		"This frame has 2 object(s):",
		"[16, 24) 'a'",
		"[32, 40) 'b'",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

// TestThreadAnnounce verifies a non-main thread's creation provenance
// appears in the stack description.
func TestThreadAnnounce(t *testing.T) {
	buf, _ := setup(t)
	const bottom = uintptr(0x1000b0000000)
	_ = thread.Main.Create(0, 0) // main
	child := thread.Main.Create(0, 0)
	child.SetStackBounds(bottom, bottom+1<<20)
	frameBase := bottom + 0x1000
	child.RegisterFrame(frameBase, "worker 1 16 8 1 x")
	addr := frameBase + 8
	shadow.PoisonRegion(addr&^7, 8, shadow.StackRightRedzone)
	if !runReport(t, func() { Error(0, 0, 0, addr, 0) }) {
		t.Fatal("report did not abort")
	}
	if !strings.Contains(buf.String(), "Thread T1 created by T0 here:") {
		t.Errorf("thread announce missing:\n%s", buf.String())
	}
}

// TestUnknownCrash covers the minimal report.
func TestUnknownCrash(t *testing.T) {
	buf, _ := setup(t)
	if !runReport(t, func() { UnknownCrash(0xdead, 1, 2, 3, 4) }) {
		t.Fatal("unknown crash did not abort")
	}
	out := buf.String()
	if !strings.Contains(out, "crashed on unknown address 0xdead") ||
		!strings.Contains(out, "can not provide additional info") {
		t.Errorf("unknown-crash report malformed:\n%s", out)
	}
}

// TestClassify covers the magic-to-bug mapping, including the
// partial-byte indirection.
func TestClassify(t *testing.T) {
	_, bytes := setup(t)
	const a = uintptr(0x1000c0000000)
	cases := []struct {
		name  string
		setup func()
		want  string
	}{
		{"freed", func() { bytes[mapping.Shadow(a)] = shadow.HeapFreed }, "heap-use-after-free"},
		{"left-rz", func() { bytes[mapping.Shadow(a)] = shadow.HeapLeftRedzone }, "heap-buffer-overflow"},
		{"stack-underflow", func() { bytes[mapping.Shadow(a)] = shadow.StackLeftRedzone }, "stack-buffer-underflow"},
		{"after-return", func() { bytes[mapping.Shadow(a)] = shadow.StackAfterReturn }, "stack-use-after-return"},
		{"partial-then-right", func() {
			bytes[mapping.Shadow(a)] = 4
			bytes[mapping.Shadow(a)+1] = shadow.HeapRightRedzone
		}, "heap-buffer-overflow"},
		{"clean", func() { bytes[mapping.Shadow(a)] = 0 }, "unknown-crash"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.setup()
			if got := classify(a); got != tc.want {
				t.Errorf("classify = %q, want %q", got, tc.want)
			}
		})
	}
}
