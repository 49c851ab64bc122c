package api

import (
	"strings"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kolkov/addrsanitizer/internal/asan/allocator"
	"github.com/kolkov/addrsanitizer/internal/asan/check"
	"github.com/kolkov/addrsanitizer/internal/asan/flags"
	"github.com/kolkov/addrsanitizer/internal/asan/mapping"
	"github.com/kolkov/addrsanitizer/internal/asan/report"
	"github.com/kolkov/addrsanitizer/internal/asan/shadow"
	"github.com/kolkov/addrsanitizer/internal/asan/thread"
)

// setup prepares a fake-shadow runtime without mapping real regions
// or installing signal handlers.
func setup(t *testing.T) map[uintptr]byte {
	t.Helper()
	flags.Cur = flags.Defaults()
	bytes := make(map[uintptr]byte)
	restore := shadow.SetMemoryForTesting(
		func(sh uintptr) byte { return bytes[sh] },
		func(sh uintptr, v byte) { bytes[sh] = v },
	)
	allocator.Main.Reset()
	allocator.Main.Inited = true
	thread.Main.Reset()
	prevInited := inited
	inited = true
	t.Cleanup(func() {
		inited = prevInited
		allocator.Main.Inited = false
		restore()
	})
	return bytes
}

func expectAbort(t *testing.T, f func()) (aborted bool) {
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

// TestFindPoisoned covers the shadow-check fast path against
// hand-written shadow patterns.
func TestFindPoisoned(t *testing.T) {
	bytes := setup(t)
	const a = uintptr(0x1000d0000000)
	// Layout: granule 0 fully addressable, granule 1 partial (5),
	// granule 2 redzone.
	bytes[mapping.Shadow(a)] = 0
	bytes[mapping.Shadow(a)+1] = 5
	bytes[mapping.Shadow(a)+2] = shadow.HeapRightRedzone

	cases := []struct {
		name string
		addr uintptr
		size uintptr
		bad  bool
	}{
		{"full-granule", a, 8, false},
		{"into-partial-ok", a + 8, 5, false},
		{"into-partial-bad", a + 8, 6, true},
		{"cross-ok", a + 4, 8, false},
		{"cross-bad", a + 4, 10, true},
		{"tail-byte-ok", a + 12, 1, false},
		{"first-poisoned-byte", a + 13, 1, true},
		{"redzone", a + 16, 1, true},
		{"zero-size", a + 16, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bad, got := findPoisoned(tc.addr, tc.size)
			if got != tc.bad {
				t.Fatalf("findPoisoned(0x%x, %d) poisoned=%v, want %v",
					tc.addr, tc.size, got, tc.bad)
			}
			if got && (bad < tc.addr || bad >= tc.addr+tc.size) {
				t.Errorf("violation address 0x%x outside access [0x%x, 0x%x)",
					bad, tc.addr, tc.addr+tc.size)
			}
		})
	}
}

// TestReadWriteReport verifies a poisoned access reaches the reporter
// with the right direction and size.
func TestReadWriteReport(t *testing.T) {
	setup(t)
	var buf strings.Builder
	prev := report.Out
	report.Out = &buf
	defer func() { report.Out = prev }()

	p := allocator.Main.Allocate(10, 0, 0, 0)
	if p == 0 {
		t.Fatal("allocation failed")
	}
	if !expectAbort(t, func() { Read(p+10, 1) }) {
		t.Fatal("poisoned read did not report")
	}
	out := buf.String()
	if !strings.Contains(out, "heap-buffer-overflow") ||
		!strings.Contains(out, "READ of size 1") {
		t.Errorf("read report malformed:\n%s", out)
	}

	buf.Reset()
	if !expectAbort(t, func() { Write(p+10, 4) }) {
		t.Fatal("poisoned write did not report")
	}
	if !strings.Contains(buf.String(), "WRITE of size 4") {
		t.Errorf("write report malformed:\n%s", buf.String())
	}
}

// TestCleanAccessSilent verifies in-bounds accesses never report.
func TestCleanAccessSilent(t *testing.T) {
	setup(t)
	p := allocator.Main.Allocate(10, 0, 0, 0)
	Read(p, 8)
	Write(p+8, 2)
	Read(p+9, 1)
}

// TestChecksInertBeforeInit verifies the fast path is a no-op until
// Init completes.
func TestChecksInertBeforeInit(t *testing.T) {
	setup(t)
	inited = false
	Read(0xdeadbeef000, 8) // must not report
	Write(0xdeadbeef000, 8)
}

// TestPosixMemalignContract covers the errno-based error reporting.
func TestPosixMemalignContract(t *testing.T) {
	setup(t)
	if _, errno := PosixMemalign(24, 64); errno != unix.EINVAL {
		t.Errorf("alignment 24: errno = %v, want EINVAL", errno)
	}
	if _, errno := PosixMemalign(0, 64); errno != unix.EINVAL {
		t.Errorf("alignment 0: errno = %v, want EINVAL", errno)
	}
	p, errno := PosixMemalign(64, 128)
	if errno != 0 || p == 0 || p%64 != 0 {
		t.Errorf("PosixMemalign(64, 128) = 0x%x, %v", p, errno)
	}
}

// TestCallocZeroes verifies calloc memory reads back zero even when
// the class freelist recycles dirty chunks.
func TestCallocZeroes(t *testing.T) {
	setup(t)
	flags.Cur.QuarantineSize = 0
	p := Malloc(64)
	buf := unsafeSlice(p, 64)
	for i := range buf {
		buf[i] = 0xff
	}
	Free(p)
	q := Calloc(8, 8)
	if q == 0 {
		t.Fatal("calloc failed")
	}
	for i, b := range unsafeSlice(q, 64) {
		if b != 0 {
			t.Fatalf("calloc byte %d = 0x%02x, want 0", i, b)
		}
	}
}

// TestCallocOverflow verifies the nmemb*size overflow guard.
func TestCallocOverflow(t *testing.T) {
	setup(t)
	if p := Calloc(^uintptr(0)/2, 4); p != 0 {
		t.Errorf("overflowing calloc returned 0x%x, want 0", p)
	}
}

// TestFreeNil verifies free(nil) is a no-op.
func TestFreeNil(t *testing.T) {
	setup(t)
	Free(0)
}

// TestSignalInterposerOwnership verifies owned signals are hidden from
// the application and others pass through.
func TestSignalInterposerOwnership(t *testing.T) {
	setup(t)
	resolveRealFuncs()
	handler := func(int) {}
	if got := Signal(int(unix.SIGSEGV), handler); got != nil {
		t.Error("Signal(SIGSEGV) must swallow the handler")
	}
	if got := Signal(int(unix.SIGILL), handler); got != nil {
		t.Error("Signal(SIGILL) must swallow the handler")
	}
	if _, err := Sigaction(int(unix.SIGSEGV), handler); err != nil {
		t.Error("Sigaction(SIGSEGV) must silently succeed")
	}
	// A non-owned signal reaches the real slot.
	Signal(int(unix.SIGUSR1), handler)
	if prev := Signal(int(unix.SIGUSR1), nil); prev == nil {
		t.Error("real signal slot did not retain the user handler")
	}
}

func unsafeSlice(p uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), n)
}

// TestLongjmpUnpoisonsStack covers the S7 shape: a jump across
// poisoned frames clears the shadow before transferring.
func TestLongjmpUnpoisonsStack(t *testing.T) {
	bytes := setup(t)
	resolveRealFuncs()

	const bottom = uintptr(0x1000e0000000)
	s := thread.Main.Create(0, 0)
	s.SetStackBounds(bottom, bottom+1<<20)
	thread.Main.SetCurrent(s)

	// Frames between the jump point and the stack top left poison.
	band := bottom + 1<<16
	shadow.PoisonRegion(band, 128, shadow.StackMidRedzone)

	jumped := false
	env := &JumpEnv{Jump: func(val int) { jumped = true }}
	Longjmp(env, 1)
	if !jumped {
		t.Fatal("longjmp did not delegate to the real slot")
	}
	// The notifier works from the goroutine's real SP, which lies
	// outside the synthetic bounds; exercise the registry path
	// directly for the shadow assertion.
	thread.Main.UnpoisonFromSP(bottom + mapping.PageSize*2)
	for i := uintptr(0); i < 128>>mapping.Scale; i++ {
		if got := bytes[mapping.Shadow(band)+i]; got != 0 {
			t.Fatalf("stack shadow byte %d still 0x%02x after longjmp", i, got)
		}
	}
}

// TestThreadCreateTrampoline verifies the summary is installed on the
// new thread with recorded bounds.
func TestThreadCreateTrampoline(t *testing.T) {
	setup(t)
	resolveRealFuncs()

	done := make(chan *thread.Summary, 1)
	tid := ThreadCreate(func() {
		done <- thread.Main.Current()
	})
	s := <-done
	if s == nil {
		t.Fatal("trampoline did not install a current summary")
	}
	if s.TID != tid {
		t.Errorf("trampoline summary tid %d, want %d", s.TID, tid)
	}
	if s.StackTop == 0 || s.StackBottom >= s.StackTop {
		t.Errorf("stack bounds not recorded: [0x%x, 0x%x)",
			s.StackBottom, s.StackTop)
	}
}
