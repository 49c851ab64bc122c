package api

import (
	"github.com/kolkov/addrsanitizer/internal/asan/mapping"
	"github.com/kolkov/addrsanitizer/internal/asan/stackdepot"
	"github.com/kolkov/addrsanitizer/internal/asan/thread"
)

// ThreadCreate interposes thread creation. The summary is allocated on
// behalf of the caller with the creation provenance stashed; the start
// routine is wrapped in a trampoline that installs the summary as
// thread-current and records the stack bounds before running the user
// routine. Returns the new thread's tid.
func ThreadCreate(start func()) uint32 {
	creation := stackdepot.Capture(1, stackdepot.MaxDepth)
	s := thread.Main.Create(thread.Main.CurrentTID(), creation)
	reals.threadCreate(func() {
		trampoline(s, start)
	})
	return s.TID
}

// trampoline runs on the new thread.
func trampoline(s *thread.Summary, start func()) {
	thread.Main.SetCurrent(s)
	// The address of a local at thread start is just under the stack
	// top; the recorded bottom brackets the usable span below it.
	var anchor byte
	top := mapping.RoundUpToPage(addrOf(&anchor))
	s.SetStackBounds(top-defaultStackSpan, top)
	start()
	// The summary outlives the thread for post-mortem description;
	// nothing to tear down here.
}

// RegisterFrame records a compiler-emitted frame descriptor for the
// current thread's frame entered at base. Instrumented prologues call
// this; the matching epilogue calls UnregisterFrame.
func RegisterFrame(base uintptr, descr string) {
	if s := thread.Main.Current(); s != nil {
		s.RegisterFrame(base, descr)
	}
}

// UnregisterFrame drops a prologue registration.
func UnregisterFrame(base uintptr) {
	if s := thread.Main.Current(); s != nil {
		s.UnregisterFrame(base)
	}
}
