package api

import (
	"github.com/kolkov/addrsanitizer/internal/asan/allocator"
	"github.com/kolkov/addrsanitizer/internal/asan/check"
	"github.com/kolkov/addrsanitizer/internal/asan/globals"
)

// Version is the runtime version string, also exported through the
// public facade.
const Version = "v0.1.0"

// RegisterGlobal records an instrumented global variable and poisons
// its right redzone. Called by instrumented module initializers; may
// be called more than once per global.
func RegisterGlobal(beg, size uintptr, name string) {
	check.Check(inited, "RegisterGlobal after Init")
	globals.Main.Register(beg, size, name)
}

// DescribeHeapAddress writes the allocator's attribution of addr to
// the runtime output: the owning region and its provenance. This is
// the allocator's contribution to reports, exported for external
// tooling.
func DescribeHeapAddress(addr, accessSize uintptr) bool {
	return allocator.Main.Describe(addr, accessSize, out, false)
}
