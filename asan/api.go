package asan

import (
	"golang.org/x/sys/unix"

	internal "github.com/kolkov/addrsanitizer/internal/asan/api"
	"github.com/kolkov/addrsanitizer/internal/asan/mapping"
)

// Init initializes the runtime: options, output, real-symbol slots,
// signal handlers, shadow reservation, and the main thread summary.
// Idempotent. Go has no pre-main constructor for libraries, so the
// instrumenter inserts this call at the head of main; manual
// harnesses and tests call it directly.
func Init() {
	internal.Init()
}

// Fini prints exit statistics when the atexit option is set. Call it
// at normal process exit:
//
//	func main() {
//		defer asan.Fini()
//		// ...
//	}
func Fini() {
	internal.Fini()
}

// Read checks the shadow for a load of size bytes at addr and reports
// a violation if any byte is inaccessible. Inserted by instrumentation
// before every load.
func Read(addr, size uintptr) {
	internal.Read(addr, size)
}

// Write checks the shadow for a store of size bytes at addr. Inserted
// by instrumentation before every store.
func Write(addr, size uintptr) {
	internal.Write(addr, size)
}

// RegisterGlobal records an instrumented global variable and poisons
// its right redzone. Called from module initializers; idempotent per
// global.
func RegisterGlobal(beg, size uintptr, name string) {
	internal.RegisterGlobal(beg, size, name)
}

// RegisterFrame records a compiler-emitted frame descriptor for the
// frame entered at base on the current thread. The descriptor format
// is "FuncName n off1 sz1 len1 Obj1 ...".
func RegisterFrame(base uintptr, descr string) {
	internal.RegisterFrame(base, descr)
}

// UnregisterFrame drops a RegisterFrame record at function exit.
func UnregisterFrame(base uintptr) {
	internal.UnregisterFrame(base)
}

// MappingScale returns the shadow scale k (one shadow byte per 2^k
// application bytes).
func MappingScale() uintptr {
	return mapping.Scale
}

// MappingOffset returns the shadow offset O in
// Shadow(a) = (a >> k) + O.
func MappingOffset() uintptr {
	return mapping.Offset
}

// Malloc allocates size bytes through the sanitized heap.
func Malloc(size uintptr) uintptr {
	return internal.Malloc(size)
}

// Calloc allocates nmemb*size zeroed bytes.
func Calloc(nmemb, size uintptr) uintptr {
	return internal.Calloc(nmemb, size)
}

// Realloc resizes the allocation at p; Realloc(0, n) allocates.
func Realloc(p, size uintptr) uintptr {
	return internal.Realloc(p, size)
}

// Memalign allocates size bytes aligned to boundary.
func Memalign(boundary, size uintptr) uintptr {
	return internal.Memalign(boundary, size)
}

// PosixMemalign follows the posix_memalign contract, reporting
// failure through an errno instead of a report.
func PosixMemalign(alignment, size uintptr) (uintptr, unix.Errno) {
	return internal.PosixMemalign(alignment, size)
}

// Valloc allocates page-aligned memory.
func Valloc(size uintptr) uintptr {
	return internal.Valloc(size)
}

// Pvalloc allocates page-aligned memory rounded up to whole pages.
func Pvalloc(size uintptr) uintptr {
	return internal.Pvalloc(size)
}

// Free releases an allocation. Free(0) and freeing a pre-Init
// bootstrap allocation are no-ops; freeing anything else that is not a
// live allocation is a terminal report.
func Free(p uintptr) {
	internal.Free(p)
}

// New, NewArray, NewNothrow and the Delete pair mirror the C++
// allocation operators.
func New(size uintptr) uintptr        { return internal.New(size) }
func NewArray(size uintptr) uintptr   { return internal.NewArray(size) }
func NewNothrow(size uintptr) uintptr { return internal.NewNothrow(size) }
func Delete(p uintptr)                { internal.Delete(p) }
func DeleteArray(p uintptr)           { internal.DeleteArray(p) }

// MallocUsableSize returns the user size of a live allocation, or 0.
func MallocUsableSize(p uintptr) uintptr {
	return internal.MallocUsableSize(p)
}

// DescribeHeapAddress writes the allocator's attribution of addr to
// the runtime output stream and reports whether a chunk matched.
func DescribeHeapAddress(addr, accessSize uintptr) bool {
	return internal.DescribeHeapAddress(addr, accessSize)
}

// ThreadCreate interposes thread creation: it allocates the thread
// summary, wraps start in the bounds-recording trampoline, and starts
// the thread. Returns the sanitizer tid.
func ThreadCreate(start func()) uint32 {
	return internal.ThreadCreate(start)
}

// Handler is the application-visible signal handler shape.
type Handler = internal.Handler

// Signal interposes signal(2); handlers for runtime-owned signals are
// silently swallowed.
func Signal(sig int, h Handler) Handler {
	return internal.Signal(sig, h)
}

// Sigaction interposes sigaction(2) with the same ownership filter.
func Sigaction(sig int, h Handler) (Handler, error) {
	return internal.Sigaction(sig, h)
}

// JumpEnv is the saved environment used by the longjmp interposers.
type JumpEnv = internal.JumpEnv

// Longjmp unpoisons the stack above the jump point, then performs the
// non-local transfer.
func Longjmp(env *JumpEnv, val int) {
	internal.Longjmp(env, val)
}

// Siglongjmp mirrors Longjmp for the signal-mask-restoring flavor.
func Siglongjmp(env *JumpEnv, val int) {
	internal.Siglongjmp(env, val)
}

// Throw is the exception-throw interposer: unpoison, then propagate.
func Throw(exc interface{}) {
	internal.Throw(exc)
}

// ReportError reports a failed shadow check at addr. code encodes
// log2(size) in bits 0..2 and the write direction at bit 3.
func ReportError(code uint32, addr uintptr) {
	internal.ReportError(code, addr)
}

// Per-code entry points matching the instrumentation ABI: reads of
// size 1..16 then writes of size 1..16.
func ReportError0(addr uintptr)  { internal.ReportError(0, addr) }
func ReportError1(addr uintptr)  { internal.ReportError(1, addr) }
func ReportError2(addr uintptr)  { internal.ReportError(2, addr) }
func ReportError3(addr uintptr)  { internal.ReportError(3, addr) }
func ReportError4(addr uintptr)  { internal.ReportError(4, addr) }
func ReportError8(addr uintptr)  { internal.ReportError(8, addr) }
func ReportError9(addr uintptr)  { internal.ReportError(9, addr) }
func ReportError10(addr uintptr) { internal.ReportError(10, addr) }
func ReportError11(addr uintptr) { internal.ReportError(11, addr) }
func ReportError12(addr uintptr) { internal.ReportError(12, addr) }
