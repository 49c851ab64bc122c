package report

import (
	"unsafe"

	"github.com/kolkov/addrsanitizer/internal/asan/stackdepot"
	"github.com/kolkov/addrsanitizer/internal/asan/thread"
)

func addrPtr(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr) //nolint:govet // raw address dump under debug flag
}

func formatCreation(t *thread.Summary) string {
	return stackdepot.FormatID(t.CreationStack)
}
