// Package asan provides the public API for the pure-Go address
// sanitizer runtime.
//
// The runtime detects invalid memory accesses (heap, stack and
// global out-of-bounds, use-after-free, double-free) by shadowing
// application memory with a compact poisoning state. Instrumented
// code performs an explicit shadow check before every load and store:
//
//	asan.Read(uintptr(unsafe.Pointer(p)), 8)
//	v := *p
//
// and allocates through the interposed entry points:
//
//	p := asan.Malloc(40)
//	defer asan.Free(p)
//
// On a violation the runtime prints a full diagnosis (bug kind,
// access, stacks, address attribution, shadow dump) to standard error
// and aborts; no violation is ever survivable.
//
// Configuration comes from the ASAN_OPTIONS environment variable as
// key=value substrings, e.g. ASAN_OPTIONS="verbosity=1 redzone=64".
// Unknown keys are ignored.
package asan
