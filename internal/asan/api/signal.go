package api

import (
	"sync"

	"github.com/kolkov/addrsanitizer/internal/asan/check"
	"github.com/kolkov/addrsanitizer/internal/asan/sigrouter"
	"github.com/kolkov/addrsanitizer/internal/asan/thread"
)

// Handler is the application-visible signal handler shape.
type Handler func(sig int)

// JumpEnv is the saved environment of the longjmp analog: the
// continuation invoked after the runtime has unpoisoned the stack.
type JumpEnv struct {
	// Jump transfers control; it does not return to the caller.
	Jump func(val int)
}

// reals holds the resolved downstream implementations, the analog of
// the dlsym(RTLD_NEXT) pointers. Init fills the slots and CHECKs each
// one; interposers only ever call through the slots.
var reals struct {
	signal        func(sig int, h Handler) Handler
	sigaction     func(sig int, h Handler) (Handler, error)
	longjmp       func(env *JumpEnv, val int)
	siglongjmp    func(env *JumpEnv, val int)
	cxaThrow      func(exc interface{})
	threadCreate  func(start func())
	resolvedOnce  sync.Once
	userHandlers  sync.Map // int -> Handler
	userHandlerMu sync.Mutex
}

// resolveRealFuncs installs the downstream implementations. The
// defaults are the in-process analogs; a harness may pre-seed slots
// via SetRealFuncsForTesting before Init, which wins.
func resolveRealFuncs() {
	reals.resolvedOnce.Do(func() {
		if reals.signal == nil {
			reals.signal = func(sig int, h Handler) Handler {
				reals.userHandlerMu.Lock()
				defer reals.userHandlerMu.Unlock()
				prev, _ := reals.userHandlers.Load(sig)
				reals.userHandlers.Store(sig, h)
				if prev == nil {
					return nil
				}
				return prev.(Handler)
			}
		}
		if reals.sigaction == nil {
			reals.sigaction = func(sig int, h Handler) (Handler, error) {
				return reals.signal(sig, h), nil
			}
		}
		if reals.longjmp == nil {
			reals.longjmp = func(env *JumpEnv, val int) {
				env.Jump(val)
			}
		}
		if reals.siglongjmp == nil {
			reals.siglongjmp = reals.longjmp
		}
		if reals.cxaThrow == nil {
			reals.cxaThrow = func(exc interface{}) {
				panic(exc)
			}
		}
		if reals.threadCreate == nil {
			reals.threadCreate = func(start func()) {
				go start()
			}
		}
	})
	check.Check(reals.signal != nil, "real signal resolved")
	check.Check(reals.sigaction != nil, "real sigaction resolved")
	check.Check(reals.longjmp != nil, "real longjmp resolved")
	check.Check(reals.siglongjmp != nil, "real siglongjmp resolved")
	check.Check(reals.cxaThrow != nil, "real throw resolved")
	check.Check(reals.threadCreate != nil, "real thread create resolved")
}

// Signal interposes signal(2): installing a handler for a signal the
// runtime owns silently succeeds without installing anything, so the
// application cannot displace the sanitizer's handlers.
func Signal(sig int, h Handler) Handler {
	if sigrouter.Owned(sig) {
		return nil
	}
	return reals.signal(sig, h)
}

// Sigaction interposes sigaction(2) with the same ownership filter.
func Sigaction(sig int, h Handler) (Handler, error) {
	if sigrouter.Owned(sig) {
		return nil, nil
	}
	return reals.sigaction(sig, h)
}

// Longjmp unpoisons the stack between the jump point and the stack
// top, then delegates. Without the unpoison, frames skipped by the
// jump would leave stale redzones under stack bytes the landing
// function is about to reuse.
func Longjmp(env *JumpEnv, val int) {
	notifyUnwind()
	reals.longjmp(env, val)
}

// Siglongjmp mirrors Longjmp. Both jump flavors route through the
// same unwind notifier, so neither can leave stale poison behind.
func Siglongjmp(env *JumpEnv, val int) {
	notifyUnwind()
	reals.siglongjmp(env, val)
}

// Throw is the exception-throw interposer.
func Throw(exc interface{}) {
	notifyUnwind()
	reals.cxaThrow(exc)
}

// notifyUnwind is the shared unwind notifier: clear the shadow from
// the current stack position up to the thread's stack top.
func notifyUnwind() {
	var local byte
	thread.Main.UnpoisonFromSP(addrOf(&local))
}

// SetRealFuncsForTesting seeds the downstream slots before Init.
// Nil fields keep their defaults.
func SetRealFuncsForTesting(signal func(int, Handler) Handler,
	longjmp func(*JumpEnv, int), threadCreate func(func())) {
	if signal != nil {
		reals.signal = signal
	}
	if longjmp != nil {
		reals.longjmp = longjmp
		reals.siglongjmp = longjmp
	}
	if threadCreate != nil {
		reals.threadCreate = threadCreate
	}
}
