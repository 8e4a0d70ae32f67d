// Package kfmt provides the kernel's fatal-error path and output helpers.
package kfmt

import (
	"github.com/KKKevin-aaa/xv6-labs/kernel"

	"k8s.io/klog/v2"
)

var (
	// haltFn is invoked after the panic banner has been logged. It must not
	// return. Tests replace it to observe the halt without unwinding.
	haltFn = func(err *kernel.Error) {
		panic(err)
	}

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic logs the supplied error (if not nil) and halts the kernel. Calls to
// Panic never return. The halt unwinds the calling goroutine with a
// *kernel.Error so that a supervisor (or a test) can recover the exact
// sentinel that triggered it.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	default:
		err = errRuntimePanic
	}

	klog.ErrorS(nil, "unrecoverable error", "module", err.Module, "reason", err.Message)
	klog.Error("*** kernel panic: system halted ***")
	klog.Flush()

	haltFn(err)
}

// Recover converts a kernel panic raised by Panic back into its
// *kernel.Error. It must be called directly from a deferred function. Panics
// that did not originate from Panic are propagated.
func Recover(r interface{}) *kernel.Error {
	if r == nil {
		return nil
	}
	if err, ok := r.(*kernel.Error); ok {
		return err
	}
	panic(r)
}
