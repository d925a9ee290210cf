// panic_recovery.go: panic recovery for plugin work and background goroutines
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"runtime"
)

const panicStackSize = 64 << 10

// withStackRecover returns a deferred function that logs a recovered panic
// with its stack trace.
//
//	go func() {
//	    defer withStackRecover(logger)()
//	    // potentially panicking code
//	}()
func withStackRecover(logger Logger) func() {
	return func() {
		if r := recover(); r != nil {
			buf := make([]byte, panicStackSize)
			n := runtime.Stack(buf, false)
			logger.Error("Panic recovered in goroutine",
				"panic", r,
				"stack", string(buf[:n]))
		}
	}
}

// recoverInto converts a panic inside plugin code into a task error so the
// failing plugin never takes the host down with it.
//
//	defer recoverInto(logger, "search:"+id, &err)
func recoverInto(logger Logger, label string, errp *error) {
	if r := recover(); r != nil {
		buf := make([]byte, panicStackSize)
		n := runtime.Stack(buf, false)
		logger.Error("Panic recovered in plugin task",
			"task", label,
			"panic", r,
			"stack", string(buf[:n]))
		*errp = NewTaskPanickedError(label, r)
	}
}

// SafeGo runs fn on a new goroutine, logging instead of crashing on panic.
func SafeGo(logger Logger, fn func()) {
	go func() {
		defer withStackRecover(logger)()
		fn()
	}()
}
