// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"fmt"
	"runtime/debug"
)

// PanicError is returned by CatchPanic when the wrapped function panicked.
type PanicError struct {
	// Name identifies the goroutine (e.g. "health-monitor").
	Name string

	// Value is the value passed to panic().
	Value any

	// Stack is the stack trace captured at recovery.
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.Name, e.Value)
}

// CatchPanic runs fn and converts a panic into a *PanicError.
//
// # Description
//
// Observer goroutines run inside an errgroup. A panic in one of them must
// end the run through the normal error path, so that the orchestrator
// still stops the supervised process, rather than crash the daemon with
// the proxy left orphaned.
//
// # Inputs
//
//   - name: label used in the error message
//   - fn: the work to run
//
// # Outputs
//
//   - error: fn's error, or a *PanicError if fn panicked
//
// # Examples
//
//	g.Go(func() error {
//	    return util.CatchPanic("watcher", func() error { return w.Run(ctx) })
//	})
func CatchPanic(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Name: name, Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn()
}

// RecoverPanic returns a function suitable for defer that recovers a panic
// and passes it to onPanic.
//
//	defer util.RecoverPanic(func(p *util.PanicError) {
//	    logger.Error("exit watcher panicked", "panic", p.Value)
//	})()
func RecoverPanic(onPanic func(*PanicError)) func() {
	return func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(&PanicError{Value: r, Stack: string(debug.Stack())})
		}
	}
}
