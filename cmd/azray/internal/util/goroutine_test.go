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
	"errors"
	"testing"
	"time"
)

func TestCatchPanic_ReturnsPanicError(t *testing.T) {
	err := CatchPanic("watcher", func() error {
		panic("nil policy")
	})
	var panicErr *PanicError
	if !errors.As(err, &panicErr) {
		t.Fatalf("CatchPanic() = %v, want *PanicError", err)
	}
	if panicErr.Name != "watcher" || panicErr.Value != "nil policy" {
		t.Errorf("PanicError = %+v", panicErr)
	}
	if panicErr.Stack == "" {
		t.Error("expected a captured stack")
	}
}

func TestCatchPanic_PassesThroughError(t *testing.T) {
	want := errors.New("stopped")
	if got := CatchPanic("monitor", func() error { return want }); got != want {
		t.Errorf("CatchPanic() = %v, want %v", got, want)
	}
	if got := CatchPanic("monitor", func() error { return nil }); got != nil {
		t.Errorf("CatchPanic() = %v, want nil", got)
	}
}

func TestRecoverPanic_CallsHandler(t *testing.T) {
	done := make(chan *PanicError, 1)
	go func() {
		defer RecoverPanic(func(p *PanicError) { done <- p })()
		panic(42)
	}()
	select {
	case p := <-done:
		if p.Value != 42 {
			t.Errorf("Value = %v, want 42", p.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}

func TestEnforceTimeouts(t *testing.T) {
	if got := EnforceMinTimeout(0, MinProbeTimeout); got != MinProbeTimeout {
		t.Errorf("EnforceMinTimeout(0) = %v", got)
	}
	if got := EnforceMinTimeout(5*time.Second, MinProbeTimeout); got != 5*time.Second {
		t.Errorf("EnforceMinTimeout(5s) = %v", got)
	}
	if got := EnforceDefaultTimeout(-1, DefaultStopTimeout); got != DefaultStopTimeout {
		t.Errorf("EnforceDefaultTimeout(-1) = %v", got)
	}
	if got := EnforceDefaultTimeout(3*time.Second, DefaultStopTimeout); got != 3*time.Second {
		t.Errorf("EnforceDefaultTimeout(3s) = %v", got)
	}
}
