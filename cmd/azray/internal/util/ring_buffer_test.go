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
	"sync"
	"testing"
)

func TestRingBuffer_PushAndSnapshot(t *testing.T) {
	rb := NewRingBuffer[string](3)
	for _, s := range []string{"a", "b", "c"} {
		if rb.Push(s) {
			t.Fatalf("Push(%q) reported eviction before capacity", s)
		}
	}
	if !rb.Push("d") {
		t.Fatal("Push(d) should evict the oldest item")
	}

	got := rb.Snapshot()
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("Snapshot() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Snapshot()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if rb.DroppedCount() != 1 {
		t.Errorf("DroppedCount() = %d, want 1", rb.DroppedCount())
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := NewRingBuffer[int](2)
	rb.Push(1)
	rb.Push(2)
	rb.Push(3)
	rb.Clear()
	if rb.Size() != 0 || rb.DroppedCount() != 0 {
		t.Errorf("after Clear: size=%d dropped=%d", rb.Size(), rb.DroppedCount())
	}
	rb.Push(9)
	if got := rb.Snapshot(); len(got) != 1 || got[0] != 9 {
		t.Errorf("Snapshot() after Clear = %v", got)
	}
}

func TestRingBuffer_PanicsOnZeroCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for capacity 0")
		}
	}()
	NewRingBuffer[int](0)
}

func TestRingBuffer_ConcurrentPush(t *testing.T) {
	rb := NewRingBuffer[int](50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				rb.Push(i)
			}
		}()
	}
	wg.Wait()
	if rb.Size() != 50 {
		t.Errorf("Size() = %d, want 50", rb.Size())
	}
	if rb.DroppedCount() != 750 {
		t.Errorf("DroppedCount() = %d, want 750", rb.DroppedCount())
	}
}
