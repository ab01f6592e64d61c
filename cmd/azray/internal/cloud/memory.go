// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cloud

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/peacemakercq/az-ray/cmd/azray/internal/util"
)

// Backend operation names used in Call and Fault.
const (
	OpGet    = "get"
	OpApply  = "apply"
	OpDelete = "delete"
)

// Call records one backend invocation.
type Call struct {
	Op  string
	Ref Ref
}

// Fault makes the next matching call fail with Err. An empty Kind
// matches every kind. Each fault fires once.
type Fault struct {
	Op   string
	Kind Kind
	Err  error
}

// MemoryBackend is an in-process Backend.
//
// # Description
//
// Resources live in a map keyed by Ref. Apply stores the desired
// properties as observed, so a second Ensure sees no drift. Deleting a
// resource group removes everything inside it. Container groups get
// IP (if set) and an FQDN derived from their DNS label.
//
// Used by tests and by --dry-run.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryBackend struct {
	// IP is assigned to container groups on Apply. Empty means the
	// descriptor falls back to the FQDN.
	IP string

	mu        sync.Mutex
	resources map[Ref]Observed
	faults    []Fault
	calls     []Call
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{resources: make(map[Ref]Observed)}
}

// InjectFault queues f.
func (m *MemoryBackend) InjectFault(f Fault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, f)
}

// Set stores obs as if it had been changed outside the reconciler.
func (m *MemoryBackend) Set(obs Observed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[obs.Ref] = obs.Clone()
}

// Lookup returns the stored resource.
func (m *MemoryBackend) Lookup(ref Ref) (Observed, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obs, ok := m.resources[ref]
	return obs.Clone(), ok
}

// Len returns the number of stored resources.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resources)
}

// Calls returns every recorded call in order.
func (m *MemoryBackend) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Mutations counts Apply and Delete calls.
func (m *MemoryBackend) Mutations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op != OpGet {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (m *MemoryBackend) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Get implements Backend.
func (m *MemoryBackend) Get(ctx context.Context, ref Ref) (Observed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpGet, ref); err != nil {
		return Observed{}, err
	}
	obs, ok := m.resources[ref]
	if !ok {
		return Observed{}, fmt.Errorf("%s: %w", ref, util.ErrNotFound)
	}
	return obs.Clone(), nil
}

// Apply implements Backend.
func (m *MemoryBackend) Apply(ctx context.Context, spec Spec) (Observed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpApply, spec.Ref); err != nil {
		return Observed{}, err
	}
	obs := Observed{
		Ref:        spec.Ref,
		Properties: maps.Clone(spec.Properties),
		Healthy:    true,
	}
	if spec.Container != nil {
		obs.IP = m.IP
		obs.FQDN = fmt.Sprintf("%s.%s.azurecontainer.io", spec.Container.DNSLabel, spec.Location)
	}
	m.resources[spec.Ref] = obs
	return obs.Clone(), nil
}

// Delete implements Backend.
func (m *MemoryBackend) Delete(ctx context.Context, ref Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpDelete, ref); err != nil {
		return err
	}
	if _, ok := m.resources[ref]; !ok {
		return fmt.Errorf("%s: %w", ref, util.ErrNotFound)
	}
	delete(m.resources, ref)
	if ref.Kind == KindResourceGroup {
		for k := range m.resources {
			if k.ResourceGroup == ref.Name {
				delete(m.resources, k)
			}
		}
	}
	return nil
}

// enter records the call and returns a queued fault or the context
// error. Callers hold m.mu.
func (m *MemoryBackend) enter(ctx context.Context, op string, ref Ref) error {
	m.calls = append(m.calls, Call{Op: op, Ref: ref})
	if err := ctx.Err(); err != nil {
		return err
	}
	for i, f := range m.faults {
		if f.Op == op && (f.Kind == "" || f.Kind == ref.Kind) {
			m.faults = append(m.faults[:i], m.faults[i+1:]...)
			return f.Err
		}
	}
	return nil
}

var _ Backend = (*MemoryBackend)(nil)
