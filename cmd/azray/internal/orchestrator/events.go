// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"sync"

	"github.com/peacemakercq/az-ray/cmd/azray/internal/health"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/policy"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/supervisor"
)

// DefaultQueueSize is the event buffer used by NewQueue(0).
const DefaultQueueSize = 32

// Event is something an observer reports to the orchestrator.
type Event interface {
	eventName() string
}

// PolicyChanged carries a reloaded policy that differs from the last one.
type PolicyChanged struct {
	Policy policy.DomainPolicy
}

// HealthEscalated asks for recovery at Tier.
type HealthEscalated struct {
	Tier     health.Tier
	Failures int
}

// HealthRestored reports a success after a failure streak.
type HealthRestored struct {
	Failures int
}

// ProcessExited reports an unexpected exit of proxy Generation.
type ProcessExited struct {
	Generation uint64
	ExitCode   int
	Stderr     string
}

func (PolicyChanged) eventName() string   { return "policy_changed" }
func (HealthEscalated) eventName() string { return "health_escalated" }
func (HealthRestored) eventName() string  { return "health_restored" }
func (ProcessExited) eventName() string   { return "process_exited" }

// Queue is the single ordered channel observers report through.
//
// # Description
//
// Every send selects on cancellation, so an observer never blocks past
// shutdown. The adapter methods have the callback signatures the
// watcher, monitor and supervisor expect.
//
// # Thread Safety
//
// Safe for concurrent use.
type Queue struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue creates a queue buffering size events.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{ch: make(chan Event, size), done: make(chan struct{})}
}

// Send enqueues ev. It returns false if ctx ended or the queue closed
// first.
func (q *Queue) Send(ctx context.Context, ev Event) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-q.done:
		return false
	}
}

// Close stops accepting events. Pending sends return false.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Events is the receive side, read only by the orchestrator.
func (q *Queue) Events() <-chan Event {
	return q.ch
}

// OnPolicyChange adapts watcher.Options.OnChange.
func (q *Queue) OnPolicyChange(ctx context.Context, p policy.DomainPolicy) {
	q.Send(ctx, PolicyChanged{Policy: p})
}

// OnHealth adapts health.Options.Notify.
func (q *Queue) OnHealth(ctx context.Context, ev health.Event) {
	switch ev.Kind {
	case health.EventEscalated:
		q.Send(ctx, HealthEscalated{Tier: ev.Tier, Failures: ev.Failures})
	case health.EventRestored:
		q.Send(ctx, HealthRestored{Failures: ev.Failures})
	}
}

// OnProcessExit adapts supervisor.Options.OnExit. It blocks only until
// the event is queued or the queue closes.
func (q *Queue) OnProcessExit(ev supervisor.ExitEvent) {
	q.Send(context.Background(), ProcessExited{
		Generation: ev.Generation,
		ExitCode:   ev.ExitCode,
		Stderr:     ev.Stderr,
	})
}
