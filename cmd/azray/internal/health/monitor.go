// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health probes the tunnel end to end and decides when it is
// broken enough to act on.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/peacemakercq/az-ray/cmd/azray/internal/settings"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/util"
)

// ErrNotRunning is the probe failure recorded when the local proxy is not
// running at probe time.
var ErrNotRunning = errors.New("local proxy is not running")

// Tier is the severity of an escalation.
type Tier int

const (
	// TierLocal asks for a restart of the local proxy.
	TierLocal Tier = iota + 1

	// TierRemote asks for the remote server to be recreated.
	TierRemote
)

func (t Tier) String() string {
	switch t {
	case TierLocal:
		return "local"
	case TierRemote:
		return "remote"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// EventKind distinguishes monitor events.
type EventKind int

const (
	EventEscalated EventKind = iota + 1
	EventRestored
)

// Event is emitted when health crosses a threshold or recovers.
type Event struct {
	Kind EventKind

	// Tier is set for EventEscalated.
	Tier Tier

	// Failures is the failure streak at the time of the event.
	Failures int
}

// State is a snapshot of the monitor's counters.
type State struct {
	// Consecutive counts failures since the last success or local restart.
	Consecutive int

	// Streak counts failures since the last success, across restarts.
	Streak int

	LocalEscalated  bool
	RemoteEscalated bool

	Probes      int
	LastSuccess time.Time
	LastFailure time.Time
	LastError   string
}

// Recorder receives probe outcomes.
type Recorder interface {
	ObserveProbe(success bool, elapsed time.Duration)
}

// Options configures a Monitor.
type Options struct {
	Prober Prober

	// Running, when set, is consulted before each probe. A proxy that is
	// not running counts as a failed probe.
	Running func() bool

	Interval          time.Duration
	FailureThreshold  int
	RecreateThreshold int

	// Notify receives escalations and recoveries. It is called from the
	// probing goroutine.
	Notify func(ctx context.Context, ev Event)

	Recorder Recorder
	Logger   *slog.Logger
}

// Monitor turns a series of probes into escalation events.
//
// # Description
//
// Each failure increments two counters. Consecutive resets on success and
// on NoteRestart; reaching FailureThreshold emits one TierLocal event.
// Streak resets only on success (or NoteRecreate); reaching
// RecreateThreshold emits one TierRemote event. When both thresholds are
// crossed by the same probe only TierRemote is emitted. A success that
// ends a failure streak emits EventRestored.
//
// # Thread Safety
//
// Safe for concurrent use. Check is serialized internally.
type Monitor struct {
	opts   Options
	logger *slog.Logger

	checkMu sync.Mutex

	mu    sync.Mutex
	state State
}

// NewMonitor creates a Monitor. Zero thresholds take the configured
// defaults.
func NewMonitor(opts Options) *Monitor {
	opts.Interval = util.EnforceDefaultTimeout(opts.Interval, util.DefaultHealthInterval)
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = settings.DefaultFailureThreshold
	}
	if opts.RecreateThreshold <= opts.FailureThreshold {
		opts.RecreateThreshold = max(settings.DefaultRecreateThreshold, opts.FailureThreshold+1)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{opts: opts, logger: logger.With("component", "health")}
}

// Run probes every Interval until ctx is cancelled. It returns nil on
// cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("health monitor started",
		"interval", m.opts.Interval,
		"failure_threshold", m.opts.FailureThreshold,
		"recreate_threshold", m.opts.RecreateThreshold,
	)
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe and applies its outcome.
func (m *Monitor) Check(ctx context.Context) {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	start := time.Now()
	var err error
	if m.opts.Running != nil && !m.opts.Running() {
		err = &util.ProbeFailure{Target: "local proxy", Err: ErrNotRunning}
	} else {
		err = m.opts.Prober.Probe(ctx)
	}
	if ctx.Err() != nil {
		// Shutdown interrupted the probe; it says nothing about health.
		return
	}
	if m.opts.Recorder != nil {
		m.opts.Recorder.ObserveProbe(err == nil, time.Since(start))
	}

	var ev *Event
	if err == nil {
		ev = m.recordSuccess()
	} else {
		ev = m.recordFailure(err)
	}
	if ev != nil && m.opts.Notify != nil {
		m.opts.Notify(ctx, *ev)
	}
}

func (m *Monitor) recordSuccess() *Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	streak := m.state.Streak
	m.state.Probes++
	m.state.LastSuccess = time.Now()
	m.state.Consecutive = 0
	m.state.Streak = 0
	m.state.LocalEscalated = false
	m.state.RemoteEscalated = false
	if streak == 0 {
		m.logger.Debug("probe ok")
		return nil
	}
	m.logger.Info("health restored", "failures", streak)
	return &Event{Kind: EventRestored, Failures: streak}
}

func (m *Monitor) recordFailure(err error) *Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Probes++
	m.state.LastFailure = time.Now()
	m.state.LastError = err.Error()
	m.state.Consecutive++
	m.state.Streak++

	m.logger.Warn("probe failed",
		"consecutive", m.state.Consecutive,
		"streak", m.state.Streak,
		"error", err,
	)

	if m.state.Streak >= m.opts.RecreateThreshold && !m.state.RemoteEscalated {
		m.state.RemoteEscalated = true
		m.state.LocalEscalated = true
		m.logger.Error("health escalated", "tier", TierRemote, "streak", m.state.Streak)
		return &Event{Kind: EventEscalated, Tier: TierRemote, Failures: m.state.Streak}
	}
	if m.state.Consecutive >= m.opts.FailureThreshold && !m.state.LocalEscalated {
		m.state.LocalEscalated = true
		m.logger.Warn("health escalated", "tier", TierLocal, "consecutive", m.state.Consecutive)
		return &Event{Kind: EventEscalated, Tier: TierLocal, Failures: m.state.Streak}
	}
	return nil
}

// NoteRestart tells the monitor the local proxy was restarted. The
// consecutive counter resets and tier one is re-armed; the streak is
// kept.
func (m *Monitor) NoteRestart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Consecutive = 0
	m.state.LocalEscalated = false
}

// NoteRecreate tells the monitor the remote server was recreated. Both
// counters reset and both tiers are re-armed.
func (m *Monitor) NoteRecreate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Consecutive = 0
	m.state.Streak = 0
	m.state.LocalEscalated = false
	m.state.RemoteEscalated = false
}

// Snapshot returns a copy of the current state.
func (m *Monitor) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
