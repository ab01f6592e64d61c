// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peacemakercq/az-ray/cmd/azray/internal/util"
	"github.com/peacemakercq/az-ray/pkg/logging"
)

// =============================================================================
// Test helpers
// =============================================================================

type MockHTTPDoer struct {
	DoFunc func(*http.Request) (*http.Response, error)
}

func (m *MockHTTPDoer) Do(req *http.Request) (*http.Response, error) {
	return m.DoFunc(req)
}

func respond(status int) func(*http.Request) (*http.Response, error) {
	return func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader("ok"))}, nil
	}
}

type MockRecorder struct {
	mu      sync.Mutex
	results []bool
}

func (m *MockRecorder) ObserveProbe(success bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, success)
}

// scripted returns a prober that replays outcomes (true = success).
func scripted(outcomes ...bool) *MockProber {
	var mu sync.Mutex
	i := 0
	return &MockProber{ProbeFunc: func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		ok := outcomes[i%len(outcomes)]
		i++
		if ok {
			return nil
		}
		return &util.ProbeFailure{Target: "https://www.google.com", Err: errors.New("connection refused")}
	}}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) notify(_ context.Context, ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func newTestMonitor(prober Prober, log *eventLog) *Monitor {
	return NewMonitor(Options{
		Prober:            prober,
		Interval:          time.Hour,
		FailureThreshold:  3,
		RecreateThreshold: 6,
		Notify:            log.notify,
		Logger:            logging.Discard(),
	})
}

func checkN(m *Monitor, n int) {
	for range n {
		m.Check(context.Background())
	}
}

// =============================================================================
// Escalation
// =============================================================================

func TestMonitor_SingleFailureThenSuccessDoesNotEscalate(t *testing.T) {
	log := &eventLog{}
	m := newTestMonitor(scripted(false, true), log)

	checkN(m, 2)

	assert.Equal(t, []Event{{Kind: EventRestored, Failures: 1}}, log.all())
	assert.Zero(t, m.Snapshot().Consecutive)
}

func TestMonitor_ThresholdEscalatesExactlyOnce(t *testing.T) {
	log := &eventLog{}
	m := newTestMonitor(scripted(false), log)

	checkN(m, 3)
	assert.Equal(t, []Event{{Kind: EventEscalated, Tier: TierLocal, Failures: 3}}, log.all())

	// Further failures below the second threshold stay quiet.
	checkN(m, 2)
	assert.Len(t, log.all(), 1)

	state := m.Snapshot()
	assert.Equal(t, 5, state.Consecutive)
	assert.True(t, state.LocalEscalated)
	assert.False(t, state.RemoteEscalated)
}

func TestMonitor_SuccessRearmsEscalation(t *testing.T) {
	log := &eventLog{}
	m := newTestMonitor(scripted(false, false, false, true), log)

	checkN(m, 8)

	var escalations int
	for _, ev := range log.all() {
		if ev.Kind == EventEscalated {
			escalations++
		}
	}
	assert.Equal(t, 2, escalations)
}

func TestMonitor_StreakSurvivesRestartAndEscalatesRemote(t *testing.T) {
	log := &eventLog{}
	m := newTestMonitor(scripted(false), log)

	checkN(m, 3)
	m.NoteRestart()
	assert.Zero(t, m.Snapshot().Consecutive)
	assert.Equal(t, 3, m.Snapshot().Streak)

	checkN(m, 3)

	assert.Equal(t, []Event{
		{Kind: EventEscalated, Tier: TierLocal, Failures: 3},
		{Kind: EventEscalated, Tier: TierRemote, Failures: 6},
	}, log.all())

	// Remote fires once per crossing.
	checkN(m, 3)
	assert.Len(t, log.all(), 2)

	m.NoteRecreate()
	assert.Equal(t, State{Probes: 9}, withoutTimes(m.Snapshot()))
}

func TestMonitor_NotRunningCountsAsFailure(t *testing.T) {
	log := &eventLog{}
	prober := &MockProber{}
	running := false
	m := NewMonitor(Options{
		Prober:           prober,
		Running:          func() bool { return running },
		FailureThreshold: 1,
		Notify:           log.notify,
		Logger:           logging.Discard(),
	})

	m.Check(context.Background())

	assert.Zero(t, prober.Calls(), "prober is skipped when the proxy is down")
	assert.Equal(t, []Event{{Kind: EventEscalated, Tier: TierLocal, Failures: 1}}, log.all())
	assert.Contains(t, m.Snapshot().LastError, ErrNotRunning.Error())

	running = true
	m.Check(context.Background())
	assert.Equal(t, 1, prober.Calls())
}

func TestMonitor_CanceledProbeIsIgnored(t *testing.T) {
	log := &eventLog{}
	recorder := &MockRecorder{}
	m := NewMonitor(Options{
		Prober:   &MockProber{ProbeFunc: func(ctx context.Context) error { return ctx.Err() }},
		Notify:   log.notify,
		Recorder: recorder,
		Logger:   logging.Discard(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m.Check(ctx)

	assert.Zero(t, m.Snapshot().Probes)
	assert.Empty(t, recorder.results)
}

func TestMonitor_RecordsProbes(t *testing.T) {
	recorder := &MockRecorder{}
	m := NewMonitor(Options{Prober: scripted(true, false), Recorder: recorder, Logger: logging.Discard()})

	checkN(m, 2)

	assert.Equal(t, []bool{true, false}, recorder.results)
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	prober := &MockProber{}
	m := NewMonitor(Options{Prober: prober, Interval: 10 * time.Millisecond, Logger: logging.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return prober.Calls() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestNewMonitor_ThresholdDefaults(t *testing.T) {
	m := NewMonitor(Options{Prober: &MockProber{}, FailureThreshold: 4, RecreateThreshold: 2})
	assert.Equal(t, 4, m.opts.FailureThreshold)
	assert.Equal(t, 6, m.opts.RecreateThreshold)

	m = NewMonitor(Options{Prober: &MockProber{}})
	assert.Equal(t, 3, m.opts.FailureThreshold)
	assert.Equal(t, util.DefaultHealthInterval, m.opts.Interval)
}

func withoutTimes(s State) State {
	s.LastSuccess = time.Time{}
	s.LastFailure = time.Time{}
	s.LastError = ""
	return s
}

// =============================================================================
// SOCKSProber
// =============================================================================

func TestSOCKSProber_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		ok     bool
	}{
		{http.StatusOK, true},
		{http.StatusFound, true},
		{http.StatusNotFound, true},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			p := NewSOCKSProberWithClient("https://www.google.com", time.Second, &MockHTTPDoer{DoFunc: respond(tt.status)})
			err := p.Probe(context.Background())
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var failure *util.ProbeFailure
			require.ErrorAs(t, err, &failure)
			assert.Equal(t, tt.status, failure.StatusCode)
		})
	}
}

func TestSOCKSProber_TransportError(t *testing.T) {
	var got *http.Request
	p := NewSOCKSProberWithClient("https://www.google.com", 0, &MockHTTPDoer{DoFunc: func(r *http.Request) (*http.Response, error) {
		got = r
		return nil, errors.New("socks connect tcp 127.0.0.1:1080: connection refused")
	}})

	err := p.Probe(context.Background())

	var failure *util.ProbeFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "https://www.google.com", failure.Target)
	assert.Equal(t, http.MethodGet, got.Method)
	_, hasDeadline := got.Context().Deadline()
	assert.True(t, hasDeadline)
	assert.Equal(t, util.DefaultProbeTimeout, p.timeout)
}

func TestNewSOCKSProber(t *testing.T) {
	p, err := NewSOCKSProber("127.0.0.1:1080", "https://www.google.com", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, p.timeout)
}
