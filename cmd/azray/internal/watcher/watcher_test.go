// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peacemakercq/az-ray/cmd/azray/internal/policy"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/util"
	"github.com/peacemakercq/az-ray/pkg/logging"
)

type changeLog struct {
	mu       sync.Mutex
	policies []policy.DomainPolicy
}

func (c *changeLog) record(_ context.Context, p policy.DomainPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies = append(c.policies, p)
}

func (c *changeLog) all() []policy.DomainPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]policy.DomainPolicy(nil), c.policies...)
}

type MockRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (m *MockRecorder) ObservePolicyReload(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *MockRecorder) Outcomes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.outcomes...)
}

// MockLoader wraps a real store and fails the next FailNext loads.
type MockLoader struct {
	*policy.Store

	mu       sync.Mutex
	FailNext int
	loads    int
}

func (m *MockLoader) Load() (policy.DomainPolicy, *util.PolicyLoadWarning, error) {
	m.mu.Lock()
	m.loads++
	fail := m.FailNext > 0
	if fail {
		m.FailNext--
	}
	m.mu.Unlock()
	if fail {
		return m.Store.Defaults(), nil, errors.New("read domain file: input/output error")
	}
	return m.Store.Load()
}

func (m *MockLoader) Loads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

type fixture struct {
	path     string
	store    *policy.Store
	changes  *changeLog
	recorder *MockRecorder
	watcher  *Watcher
}

func newFixture(t *testing.T, initial string) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "domains.txt")
	if initial != "" {
		require.NoError(t, os.WriteFile(path, []byte(initial), 0o644))
	}
	store := policy.NewStore([]string{"wikipedia.org"}, path, logging.Discard())
	current, _, _ := store.Load()

	f := &fixture{path: path, store: store, changes: &changeLog{}, recorder: &MockRecorder{}}
	f.watcher = New(Options{
		Loader:   store,
		Initial:  current,
		Interval: 50 * time.Millisecond,
		OnChange: f.changes.record,
		Recorder: f.recorder,
		Logger:   logging.Discard(),
	})
	f.watcher.last = stat(path)
	return f
}

func (f *fixture) write(t *testing.T, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.path, []byte(content), 0o644))
	// Make the change visible even on coarse mtime filesystems.
	future := time.Now().Add(time.Duration(len(f.changes.all())+1) * time.Second)
	require.NoError(t, os.Chtimes(f.path, future, future))
}

// =============================================================================
// poll
// =============================================================================

func TestPoll_UnchangedFileDoesNothing(t *testing.T) {
	f := newFixture(t, "google.com\n")

	f.watcher.poll(context.Background())

	assert.Empty(t, f.changes.all())
	assert.Empty(t, f.recorder.Outcomes())
}

func TestPoll_AppendedDomainEmitsChange(t *testing.T) {
	f := newFixture(t, "google.com\n")

	f.write(t, "google.com\ngithub.com\n")
	f.watcher.poll(context.Background())

	changes := f.changes.all()
	require.Len(t, changes, 1)
	assert.Equal(t, []string{"wikipedia.org", "google.com", "github.com"}, changes[0].Domains())
	assert.Equal(t, []string{OutcomeChanged}, f.recorder.Outcomes())
}

// A read that fails must not mark the file state as seen, or the edit
// would be lost until the file changes again.
func TestPoll_FailedLoadIsRetriedOnNextPoll(t *testing.T) {
	f := newFixture(t, "google.com\n")
	loader := &MockLoader{Store: f.store, FailNext: 1}
	f.watcher.opts.Loader = loader

	f.write(t, "google.com\ngithub.com\n")
	f.watcher.poll(context.Background())
	assert.Empty(t, f.changes.all())
	assert.Equal(t, []string{OutcomeError}, f.recorder.Outcomes())

	f.watcher.poll(context.Background())
	changes := f.changes.all()
	require.Len(t, changes, 1)
	assert.Equal(t, []string{"wikipedia.org", "google.com", "github.com"}, changes[0].Domains())
	assert.Equal(t, []string{OutcomeError, OutcomeChanged}, f.recorder.Outcomes())

	f.watcher.poll(context.Background())
	assert.Equal(t, 2, loader.Loads(), "a successful load marks the state as seen")
}

func TestPoll_CommentOnlyEditIsNotAChange(t *testing.T) {
	f := newFixture(t, "google.com\n")

	f.write(t, "# search\ngoogle.com\n\n")
	f.watcher.poll(context.Background())

	assert.Empty(t, f.changes.all())
	assert.Equal(t, []string{OutcomeUnchanged}, f.recorder.Outcomes())
}

func TestPoll_DeletedFileFallsBackToDefaults(t *testing.T) {
	f := newFixture(t, "google.com\n")

	require.NoError(t, os.Remove(f.path))
	f.watcher.poll(context.Background())

	changes := f.changes.all()
	require.Len(t, changes, 1)
	assert.Equal(t, []string{"wikipedia.org"}, changes[0].Domains())
	assert.Equal(t, []string{OutcomeMissing}, f.recorder.Outcomes())
}

func TestPoll_CreatedFileIsPickedUp(t *testing.T) {
	f := newFixture(t, "")

	f.write(t, "example.org\n")
	f.watcher.poll(context.Background())

	changes := f.changes.all()
	require.Len(t, changes, 1)
	assert.Equal(t, []string{"wikipedia.org", "example.org"}, changes[0].Domains())
}

// =============================================================================
// Run
// =============================================================================

func TestRun_DetectsChangeAndStopsOnCancel(t *testing.T) {
	f := newFixture(t, "google.com\n")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.watcher.Run(ctx) }()

	// Give Run time to take its baseline stat.
	time.Sleep(100 * time.Millisecond)
	f.write(t, "google.com\ngithub.com\n")

	require.Eventually(t, func() bool { return len(f.changes.all()) == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.True(t, f.changes.all()[0].Contains("github.com"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_NoPathBlocksUntilCancel(t *testing.T) {
	store := policy.NewStore([]string{"a.com"}, "", nil)
	w := New(Options{Loader: store, Logger: logging.Discard()})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.NoError(t, w.Run(ctx))
}
