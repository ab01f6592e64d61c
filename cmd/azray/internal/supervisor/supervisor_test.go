// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peacemakercq/az-ray/cmd/azray/internal/synth"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/util"
	"github.com/peacemakercq/az-ray/pkg/logging"
)

func shellSupervisor(t *testing.T, script string, onExit func(ExitEvent)) *Supervisor {
	t.Helper()
	s := New(Options{
		Binary:      "/bin/sh",
		Args:        func(string) []string { return []string{"-c", script} },
		StateDir:    t.TempDir(),
		GraceWindow: 150 * time.Millisecond,
		StopTimeout: 300 * time.Millisecond,
		OnExit:      onExit,
		Logger:      logging.Discard(),
	})
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func testDocument() *synth.Document {
	return &synth.Document{Log: synth.LogConfig{Level: synth.LogLevel}}
}

// =============================================================================
// Start
// =============================================================================

func TestStart_ExitInsideGraceWindowIsLaunchError(t *testing.T) {
	var exits []ExitEvent
	s := shellSupervisor(t, "echo 'invalid config' >&2; exit 3", func(e ExitEvent) { exits = append(exits, e) })

	err := s.Start(context.Background(), testDocument())

	var launchErr *util.LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, 3, launchErr.ExitCode)
	assert.Equal(t, "invalid config", launchErr.Stderr)
	assert.False(t, s.IsRunning())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, exits, "grace-window exits are reported by Start, not OnExit")
}

func TestStart_MissingBinary(t *testing.T) {
	s := New(Options{
		Binary:   filepath.Join(t.TempDir(), "no-such-v2ray"),
		StateDir: t.TempDir(),
		Logger:   logging.Discard(),
	})

	err := s.Start(context.Background(), testDocument())

	var launchErr *util.LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, -1, launchErr.ExitCode)
	assert.False(t, s.IsRunning())
}

func TestStart_WritesConfigAndRuns(t *testing.T) {
	s := shellSupervisor(t, "exec sleep 30", nil)
	doc := testDocument()

	require.NoError(t, s.Start(context.Background(), doc))
	assert.True(t, s.IsRunning())

	proc, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, uint64(1), proc.Generation)
	assert.Equal(t, doc.Digest(), proc.Digest)
	assert.Positive(t, proc.PID)

	data, err := os.ReadFile(proc.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, doc.Bytes(), data)

	info, err := os.Stat(proc.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStart_AlreadyRunning(t *testing.T) {
	s := shellSupervisor(t, "exec sleep 30", nil)
	require.NoError(t, s.Start(context.Background(), testDocument()))

	err := s.Start(context.Background(), testDocument())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestStart_ContextCanceledDuringGraceWindow(t *testing.T) {
	s := New(Options{
		Binary:      "/bin/sh",
		Args:        func(string) []string { return []string{"-c", "exec sleep 30"} },
		StateDir:    t.TempDir(),
		GraceWindow: 5 * time.Second,
		StopTimeout: 300 * time.Millisecond,
		Logger:      logging.Discard(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := s.Start(ctx, testDocument())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool { return !s.IsRunning() }, 2*time.Second, 20*time.Millisecond)
}

func TestStart_ExportsAssetDir(t *testing.T) {
	handle := newFakeHandle(4242)
	launcher := &MockLauncher{LaunchFunc: func(Command) (Handle, error) { return handle, nil }}
	s := New(Options{
		StateDir:    t.TempDir(),
		AssetDir:    "/usr/share/v2ray",
		GraceWindow: 100 * time.Millisecond,
		Launcher:    launcher,
		Logger:      logging.Discard(),
	})

	require.NoError(t, s.Start(context.Background(), testDocument()))

	calls := launcher.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "v2ray", calls[0].Path)
	assert.Equal(t, []string{"run", "-c", filepath.Join(s.opts.StateDir, "client.json")}, calls[0].Args)
	assert.True(t, slices.Contains(calls[0].Env, "V2RAY_LOCATION_ASSET=/usr/share/v2ray"))

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, handle.Signals())
}

// =============================================================================
// Stop / Restart
// =============================================================================

func TestStop_TerminatesWithoutReportingExit(t *testing.T) {
	exits := make(chan ExitEvent, 1)
	s := shellSupervisor(t, "exec sleep 30", func(e ExitEvent) { exits <- e })
	require.NoError(t, s.Start(context.Background(), testDocument()))

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.IsRunning())
	_, ok := s.Current()
	assert.False(t, ok)

	select {
	case e := <-exits:
		t.Fatalf("unexpected exit event: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStop_KillsAfterTimeout(t *testing.T) {
	s := shellSupervisor(t, "trap '' TERM; sleep 30", nil)
	require.NoError(t, s.Start(context.Background(), testDocument()))

	start := time.Now()
	require.NoError(t, s.Stop(context.Background()))

	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.False(t, s.IsRunning())
}

func TestStop_NothingRunning(t *testing.T) {
	s := New(Options{StateDir: t.TempDir(), Logger: logging.Discard()})
	assert.NoError(t, s.Stop(context.Background()))
}

func TestRestart_BumpsGeneration(t *testing.T) {
	s := shellSupervisor(t, "exec sleep 30", nil)
	require.NoError(t, s.Start(context.Background(), testDocument()))
	first, _ := s.Current()

	require.NoError(t, s.Restart(context.Background(), testDocument()))
	second, ok := s.Current()

	require.True(t, ok)
	assert.Equal(t, first.Generation+1, second.Generation)
	assert.NotEqual(t, first.PID, second.PID)
	assert.True(t, s.IsRunning())
}

// =============================================================================
// Unexpected exit
// =============================================================================

func TestOnExit_ReportsUnexpectedExit(t *testing.T) {
	exits := make(chan ExitEvent, 1)
	s := shellSupervisor(t, "sleep 0.4; echo 'connection lost' >&2; exit 7", func(e ExitEvent) { exits <- e })
	require.NoError(t, s.Start(context.Background(), testDocument()))

	select {
	case e := <-exits:
		assert.Equal(t, uint64(1), e.Generation)
		assert.Equal(t, 7, e.ExitCode)
		assert.Equal(t, "connection lost", e.Stderr)
	case <-time.After(3 * time.Second):
		t.Fatal("exit was not reported")
	}
	assert.False(t, s.IsRunning())

	// A dead process can be replaced without Stop.
	s.opts.Args = func(string) []string { return []string{"-c", "exec sleep 30"} }
	require.NoError(t, s.Start(context.Background(), testDocument()))
	proc, _ := s.Current()
	assert.Equal(t, uint64(2), proc.Generation)
}

// =============================================================================
// lineWriter
// =============================================================================

func TestLineWriter_SplitsAcrossWrites(t *testing.T) {
	var lines []string
	w := &lineWriter{onLine: func(l string) { lines = append(lines, l) }}

	_, _ = w.Write([]byte("first li"))
	_, _ = w.Write([]byte("ne\r\nsecond\n\npart"))
	w.Flush()

	assert.Equal(t, []string{"first line", "second", "part"}, lines)
}

// =============================================================================
// Fakes
// =============================================================================

type fakeHandle struct {
	pid  int
	exit chan int

	mu      sync.Mutex
	signals []syscall.Signal
	once    sync.Once
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, exit: make(chan int, 1)}
}

func (h *fakeHandle) Pid() int { return h.pid }

func (h *fakeHandle) Wait() (int, error) {
	code := <-h.exit
	if code < 0 {
		return code, errors.New("signal: killed")
	}
	return code, nil
}

func (h *fakeHandle) Signal(sig syscall.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()
	h.once.Do(func() { h.exit <- -1 })
	return nil
}

func (h *fakeHandle) Signals() []syscall.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]syscall.Signal(nil), h.signals...)
}
