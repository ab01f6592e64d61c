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
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// Command describes one launch of the proxy executable.
type Command struct {
	Path   string
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Handle is a started process.
type Handle interface {
	// Pid returns the operating system process id.
	Pid() int

	// Wait blocks until the process exits and returns its exit code
	// (-1 when killed by a signal). It must be called exactly once.
	Wait() (int, error)

	// Signal delivers sig to the process and everything it spawned.
	// Signalling an exited process is not an error.
	Signal(sig syscall.Signal) error
}

// Launcher starts processes.
//
// # Description
//
// Abstracts os/exec so the supervisor can be tested without spawning the
// real proxy. Implementations start the process in its own process group
// so Signal reaches helpers it forks.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Launcher interface {
	Launch(cmd Command) (Handle, error)
}

// -----------------------------------------------------------------------------
// exec implementation
// -----------------------------------------------------------------------------

// ExecLauncher launches real processes.
type ExecLauncher struct {
	// WaitDelay bounds how long Wait waits for output pipes after the
	// process exits. Default 1s.
	WaitDelay time.Duration
}

// Launch implements Launcher.
func (l ExecLauncher) Launch(c Command) (Handle, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = c.Env
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = l.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = time.Second
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execHandle{cmd: cmd}, nil
}

type execHandle struct {
	cmd *exec.Cmd
}

func (h *execHandle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Wait() (int, error) {
	err := h.cmd.Wait()
	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// The exit code carries the information.
		err = nil
	}
	return code, err
}

func (h *execHandle) Signal(sig syscall.Signal) error {
	pid := h.cmd.Process.Pid
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("signal process group %d: %w", pid, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockLauncher is a test double for Launcher.
//
// LaunchFunc must be set. Calls records every invocation.
type MockLauncher struct {
	LaunchFunc func(cmd Command) (Handle, error)

	mu    sync.Mutex
	calls []Command
}

// Launch records the call and delegates to LaunchFunc.
func (m *MockLauncher) Launch(cmd Command) (Handle, error) {
	m.mu.Lock()
	m.calls = append(m.calls, cmd)
	fn := m.LaunchFunc
	m.mu.Unlock()
	if fn == nil {
		panic("MockLauncher.LaunchFunc not set")
	}
	return fn(cmd)
}

// Calls returns a copy of the recorded commands.
func (m *MockLauncher) Calls() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Command(nil), m.calls...)
}

// Compile-time interface compliance check.
var (
	_ Launcher = ExecLauncher{}
	_ Launcher = (*MockLauncher)(nil)
)
