// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/peacemakercq/az-ray/cmd/azray/internal/util"
)

// ProcessLocker guards one deployment against a second daemon.
type ProcessLocker interface {
	Acquire() error
	Release() error
	IsHeld() bool
	HolderPID() int
}

// ProcessLockConfig places the lock file. Empty fields fall back to the
// system temp directory and "azray".
type ProcessLockConfig struct {
	LockDir  string
	LockName string
}

// NameFor derives the lock name for one deployment: a resource group
// served on one local SOCKS port.
//
// # Examples
//
//	NameFor("AzRay-RG", 1080) // "azray-azray-rg-1080"
func NameFor(resourceGroup string, socksPort int) string {
	rg := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, strings.ToLower(resourceGroup))
	return fmt.Sprintf("azray-%s-%d", rg, socksPort)
}

// ProcessLock holds an exclusive flock on {LockDir}/{LockName}.lock. The
// holder writes its PID into the same file so a rejected daemon can name
// the instance already managing the deployment.
type ProcessLock struct {
	dir  string
	path string
	file *os.File
}

// NewProcessLock creates a lock. It does not acquire it.
func NewProcessLock(config ProcessLockConfig) *ProcessLock {
	if config.LockDir == "" {
		config.LockDir = os.TempDir()
	}
	if config.LockName == "" {
		config.LockName = "azray"
	}
	return &ProcessLock{
		dir:  config.LockDir,
		path: filepath.Join(config.LockDir, config.LockName+".lock"),
	}
}

// Acquire takes the lock without blocking. Acquiring a held lock is a
// no-op.
//
// # Outputs
//
//   - error: *ErrLockHeld when another daemon manages this deployment;
//     a wrapped filesystem error otherwise
func (p *ProcessLock) Acquire() error {
	if p.file != nil {
		return nil
	}
	if err := os.MkdirAll(p.dir, 0o700); err != nil {
		return fmt.Errorf("create state directory %s: %w", p.dir, err)
	}
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file %s: %w", p.path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return &ErrLockHeld{HolderPID: p.HolderPID(), LockPath: p.path}
		}
		return fmt.Errorf("lock %s: %w", p.path, err)
	}
	p.file = f

	// The PID is informational; failing to record it still leaves us holding the lock.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return nil
}

// Release clears the recorded PID and drops the lock. Releasing twice is
// a no-op. The file itself stays so a racing Acquire never locks an
// unlinked inode.
func (p *ProcessLock) Release() error {
	if p.file == nil {
		return nil
	}
	f := p.file
	p.file = nil
	_ = f.Truncate(0)
	err := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
	if err != nil {
		return fmt.Errorf("unlock %s: %w", p.path, err)
	}
	return nil
}

// IsHeld reports whether this instance holds the lock.
func (p *ProcessLock) IsHeld() bool {
	return p.file != nil
}

// HolderPID returns the PID recorded in the lock file, or 0 when none is
// recorded.
func (p *ProcessLock) HolderPID() int {
	f, err := os.Open(p.path)
	if err != nil {
		return 0
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, 32))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// LockPath returns the lock file path.
func (p *ProcessLock) LockPath() string {
	return p.path
}

// ErrLockHeld means another daemon manages the same deployment.
type ErrLockHeld struct {
	HolderPID int
	LockPath  string
}

// ExitStatus maps a held lock onto its own process exit code.
func (e *ErrLockHeld) ExitStatus() int {
	return util.ExitLockHeld
}

func (e *ErrLockHeld) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("another azray instance is running (PID %d)", e.HolderPID)
	}
	return fmt.Sprintf("another azray instance is running (check: lsof %s)", e.LockPath)
}

var _ ProcessLocker = (*ProcessLock)(nil)
