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
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peacemakercq/az-ray/cmd/azray/internal/util"
)

func newTestLock(t *testing.T, dir string) *ProcessLock {
	t.Helper()
	lock := NewProcessLock(ProcessLockConfig{LockDir: dir, LockName: "azray-test"})
	t.Cleanup(func() { _ = lock.Release() })
	return lock
}

func TestProcessLock_AcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	lock := newTestLock(t, dir)

	require.NoError(t, lock.Acquire())
	assert.True(t, lock.IsHeld())
	assert.Equal(t, os.Getpid(), lock.HolderPID())
	assert.Equal(t, filepath.Join(dir, "azray-test.lock"), lock.LockPath())

	// Idempotent.
	require.NoError(t, lock.Acquire())

	require.NoError(t, lock.Release())
	assert.False(t, lock.IsHeld())
	assert.Zero(t, lock.HolderPID())
	require.NoError(t, lock.Release())
}

func TestProcessLock_SecondInstanceIsRejected(t *testing.T) {
	dir := t.TempDir()
	first := newTestLock(t, dir)
	second := newTestLock(t, dir)

	require.NoError(t, first.Acquire())

	err := second.Acquire()
	var held *ErrLockHeld
	require.ErrorAs(t, err, &held)
	assert.Equal(t, os.Getpid(), held.HolderPID)
	assert.Contains(t, err.Error(), "another azray instance is running")
	assert.False(t, second.IsHeld())

	require.NoError(t, first.Release())
	assert.NoError(t, second.Acquire())
}

func TestProcessLock_RecordsPIDInLockFile(t *testing.T) {
	dir := t.TempDir()
	lock := newTestLock(t, dir)
	require.NoError(t, lock.Acquire())

	data, err := os.ReadFile(lock.LockPath())
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d\n", os.Getpid()), string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "one file per deployment")

	require.NoError(t, lock.Release())
	assert.FileExists(t, lock.LockPath())
	data, err = os.ReadFile(lock.LockPath())
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestProcessLock_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state", "nested")
	lock := newTestLock(t, dir)

	require.NoError(t, lock.Acquire())
	assert.FileExists(t, filepath.Join(dir, "azray-test.lock"))
}

func TestErrLockHeld_WithoutPID(t *testing.T) {
	err := &ErrLockHeld{LockPath: "/tmp/azray.lock"}
	assert.Equal(t, "another azray instance is running (check: lsof /tmp/azray.lock)", err.Error())
}

func TestNameFor(t *testing.T) {
	assert.Equal(t, "azray-azray-rg-1080", NameFor("AzRay-RG", 1080))
	assert.Equal(t, "azray-my-rg-x-1081", NameFor("my.rg(x", 1081))
}

func TestErrLockHeld_ExitStatus(t *testing.T) {
	err := fmt.Errorf("startup: %w", &ErrLockHeld{HolderPID: 42})
	assert.Equal(t, util.ExitLockHeld, util.ExitCodeFor(err))
}
