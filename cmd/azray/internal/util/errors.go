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
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by cloud backends when a resource does not exist.
var ErrNotFound = errors.New("resource not found")

// =============================================================================
// ConfigurationError
// =============================================================================

// ConfigurationError reports invalid or missing startup parameters.
//
// # Description
//
// Fatal and startup-only. All problems found in one pass are batched so
// the operator sees every missing variable at once rather than fixing them
// one run at a time.
//
// # Fields
//
//   - Missing: names of required parameters that were absent or empty
//   - Invalid: "NAME: reason" entries for parameters that failed validation
//   - Err: optional underlying cause (unreadable config file, etc.)
type ConfigurationError struct {
	Missing []string
	Invalid []string
	Err     error
}

// Error lists every missing and invalid parameter.
func (e *ConfigurationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required parameters: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid parameters: "+strings.Join(e.Invalid, "; "))
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	if len(parts) == 0 {
		return "configuration error"
	}
	return "configuration error: " + strings.Join(parts, "; ")
}

// Unwrap returns the underlying cause.
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Empty reports whether no problem has been recorded.
func (e *ConfigurationError) Empty() bool {
	return len(e.Missing) == 0 && len(e.Invalid) == 0 && e.Err == nil
}

// =============================================================================
// AuthorizationError
// =============================================================================

// AuthorizationError reports rejected cloud credentials or permissions.
//
// Credentials are not self-healing, so this error is never retried.
type AuthorizationError struct {
	Op       string
	Resource string
	Err      error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization failed: %s %s: %v", e.Op, e.Resource, e.Err)
}

func (e *AuthorizationError) Unwrap() error {
	return e.Err
}

// =============================================================================
// ProvisioningError
// =============================================================================

// ProvisioningError reports a failed cloud operation.
//
// Retryable marks throttling, conflicts and transient network failures.
// Non-retryable provisioning errors (bad request, quota) surface at once.
type ProvisioningError struct {
	Op        string
	Resource  string
	Retryable bool
	Err       error
}

func (e *ProvisioningError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("provisioning %s %s failed (%s): %v", e.Op, e.Resource, kind, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is, or wraps, a retryable ProvisioningError.
func IsRetryable(err error) bool {
	var provErr *ProvisioningError
	return errors.As(err, &provErr) && provErr.Retryable
}

// =============================================================================
// LaunchError
// =============================================================================

// LaunchError reports that the proxy executable could not be started or
// exited inside its grace window.
//
// # Fields
//
//   - Command: executable path as invoked
//   - ExitCode: process exit code, or -1 when it never started
//   - Stderr: tail of the captured standard error
//   - Err: underlying exec or wait error
type LaunchError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("launch %s failed (exit %d)", e.Command, e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// NewLaunchError trims stderr and builds a LaunchError.
func NewLaunchError(command string, exitCode int, stderr string, err error) *LaunchError {
	return &LaunchError{
		Command:  command,
		ExitCode: exitCode,
		Stderr:   strings.TrimSpace(stderr),
		Err:      err,
	}
}

// ExtractStderr walks the error chain and returns the first LaunchError
// stderr found, or "".
func ExtractStderr(err error) string {
	var launchErr *LaunchError
	if errors.As(err, &launchErr) {
		return launchErr.Stderr
	}
	return ""
}

// =============================================================================
// ProbeFailure
// =============================================================================

// ProbeFailure reports one failed end-to-end connectivity probe.
//
// It is expected and transient: only a streak of them is actionable.
type ProbeFailure struct {
	Target     string
	StatusCode int
	Err        error
}

func (e *ProbeFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("probe %s failed: %v", e.Target, e.Err)
	}
	return fmt.Sprintf("probe %s failed: status %d", e.Target, e.StatusCode)
}

func (e *ProbeFailure) Unwrap() error {
	return e.Err
}

// =============================================================================
// PolicyLoadWarning
// =============================================================================

// LineIssue describes one skipped line of a domain policy file.
type LineIssue struct {
	Line   int
	Text   string
	Reason string
}

// PolicyLoadWarning lists the malformed lines skipped while loading a
// domain policy. Loading continues with the valid entries.
type PolicyLoadWarning struct {
	Source string
	Issues []LineIssue
}

func (w *PolicyLoadWarning) Error() string {
	details := make([]string, 0, len(w.Issues))
	for _, issue := range w.Issues {
		details = append(details, fmt.Sprintf("line %d (%q): %s", issue.Line, issue.Text, issue.Reason))
	}
	return fmt.Sprintf("policy %s: skipped %d malformed line(s): %s",
		w.Source, len(w.Issues), strings.Join(details, "; "))
}

// Compile-time interface satisfaction checks
var (
	_ error = (*ConfigurationError)(nil)
	_ error = (*AuthorizationError)(nil)
	_ error = (*ProvisioningError)(nil)
	_ error = (*LaunchError)(nil)
	_ error = (*ProbeFailure)(nil)
	_ error = (*PolicyLoadWarning)(nil)
)
