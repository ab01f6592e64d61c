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

import "time"

// Timeout floors. Values below these are raised, never rejected.
const (
	MinProbeTimeout = 1 * time.Second

	MinPollInterval = 100 * time.Millisecond

	MinGraceWindow = 100 * time.Millisecond
)

// Timeout defaults.
const (
	// DefaultGraceWindow is how long a freshly started proxy must stay
	// alive before Start reports success.
	DefaultGraceWindow = 2 * time.Second

	// DefaultStopTimeout bounds the wait after SIGTERM before SIGKILL.
	DefaultStopTimeout = 10 * time.Second

	// DefaultShutdownWait bounds how long shutdown waits for observers.
	DefaultShutdownWait = 5 * time.Second

	DefaultProbeTimeout = 30 * time.Second

	DefaultPollInterval = 2 * time.Second

	DefaultHealthInterval = 600 * time.Second
)

// EnforceMinTimeout returns requested, raised to minimum when lower.
//
// # Examples
//
//	EnforceMinTimeout(0, MinProbeTimeout)             // 1s
//	EnforceMinTimeout(30*time.Second, MinProbeTimeout) // 30s
func EnforceMinTimeout(requested, minimum time.Duration) time.Duration {
	if requested < minimum {
		return minimum
	}
	return requested
}

// EnforceDefaultTimeout returns fallback when requested is zero or negative.
func EnforceDefaultTimeout(requested, fallback time.Duration) time.Duration {
	if requested <= 0 {
		return fallback
	}
	return requested
}
