// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package util provides foundational types shared by every az-ray component.
//
// This is a leaf package: it depends only on the standard library so that
// settings, policy, cloud, supervisor, health and orchestrator can all
// import it without cycles.
//
// # Overview
//
//   - Error taxonomy: ConfigurationError, AuthorizationError,
//     ProvisioningError, LaunchError, ProbeFailure, PolicyLoadWarning
//   - Timeouts: defaults and floors for grace windows, stop and probe budgets
//   - Ring buffer: bounded history for process stderr and probe outcomes
//   - Goroutine safety: panic capture for observer goroutines
//
// # Thread Safety
//
// [RingBuffer] is safe for concurrent use. Error values are immutable once
// constructed.
//
// # Key Types
//
//	var launchErr *util.LaunchError
//	if errors.As(err, &launchErr) {
//	    logger.Error("proxy exited during grace window", "stderr", launchErr.Stderr)
//	}
package util
