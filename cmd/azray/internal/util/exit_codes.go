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

import "errors"

// Process exit codes.
const (
	ExitOK            = 0
	ExitRuntime       = 1
	ExitConfiguration = 2
	ExitProvisioning  = 3
	ExitAuthorization = 4
	ExitSupervision   = 5
	ExitLockHeld      = 6
)

// ExitStatuser lets errors from other packages choose their own exit code.
type ExitStatuser interface {
	ExitStatus() int
}

// ExitCodeFor maps an error returned by the daemon onto a process exit code.
//
// # Description
//
// The first matching class in the chain wins, checked in this order:
// ExitStatuser, configuration, authorization, launch, provisioning.
// Authorization is checked before provisioning because the Azure backend
// wraps rejected credentials inside provisioning operations.
//
// # Examples
//
//	util.ExitCodeFor(nil)                            // 0
//	util.ExitCodeFor(&util.ConfigurationError{})     // 2
//	util.ExitCodeFor(fmt.Errorf("x: %w", launchErr)) // 5
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	var statuser ExitStatuser
	if errors.As(err, &statuser) {
		return statuser.ExitStatus()
	}
	var (
		cfgErr    *ConfigurationError
		authErr   *AuthorizationError
		launchErr *LaunchError
		provErr   *ProvisioningError
	)
	switch {
	case errors.As(err, &cfgErr):
		return ExitConfiguration
	case errors.As(err, &authErr):
		return ExitAuthorization
	case errors.As(err, &launchErr):
		return ExitSupervision
	case errors.As(err, &provErr):
		return ExitProvisioning
	default:
		return ExitRuntime
	}
}
