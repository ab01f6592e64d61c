// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/peacemakercq/az-ray/cmd/azray/internal/cloud"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/util"
)

// classify maps an SDK error onto the error taxonomy.
//
// # Description
//
//   - 404: wraps util.ErrNotFound
//   - 401, 403, token acquisition failure: *util.AuthorizationError
//   - 408, 409, 429, 5xx, transport failures: retryable *util.ProvisioningError
//   - other 4xx: permanent *util.ProvisioningError
//   - context errors pass through unchanged
//
// 409 is retryable because ARM returns it while a previous operation on
// the same resource (a delete during forced recreate) is still running.
func classify(op string, ref cloud.Ref, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if classified(err) {
		return err
	}

	resource := ref.String()

	var authFailed *azidentity.AuthenticationFailedError
	if errors.As(err, &authFailed) {
		return &util.AuthorizationError{Op: op, Resource: resource, Err: err}
	}

	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return &util.ProvisioningError{Op: op, Resource: resource, Retryable: true, Err: err}
	}

	switch code := respErr.StatusCode; {
	case code == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", op, resource, util.ErrNotFound)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &util.AuthorizationError{Op: op, Resource: resource, Err: err}
	case code == http.StatusRequestTimeout,
		code == http.StatusConflict,
		code == http.StatusTooManyRequests,
		code >= http.StatusInternalServerError:
		return &util.ProvisioningError{Op: op, Resource: resource, Retryable: true, Err: err}
	default:
		return &util.ProvisioningError{Op: op, Resource: resource, Retryable: false, Err: err}
	}
}

// classified reports whether err already carries a taxonomy error.
func classified(err error) bool {
	var authErr *util.AuthorizationError
	var provErr *util.ProvisioningError
	return errors.Is(err, util.ErrNotFound) || errors.As(err, &authErr) || errors.As(err, &provErr)
}
