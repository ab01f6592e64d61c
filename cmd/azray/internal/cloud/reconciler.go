// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/peacemakercq/az-ray/cmd/azray/internal/util"
)

var tracer = otel.Tracer("azray.cloud")

// Backend performs provider calls for one resource at a time.
//
// # Description
//
// Get and Delete return an error wrapping util.ErrNotFound for absent
// resources. Every method classifies provider failures as
// *util.AuthorizationError or *util.ProvisioningError so the Reconciler
// can decide whether to retry.
//
// Apply is create-or-update: it must succeed whether or not the resource
// exists, and it must leave the resource healthy (for example, start a
// stopped container group).
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Backend interface {
	Get(ctx context.Context, ref Ref) (Observed, error)
	Apply(ctx context.Context, spec Spec) (Observed, error)
	Delete(ctx context.Context, ref Ref) error
}

// EnsureOptions modifies one Ensure call.
type EnsureOptions struct {
	// ForceRecreate tears down every resource (reverse dependency order)
	// before creating them again.
	ForceRecreate bool
}

// RetryObserver is notified of retried provisioning attempts. Metrics
// implement it.
type RetryObserver interface {
	ObserveProvisionRetry(kind string)
}

// Options configures a Reconciler.
type Options struct {
	// MaxAttempts bounds the total number of Ensure passes. Default 3.
	MaxAttempts int

	// InitialInterval is the first backoff delay. Default 1s.
	InitialInterval time.Duration

	// MaxInterval caps a single backoff delay. Default 60s.
	MaxInterval time.Duration

	Logger   *slog.Logger
	Observer RetryObserver
}

// Reconciler drives a Backend towards a Desired state.
//
// # Thread Safety
//
// Ensure may be called from any goroutine, but the orchestrator only
// ever runs one Ensure at a time.
type Reconciler struct {
	backend Backend
	opts    Options
	logger  *slog.Logger
}

// NewReconciler creates a Reconciler with defaults applied to opts.
func NewReconciler(backend Backend, opts Options) *Reconciler {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	opts.InitialInterval = util.EnforceDefaultTimeout(opts.InitialInterval, time.Second)
	opts.MaxInterval = util.EnforceDefaultTimeout(opts.MaxInterval, 60*time.Second)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		backend: backend,
		opts:    opts,
		logger:  logger.With("component", "reconciler"),
	}
}

// Ensure makes the remote resources match desired and returns the
// connection descriptor.
//
// # Description
//
// Each pass walks desired.Specs in order. A resource that exists, has no
// drifted property and is healthy is left alone; anything else is
// applied. With ForceRecreate the resources are first deleted in reverse
// order; a completed teardown is not repeated by later retries.
//
// A pass that fails with a retryable *util.ProvisioningError is retried
// with exponential backoff until MaxAttempts passes have run. An
// *util.AuthorizationError or a non-retryable error is returned at once.
//
// # Outputs
//
//   - Descriptor: the endpoint of the container group
//   - error: *util.AuthorizationError, *util.ProvisioningError, or the
//     context error
func (r *Reconciler) Ensure(ctx context.Context, desired Desired, opts EnsureOptions) (Descriptor, error) {
	ctx, span := tracer.Start(ctx, "cloud.Ensure", trace.WithAttributes(
		attribute.Bool("azray.force_recreate", opts.ForceRecreate),
		attribute.Int("azray.resources", len(desired.Specs)),
	))
	defer span.End()

	desc, err := r.ensureWithRetry(ctx, desired, opts.ForceRecreate)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ensure failed")
		return Descriptor{}, err
	}
	span.SetAttributes(attribute.String("azray.address", desc.Address))
	return desc, nil
}

// ensureWithRetry runs ensureOnce under the backoff policy. A pending
// teardown runs at the start of a pass until it has succeeded once.
func (r *Reconciler) ensureWithRetry(ctx context.Context, desired Desired, recreate bool) (Descriptor, error) {
	attempt := 0
	tornDown := !recreate
	operation := func() (Descriptor, error) {
		attempt++
		var (
			desc Descriptor
			err  error
		)
		if !tornDown {
			err = r.teardown(ctx, desired)
			tornDown = err == nil
		}
		if err == nil {
			desc, err = r.ensureOnce(ctx, desired)
		}
		if err == nil {
			return desc, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Descriptor{}, backoff.Permanent(ctxErr)
		}
		if !util.IsRetryable(err) {
			return Descriptor{}, backoff.Permanent(err)
		}
		r.logger.Warn("provisioning attempt failed",
			"attempt", attempt,
			"max_attempts", r.opts.MaxAttempts,
			"error", err,
		)
		return Descriptor{}, err
	}

	notify := func(err error, next time.Duration) {
		var provErr *util.ProvisioningError
		kind := "unknown"
		if errors.As(err, &provErr) {
			kind = provErr.Op
		}
		if r.opts.Observer != nil {
			r.opts.Observer.ObserveProvisionRetry(kind)
		}
		r.logger.Info("retrying provisioning", "in", next)
	}

	desc, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(uint(r.opts.MaxAttempts)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		if util.IsRetryable(err) {
			return Descriptor{}, fmt.Errorf("exhausted %d provisioning attempts: %w", attempt, err)
		}
		return Descriptor{}, err
	}
	return desc, nil
}

func (r *Reconciler) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.InitialInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxInterval = r.opts.MaxInterval
	return b
}

// ensureOnce performs one reconciliation pass.
func (r *Reconciler) ensureOnce(ctx context.Context, desired Desired) (Descriptor, error) {
	var container Observed
	for _, spec := range desired.Specs {
		obs, err := r.ensureResource(ctx, spec)
		if err != nil {
			return Descriptor{}, err
		}
		if spec.Ref.Kind == KindContainerGroup {
			container = obs
		}
	}
	return describe(desired, container)
}

// ensureResource reconciles one spec and returns its observed state.
func (r *Reconciler) ensureResource(ctx context.Context, spec Spec) (Observed, error) {
	ctx, span := tracer.Start(ctx, "cloud.ensureResource", trace.WithAttributes(
		attribute.String("azray.kind", string(spec.Ref.Kind)),
		attribute.String("azray.name", spec.Ref.Name),
	))
	defer span.End()

	obs, err := r.backend.Get(ctx, spec.Ref)
	switch {
	case errors.Is(err, util.ErrNotFound):
		r.logger.Info("creating resource", "resource", spec.Ref.String())
		span.SetAttributes(attribute.String("azray.action", "create"))
		return r.apply(ctx, span, spec)
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "get failed")
		return Observed{}, err
	}

	drifted := spec.Drift(obs)
	if len(drifted) == 0 && obs.Healthy {
		r.logger.Debug("resource up to date", "resource", spec.Ref.String())
		span.SetAttributes(attribute.String("azray.action", "none"))
		return obs, nil
	}

	r.logger.Info("updating resource",
		"resource", spec.Ref.String(),
		"drifted", drifted,
		"healthy", obs.Healthy,
	)
	span.SetAttributes(attribute.String("azray.action", "update"))
	return r.apply(ctx, span, spec)
}

func (r *Reconciler) apply(ctx context.Context, span trace.Span, spec Spec) (Observed, error) {
	obs, err := r.backend.Apply(ctx, spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		return Observed{}, err
	}
	return obs, nil
}

// teardown deletes every resource in reverse dependency order. Absent
// resources are skipped. Deleting the resource group last removes
// anything the earlier deletes left behind.
func (r *Reconciler) teardown(ctx context.Context, desired Desired) error {
	r.logger.Warn("forced recreate: deleting remote resources")
	for _, spec := range slices.Backward(desired.Specs) {
		err := r.backend.Delete(ctx, spec.Ref)
		if errors.Is(err, util.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		r.logger.Info("deleted resource", "resource", spec.Ref.String())
	}
	return nil
}

// describe builds the Descriptor from the observed container group.
func describe(desired Desired, container Observed) (Descriptor, error) {
	ref := desired.ContainerRef()
	address := container.IP
	if address == "" {
		address = container.FQDN
	}
	if address == "" {
		return Descriptor{}, &util.ProvisioningError{
			Op:        string(KindContainerGroup),
			Resource:  ref.Name,
			Retryable: true,
			Err:       errors.New("container group has no public address yet"),
		}
	}
	var account string
	for _, s := range desired.Specs {
		if s.Ref.Kind == KindStorageAccount {
			account = s.Ref.Name
		}
	}
	return Descriptor{
		Address:        address,
		IP:             container.IP,
		FQDN:           container.FQDN,
		Port:           desired.Port,
		Path:           desired.Path,
		ClientID:       desired.ClientID,
		SubscriptionID: desired.SubscriptionID,
		ResourceGroup:  ref.ResourceGroup,
		StorageAccount: account,
		ContainerGroup: ref.Name,
	}, nil
}
