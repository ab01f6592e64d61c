// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/peacemakercq/az-ray/cmd/azray/internal/cloud"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/health"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/infra/process"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/observability"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/orchestrator"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/policy"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/settings"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/supervisor"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/synth"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/util"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/watcher"
	"github.com/peacemakercq/az-ray/pkg/logging"
)

// dryRunIP is a documentation address (RFC 5737) used for --dry-run.
const dryRunIP = "192.0.2.10"

// runDaemon wires every component and blocks until ctx is cancelled or
// the orchestrator gives up.
//
// # Description
//
// Startup order:
//  1. settings and logging
//  2. single-instance lock for (resource group, SOCKS port)
//  3. tracing and metrics
//  4. Azure backend, reconciler, supervisor, policy store, watcher and
//     health monitor, all reporting through one event queue
//  5. the orchestrator, which owns every restart and recreate decision
//
// # Outputs
//
//   - error: nil on clean shutdown; otherwise an error that ExitCodeFor
//     maps onto the documented exit codes
func runDaemon(ctx context.Context, opts *cliOptions) error {
	s, err := opts.loadSettings()
	if err != nil {
		return err
	}

	logs := logging.New(logging.Config{
		Level:   logging.LevelForVerbosity(opts.verbose),
		LogDir:  s.LogDir,
		Service: "azray",
		Output:  opts.stderr,
	})
	defer logs.Close()
	logger := logs.Slog()

	if opts.dryRun {
		return runDryRun(ctx, s, opts.stdout, logger)
	}

	lock := process.NewProcessLock(process.ProcessLockConfig{
		LockDir:  s.StateDir,
		LockName: process.NameFor(s.ResourceGroup, s.SOCKSPort),
	})
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("failed to release instance lock", "error", err)
		}
	}()

	logger.Info("starting azray", "version", version, "settings", s)

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		ServiceName: "azray",
		Exporter:    s.TraceExporter,
		Endpoint:    s.OTLPEndpoint,
		Output:      opts.stderr,
		Insecure:    true,
		Version:     version,
	})
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	} else {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(sctx); err != nil {
				logger.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	backend, subscriptionID, err := opts.newBackend(ctx, s, logger)
	if err != nil {
		return err
	}
	s = s.WithSubscription(subscriptionID)

	reconciler := cloud.NewReconciler(backend, cloud.Options{
		MaxAttempts: s.ProvisionMaxAttempts,
		Logger:      logger,
		Observer:    metrics,
	})

	queue := orchestrator.NewQueue(0)

	sup := supervisor.New(supervisor.Options{
		Binary:   s.ProxyBinary,
		StateDir: s.StateDir,
		AssetDir: s.AssetDir,
		OnExit:   queue.OnProcessExit,
		Logger:   logger,
	})

	store := policy.NewStore(s.BuiltinDomains, s.DomainFile, logger)
	// Load falls back to the built-in domains on error; the orchestrator
	// reports it during bootstrap.
	initial, _, _ := store.Load()

	domainWatcher := watcher.New(watcher.Options{
		Loader:   store,
		Initial:  initial,
		Interval: s.DomainPollInterval,
		OnChange: queue.OnPolicyChange,
		Recorder: metrics,
		Logger:   logger,
	})

	prober, err := health.NewSOCKSProber(s.SOCKSAddr(), s.HealthProbeURL, s.HealthProbeTimeout)
	if err != nil {
		return fmt.Errorf("create health prober: %w", err)
	}
	monitor := health.NewMonitor(health.Options{
		Prober:            prober,
		Running:           sup.IsRunning,
		Interval:          s.HealthInterval,
		FailureThreshold:  s.FailureThreshold,
		RecreateThreshold: s.RecreateThreshold,
		Notify:            queue.OnHealth,
		Recorder:          metrics,
		Logger:            logger,
	})

	observers := []orchestrator.Observer{
		{Name: "watcher", Run: domainWatcher.Run},
		{Name: "health", Run: monitor.Run},
	}

	orch := orchestrator.New(orchestrator.Config{
		Settings:      s,
		Provisioner:   reconciler,
		Supervisor:    sup,
		Policies:      store,
		Health:        monitor,
		Events:        queue,
		Observers:     observers,
		Recorder:      metrics,
		ForceRecreate: opts.recreate,
		Logger:        logger,
	})

	if s.MetricsAddr != "" {
		admin := observability.NewAdminServer(s.MetricsAddr, registry, orch.StatusAny, logger)
		orch.AddObserver(orchestrator.Observer{Name: "admin", Run: admin.Run})
	}

	err = orch.Run(ctx)
	if err != nil {
		logger.Error("azray stopped", "error", err)
		return err
	}
	logger.Info("azray stopped")
	return nil
}

// runDryRun provisions against an in-memory backend and prints what a
// real run would create and launch.
func runDryRun(ctx context.Context, s *settings.Settings, out io.Writer, logger *slog.Logger) error {
	mem := cloud.NewMemoryBackend()
	mem.IP = dryRunIP
	reconciler := cloud.NewReconciler(mem, cloud.Options{Logger: logger})

	desired := cloud.DesiredState(s, synth.Server(s).Bytes())
	desc, err := reconciler.Ensure(ctx, desired, cloud.EnsureOptions{})
	if err != nil {
		return err
	}

	store := policy.NewStore(s.BuiltinDomains, s.DomainFile, logger)
	p, _, err := store.Load()
	if err != nil {
		logger.Warn("domain file unavailable, using built-in domains", "error", err)
	}

	fmt.Fprintln(out, "Planned resources:")
	for _, spec := range desired.Specs {
		fmt.Fprintf(out, "  %-18s %s\n", spec.Ref.Kind, spec.Ref.Name)
	}
	fmt.Fprintf(out, "Proxied domains: %s\n", strings.Join(p.Domains(), ", "))
	fmt.Fprintln(out, "Local proxy document:")
	_, err = out.Write(synth.Synthesize(desc, p, s).Bytes())
	return err
}

// runRender prints the local proxy document for a server at --address.
func runRender(opts *cliOptions) error {
	if opts.address == "" {
		return &util.ConfigurationError{Missing: []string{"--address"}}
	}
	s, err := opts.loadSettings()
	if err != nil {
		return err
	}
	store := policy.NewStore(s.BuiltinDomains, s.DomainFile, logging.Discard())
	p, _, _ := store.Load()
	desc := cloud.Descriptor{
		Address:  opts.address,
		Port:     s.V2RayPort,
		Path:     s.V2RayPath,
		ClientID: s.V2RayClientID,
	}
	_, err = opts.stdout.Write(synth.Synthesize(desc, p, s).Bytes())
	return err
}
