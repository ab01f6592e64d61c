// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator drives the control loop.
//
// # Description
//
// The orchestrator provisions the remote server, synthesizes the local
// proxy document, starts the proxy and then reacts to events from the
// domain watcher, the health monitor and the supervisor. It is the only
// component that decides to restart or recreate anything, and it does so
// from a single goroutine, so restarts never overlap.
//
//	Initializing -> Provisioning -> Synthesizing -> Running
//	Running -> Synthesizing -> Running          (policy changed)
//	Running -> Recovering -> Running            (tier one, process exit)
//	Running -> Recovering -> Provisioning -> Synthesizing -> Running
//	                                             (tier two, forced recreate)
//	any -> ShuttingDown                          (cancel, fatal error)
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/peacemakercq/az-ray/cmd/azray/internal/cloud"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/health"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/policy"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/settings"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/supervisor"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/synth"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/util"
)

var tracer = otel.Tracer("azray.orchestrator")

// DefaultMaxLaunchFailures is how many consecutive launch failures are
// tolerated before the orchestrator gives up.
const DefaultMaxLaunchFailures = 3

// Restart reasons recorded in metrics and logs.
const (
	ReasonStart    = "start"
	ReasonPolicy   = "policy"
	ReasonHealth   = "health"
	ReasonExit     = "exit"
	ReasonRecreate = "recreate"
)

// =============================================================================
// State
// =============================================================================

// State is the orchestrator's lifecycle state.
type State int32

const (
	StateInitializing State = iota
	StateProvisioning
	StateSynthesizing
	StateRunning
	StateRecovering
	StateShuttingDown
)

var stateNames = [...]string{
	StateInitializing: "initializing",
	StateProvisioning: "provisioning",
	StateSynthesizing: "synthesizing",
	StateRunning:      "running",
	StateRecovering:   "recovering",
	StateShuttingDown: "shutting_down",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// =============================================================================
// Dependencies
// =============================================================================

// Provisioner converges the remote resources. *cloud.Reconciler
// implements it.
type Provisioner interface {
	Ensure(ctx context.Context, desired cloud.Desired, opts cloud.EnsureOptions) (cloud.Descriptor, error)
}

// ProcessSupervisor runs the local proxy. *supervisor.Supervisor
// implements it.
type ProcessSupervisor interface {
	Start(ctx context.Context, doc *synth.Document) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context, doc *synth.Document) error
	Current() (supervisor.Process, bool)
}

// PolicySource loads the merged domain policy. *policy.Store implements
// it.
type PolicySource interface {
	Load() (policy.DomainPolicy, *util.PolicyLoadWarning, error)
}

// HealthTracker is told about recovery actions. *health.Monitor
// implements it.
type HealthTracker interface {
	NoteRestart()
	NoteRecreate()
}

// Recorder receives orchestrator metrics.
type Recorder interface {
	SetState(state string)
	ObserveRestart(reason string)
	ObserveRecreate()
	SetPolicyDomains(n int)
}

// Observer is a long-running task started once the proxy is up. Run must
// return nil when its context is cancelled.
type Observer struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config wires an Orchestrator.
type Config struct {
	Settings    *settings.Settings
	Provisioner Provisioner
	Supervisor  ProcessSupervisor
	Policies    PolicySource
	Health      HealthTracker
	Events      *Queue
	Observers   []Observer
	Recorder    Recorder

	// ForceRecreate tears the remote resources down on the first
	// provisioning pass.
	ForceRecreate bool

	// RestartLimiter paces launches. Default: one every 5s, burst 2.
	RestartLimiter *rate.Limiter

	// MaxLaunchFailures bounds consecutive launch failures. Default 3.
	MaxLaunchFailures int

	// ShutdownWait bounds the wait for observers. Default 5s.
	ShutdownWait time.Duration

	Logger *slog.Logger
}

// Status is the snapshot served on /status.
type Status struct {
	State      string    `json:"state"`
	Since      time.Time `json:"since"`
	Address    string    `json:"address,omitempty"`
	Port       int       `json:"port,omitempty"`
	Generation uint64    `json:"generation"`
	PID        int       `json:"pid,omitempty"`
	Digest     string    `json:"digest,omitempty"`
	Domains    int       `json:"domains"`
	Restarts   int       `json:"restarts"`
	Recreates  int       `json:"recreates"`
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator owns the control loop.
//
// # Thread Safety
//
// Run must be called once. State and Status are safe from any goroutine.
type Orchestrator struct {
	cfg     Config
	logger  *slog.Logger
	desired cloud.Desired

	state atomic.Int32

	// Owned by Run's goroutine.
	policy         policy.DomainPolicy
	doc            *synth.Document
	desc           cloud.Descriptor
	generation     uint64
	started        bool
	launchFailures int

	mu     sync.Mutex
	status Status
}

// New creates an Orchestrator with defaults applied.
func New(cfg Config) *Orchestrator {
	if cfg.Events == nil {
		cfg.Events = NewQueue(0)
	}
	if cfg.RestartLimiter == nil {
		cfg.RestartLimiter = rate.NewLimiter(rate.Every(5*time.Second), 2)
	}
	if cfg.MaxLaunchFailures <= 0 {
		cfg.MaxLaunchFailures = DefaultMaxLaunchFailures
	}
	cfg.ShutdownWait = util.EnforceDefaultTimeout(cfg.ShutdownWait, util.DefaultShutdownWait)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:     cfg,
		logger:  logger.With("component", "orchestrator"),
		desired: cloud.DesiredState(cfg.Settings, synth.Server(cfg.Settings).Bytes()),
		status:  Status{State: StateInitializing.String(), Since: time.Now()},
	}
	if cfg.Recorder != nil {
		cfg.Recorder.SetState(StateInitializing.String())
	}
	return o
}

// AddObserver registers an observer that needs the Orchestrator itself,
// such as the admin server serving Status. It must be called before Run.
func (o *Orchestrator) AddObserver(ob Observer) {
	o.cfg.Observers = append(o.cfg.Observers, ob)
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Status returns a copy of the current status.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// StatusAny adapts Status to observability.StatusFunc.
func (o *Orchestrator) StatusAny() any {
	return o.Status()
}

// Run executes the control loop until ctx is cancelled or a fatal error
// occurs.
//
// # Description
//
// Provisioning, synthesis and the first launch happen before any observer
// starts. Observers then run under an errgroup; each is wrapped so a
// panic ends the run through the error path. Whatever happens, the proxy
// is stopped before Run returns.
//
// # Outputs
//
//   - error: nil after cancellation; otherwise the provisioning,
//     authorization, launch or observer error that ended the run
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	defer o.stopProcess()

	if err := o.bootstrap(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	obsCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(obsCtx)
	for _, ob := range o.cfg.Observers {
		g.Go(func() error {
			return util.CatchPanic(ob.Name, func() error { return ob.Run(gctx) })
		})
	}
	observersDone := make(chan error, 1)
	go func() { observersDone <- g.Wait() }()

	finished, err := o.loop(ctx, observersDone)

	o.setState(StateShuttingDown)
	cancel()
	if finished {
		return err
	}
	select {
	case obsErr := <-observersDone:
		if err == nil && obsErr != nil && !errors.Is(obsErr, context.Canceled) {
			err = obsErr
		}
	case <-time.After(o.cfg.ShutdownWait):
		o.logger.Warn("observers did not stop in time", "wait", o.cfg.ShutdownWait)
	}
	return err
}

func (o *Orchestrator) bootstrap(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "orchestrator.bootstrap")
	defer span.End()

	o.setState(StateInitializing)
	p, _, err := o.cfg.Policies.Load()
	if err != nil {
		o.logger.Warn("domain file unavailable, using built-in domains", "error", err)
	}
	o.setPolicy(p)

	if err := o.provision(ctx, o.cfg.ForceRecreate); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provisioning failed")
		return err
	}
	o.synthesize()
	if err := o.launch(ctx, ReasonStart); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "launch failed")
		return err
	}
	o.setState(StateRunning)
	o.logger.Info("tunnel up",
		"address", o.desc.Address,
		"socks", o.cfg.Settings.SOCKSAddr(),
		"domains", o.policy.Len(),
	)
	return nil
}

// loop consumes events until ctx ends or an observer fails. Observers
// that return nil leave the loop running. finished reports whether
// observersDone has already been received from.
func (o *Orchestrator) loop(ctx context.Context, observersDone <-chan error) (finished bool, err error) {
	for {
		select {
		case <-ctx.Done():
			return finished, nil
		case obsErr := <-observersDone:
			finished = true
			observersDone = nil
			if obsErr != nil && ctx.Err() == nil {
				return finished, obsErr
			}
		case ev := <-o.cfg.Events.Events():
			if err := o.handle(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return finished, nil
				}
				return finished, err
			}
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, ev Event) error {
	ctx, span := tracer.Start(ctx, "orchestrator."+ev.eventName())
	defer span.End()

	var err error
	switch ev := ev.(type) {
	case PolicyChanged:
		err = o.onPolicyChanged(ctx, ev)
	case HealthEscalated:
		span.SetAttributes(attribute.String("azray.tier", ev.Tier.String()))
		err = o.onEscalated(ctx, ev)
	case HealthRestored:
		o.logger.Info("tunnel healthy again", "failures", ev.Failures)
	case ProcessExited:
		span.SetAttributes(attribute.Int64("azray.generation", int64(ev.Generation)))
		err = o.onProcessExited(ctx, ev)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "event handling failed")
		return err
	}
	o.setState(StateRunning)
	return nil
}

func (o *Orchestrator) onPolicyChanged(ctx context.Context, ev PolicyChanged) error {
	if !policy.Diff(o.policy, ev.Policy) {
		return nil
	}
	o.setPolicy(ev.Policy)
	o.synthesize()
	o.logger.Info("applying new domain policy", "domains", ev.Policy.Len())
	if err := o.launch(ctx, ReasonPolicy); err != nil {
		return err
	}
	if o.cfg.Health != nil {
		o.cfg.Health.NoteRestart()
	}
	return nil
}

func (o *Orchestrator) onEscalated(ctx context.Context, ev HealthEscalated) error {
	o.setState(StateRecovering)
	if ev.Tier == health.TierRemote {
		return o.recreate(ctx, ev.Failures)
	}
	o.logger.Warn("restarting local proxy", "reason", ReasonHealth, "failures", ev.Failures)
	if err := o.launch(ctx, ReasonHealth); err != nil {
		return err
	}
	if o.cfg.Health != nil {
		o.cfg.Health.NoteRestart()
	}
	return nil
}

func (o *Orchestrator) onProcessExited(ctx context.Context, ev ProcessExited) error {
	if ev.Generation != o.generation {
		o.logger.Debug("ignoring exit of replaced process",
			"generation", ev.Generation,
			"current", o.generation,
		)
		return nil
	}
	o.setState(StateRecovering)
	o.logger.Warn("proxy exited, restarting",
		"generation", ev.Generation,
		"exit_code", ev.ExitCode,
		"stderr", ev.Stderr,
	)
	if err := o.launch(ctx, ReasonExit); err != nil {
		return err
	}
	if o.cfg.Health != nil {
		o.cfg.Health.NoteRestart()
	}
	return nil
}

func (o *Orchestrator) recreate(ctx context.Context, failures int) error {
	o.logger.Error("recreating remote server", "failures", failures)
	if err := o.provision(ctx, true); err != nil {
		return err
	}
	o.synthesize()
	if err := o.launch(ctx, ReasonRecreate); err != nil {
		return err
	}
	if o.cfg.Health != nil {
		o.cfg.Health.NoteRecreate()
	}
	if o.cfg.Recorder != nil {
		o.cfg.Recorder.ObserveRecreate()
	}
	o.mu.Lock()
	o.status.Recreates++
	o.mu.Unlock()
	return nil
}

// =============================================================================
// Steps
// =============================================================================

func (o *Orchestrator) provision(ctx context.Context, force bool) error {
	o.setState(StateProvisioning)
	desc, err := o.cfg.Provisioner.Ensure(ctx, o.desired, cloud.EnsureOptions{ForceRecreate: force})
	if err != nil {
		return fmt.Errorf("provision remote server: %w", err)
	}
	o.desc = desc
	o.mu.Lock()
	o.status.Address = desc.Address
	o.status.Port = desc.Port
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) synthesize() {
	o.setState(StateSynthesizing)
	o.doc = synth.Synthesize(o.desc, o.policy, o.cfg.Settings)
}

// launch (re)starts the proxy with the current document.
//
// # Description
//
// Launches are paced by the restart limiter. A LaunchError is retried
// until MaxLaunchFailures consecutive failures, after which the last one
// is returned wrapped. Any other error is returned immediately.
func (o *Orchestrator) launch(ctx context.Context, reason string) error {
	for {
		if err := o.cfg.RestartLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("wait for restart budget: %w", err)
		}

		var err error
		if o.started {
			err = o.cfg.Supervisor.Restart(ctx, o.doc)
		} else {
			err = o.cfg.Supervisor.Start(ctx, o.doc)
		}
		if err == nil {
			o.started = true
			o.launchFailures = 0
			o.recordLaunch(reason)
			return nil
		}

		var launchErr *util.LaunchError
		if !errors.As(err, &launchErr) {
			return err
		}
		o.started = true
		o.launchFailures++
		o.logger.Warn("proxy launch failed",
			"reason", reason,
			"attempt", o.launchFailures,
			"exit_code", launchErr.ExitCode,
			"stderr", launchErr.Stderr,
		)
		if o.launchFailures >= o.cfg.MaxLaunchFailures {
			return fmt.Errorf("giving up after %d consecutive launch failures: %w", o.launchFailures, err)
		}
	}
}

func (o *Orchestrator) recordLaunch(reason string) {
	proc, _ := o.cfg.Supervisor.Current()
	o.generation = proc.Generation

	o.mu.Lock()
	o.status.Generation = proc.Generation
	o.status.PID = proc.PID
	o.status.Digest = proc.Digest
	if reason != ReasonStart {
		o.status.Restarts++
	}
	o.mu.Unlock()

	if reason != ReasonStart && o.cfg.Recorder != nil {
		o.cfg.Recorder.ObserveRestart(reason)
	}
	o.logger.Info("proxy running", "reason", reason, "generation", proc.Generation, "pid", proc.PID)
}

func (o *Orchestrator) setPolicy(p policy.DomainPolicy) {
	o.policy = p
	o.mu.Lock()
	o.status.Domains = p.Len()
	o.mu.Unlock()
	if o.cfg.Recorder != nil {
		o.cfg.Recorder.SetPolicyDomains(p.Len())
	}
}

func (o *Orchestrator) setState(s State) {
	if State(o.state.Swap(int32(s))) == s {
		return
	}
	o.mu.Lock()
	o.status.State = s.String()
	o.status.Since = time.Now()
	o.mu.Unlock()
	if o.cfg.Recorder != nil {
		o.cfg.Recorder.SetState(s.String())
	}
	o.logger.Debug("state changed", "state", s.String())
}

// stopProcess is deferred by Run so the proxy never outlives it.
func (o *Orchestrator) stopProcess() {
	o.setState(StateShuttingDown)
	o.cfg.Events.Close()

	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultStopTimeout+util.DefaultShutdownWait)
	defer cancel()
	ctx, span := tracer.Start(ctx, "orchestrator.shutdown", trace.WithAttributes(
		attribute.Int64("azray.generation", int64(o.generation)),
	))
	defer span.End()

	if err := o.cfg.Supervisor.Stop(ctx); err != nil {
		span.RecordError(err)
		o.logger.Error("failed to stop proxy", "error", err)
		return
	}
	o.logger.Info("shutdown complete")
}
