// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics, tracing and the admin endpoint.
//
// # Description
//
// Metrics cover the control loop:
//   - Orchestrator state and recovery actions
//   - Provisioning retries per resource kind
//   - Health probe outcomes and latency
//   - Domain policy reloads and size
//
// Components never import this package. Each declares the small recorder
// interface it needs and *Metrics satisfies all of them.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "azray"

const (
	orchestratorSubsystem = "orchestrator"
	provisionSubsystem    = "provision"
	healthSubsystem       = "health"
	policySubsystem       = "policy"
)

// Metrics holds every Prometheus collector az-ray exports.
//
// # Fields
//
//   - State: 1 for the current orchestrator state, 0 otherwise
//   - RestartsTotal: local proxy restarts by reason
//   - RecreatesTotal: forced remote recreations
//   - ProvisionRetriesTotal: retried provisioning calls by resource kind
//   - ProbesTotal: health probes by result
//   - ProbeDurationSeconds: health probe latency
//   - PolicyReloadsTotal: domain file reloads by outcome
//   - PolicyDomains: domains in the active policy
type Metrics struct {
	State                 *prometheus.GaugeVec
	RestartsTotal         *prometheus.CounterVec
	RecreatesTotal        prometheus.Counter
	ProvisionRetriesTotal *prometheus.CounterVec
	ProbesTotal           *prometheus.CounterVec
	ProbeDurationSeconds  prometheus.Histogram
	PolicyReloadsTotal    *prometheus.CounterVec
	PolicyDomains         prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
//
// # Description
//
// Passing a fresh prometheus.NewRegistry() keeps tests isolated; main
// passes the registry served on /metrics.
//
// # Limitations
//
//   - Panics if called twice with the same registry (duplicate
//     registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		State: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "state",
				Help:      "Current orchestrator state (1 for the active state)",
			},
			[]string{"state"},
		),

		RestartsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "restarts_total",
				Help:      "Local proxy restarts by reason",
			},
			[]string{"reason"},
		),

		RecreatesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "recreates_total",
				Help:      "Forced recreations of the remote server",
			},
		),

		ProvisionRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: provisionSubsystem,
				Name:      "retries_total",
				Help:      "Retried provisioning calls by resource kind",
			},
			[]string{"kind"},
		),

		ProbesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: healthSubsystem,
				Name:      "probes_total",
				Help:      "Health probes by result",
			},
			[]string{"result"},
		),

		ProbeDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: healthSubsystem,
				Name:      "probe_duration_seconds",
				Help:      "Health probe latency in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),

		PolicyReloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: policySubsystem,
				Name:      "reloads_total",
				Help:      "Domain file reloads by outcome",
			},
			[]string{"outcome"},
		),

		PolicyDomains: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: policySubsystem,
				Name:      "domains",
				Help:      "Domains routed through the tunnel",
			},
		),
	}
}

// =============================================================================
// Recorder Methods
// =============================================================================

// SetState marks state as the active orchestrator state.
func (m *Metrics) SetState(state string) {
	m.State.Reset()
	m.State.WithLabelValues(state).Set(1)
}

// ObserveRestart counts a local proxy restart.
func (m *Metrics) ObserveRestart(reason string) {
	m.RestartsTotal.WithLabelValues(reason).Inc()
}

// ObserveRecreate counts a forced remote recreation.
func (m *Metrics) ObserveRecreate() {
	m.RecreatesTotal.Inc()
}

// SetPolicyDomains records the size of the active policy.
func (m *Metrics) SetPolicyDomains(n int) {
	m.PolicyDomains.Set(float64(n))
}

// ObserveProvisionRetry counts one retried provisioning call.
func (m *Metrics) ObserveProvisionRetry(kind string) {
	m.ProvisionRetriesTotal.WithLabelValues(kind).Inc()
}

// ObserveProbe records one health probe.
func (m *Metrics) ObserveProbe(success bool, elapsed time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	m.ProbesTotal.WithLabelValues(result).Inc()
	m.ProbeDurationSeconds.Observe(elapsed.Seconds())
}

// ObservePolicyReload counts one domain file reload.
func (m *Metrics) ObservePolicyReload(outcome string) {
	m.PolicyReloadsTotal.WithLabelValues(outcome).Inc()
}
