// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry exposes local apply counters. Off by default; the
// metrics endpoint only exists when explicitly enabled in config, and
// nothing ever leaves the machine on its own.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the apply-cycle counters on a private registry, so the
// process never inherits global collectors it did not register.
type Metrics struct {
	registry *prometheus.Registry

	AppliesTotal     *prometheus.CounterVec
	TransportRetries prometheus.Counter
	RollbacksTotal   prometheus.Counter
	ProbeAttempts    prometheus.Counter
}

// New builds the metric set.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.AppliesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stackpilot",
		Name:      "applies_total",
		Help:      "Apply runs by terminal state.",
	}, []string{"state"})

	m.TransportRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stackpilot",
		Name:      "transport_retries_total",
		Help:      "Immediate retries of transient compose-tool failures.",
	})

	m.RollbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stackpilot",
		Name:      "rollbacks_total",
		Help:      "Apply runs that entered rollback.",
	})

	m.ProbeAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stackpilot",
		Name:      "probe_attempts_total",
		Help:      "Readiness polling attempts.",
	})

	m.registry.MustRegister(m.AppliesTotal, m.TransportRetries, m.RollbacksTotal, m.ProbeAttempts)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
