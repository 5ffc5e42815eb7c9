// Copyright (C) 2025 Vergraph Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the vergraph
// service.
//
// Metrics are exposed via the /metrics endpoint. All operations are
// thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vergraph"

var (
	// BumpsTotal counts bump operations.
	// Labels: scope (major, minor, patch), status (success, error, dry_run)
	BumpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bumps_total",
		Help:      "Total bump operations by scope and status",
	}, []string{"scope", "status"})

	// BumpDurationSeconds measures the full bump pipeline (engine + signing
	// + persistence).
	BumpDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "bump_duration_seconds",
		Help:      "Bump pipeline duration",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	// SigningOperationsTotal counts signatures produced by key version.
	// Labels: key_version (v1, v2), status (success, error)
	SigningOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signing_operations_total",
		Help:      "Total signing operations by key version and status",
	}, []string{"key_version", "status"})

	// UpgradesTotal counts realtime connection upgrade attempts.
	// Labels: outcome (accepted, rejected), reason (host_mismatch,
	// bad_nonce, csrf_invalid, csrf_replayed, no_subprotocol, ok)
	UpgradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upgrades_total",
		Help:      "Total connection upgrade attempts by outcome and reason",
	}, []string{"outcome", "reason"})

	// CSRFValidationsTotal counts one-time token validations.
	// Labels: outcome (accepted, malformed, expired, bad_signature, replayed)
	CSRFValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "csrf_validations_total",
		Help:      "Total CSRF token validations by outcome",
	}, []string{"outcome"})

	// ActiveSessions tracks currently attached realtime sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Currently attached realtime sessions",
	})

	// RegistryEntities tracks the size of the working snapshot.
	RegistryEntities = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "registry_entities",
		Help:      "Entities in the working registry snapshot",
	})

	// EvictionsTotal counts eviction alarms that actually terminated the
	// actor (alarms firing in a non-RUNNING state are no-ops).
	EvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evictions_total",
		Help:      "Total eviction alarm firings that moved the actor to TERMINATED",
	})
)
