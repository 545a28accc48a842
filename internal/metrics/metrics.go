// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

// Package metrics defines the Prometheus collectors shared across the
// service. Collectors are registered on the default registry; the HTTP
// layer exposes them via Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LedgerAppends counts audit ledger appends by event type.
	LedgerAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "castellan",
		Subsystem: "ledger",
		Name:      "appends_total",
		Help:      "Audit ledger entries appended.",
	}, []string{"event_type"})

	// LedgerArchived counts entries moved to the archive.
	LedgerArchived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "castellan",
		Subsystem: "ledger",
		Name:      "archived_total",
		Help:      "Audit ledger entries archived.",
	})

	// LedgerPurged counts archive rows removed past retention.
	LedgerPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "castellan",
		Subsystem: "ledger",
		Name:      "purged_total",
		Help:      "Archived audit entries purged.",
	})

	// AuditAlerts counts evaluator alerts by rule.
	AuditAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "castellan",
		Subsystem: "audit",
		Name:      "alerts_total",
		Help:      "Audit alerts raised by the post-append evaluator.",
	}, []string{"alert_type"})

	// SecurityAlerts counts anomaly engine alerts by rule and severity.
	SecurityAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "castellan",
		Subsystem: "anomaly",
		Name:      "alerts_total",
		Help:      "Security alerts raised by the anomaly engine.",
	}, []string{"rule", "severity"})

	// SweepDuration observes anomaly sweep latency by rule.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "castellan",
		Subsystem: "anomaly",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of anomaly detection sweeps.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"rule"})

	// BroadcastsSent counts alert messages pushed to operator sessions.
	BroadcastsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "castellan",
		Subsystem: "websocket",
		Name:      "broadcasts_total",
		Help:      "Alert broadcasts sent to connected operator sessions.",
	})

	// BroadcastsDropped counts broadcasts discarded due to slow clients.
	BroadcastsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "castellan",
		Subsystem: "websocket",
		Name:      "broadcasts_dropped_total",
		Help:      "Alert broadcasts dropped because a client buffer was full.",
	})
)

// Handler returns the Prometheus scrape handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
