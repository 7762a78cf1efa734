// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus instrumentation for both binaries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "twinforge_ws_connections",
		Help: "Currently attached WebSocket sessions",
	})

	ActiveLocks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "twinforge_locks_active",
		Help: "Edit locks currently held across all twins",
	})

	LockConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twinforge_lock_conflicts_total",
		Help: "Lock acquisitions rejected due to component conflicts",
	})

	LocksReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twinforge_locks_reaped_total",
		Help: "Stale locks cleaned up by the background reaper",
	})

	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twinforge_broadcasts_total",
		Help: "Messages fanned out to twin subscribers, by frame type",
	}, []string{"type"})

	DeadPeersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twinforge_dead_peers_total",
		Help: "Sessions pruned after a failed transport send",
	})

	EditOperationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twinforge_edit_operations_total",
		Help: "Edit operations accepted and persisted",
	})

	TelemetrySamplesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twinforge_telemetry_samples_total",
		Help: "Telemetry samples ingested (single and batch)",
	})

	TicketsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twinforge_tickets_created_total",
		Help: "Maintenance tickets created, by severity",
	}, []string{"severity"})

	TicketsDedupedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twinforge_tickets_deduped_total",
		Help: "Maintenance tickets suppressed by the 24h dedup window",
	})

	AlertsDispatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twinforge_alerts_dispatched_total",
		Help: "Alerts dispatched for critical/high tickets",
	})

	AnomaliesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twinforge_anomalies_total",
		Help: "Telemetry points classified as anomalous",
	})

	LoopIterationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twinforge_loop_errors_total",
		Help: "Background loop iterations that failed and were skipped",
	}, []string{"loop"})
)
