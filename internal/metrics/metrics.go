// Package metrics exposes DockMon's Prometheus gauges and counters across
// the host fleet, agent sessions, update pipeline, and alert engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ContainersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dockmon_containers_total",
		Help: "Total number of containers across all monitored hosts.",
	})
	ContainersMonitored = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dockmon_containers_monitored",
		Help: "Number of containers being monitored for updates.",
	})
	UpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockmon_updates_total",
		Help: "Total number of container updates by status.",
	}, []string{"status"})
	UpdateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dockmon_update_duration_seconds",
		Help:    "Duration of container update operations.",
		Buckets: prometheus.DefBuckets,
	})
	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dockmon_scan_duration_seconds",
		Help:    "Duration of update scan operations.",
		Buckets: prometheus.DefBuckets,
	})
	ScansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dockmon_scans_total",
		Help: "Total number of update scans performed.",
	})
	PendingUpdates = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dockmon_pending_updates",
		Help: "Number of containers with available updates.",
	})
	QueuedUpdates = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dockmon_queued_updates",
		Help: "Number of updates waiting in the approval queue.",
	})
	ImageCleanups = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dockmon_image_cleanups_total",
		Help: "Total number of old images cleaned up after updates.",
	})
	RegistryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockmon_registry_errors_total",
		Help: "Total number of registry check errors by registry.",
	}, []string{"registry"})

	// Agent session gauges (C3/C4).
	AgentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dockmon_agents_connected",
		Help: "Number of agent sessions currently authenticated and connected.",
	})
	AgentCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockmon_agent_commands_total",
		Help: "Total number of agent-forwarded commands by action and outcome.",
	}, []string{"action", "status"})
	AgentCommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dockmon_agent_command_duration_seconds",
		Help:    "Round-trip duration of agent-forwarded commands.",
		Buckets: prometheus.DefBuckets,
	})

	// Alert engine gauges (C9/C10).
	AlertsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dockmon_alerts_active",
		Help: "Number of currently active (unresolved) alerts.",
	})
	AlertsFiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockmon_alerts_fired_total",
		Help: "Total number of alerts transitioned to active, by rule type.",
	}, []string{"rule_type"})
	NotificationsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockmon_notifications_sent_total",
		Help: "Total number of alert notifications dispatched by channel type and outcome.",
	}, []string{"channel_type", "status"})
)
