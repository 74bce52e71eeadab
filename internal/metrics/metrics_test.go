package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistered(t *testing.T) {
	// Initialise CounterVec label combinations so they appear in Gather output.
	// CounterVec metrics are not gathered until at least one label set is created.
	UpdatesTotal.WithLabelValues("success")
	RegistryErrors.WithLabelValues("docker.io")
	AgentCommandsTotal.WithLabelValues("restart", "SUCCESS")
	AlertsFiredTotal.WithLabelValues("container_down")
	NotificationsSentTotal.WithLabelValues("gotify", "sent")

	// Verify all metrics are registered by gathering them.
	// promauto registers on init, so if we get here without panic, registration succeeded.
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expected := map[string]bool{
		"dockmon_containers_total":              false,
		"dockmon_containers_monitored":          false,
		"dockmon_updates_total":                 false,
		"dockmon_update_duration_seconds":       false,
		"dockmon_scan_duration_seconds":         false,
		"dockmon_scans_total":                   false,
		"dockmon_pending_updates":                false,
		"dockmon_queued_updates":                false,
		"dockmon_image_cleanups_total":          false,
		"dockmon_registry_errors_total":         false,
		"dockmon_agents_connected":              false,
		"dockmon_agent_commands_total":          false,
		"dockmon_agent_command_duration_seconds": false,
		"dockmon_alerts_active":                 false,
		"dockmon_alerts_fired_total":            false,
		"dockmon_notifications_sent_total":      false,
	}

	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestCounterIncrements(t *testing.T) {
	ScansTotal.Add(1)
	ImageCleanups.Add(1)
	UpdatesTotal.WithLabelValues("success").Inc()
	UpdatesTotal.WithLabelValues("failed").Inc()
	AgentCommandsTotal.WithLabelValues("deploy_compose", "SUCCESS").Inc()
	AlertsFiredTotal.WithLabelValues("host_offline").Inc()
	NotificationsSentTotal.WithLabelValues("webhook", "sent").Inc()
	// No panic = success; actual values verified via Gather if needed.
}

func TestGaugeSets(t *testing.T) {
	ContainersTotal.Set(10)
	ContainersMonitored.Set(8)
	PendingUpdates.Set(3)
	QueuedUpdates.Set(2)
	AgentsConnected.Set(4)
	AlertsActive.Set(1)
	// No panic = success.
}
