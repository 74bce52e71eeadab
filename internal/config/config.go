// Package config loads DockMon's environment-variable configuration,
// following the same envStr/envBool/envDuration helper pattern and
// mutex-guarded hot-reloadable fields the teacher repo established.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// Config holds all DockMon daemon configuration. Mutable fields are
// protected by an RWMutex and accessed via getter/setter methods, since the
// evaluation/discovery/maintenance goroutines read them while an eventual
// HTTP surface may write them.
type Config struct {
	// Docker connection (C2 default local host).
	DockerSock string

	// Storage.
	DBPath string

	// Logging.
	LogJSON bool

	// Agent server (C3).
	AgentListenAddr  string
	AgentAuthTimeout time.Duration

	// TLS (C11 rotation, C2/C6 filesystem rules).
	CertDir        string
	CertRenewAhead time.Duration // regenerate when expiry is within this window
	CertValidity   time.Duration // validity period on reissue

	MetricsEnabled bool

	// mu protects the mutable runtime fields below.
	mu sync.RWMutex

	// C5 discovery.
	discoveryInterval time.Duration
	backoffCap        time.Duration

	// C6/C7/C8 update executor.
	autoUpdateFanout   int
	healthGateTimeout  time.Duration
	pullTimeout        time.Duration
	backupGraceHours   time.Duration
	defaultFloatingTag string // exact|patch|minor|latest
	updateScanInterval time.Duration

	// C1 registry adapter — cache TTL buckets, test-overridable per §4.1.
	ttlLatest   time.Duration
	ttlPinned   time.Duration
	ttlFloating time.Duration
	ttlDefault  time.Duration

	// C9/C10 alert engine.
	evaluationInterval       time.Duration
	pendingNotificationTick  time.Duration
	snoozeExpiryTick         time.Duration
	defaultAlertActiveDelay  time.Duration
	defaultAlertClearDelay   time.Duration
	defaultNotifyCooldown    time.Duration

	// C11 maintenance.
	maintenanceSchedule   string // cron expression, daily
	updateCheckSchedule   string // cron expression, every 6h
	eventRetention        time.Duration
	alertRetention        time.Duration
	tagAssignmentMaxIdle  time.Duration
	imageKeepNewest       int
	imagePruneGrace       time.Duration
	selfImageRef          string
}

// NewTestConfig creates a Config with sensible defaults for testing.
func NewTestConfig() *Config {
	return &Config{
		discoveryInterval:       10 * time.Second,
		backoffCap:              300 * time.Second,
		autoUpdateFanout:        5,
		healthGateTimeout:       120 * time.Second,
		pullTimeout:             1800 * time.Second,
		backupGraceHours:        24 * time.Hour,
		defaultFloatingTag:      "minor",
		updateScanInterval:      5 * time.Minute,
		ttlLatest:               5 * time.Minute,
		ttlPinned:               6 * time.Hour,
		ttlFloating:             2 * time.Hour,
		ttlDefault:              1 * time.Hour,
		evaluationInterval:      10 * time.Second,
		pendingNotificationTick: 5 * time.Second,
		snoozeExpiryTick:        60 * time.Second,
		defaultAlertActiveDelay: 0,
		defaultAlertClearDelay:  0,
		defaultNotifyCooldown:   15 * time.Minute,
		maintenanceSchedule:     "0 3 * * *",
		updateCheckSchedule:     "0 */6 * * *",
		eventRetention:          30 * 24 * time.Hour,
		alertRetention:          30 * 24 * time.Hour,
		tagAssignmentMaxIdle:    30 * 24 * time.Hour,
		imageKeepNewest:         2,
		imagePruneGrace:         48 * time.Hour,
		selfImageRef:            "darthnorse/dockmon:latest",
	}
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		DockerSock:              envStr("DOCKMON_DOCKER_SOCK", "/var/run/docker.sock"),
		DBPath:                  envStr("DOCKMON_DB_PATH", "/data/dockmon.db"),
		LogJSON:                 envBool("DOCKMON_LOG_JSON", true),
		AgentListenAddr:         envStr("DOCKMON_AGENT_LISTEN", ":7443"),
		AgentAuthTimeout:        envDuration("DOCKMON_AGENT_AUTH_TIMEOUT", 30*time.Second),
		CertDir:                 envStr("DOCKMON_CERT_DIR", "/data/certs"),
		CertRenewAhead:          envDuration("DOCKMON_CERT_RENEW_AHEAD", 41*24*time.Hour),
		CertValidity:            envDuration("DOCKMON_CERT_VALIDITY", 47*24*time.Hour),
		MetricsEnabled:          envBool("DOCKMON_METRICS", false),
		discoveryInterval:       envDuration("DOCKMON_DISCOVERY_INTERVAL", 10*time.Second),
		backoffCap:              envDuration("DOCKMON_BACKOFF_CAP", 300*time.Second),
		autoUpdateFanout:        envInt("DOCKMON_AUTO_UPDATE_FANOUT", 5),
		healthGateTimeout:       envDuration("DOCKMON_HEALTH_GATE_TIMEOUT", 120*time.Second),
		pullTimeout:             envDuration("DOCKMON_PULL_TIMEOUT", 1800*time.Second),
		backupGraceHours:        envDuration("DOCKMON_BACKUP_GRACE", 24*time.Hour),
		defaultFloatingTag:      envStr("DOCKMON_DEFAULT_FLOATING_TAG", "minor"),
		updateScanInterval:      envDuration("DOCKMON_UPDATE_SCAN_INTERVAL", 5*time.Minute),
		ttlLatest:               envDuration("DOCKMON_TTL_LATEST", 5*time.Minute),
		ttlPinned:               envDuration("DOCKMON_TTL_PINNED", 6*time.Hour),
		ttlFloating:             envDuration("DOCKMON_TTL_FLOATING", 2*time.Hour),
		ttlDefault:              envDuration("DOCKMON_TTL_DEFAULT", 1*time.Hour),
		evaluationInterval:      envDuration("DOCKMON_EVAL_INTERVAL", 10*time.Second),
		pendingNotificationTick: envDuration("DOCKMON_PENDING_NOTIFY_TICK", 5*time.Second),
		snoozeExpiryTick:        envDuration("DOCKMON_SNOOZE_TICK", 60*time.Second),
		defaultAlertActiveDelay: envDuration("DOCKMON_ALERT_ACTIVE_DELAY", 0),
		defaultAlertClearDelay:  envDuration("DOCKMON_ALERT_CLEAR_DELAY", 0),
		defaultNotifyCooldown:   envDuration("DOCKMON_NOTIFY_COOLDOWN", 15*time.Minute),
		maintenanceSchedule:     envStr("DOCKMON_MAINTENANCE_SCHEDULE", "0 3 * * *"),
		updateCheckSchedule:     envStr("DOCKMON_UPDATE_CHECK_SCHEDULE", "0 */6 * * *"),
		eventRetention:          envDuration("DOCKMON_EVENT_RETENTION", 30*24*time.Hour),
		alertRetention:          envDuration("DOCKMON_ALERT_RETENTION", 30*24*time.Hour),
		tagAssignmentMaxIdle:    envDuration("DOCKMON_TAG_MAX_IDLE", 30*24*time.Hour),
		imageKeepNewest:         envInt("DOCKMON_IMAGE_KEEP_NEWEST", 2),
		imagePruneGrace:         envDuration("DOCKMON_IMAGE_PRUNE_GRACE", 48*time.Hour),
		selfImageRef:            envStr("DOCKMON_SELF_IMAGE", "darthnorse/dockmon:latest"),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	c.mu.RLock()
	di := c.discoveryInterval
	fanout := c.autoUpdateFanout
	ft := c.defaultFloatingTag
	c.mu.RUnlock()

	var errs []error
	if di <= 0 {
		errs = append(errs, fmt.Errorf("DOCKMON_DISCOVERY_INTERVAL must be > 0, got %s", di))
	}
	if fanout <= 0 {
		errs = append(errs, fmt.Errorf("DOCKMON_AUTO_UPDATE_FANOUT must be > 0, got %d", fanout))
	}
	switch ft {
	case "exact", "patch", "minor", "latest":
	default:
		errs = append(errs, fmt.Errorf("DOCKMON_DEFAULT_FLOATING_TAG must be exact, patch, minor, or latest, got %q", ft))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// DiscoveryInterval returns the per-host poll interval (C5).
func (c *Config) DiscoveryInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.discoveryInterval
}

// SetDiscoveryInterval updates the poll interval at runtime.
func (c *Config) SetDiscoveryInterval(d time.Duration) {
	c.mu.Lock()
	c.discoveryInterval = d
	c.mu.Unlock()
}

// BackoffCap returns the maximum reconnect backoff delay (C5).
func (c *Config) BackoffCap() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backoffCap
}

// AutoUpdateFanout returns the bulk auto-update concurrency bound (C6).
func (c *Config) AutoUpdateFanout() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.autoUpdateFanout
}

// SetAutoUpdateFanout updates the auto-update semaphore size at runtime.
func (c *Config) SetAutoUpdateFanout(n int) {
	c.mu.Lock()
	c.autoUpdateFanout = n
	c.mu.Unlock()
}

// HealthGateTimeout returns the default post-recreate health gate timeout (C7/C8).
func (c *Config) HealthGateTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthGateTimeout
}

// PullTimeout returns the image pull budget (C7/C8).
func (c *Config) PullTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pullTimeout
}

// BackupGracePeriod returns how long backup containers survive before C11 sweeps them.
func (c *Config) BackupGracePeriod() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backupGraceHours
}

// DefaultFloatingTag returns the default floating-tag mode for new ContainerUpdate rows.
func (c *Config) DefaultFloatingTag() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultFloatingTag
}

// SetDefaultFloatingTag updates the default floating-tag mode at runtime.
func (c *Config) SetDefaultFloatingTag(mode string) {
	c.mu.Lock()
	c.defaultFloatingTag = mode
	c.mu.Unlock()
}

// UpdateScanInterval returns how often the registry update scan sweeps the
// live container fleet (C1/C6).
func (c *Config) UpdateScanInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updateScanInterval
}

// SetUpdateScanInterval updates the scan sweep interval at runtime.
func (c *Config) SetUpdateScanInterval(d time.Duration) {
	c.mu.Lock()
	c.updateScanInterval = d
	c.mu.Unlock()
}

// TTLBuckets returns the current registry digest-cache TTL bucket values
// (latest, pinned-semver, floating-major-minor, default), exposed so tests
// can assert against them per spec §4.1.
func (c *Config) TTLBuckets() (latest, pinned, floating, def time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ttlLatest, c.ttlPinned, c.ttlFloating, c.ttlDefault
}

// SetTTLBuckets overrides the registry digest-cache TTL buckets at runtime (and in tests).
func (c *Config) SetTTLBuckets(latest, pinned, floating, def time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttlLatest = latest
	c.ttlPinned = pinned
	c.ttlFloating = floating
	c.ttlDefault = def
}

// EvaluationInterval returns the C10 metric-tick interval.
func (c *Config) EvaluationInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.evaluationInterval
}

// PendingNotificationTick returns the C10 deferred-notification sweep interval.
func (c *Config) PendingNotificationTick() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pendingNotificationTick
}

// SnoozeExpiryTick returns the C10 snooze-expiry sweep interval.
func (c *Config) SnoozeExpiryTick() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snoozeExpiryTick
}

// DefaultAlertActiveDelay returns the fallback alert_active_delay for rules that don't set one.
func (c *Config) DefaultAlertActiveDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultAlertActiveDelay
}

// DefaultAlertClearDelay returns the fallback alert_clear_delay for rules that don't set one.
func (c *Config) DefaultAlertClearDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultAlertClearDelay
}

// DefaultNotifyCooldown returns the fallback notification-cooldown for rules that don't set one.
func (c *Config) DefaultNotifyCooldown() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultNotifyCooldown
}

// MaintenanceSchedule returns the cron expression for the daily maintenance job (C11).
func (c *Config) MaintenanceSchedule() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maintenanceSchedule
}

// UpdateCheckSchedule returns the cron expression for the upstream update-check job (C11).
func (c *Config) UpdateCheckSchedule() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updateCheckSchedule
}

// EventRetention returns how long event_log rows are kept (C11).
func (c *Config) EventRetention() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.eventRetention
}

// AlertRetention returns how long resolved alerts are kept (C11).
func (c *Config) AlertRetention() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.alertRetention
}

// TagAssignmentMaxIdle returns the orphan threshold for tag assignments (C11).
func (c *Config) TagAssignmentMaxIdle() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tagAssignmentMaxIdle
}

// ImageKeepNewest returns how many tagged images per repository survive pruning (C11).
func (c *Config) ImageKeepNewest() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.imageKeepNewest
}

// ImagePruneGrace returns the minimum age before an unreferenced image is eligible for pruning (C11).
func (c *Config) ImagePruneGrace() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.imagePruneGrace
}

// SelfImageRef returns the image reference C11's 6-hourly upstream-update
// check probes against the registry adapter.
func (c *Config) SelfImageRef() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selfImageRef
}
