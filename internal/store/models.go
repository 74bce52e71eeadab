package store

import "time"

// Host is the identity of a Docker/Podman endpoint (spec §3).
type Host struct {
	ID            string    `json:"id"`
	DisplayName   string    `json:"display_name"`
	TransportURL  string    `json:"transport_url"` // unix://, tcp://, or agent:// placeholder
	ConnectionType string   `json:"connection_type"` // local, tls-remote, agent
	TLSCA         string    `json:"tls_ca,omitempty"`
	TLSCert       string    `json:"tls_cert,omitempty"`
	TLSKey        string    `json:"tls_key,omitempty"`
	IsActive      bool      `json:"is_active"`
	LastChecked   time.Time `json:"last_checked"`
	Status        string    `json:"status"` // online, offline, unknown
	IsPodman      bool      `json:"is_podman,omitempty"` // detected once at registration; gates C7's Podman HostConfig adjustments
}

// Agent is one row per registered agent (spec §3).
type Agent struct {
	AgentID         string    `json:"agent_id"` // also the permanent token
	HostID          string    `json:"host_id"`
	EngineID        string    `json:"engine_id"`
	Version         string    `json:"version"`
	ProtoVersion    int       `json:"proto_version"`
	Capabilities    []string  `json:"capabilities"`
	Status          string    `json:"status"`
	LastSeen        time.Time `json:"last_seen"`
}

// RegistrationToken is a single-use, 15-minute TTL credential bound to a
// creating user, redeemed once to mint an Agent (spec §3).
type RegistrationToken struct {
	Token     string    `json:"token"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Redeemed  bool      `json:"redeemed"`
}

// ContainerUpdate is the operator-configured update policy for one
// container (tracking mode, floating tag, auto-update enablement).
type ContainerUpdate struct {
	HostID          string    `json:"host_id"`
	ContainerID     string    `json:"container_id"` // composite: {host-id}:{short-id}
	ContainerName   string    `json:"container_name"`
	Image           string    `json:"image"`
	TrackingMode    string    `json:"tracking_mode"` // exact, patch, minor, latest
	AutoUpdate      bool      `json:"auto_update"`
	LastChecked     time.Time `json:"last_checked"`
	LastDigest      string    `json:"last_digest,omitempty"`
	ChangelogURL    string    `json:"changelog_url,omitempty"`  // GitHub release page for the newly-available tag
	ChangelogBody   string    `json:"changelog_body,omitempty"` // truncated release notes, fetched when a new update is first detected
}

// ContainerHTTPHealthCheck is a post-update health gate definition.
type ContainerHTTPHealthCheck struct {
	ContainerID        string `json:"container_id"`
	Path               string `json:"path"`
	Port               int    `json:"port"`
	ExpectedStatus     int    `json:"expected_status"`
	IntervalSeconds    int    `json:"interval_seconds"`
	TimeoutSeconds     int    `json:"timeout_seconds"`
	SuccessThreshold   int    `json:"success_threshold"`
	ConsecutiveSuccess int    `json:"consecutive_successes"`
}

// AutoRestartConfig governs whether a stopped container should be
// automatically restarted by discovery.
type AutoRestartConfig struct {
	ContainerID string `json:"container_id"`
	Enabled     bool   `json:"enabled"`
	MaxAttempts int    `json:"max_attempts"`
}

// ContainerDesiredState is the operator's declared intent for a container
// (running/stopped), reconciled by discovery.
type ContainerDesiredState struct {
	ContainerID string `json:"container_id"`
	State       string `json:"state"` // running, stopped
}

// Selector narrows an AlertRule to the hosts/containers/labels/tags it
// applies to (spec §3's "selectors (host/container/label/tag predicates)").
// An empty Selector matches everything in scope.
type Selector struct {
	HostIDs        []string          `json:"host_ids,omitempty"`
	ContainerNames []string          `json:"container_names,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
}

// AlertRule is an operator-defined condition that produces Alerts (spec §3).
type AlertRule struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Kind     string   `json:"kind"` // e.g. container_stopped, cpu_high, unhealthy, host_disconnected
	ScopeType string  `json:"scope_type"` // container, host, system
	ScopeID  string   `json:"scope_id,omitempty"`
	Selector Selector `json:"selector,omitempty"`
	Enabled  bool     `json:"enabled"`

	// Metric rule fields; empty Metric means this is an event-driven rule
	// (evaluated via EvaluateEvent, not EvaluateMetric).
	Metric         string   `json:"metric,omitempty"` // e.g. cpu_percent, memory_bytes
	Operator       string   `json:"operator,omitempty"` // >, >=, <, <=, ==, !=
	Threshold      float64  `json:"threshold,omitempty"`
	ClearThreshold *float64 `json:"clear_threshold,omitempty"`
	Occurrences    int      `json:"occurrences,omitempty"` // consecutive breaches required to open

	// Debounce / deferral timings (spec §4.7).
	ActiveDelay              time.Duration `json:"active_delay"`               // alert_active_delay_seconds
	ClearDelay               time.Duration `json:"clear_delay"`                // alert_clear_delay_seconds
	NotificationActiveDelay  time.Duration `json:"notification_active_delay"`  // clear_duration_seconds / grace period before dispatch
	NotifyCooldown           time.Duration `json:"notify_cooldown"`

	Severity               string   `json:"severity"`
	DependsOn              []string `json:"depends_on,omitempty"` // other rule ids that must not be open
	NotificationChannelIDs []string `json:"notification_channel_ids,omitempty"`
	Version                int      `json:"version"`

	Labels map[string]string `json:"labels,omitempty"`
}

// Alert is an open instance of a rule firing (spec §3).
type Alert struct {
	ID             string    `json:"id"`
	DedupKey       string    `json:"dedup_key"` // {rule-id}|{kind}|{scope-id}
	ScopeType      string    `json:"scope_type"`
	ScopeID        string    `json:"scope_id"`
	RuleID         string    `json:"rule_id"`
	RuleVersion    int       `json:"rule_version"`
	State          string    `json:"state"` // open, snoozed, resolved
	Severity       string    `json:"severity"`
	Title          string    `json:"title"`
	Message        string    `json:"message"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	Occurrences    int       `json:"occurrences"`
	Labels         map[string]string `json:"labels,omitempty"`
	CurrentValue   float64   `json:"current_value"`
	Threshold      float64   `json:"threshold"`
	SnoozedUntil   time.Time `json:"snoozed_until,omitempty"`
	ResolvedAt     time.Time `json:"resolved_at,omitempty"`
	ResolvedReason string    `json:"resolved_reason,omitempty"`
	NotifiedAt     time.Time `json:"notified_at,omitempty"`
	HostID         string    `json:"host_id,omitempty"`
	HostName       string    `json:"host_name,omitempty"`
	ContainerName  string    `json:"container_name,omitempty"`
}

// AlertAnnotation is an operator note or action attached to an Alert.
type AlertAnnotation struct {
	ID        string    `json:"id"`
	AlertID   string    `json:"alert_id"`
	Author    string    `json:"author"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// ImageDigestCache is the persisted form of a registry digest resolution,
// mirroring internal/registry.DigestEntry for durability across restarts.
type ImageDigestCache struct {
	CacheKey   string    `json:"cache_key"` // {image}:{tag}:{platform}
	Digest     string    `json:"digest"`
	Registry   string    `json:"registry"`
	Repository string    `json:"repository"`
	Tag        string    `json:"tag"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Tag is a named, user-defined tracking tag (e.g. "production", "critical")
// that TagAssignment rows point at (spec §6's `tags` table).
type Tag struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// TagAssignment pins a tracking tag to a subject with sticky-reattach
// metadata so discovery can reattach it across container recreation
// (spec §3).
type TagAssignment struct {
	TagID                 string    `json:"tag_id"`
	SubjectType           string    `json:"subject_type"` // container, compose_service
	SubjectID             string    `json:"subject_id"`
	ComposeProject        string    `json:"compose_project,omitempty"`
	ComposeService        string    `json:"compose_service,omitempty"`
	HostIDAtAttach        string    `json:"host_id_at_attach"`
	ContainerNameAtAttach string    `json:"container_name_at_attach"`
	LastSeenAt            time.Time `json:"last_seen_at"`
}

// Deployment is a stack (Compose project) deployment run (C12).
type Deployment struct {
	ID         string    `json:"id"`
	HostID     string    `json:"host_id"`
	Project    string    `json:"project"`
	Status     string    `json:"status"` // pending, running, completed, failed, rolled_back
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// DeploymentMetadata carries the parsed Compose document and computed plan
// for a Deployment.
type DeploymentMetadata struct {
	DeploymentID string     `json:"deployment_id"`
	ComposeYAML  string     `json:"compose_yaml"`
	Waves        [][]string `json:"waves"` // topological waves of service names
}

// DeploymentContainer records one container created by a Deployment, so a
// rollback knows exactly which containers to remove without re-deriving the
// plan.
type DeploymentContainer struct {
	DeploymentID string `json:"deployment_id"`
	ServiceName  string `json:"service_name"`
	ContainerID  string `json:"container_id"` // composite: {host-id}:{short-id}
}

// EventLog is a durable record of an events.Event for history/audit.
type EventLog struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	HostID    string    `json:"host_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
