// Package agentproto defines the WebSocket/JSON wire protocol between the
// daemon and its remote agents (spec §6). Every frame carries a "type"
// discriminator; the other fields are a superset and only the ones
// meaningful for that type are populated.
package agentproto

import "encoding/json"

// FrameType identifies the kind of message flowing over an agent's
// WebSocket connection.
type FrameType string

const (
	// Agent -> server.
	FrameRegister        FrameType = "register"
	FrameReconnect       FrameType = "reconnect"
	FrameHeartbeat       FrameType = "heartbeat"
	FrameEvent           FrameType = "event"
	FrameStats           FrameType = "stats"
	FrameProgress        FrameType = "progress"
	FrameError           FrameType = "error"
	FrameDeployProgress  FrameType = "deploy_progress"
	FrameDeployComplete  FrameType = "deploy_complete"

	// Server -> agent.
	FrameAuthSuccess FrameType = "auth_success"
	FrameAuthError   FrameType = "auth_error"
	FrameCommand     FrameType = "command"
)

// Envelope is the outer shape of every frame: a type discriminator plus the
// raw body, which callers decode into the concrete struct for Type.
type Envelope struct {
	Type FrameType       `json:"type"`
	Body json.RawMessage `json:"-"`
}

// RegisterFrame is sent by an agent authenticating for the first time with a
// RegistrationToken.
type RegisterFrame struct {
	Type         FrameType `json:"type"` // "register"
	Token        string    `json:"token"`
	EngineID     string    `json:"engine_id"`
	Version      string    `json:"version"`
	ProtoVersion int       `json:"proto_version"`
	Capabilities []string  `json:"capabilities"`
}

// ReconnectFrame is sent by an already-registered agent using its agent-id
// as a long-lived credential.
type ReconnectFrame struct {
	Type     FrameType `json:"type"` // "reconnect"
	AgentID  string    `json:"agent_id"`
	EngineID string    `json:"engine_id"`
}

// AuthSuccessFrame is the server's reply to a successful register/reconnect.
type AuthSuccessFrame struct {
	Type           FrameType `json:"type"` // "auth_success"
	AgentID        string    `json:"agent_id"`
	HostID         string    `json:"host_id"`
	PermanentToken string    `json:"permanent_token"` // == agent_id
}

// AuthErrorFrame is the server's reply to a failed register/reconnect. The
// server closes the socket with code 1008 immediately after sending this.
type AuthErrorFrame struct {
	Type  FrameType `json:"type"` // "auth_error"
	Error string    `json:"error"`
}

// HeartbeatFrame carries no payload; receipt alone updates the agent's
// last-seen timestamp. No frame is sent in response.
type HeartbeatFrame struct {
	Type FrameType `json:"type"` // "heartbeat"
}

// EventFrame reports a lifecycle event observed by the agent's own local
// discovery (container_event, container_stats, ...).
type EventFrame struct {
	Type    FrameType       `json:"type"` // "event"
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload"`
}

// StatsFrame carries periodic resource usage samples for the agent's host.
type StatsFrame struct {
	Type    FrameType       `json:"type"` // "stats"
	Payload json.RawMessage `json:"stats"`
}

// ResponseFrame covers progress/error/deploy_progress/deploy_complete
// frames: asynchronous updates that route to a pending command future when
// CorrelationID is set, and are otherwise fire-and-forget telemetry.
type ResponseFrame struct {
	Type          FrameType       `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Stage         string          `json:"stage,omitempty"`
	Percent       int             `json:"percent,omitempty"`
	Message       string          `json:"message,omitempty"`
	Error         string          `json:"error,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Action identifies the operation a Command envelope carries. A single
// envelope type covers both per-container operations and generic commands
// spec §6 lists separately — see CommandEnvelope's doc comment.
type Action string

const (
	ActionStart          Action = "start"
	ActionStop           Action = "stop"
	ActionRestart        Action = "restart"
	ActionRemove         Action = "remove"
	ActionGetLogs        Action = "get_logs"
	ActionInspect        Action = "inspect"
	ActionPullImage      Action = "pull_image"
	ActionCreate         Action = "create"
	ActionListContainers Action = "list_containers"
	ActionListNetworks   Action = "list_networks"
	ActionCreateNetwork  Action = "create_network"
	ActionListVolumes    Action = "list_volumes"
	ActionCreateVolume   Action = "create_volume"
	ActionGetStatus      Action = "get_status"
	ActionVerifyRunning  Action = "verify_running"
	ActionListImages     Action = "list_images"
	ActionRemoveImage    Action = "remove_image"
	ActionPruneImages    Action = "prune_images"
	ActionDeployCompose  Action = "deploy_compose"
	ActionSelfUpdate     Action = "self_update"
	ActionRename         Action = "rename"
	ActionConnectNetwork Action = "connect_network"
	ActionImageLabels    Action = "image_labels"
)

// CommandEnvelope is the single command shape sent server -> agent. spec §6
// describes "container_operation" and generic "command" as two wire types;
// here they are unified under one envelope with an Action field, since the
// distinction carries no behavior the agent needs to branch on before
// dispatching by Action anyway (an Open Question this module resolves in
// favor of the simpler shape).
type CommandEnvelope struct {
	Type          FrameType       `json:"type"` // always "command"
	CorrelationID string          `json:"correlation_id"`
	Action        Action          `json:"action"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// StopPayload is the payload for ActionStop.
type StopPayload struct {
	TimeoutSeconds int `json:"timeout"`
}

// RemovePayload is the payload for ActionRemove.
type RemovePayload struct {
	Force bool `json:"force"`
}

// GetLogsPayload is the payload for ActionGetLogs.
type GetLogsPayload struct {
	Tail int `json:"tail"`
}

// PullImagePayload is the payload for ActionPullImage.
type PullImagePayload struct {
	Image        string `json:"image"`
	DeploymentID string `json:"deployment_id,omitempty"`
}

// CreatePayload is the payload for ActionCreate; Config is the raw
// container create configuration passed through verbatim (spec §4.5's
// HostConfig passthrough rule).
type CreatePayload struct {
	Config json.RawMessage `json:"config"`
}

// CreateNetworkPayload is the payload for ActionCreateNetwork.
type CreateNetworkPayload struct {
	Name   string `json:"name"`
	Driver string `json:"driver"`
}

// CreateVolumePayload is the payload for ActionCreateVolume.
type CreateVolumePayload struct {
	Name string `json:"name"`
}

// VerifyRunningPayload is the payload for ActionVerifyRunning.
type VerifyRunningPayload struct {
	MaxWaitSeconds int `json:"max_wait_seconds"`
}

// RemoveImagePayload is the payload for ActionRemoveImage.
type RemoveImagePayload struct {
	ImageID string `json:"image_id"`
	Force   bool   `json:"force"`
}

// DeployComposePayload is the payload for ActionDeployCompose.
type DeployComposePayload struct {
	ProjectName    string   `json:"project_name"`
	ComposeContent string   `json:"compose_content"`
	Profiles       []string `json:"profiles,omitempty"`
	WaitForHealthy bool     `json:"wait_for_healthy,omitempty"`
	HealthTimeout  int      `json:"health_timeout,omitempty"`
	Action         string   `json:"action"` // up, down
}

// SelfUpdatePayload is the payload for ActionSelfUpdate.
type SelfUpdatePayload struct {
	Image string `json:"image"`
}

// RenamePayload is the payload for ActionRename, used by C8's backup step
// ({name}-dockmon-backup-{unix_ts}) and by rollback to restore the original
// name.
type RenamePayload struct {
	ID      string `json:"id"`
	NewName string `json:"new_name"`
}

// ConnectNetworkPayload is the payload for ActionConnectNetwork, the
// deferred network-connect step for static IPs, multiple networks, or
// non-trivial aliases.
type ConnectNetworkPayload struct {
	ID             string          `json:"id"`
	NetworkID      string          `json:"network_id"`
	EndpointConfig json.RawMessage `json:"endpoint_config,omitempty"`
}

// ImageLabelsPayload is the payload for ActionImageLabels, used by the
// update executor to learn which labels on the old container came from the
// image itself rather than the operator.
type ImageLabelsPayload struct {
	Image string `json:"image"`
}

// CommandStatus is the outcome of an executed command.
type CommandStatus string

const (
	StatusSuccess CommandStatus = "SUCCESS"
	StatusError   CommandStatus = "ERROR"
	StatusTimeout CommandStatus = "TIMEOUT"
)

// CommandResult is what a pending command future resolves to.
type CommandResult struct {
	Status   CommandStatus
	Payload  json.RawMessage
	Error    string
	Duration int64 // nanoseconds, kept as an int64 for JSON round-tripping
}
