package update

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/darthnorse/dockmon/internal/agentproto"
	"github.com/darthnorse/dockmon/internal/agentserver"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/store"
)

// Sender issues a correlated command to a connected agent and blocks for
// its result, satisfied by *agentserver.Executor.
type Sender interface {
	Send(ctx context.Context, agentID string, action agentproto.Action, payload any, timeout time.Duration) (agentproto.CommandResult, error)
}

// AgentStore is the narrow lookup AgentExecutor needs to translate a
// store.Host into the agent-id its commands are addressed to.
type AgentStore interface {
	AgentByHostID(hostID string) (store.Agent, bool, error)
}

// AgentExecutor is C8: the same rename-as-backup state machine as
// DockerExecutor, but every Docker operation is a round-tripped command
// over an agent's WebSocket session instead of a direct daemon call.
type AgentExecutor struct {
	exec   Sender
	agents AgentStore
	bus    *events.Bus
	hooks  HookRunner
	digest DigestInvalidator
	clock  Clock
	log    *slog.Logger

	healthTimeout time.Duration
}

// NewAgentExecutor creates an AgentExecutor.
func NewAgentExecutor(exec Sender, agents AgentStore, bus *events.Bus, hookRunner HookRunner, digest DigestInvalidator, clk Clock, healthTimeout time.Duration, log *slog.Logger) *AgentExecutor {
	if log == nil {
		log = slog.Default()
	}
	if healthTimeout <= 0 {
		healthTimeout = 120 * time.Second
	}
	return &AgentExecutor{
		exec:          exec,
		agents:        agents,
		bus:           bus,
		hooks:         hookRunner,
		digest:        digest,
		clock:         clk,
		log:           log,
		healthTimeout: healthTimeout,
	}
}

var _ Executor = (*AgentExecutor)(nil)

// Execute implements Executor, mirroring DockerExecutor.Execute's state
// machine step for step but addressed to host's agent.
func (e *AgentExecutor) Execute(ctx context.Context, host store.Host, rec store.ContainerUpdate) Result {
	agent, ok, err := e.agents.AgentByHostID(host.ID)
	if err != nil || !ok {
		return Result{Err: fmt.Errorf("no agent registered for host %s", host.ID)}
	}

	id := lastSegment(rec.ContainerID)
	old, err := e.inspect(ctx, agent.AgentID, id)
	if err != nil {
		return Result{Err: fmt.Errorf("inspect %s: %w", rec.ContainerName, err)}
	}
	if old.Config == nil {
		return Result{Err: fmt.Errorf("container %s has no config", rec.ContainerName)}
	}
	originalName := strings.TrimPrefix(old.Name, "/")

	target := rec.Image
	if target == "" {
		target = old.Config.Image
	}

	if e.hooks != nil {
		if err := e.hooks.RunPreUpdate(ctx, id, originalName); err != nil {
			return Result{Err: fmt.Errorf("pre-update hook: %w", err)}
		}
	}

	e.progress(host.ID, rec.ContainerID, originalName, "pulling", pctPulling, "pulling "+target)
	res, err := e.exec.Send(ctx, agent.AgentID, agentproto.ActionPullImage,
		agentproto.PullImagePayload{Image: target}, agentserver.DefaultTimeout(agentproto.ActionPullImage))
	if err != nil || res.Status != agentproto.StatusSuccess {
		return Result{Err: fmt.Errorf("pull %s: %w", target, resultErr(res, err))}
	}

	e.progress(host.ID, rec.ContainerID, originalName, "configuring", pctConfiguring, "extracting configuration")
	imageLabels, _ := e.imageLabels(ctx, agent.AgentID, target)
	cfg, hc, netCfg, deferred := e.buildAgentReplacementConfig(old, target, host.IsPodman, imageLabels)

	e.progress(host.ID, rec.ContainerID, originalName, "backup", pctBackup, "stopping and backing up")
	const stopGrace = 30 * time.Second
	if _, err := e.exec.Send(ctx, agent.AgentID, agentproto.ActionStop,
		idPayload(id, agentproto.StopPayload{TimeoutSeconds: int(stopGrace.Seconds())}), agentserver.StopTimeout(stopGrace)); err != nil {
		e.log.Warn("agent executor: stop before backup failed, proceeding", "container", originalName, "error", err)
	}
	backup := backupName(originalName, e.clock.Now().Unix())
	if err := e.rename(ctx, agent.AgentID, id, backup); err != nil {
		return Result{Err: fmt.Errorf("rename %s to backup: %w", originalName, err)}
	}

	e.progress(host.ID, rec.ContainerID, originalName, "creating", pctCreating, "creating replacement container")
	newID, err := e.create(ctx, agent.AgentID, originalName, cfg, hc, netCfg)
	if err != nil {
		return e.rollback(ctx, agent.AgentID, host.ID, rec, id, originalName, backup, "", fmt.Errorf("create replacement: %w", err))
	}
	for _, dc := range deferred {
		if err := e.connectNetwork(ctx, agent.AgentID, newID, dc); err != nil {
			e.log.Warn("agent executor: deferred network connect failed", "container", originalName, "network", dc.NetworkID, "error", err)
		}
	}

	e.progress(host.ID, rec.ContainerID, originalName, "starting", pctStarting, "starting replacement container")
	if _, err := e.exec.Send(ctx, agent.AgentID, agentproto.ActionStart, idPayload(newID, struct{}{}), agentserver.DefaultTimeout(agentproto.ActionStart)); err != nil {
		return e.rollback(ctx, agent.AgentID, host.ID, rec, id, originalName, backup, newID, fmt.Errorf("start replacement: %w", err))
	}

	e.progress(host.ID, rec.ContainerID, originalName, "health_check", pctHealthCheck, "waiting for health")
	if err := e.verifyRunning(ctx, agent.AgentID, newID); err != nil {
		return e.rollback(ctx, agent.AgentID, host.ID, rec, id, originalName, backup, newID, err)
	}

	if _, err := e.exec.Send(ctx, agent.AgentID, agentproto.ActionRemove, idPayload(backup, agentproto.RemovePayload{Force: true}), agentserver.DefaultTimeout(agentproto.ActionRemove)); err != nil {
		e.log.Warn("agent executor: failed to remove backup container after success", "backup", backup, "error", err)
	}

	failedDependents := e.recreateDependents(ctx, agent.AgentID, originalName, id, newID)

	if e.digest != nil {
		e.digest.Invalidate(target, "", "")
	}
	if e.hooks != nil {
		if err := e.hooks.RunPostUpdate(ctx, newID, originalName); err != nil {
			e.log.Warn("agent executor: post-update hook failed", "container", originalName, "error", err)
		}
	}

	e.progress(host.ID, rec.ContainerID, originalName, "completed", pctCompleted, "update complete")
	return Result{NewContainerID: host.ID + ":" + lastSegment(newID), FailedDependents: failedDependents}
}

func (e *AgentExecutor) rollback(ctx context.Context, agentID, hostID string, rec store.ContainerUpdate, originalID, originalName, backup, newID string, cause error) Result {
	e.log.Error("agent executor: update failed, rolling back", "container", originalName, "error", cause)

	if newID != "" {
		if _, err := e.exec.Send(ctx, agentID, agentproto.ActionRemove, idPayload(newID, agentproto.RemovePayload{Force: true}), agentserver.DefaultTimeout(agentproto.ActionRemove)); err != nil {
			e.log.Warn("agent executor: failed to remove failed replacement before rollback", "container", originalName, "error", err)
		}
	}
	if collided, err := e.inspect(ctx, agentID, originalName); err == nil && collided.ID != "" && collided.ID != originalID {
		if _, err := e.exec.Send(ctx, agentID, agentproto.ActionRemove, idPayload(originalName, agentproto.RemovePayload{Force: true}), agentserver.DefaultTimeout(agentproto.ActionRemove)); err != nil {
			e.log.Warn("agent executor: failed to remove name-colliding container before rollback", "container", originalName, "error", err)
		}
	}

	if err := e.rename(ctx, agentID, originalID, originalName); err != nil {
		e.log.Error("agent executor: CRITICAL rollback rename failed, backup preserved for manual intervention", "backup", backup, "error", err)
		return Result{Err: fmt.Errorf("%v - rollback failed: backup %q preserved for manual intervention: %w", cause, backup, err)}
	}

	if _, err := e.exec.Send(ctx, agentID, agentproto.ActionStart, idPayload(originalID, struct{}{}), agentserver.DefaultTimeout(agentproto.ActionStart)); err != nil {
		e.log.Error("agent executor: rolled back but failed to restart backup", "container", originalName, "error", err)
		return Result{Err: fmt.Errorf("%v - rolled back but failed to restart: %w", cause, err), RolledBack: true, NewContainerID: rec.ContainerID}
	}

	return Result{Err: fmt.Errorf("%v - Successfully rolled back", cause), RolledBack: true, NewContainerID: rec.ContainerID}
}

// verifyRunning polls via ActionVerifyRunning until the replacement reports
// running/healthy or the health timeout elapses (spec §4.5).
func (e *AgentExecutor) verifyRunning(ctx context.Context, agentID, id string) error {
	maxWait := e.healthTimeout
	res, err := e.exec.Send(ctx, agentID, agentproto.ActionVerifyRunning,
		idPayload(id, agentproto.VerifyRunningPayload{MaxWaitSeconds: int(maxWait.Seconds())}),
		agentserver.VerifyRunningTimeout(maxWait))
	if err != nil {
		return err
	}
	if res.Status != agentproto.StatusSuccess {
		return fmt.Errorf("Health check timeout after %ds", int(maxWait.Seconds()))
	}
	var body struct {
		Running bool `json:"running"`
	}
	if err := json.Unmarshal(res.Payload, &body); err != nil {
		return fmt.Errorf("decode verify_running result: %w", err)
	}
	if !body.Running {
		return fmt.Errorf("Health check timeout after %ds", int(maxWait.Seconds()))
	}
	return nil
}

func (e *AgentExecutor) inspect(ctx context.Context, agentID, id string) (container.InspectResponse, error) {
	res, err := e.exec.Send(ctx, agentID, agentproto.ActionInspect, idPayload(id, struct{}{}), agentserver.DefaultTimeout(agentproto.ActionInspect))
	if err != nil {
		return container.InspectResponse{}, err
	}
	if res.Status != agentproto.StatusSuccess {
		return container.InspectResponse{}, resultErr(res, nil)
	}
	var insp container.InspectResponse
	if err := json.Unmarshal(res.Payload, &insp); err != nil {
		return container.InspectResponse{}, fmt.Errorf("decode inspect result: %w", err)
	}
	return insp, nil
}

func (e *AgentExecutor) imageLabels(ctx context.Context, agentID, image string) (map[string]string, error) {
	res, err := e.exec.Send(ctx, agentID, agentproto.ActionImageLabels, agentproto.ImageLabelsPayload{Image: image}, agentserver.DefaultTimeout(agentproto.ActionImageLabels))
	if err != nil || res.Status != agentproto.StatusSuccess {
		return nil, resultErr(res, err)
	}
	var labels map[string]string
	if err := json.Unmarshal(res.Payload, &labels); err != nil {
		return nil, err
	}
	return labels, nil
}

func (e *AgentExecutor) rename(ctx context.Context, agentID, id, newName string) error {
	res, err := e.exec.Send(ctx, agentID, agentproto.ActionRename, agentproto.RenamePayload{ID: id, NewName: newName}, agentserver.DefaultTimeout(agentproto.ActionRename))
	if err != nil {
		return err
	}
	if res.Status != agentproto.StatusSuccess {
		return resultErr(res, nil)
	}
	return nil
}

func (e *AgentExecutor) create(ctx context.Context, agentID, name string, cfg *container.Config, hc *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	inner, err := json.Marshal(struct {
		Name       string                    `json:"name"`
		Config     *container.Config         `json:"config"`
		HostConfig *container.HostConfig     `json:"host_config"`
		NetConfig  *network.NetworkingConfig `json:"networking_config"`
	}{Name: name, Config: cfg, HostConfig: hc, NetConfig: netCfg})
	if err != nil {
		return "", err
	}

	res, err := e.exec.Send(ctx, agentID, agentproto.ActionCreate, agentproto.CreatePayload{Config: inner}, agentserver.DefaultTimeout(agentproto.ActionCreate))
	if err != nil || res.Status != agentproto.StatusSuccess {
		return "", resultErr(res, err)
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(res.Payload, &body); err != nil {
		return "", err
	}
	return body.ID, nil
}

func (e *AgentExecutor) connectNetwork(ctx context.Context, agentID, containerID string, dc deferredConnect) error {
	epBody, err := json.Marshal(dc.Settings)
	if err != nil {
		return err
	}
	res, err := e.exec.Send(ctx, agentID, agentproto.ActionConnectNetwork,
		agentproto.ConnectNetworkPayload{ID: containerID, NetworkID: dc.NetworkID, EndpointConfig: epBody},
		agentserver.DefaultTimeout(agentproto.ActionConnectNetwork))
	if err != nil {
		return err
	}
	if res.Status != agentproto.StatusSuccess {
		return resultErr(res, nil)
	}
	return nil
}

func (e *AgentExecutor) listContainers(ctx context.Context, agentID string) ([]container.Summary, error) {
	res, err := e.exec.Send(ctx, agentID, agentproto.ActionListContainers, struct{}{}, agentserver.DefaultTimeout(agentproto.ActionListContainers))
	if err != nil || res.Status != agentproto.StatusSuccess {
		return nil, resultErr(res, err)
	}
	var all []container.Summary
	if err := json.Unmarshal(res.Payload, &all); err != nil {
		return nil, err
	}
	return all, nil
}

// buildAgentReplacementConfig mirrors buildReplacementConfig but works off
// the inspect snapshot already fetched over the wire instead of a live
// client, since ImageLabels here is also a round trip the caller already
// made.
func (e *AgentExecutor) buildAgentReplacementConfig(old container.InspectResponse, targetImage string, isPodman bool, imageLabels map[string]string) (*container.Config, *container.HostConfig, *network.NetworkingConfig, []deferredConnect) {
	cfg := cloneConfig(old.Config)
	cfg.Image = targetImage
	cfg.Labels = withMaintenanceLabel(extractUserLabels(old.Config.Labels, imageLabels))

	var hc *container.HostConfig
	if old.HostConfig != nil {
		cloned := *old.HostConfig
		hc = &cloned
	} else {
		hc = &container.HostConfig{}
	}
	if isPodman {
		adjustForPodman(hc)
	}
	originalName := strings.TrimPrefix(old.Name, "/")
	resolveNetworkModeContainer(hc, func(idOrName string) string {
		if idOrName == old.ID || idOrName == originalName {
			return originalName
		}
		return ""
	})

	netCfg, deferred := buildNetworkConfig(old.NetworkSettings, originalName)
	return cfg, hc, netCfg, deferred
}

// recreateDependents mirrors the Docker-executor version over the wire
// protocol (spec §4.5's dependent-recreation rule).
func (e *AgentExecutor) recreateDependents(ctx context.Context, agentID, originalName, oldID, newID string) []string {
	all, err := e.listContainers(ctx, agentID)
	if err != nil {
		e.log.Warn("agent executor: list containers for dependent scan failed", "error", err)
		return nil
	}

	var failed []string
	for _, cs := range all {
		insp, err := e.inspect(ctx, agentID, cs.ID)
		if err != nil || insp.HostConfig == nil || !insp.HostConfig.NetworkMode.IsContainer() {
			continue
		}
		ref := insp.HostConfig.NetworkMode.ConnectedContainer()
		if ref != originalName && ref != oldID {
			continue
		}

		depName := strings.TrimPrefix(insp.Name, "/")
		if err := e.recreateDependent(ctx, agentID, insp, depName, newID); err != nil {
			e.log.Error("agent executor: dependent recreation failed", "dependent", depName, "error", err)
			failed = append(failed, depName)
		}
	}
	return failed
}

func (e *AgentExecutor) recreateDependent(ctx context.Context, agentID string, insp container.InspectResponse, depName, newID string) error {
	if insp.Config == nil || insp.HostConfig == nil {
		return fmt.Errorf("dependent %s has no config", depName)
	}

	cfg := cloneConfig(insp.Config)
	hc := insp.HostConfig
	hc.NetworkMode = container.NetworkMode("container:" + newID)

	if _, err := e.exec.Send(ctx, agentID, agentproto.ActionStop, idPayload(insp.ID, agentproto.StopPayload{TimeoutSeconds: 10}), agentserver.DefaultTimeout(agentproto.ActionStop)); err != nil {
		return fmt.Errorf("stop dependent: %w", err)
	}
	aside := depName + "-dockmon-backup-" + fmt.Sprint(e.clock.Now().Unix())
	if err := e.rename(ctx, agentID, insp.ID, aside); err != nil {
		return fmt.Errorf("rename dependent aside: %w", err)
	}

	newDepID, err := e.create(ctx, agentID, depName, cfg, hc, nil)
	if err != nil {
		_ = e.rename(ctx, agentID, insp.ID, depName)
		_, _ = e.exec.Send(ctx, agentID, agentproto.ActionStart, idPayload(insp.ID, struct{}{}), agentserver.DefaultTimeout(agentproto.ActionStart))
		return fmt.Errorf("create dependent: %w", err)
	}
	if _, err := e.exec.Send(ctx, agentID, agentproto.ActionStart, idPayload(newDepID, struct{}{}), agentserver.DefaultTimeout(agentproto.ActionStart)); err != nil {
		return fmt.Errorf("start dependent: %w", err)
	}
	if _, err := e.exec.Send(ctx, agentID, agentproto.ActionRemove, idPayload(aside, agentproto.RemovePayload{Force: true}), agentserver.DefaultTimeout(agentproto.ActionRemove)); err != nil {
		return fmt.Errorf("remove dependent backup: %w", err)
	}
	return nil
}

func (e *AgentExecutor) progress(hostID, containerID, containerName, stage string, percent int, message string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:          events.EventUpdateProgress,
		HostID:        hostID,
		ContainerID:   containerID,
		ContainerName: containerName,
		Stage:         stage,
		Percent:       percent,
		Message:       message,
	})
}

// idPayload merges a conventional "id" field into an action-specific
// payload, matching agentclient's containerIDFrom convention.
func idPayload(id string, extra any) map[string]any {
	out := map[string]any{"id": id}
	b, err := json.Marshal(extra)
	if err != nil {
		return out
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return out
	}
	for k, v := range m {
		out[k] = v
	}
	return out
}

// resultErr turns a non-success CommandResult (or a transport error) into a
// single error value.
func resultErr(res agentproto.CommandResult, err error) error {
	if err != nil {
		return err
	}
	switch res.Status {
	case agentproto.StatusTimeout:
		return fmt.Errorf("command timed out")
	default:
		if res.Error != "" {
			return fmt.Errorf("%s", res.Error)
		}
		return fmt.Errorf("command failed")
	}
}
