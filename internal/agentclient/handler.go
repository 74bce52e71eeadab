package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/darthnorse/dockmon/internal/agentproto"
	"github.com/darthnorse/dockmon/internal/dockerapi"
)

// DockerHandler executes inbound command envelopes against the agent's
// local Docker/Podman daemon. It is the agent-side half of C7/C8's state
// machine — the daemon still owns the state machine and progress
// reporting; this handler only performs the requested mutating operation
// and reports back what happened.
type DockerHandler struct {
	docker dockerapi.API
}

// NewDockerHandler creates a DockerHandler over docker.
func NewDockerHandler(docker dockerapi.API) *DockerHandler {
	return &DockerHandler{docker: docker}
}

// Handle dispatches action to the matching Docker API call (spec §6).
func (h *DockerHandler) Handle(ctx context.Context, action agentproto.Action, payload json.RawMessage) (json.RawMessage, error) {
	switch action {
	case agentproto.ActionStart:
		return h.simple(ctx, payload, h.docker.StartContainer)
	case agentproto.ActionStop:
		var p agentproto.StopPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		return nil, h.docker.StopContainer(ctx, containerIDFrom(payload), p.TimeoutSeconds)
	case agentproto.ActionRestart:
		return h.simple(ctx, payload, h.docker.RestartContainer)
	case agentproto.ActionRemove:
		var p agentproto.RemovePayload
		_ = json.Unmarshal(payload, &p)
		if p.Force {
			return nil, h.docker.RemoveContainerWithVolumes(ctx, containerIDFrom(payload))
		}
		return nil, h.docker.RemoveContainer(ctx, containerIDFrom(payload))
	case agentproto.ActionInspect:
		resp, err := h.docker.InspectContainer(ctx, containerIDFrom(payload))
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	case agentproto.ActionPullImage:
		var p agentproto.PullImagePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		return nil, h.docker.PullImage(ctx, p.Image)
	case agentproto.ActionCreate:
		var p agentproto.CreatePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		var req struct {
			Name       string                   `json:"name"`
			Config     *container.Config         `json:"config"`
			HostConfig *container.HostConfig     `json:"host_config"`
			NetConfig  *network.NetworkingConfig `json:"networking_config"`
		}
		if err := json.Unmarshal(p.Config, &req); err != nil {
			return nil, err
		}
		id, err := h.docker.CreateContainer(ctx, req.Name, req.Config, req.HostConfig, req.NetConfig)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"id": id})
	case agentproto.ActionVerifyRunning:
		var p agentproto.VerifyRunningPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		running, err := h.verifyRunning(ctx, containerIDFrom(payload), time.Duration(p.MaxWaitSeconds)*time.Second)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"running": running})
	case agentproto.ActionGetStatus:
		resp, err := h.docker.InspectContainer(ctx, containerIDFrom(payload))
		if err != nil {
			return nil, err
		}
		status := ""
		if resp.State != nil {
			status = resp.State.Status
		}
		return json.Marshal(map[string]string{"status": status})
	case agentproto.ActionListContainers:
		all, err := h.docker.ListAllContainers(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(all)
	case agentproto.ActionGetLogs:
		var p agentproto.GetLogsPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		logs, err := h.docker.ContainerLogs(ctx, containerIDFrom(payload), p.Tail)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"logs": logs})
	case agentproto.ActionListImages:
		images, err := h.docker.ListImages(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(images)
	case agentproto.ActionRemoveImage:
		var p agentproto.RemoveImagePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		if p.Force {
			return nil, h.docker.RemoveImageByID(ctx, p.ImageID)
		}
		return nil, h.docker.RemoveImage(ctx, p.ImageID)
	case agentproto.ActionPruneImages:
		result, err := h.docker.PruneImages(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	case agentproto.ActionListNetworks:
		nets, err := h.docker.ListNetworks(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(nets)
	case agentproto.ActionCreateNetwork:
		var p agentproto.CreateNetworkPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		id, err := h.docker.CreateNetwork(ctx, p.Name, p.Driver)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"id": id})
	case agentproto.ActionListVolumes:
		vols, err := h.docker.ListVolumes(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(vols)
	case agentproto.ActionCreateVolume:
		var p agentproto.CreateVolumePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		return nil, h.docker.CreateVolume(ctx, p.Name, "")
	case agentproto.ActionRename:
		var p agentproto.RenamePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		return nil, h.docker.RenameContainer(ctx, p.ID, p.NewName)
	case agentproto.ActionConnectNetwork:
		var p agentproto.ConnectNetworkPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		var ep *network.EndpointSettings
		if len(p.EndpointConfig) > 0 {
			ep = &network.EndpointSettings{}
			if err := json.Unmarshal(p.EndpointConfig, ep); err != nil {
				return nil, err
			}
		}
		return nil, h.docker.ConnectNetwork(ctx, p.NetworkID, p.ID, ep)
	case agentproto.ActionImageLabels:
		var p agentproto.ImageLabelsPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		labels, err := h.docker.ImageLabels(ctx, p.Image)
		if err != nil {
			return nil, err
		}
		return json.Marshal(labels)
	default:
		return nil, fmt.Errorf("unsupported action %q", action)
	}
}

// simple adapts a docker.API method taking (ctx, id) to the Handle dispatch
// shape, reading the container id from the envelope's payload.
func (h *DockerHandler) simple(ctx context.Context, payload json.RawMessage, fn func(context.Context, string) error) (json.RawMessage, error) {
	return nil, fn(ctx, containerIDFrom(payload))
}

// containerIDFrom extracts a conventional "id" field carried alongside the
// action-specific payload fields (the envelope's Payload is whatever the
// daemon packed; per-action structs above only describe the extra fields).
func containerIDFrom(payload json.RawMessage) string {
	var p struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(payload, &p)
	return p.ID
}

// verifyRunning polls the container until it reports "running" (or
// "healthy" if it has a HEALTHCHECK), up to maxWait.
func (h *DockerHandler) verifyRunning(ctx context.Context, id string, maxWait time.Duration) (bool, error) {
	deadline := time.Now().Add(maxWait)
	for {
		resp, err := h.docker.InspectContainer(ctx, id)
		if err != nil {
			return false, err
		}
		if resp.State != nil {
			if resp.State.Health != nil {
				if resp.State.Health.Status == "healthy" {
					return true, nil
				}
			} else if resp.State.Running {
				return true, nil
			}
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}
