package stack

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/darthnorse/dockmon/internal/agentproto"
	"github.com/darthnorse/dockmon/internal/dockerapi"
	"github.com/darthnorse/dockmon/internal/store"
)

// Rollback removes everything a failed or cancelled deployment created:
// services in reverse creation order, then the networks the deployment
// itself created (skipping external ones, which were never created).
// Named volumes are left untouched — see RollbackPlan; containers are removed
// together with their anonymous volumes.
func (d *Deployer) Rollback(ctx context.Context, deploymentID string) error {
	dep, ok, err := d.store.GetDeployment(deploymentID)
	if err != nil || !ok {
		return fmt.Errorf("deployment %s not found", deploymentID)
	}
	meta, ok, err := d.store.GetDeploymentMetadata(deploymentID)
	if err != nil || !ok {
		return fmt.Errorf("load deployment metadata: %w", err)
	}

	host, ok, err := d.hosts.GetHost(dep.HostID)
	if err != nil || !ok {
		return fmt.Errorf("host %s not found", dep.HostID)
	}

	if host.ConnectionType == "agent" {
		return d.rollbackViaAgent(ctx, dep, host, meta)
	}
	return d.rollbackLocal(ctx, dep, host, meta)
}

func (d *Deployer) rollbackViaAgent(ctx context.Context, dep store.Deployment, host store.Host, meta store.DeploymentMetadata) error {
	if d.agents == nil {
		return fmt.Errorf("no agent executor configured")
	}
	agent, ok, err := d.hosts.AgentByHostID(host.ID)
	if err != nil || !ok {
		return fmt.Errorf("no agent registered for host %s", host.ID)
	}
	payload := agentproto.DeployComposePayload{
		ProjectName:    dep.Project,
		ComposeContent: meta.ComposeYAML,
		Action:         "down",
	}
	_, err = d.agents.Send(ctx, agent.AgentID, agentproto.ActionDeployCompose, payload, 300*time.Second)
	if err != nil {
		return err
	}
	dep.Status = "rolled_back"
	dep.FinishedAt = d.clock.Now()
	return d.store.SaveDeployment(dep)
}

func (d *Deployer) rollbackLocal(ctx context.Context, dep store.Deployment, host store.Host, meta store.DeploymentMetadata) error {
	if d.pool == nil {
		return fmt.Errorf("no docker pool configured")
	}
	api, err := d.pool.Get(dockerapi.HostConn{
		HostID:       host.ID,
		TransportURL: host.TransportURL,
		TLSCA:        host.TLSCA,
		TLSCert:      host.TLSCert,
		TLSKey:       host.TLSKey,
	})
	if err != nil {
		return fmt.Errorf("connect to host: %w", err)
	}

	doc, err := Parse([]byte(meta.ComposeYAML))
	if err != nil {
		return fmt.Errorf("reparse deployment compose: %w", err)
	}
	plan, err := Plan(doc)
	if err != nil {
		return fmt.Errorf("replan deployment: %w", err)
	}

	containers, err := d.store.ListDeploymentContainers(dep.ID)
	if err != nil {
		return fmt.Errorf("list deployment containers: %w", err)
	}
	byService := make(map[string]store.DeploymentContainer, len(containers))
	for _, c := range containers {
		byService[c.ServiceName] = c
	}

	networkIDs, err := lookupNetworkIDs(ctx, api)
	if err != nil {
		networkIDs = nil // best-effort: network removal below just no-ops per name
	}

	for _, op := range RollbackPlan(plan) {
		switch op.Kind {
		case OpRemoveService:
			dc, ok := byService[op.Name]
			if !ok {
				continue
			}
			id := strings.TrimPrefix(dc.ContainerID, host.ID+":")
			if err := api.RemoveContainerWithVolumes(ctx, id); err != nil {
				d.log.Warn("stack: rollback remove container failed", "service", op.Name, "error", err)
				continue
			}
			_ = d.store.DeleteDeploymentContainer(dep.ID, dc.ContainerID)
		case OpRemoveNetwork:
			netID, ok := networkIDs[op.Name]
			if !ok {
				continue
			}
			if err := api.RemoveNetwork(ctx, netID); err != nil {
				d.log.Warn("stack: rollback remove network failed", "network", op.Name, "error", err)
			}
		}
	}

	dep.Status = "rolled_back"
	dep.FinishedAt = d.clock.Now()
	return d.store.SaveDeployment(dep)
}
