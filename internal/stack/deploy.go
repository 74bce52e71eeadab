package stack

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moby/moby/api/types/container"

	"github.com/darthnorse/dockmon/internal/agentproto"
	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/dockerapi"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/store"
)

// Store is the subset of store.Store the deployer needs.
type Store interface {
	SaveDeployment(d store.Deployment) error
	GetDeployment(id string) (store.Deployment, bool, error)
	SaveDeploymentMetadata(m store.DeploymentMetadata) error
	GetDeploymentMetadata(deploymentID string) (store.DeploymentMetadata, bool, error)
	SaveDeploymentContainer(dc store.DeploymentContainer) error
	ListDeploymentContainers(deploymentID string) ([]store.DeploymentContainer, error)
	DeleteDeploymentContainer(deploymentID, containerID string) error
}

// HostResolver looks up a host and, for agent-connected hosts, its agent.
type HostResolver interface {
	GetHost(id string) (store.Host, bool, error)
	AgentByHostID(hostID string) (store.Agent, bool, error)
}

// DockerPool resolves a live dockerapi.API per host connection, for the
// local (non-agent) deploy path.
type DockerPool interface {
	Get(conn dockerapi.HostConn) (dockerapi.API, error)
}

// AgentExecutor issues a correlated command to a connected agent (C4).
type AgentExecutor interface {
	Send(ctx context.Context, agentID string, action agentproto.Action, payload any, timeout time.Duration) (agentproto.CommandResult, error)
}

// DeployOptions carries the profile/health-aware-deploy knobs the spec
// requires be forwarded verbatim to the agent path.
type DeployOptions struct {
	Profiles       []string
	WaitForHealthy bool
	HealthTimeout  time.Duration
}

// Deployer runs C12 deployments: local Docker-API execution for directly
// connected hosts, and compose-content forwarding for agent-connected
// hosts (the agent owns the actual container lifecycle there).
type Deployer struct {
	store  Store
	hosts  HostResolver
	pool   DockerPool
	agents AgentExecutor
	bus    *events.Bus
	clock  clock.Clock
	log    *slog.Logger
}

// NewDeployer creates a Deployer. pool/agents/bus may be nil if the
// corresponding path is never exercised (e.g. agent-only or local-only
// deployments, or tests with no progress sink).
func NewDeployer(st Store, hosts HostResolver, pool DockerPool, agents AgentExecutor, bus *events.Bus, clk clock.Clock, log *slog.Logger) *Deployer {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Deployer{store: st, hosts: hosts, pool: pool, agents: agents, bus: bus, clock: clk, log: log}
}

// Deploy parses, validates, and plans composeYAML, persists the deployment
// record and its plan, then executes it against hostID — directly via the
// Docker API, or by forwarding the raw compose content to the host's agent.
func (d *Deployer) Deploy(ctx context.Context, hostID, project string, composeYAML []byte, opts DeployOptions) (store.Deployment, error) {
	doc, err := Parse(composeYAML)
	if err != nil {
		return store.Deployment{}, err
	}
	plan, err := Plan(doc)
	if err != nil {
		return store.Deployment{}, err
	}

	dep := store.Deployment{
		ID:        uuid.NewString(),
		HostID:    hostID,
		Project:   project,
		Status:    "pending",
		StartedAt: d.clock.Now(),
	}
	if err := d.store.SaveDeployment(dep); err != nil {
		return dep, fmt.Errorf("save deployment: %w", err)
	}
	if err := d.store.SaveDeploymentMetadata(store.DeploymentMetadata{
		DeploymentID: dep.ID,
		ComposeYAML:  string(composeYAML),
		Waves:        plan.Waves,
	}); err != nil {
		d.log.Warn("stack: save deployment metadata failed", "deployment_id", dep.ID, "error", err)
	}

	host, ok, err := d.hosts.GetHost(hostID)
	if err != nil || !ok {
		return d.fail(dep, fmt.Errorf("host %s not found", hostID))
	}

	dep.Status = "running"
	_ = d.store.SaveDeployment(dep)

	if host.ConnectionType == "agent" {
		return d.deployViaAgent(ctx, dep, host, project, composeYAML, opts)
	}
	return d.deployLocal(ctx, dep, host, project, doc, plan)
}

func (d *Deployer) fail(dep store.Deployment, err error) (store.Deployment, error) {
	dep.Status = "failed"
	dep.Error = err.Error()
	dep.FinishedAt = d.clock.Now()
	_ = d.store.SaveDeployment(dep)
	return dep, err
}

// deployViaAgent forwards the whole compose document to the agent, which
// owns its own wave/health-aware execution; profiles and the health-wait
// knobs are passed through unmodified (spec.md §4.10's "forwarded verbatim").
func (d *Deployer) deployViaAgent(ctx context.Context, dep store.Deployment, host store.Host, project string, composeYAML []byte, opts DeployOptions) (store.Deployment, error) {
	agent, ok, err := d.hosts.AgentByHostID(host.ID)
	if err != nil || !ok {
		return d.fail(dep, fmt.Errorf("no agent registered for host %s", host.ID))
	}
	if d.agents == nil {
		return d.fail(dep, fmt.Errorf("no agent executor configured"))
	}

	payload := agentproto.DeployComposePayload{
		ProjectName:    project,
		ComposeContent: string(composeYAML),
		Profiles:       opts.Profiles,
		WaitForHealthy: opts.WaitForHealthy,
		HealthTimeout:  int(opts.HealthTimeout.Seconds()),
		Action:         "up",
	}

	// Generous enough to cover a full project pull + health wait; the
	// agent reports interim progress asynchronously over the event bus,
	// not through this blocking call.
	timeout := 1800*time.Second + opts.HealthTimeout
	res, err := d.agents.Send(ctx, agent.AgentID, agentproto.ActionDeployCompose, payload, timeout)
	if err != nil {
		return d.fail(dep, err)
	}
	if res.Status != agentproto.StatusSuccess {
		return d.fail(dep, fmt.Errorf("agent deploy failed: %s", res.Error))
	}

	dep.Status = "completed"
	dep.FinishedAt = d.clock.Now()
	_ = d.store.SaveDeployment(dep)
	d.publish(events.EventDeployComplete, dep.ID, host.ID, "", 100)
	return dep, nil
}

// deployLocal executes the plan directly against the Docker API: networks
// and volumes first, then services wave by wave (services within a wave
// run concurrently, matching the spec's "MAY be deployed in parallel").
func (d *Deployer) deployLocal(ctx context.Context, dep store.Deployment, host store.Host, project string, doc *Document, plan *DeployPlan) (store.Deployment, error) {
	if d.pool == nil {
		return d.fail(dep, fmt.Errorf("no docker pool configured"))
	}
	api, err := d.pool.Get(dockerapi.HostConn{
		HostID:       host.ID,
		TransportURL: host.TransportURL,
		TLSCA:        host.TLSCA,
		TLSCert:      host.TLSCert,
		TLSKey:       host.TLSKey,
	})
	if err != nil {
		return d.fail(dep, fmt.Errorf("connect to host: %w", err))
	}

	networkIDs, err := d.ensureNetworks(ctx, api, plan)
	if err != nil {
		return d.fail(dep, err)
	}
	if err := d.ensureVolumes(ctx, api, plan); err != nil {
		return d.fail(dep, err)
	}

	progress := &waveProgress{total: len(doc.Services)}
	for _, wave := range plan.Waves {
		if err := d.deployWave(ctx, api, dep, host, project, doc, wave, networkIDs, progress); err != nil {
			return d.fail(dep, err)
		}
	}

	dep.Status = "completed"
	dep.FinishedAt = d.clock.Now()
	_ = d.store.SaveDeployment(dep)
	d.publish(events.EventDeployComplete, dep.ID, host.ID, "", 100)
	return dep, nil
}

// lookupNetworkIDs maps every existing network's name to its id, used by
// rollback to resolve what to remove without recreating anything.
func lookupNetworkIDs(ctx context.Context, api dockerapi.API) (map[string]string, error) {
	existing, err := api.ListNetworks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list networks: %w", err)
	}
	ids := make(map[string]string, len(existing))
	for _, n := range existing {
		ids[n.Name] = n.ID
	}
	return ids, nil
}

func (d *Deployer) ensureNetworks(ctx context.Context, api dockerapi.API, plan *DeployPlan) (map[string]string, error) {
	byName, err := lookupNetworkIDs(ctx, api)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]string)
	for _, op := range plan.Operations {
		if op.Kind != OpCreateNetwork {
			continue
		}
		if id, ok := byName[op.Name]; ok {
			ids[op.Name] = id
			continue
		}
		id, err := api.CreateNetwork(ctx, op.Name, op.Driver)
		if err != nil {
			return nil, fmt.Errorf("create network %s: %w", op.Name, err)
		}
		ids[op.Name] = id
	}
	return ids, nil
}

func (d *Deployer) ensureVolumes(ctx context.Context, api dockerapi.API, plan *DeployPlan) error {
	existing, err := api.ListVolumes(ctx)
	if err != nil {
		return fmt.Errorf("list volumes: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, v := range existing {
		have[v.Name] = true
	}

	for _, op := range plan.Operations {
		if op.Kind != OpCreateVolume || have[op.Name] {
			continue
		}
		if err := api.CreateVolume(ctx, op.Name, op.Driver); err != nil {
			return fmt.Errorf("create volume %s: %w", op.Name, err)
		}
	}
	return nil
}

// waveProgress tracks how many of a deployment's services have finished,
// guarded by a mutex since services within a wave deploy concurrently.
type waveProgress struct {
	mu    sync.Mutex
	total int
	done  int
}

func (p *waveProgress) snapshot() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

func (p *waveProgress) advance() {
	p.mu.Lock()
	p.done++
	p.mu.Unlock()
}

// deployWave pulls, creates, starts, and connects every service in one
// wave concurrently.
func (d *Deployer) deployWave(ctx context.Context, api dockerapi.API, dep store.Deployment, host store.Host, project string, doc *Document, names []string, networkIDs map[string]string, progress *waveProgress) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for _, name := range names {
		name := name
		svc := doc.Services[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			containerName := project + "-" + name
			if err := d.deployService(ctx, api, dep, host, containerName, name, svc, networkIDs, progress); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("service %s: %w", name, err)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}

func (d *Deployer) deployService(ctx context.Context, api dockerapi.API, dep store.Deployment, host store.Host, containerName, serviceName string, svc Service, networkIDs map[string]string, progress *waveProgress) error {
	d.publish(events.EventDeployProgress, dep.ID, host.ID, serviceName, Progress(progress.total, progress.snapshot(), PhasePull, 0))
	if err := api.PullImage(ctx, svc.Image); err != nil {
		return fmt.Errorf("pull image: %w", err)
	}

	d.publish(events.EventDeployProgress, dep.ID, host.ID, serviceName, Progress(progress.total, progress.snapshot(), PhaseCreate, 0))
	env := make([]string, 0, len(svc.Environment))
	for k, v := range svc.Environment {
		env = append(env, k+"="+v)
	}
	cfg := &container.Config{Image: svc.Image, Env: env, Labels: svc.Labels}
	id, err := api.CreateContainer(ctx, containerName, cfg, nil, nil)
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	if err := d.store.SaveDeploymentContainer(store.DeploymentContainer{
		DeploymentID: dep.ID,
		ServiceName:  serviceName,
		ContainerID:  host.ID + ":" + id,
	}); err != nil {
		d.log.Warn("stack: save deployment container failed", "deployment_id", dep.ID, "error", err)
	}

	d.publish(events.EventDeployProgress, dep.ID, host.ID, serviceName, Progress(progress.total, progress.snapshot(), PhaseStart, 0))
	if err := api.StartContainer(ctx, id); err != nil {
		return fmt.Errorf("start container: %w", err)
	}

	for _, netName := range svc.Networks {
		netID, ok := networkIDs[netName]
		if !ok {
			continue
		}
		if err := api.ConnectNetwork(ctx, netID, id, nil); err != nil {
			d.log.Warn("stack: connect network failed", "service", serviceName, "network", netName, "error", err)
		}
	}

	d.publish(events.EventDeployProgress, dep.ID, host.ID, serviceName, Progress(progress.total, progress.snapshot(), PhaseHealth, 100))
	progress.advance()
	return nil
}

func (d *Deployer) publish(t events.EventType, deploymentID, hostID, stage string, percent int) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Event{
		Type:         t,
		HostID:       hostID,
		DeploymentID: deploymentID,
		Stage:        stage,
		Percent:      percent,
		Timestamp:    d.clock.Now(),
	})
}
