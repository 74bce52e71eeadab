package stack

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/api/types/swarm"

	"github.com/darthnorse/dockmon/internal/agentproto"
	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/dockerapi"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/store"
)

// fakeAPI implements dockerapi.API, recording the calls the local deploy
// path makes.
type fakeAPI struct {
	mu          sync.Mutex
	networks    map[string]string // name -> id
	volumes     map[string]bool
	nextID      int
	created     []string // container names created
	pulled      []string
	failPull    string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{networks: map[string]string{}, volumes: map[string]bool{}}
}

func (f *fakeAPI) ListContainers(context.Context) ([]container.Summary, error)    { return nil, nil }
func (f *fakeAPI) ListAllContainers(context.Context) ([]container.Summary, error) { return nil, nil }
func (f *fakeAPI) InspectContainer(context.Context, string) (container.InspectResponse, error) {
	return container.InspectResponse{}, nil
}
func (f *fakeAPI) StopContainer(context.Context, string, int) error { return nil }
func (f *fakeAPI) RemoveContainer(context.Context, string) error    { return nil }
func (f *fakeAPI) CreateContainer(_ context.Context, name string, _ *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.created = append(f.created, name)
	return name, nil
}
func (f *fakeAPI) StartContainer(context.Context, string) error   { return nil }
func (f *fakeAPI) RestartContainer(context.Context, string) error { return nil }
func (f *fakeAPI) PullImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	if f.failPull != "" && ref == f.failPull {
		return errFakePull
	}
	return nil
}
func (f *fakeAPI) ImageDigest(context.Context, string) (string, error)        { return "", nil }
func (f *fakeAPI) DistributionDigest(context.Context, string) (string, error) { return "", nil }
func (f *fakeAPI) RemoveImage(context.Context, string) error                 { return nil }
func (f *fakeAPI) TagImage(context.Context, string, string) error            { return nil }
func (f *fakeAPI) RemoveContainerWithVolumes(context.Context, string) error   { return nil }
func (f *fakeAPI) ExecContainer(context.Context, string, []string, int) (int, string, error) {
	return 0, "", nil
}
func (f *fakeAPI) RenameContainer(context.Context, string, string) error { return nil }
func (f *fakeAPI) ConnectNetwork(context.Context, string, string, *network.EndpointSettings) error {
	return nil
}
func (f *fakeAPI) ImageLabels(context.Context, string) (map[string]string, error) { return nil, nil }
func (f *fakeAPI) ListImages(context.Context) ([]dockerapi.ImageSummary, error)    { return nil, nil }
func (f *fakeAPI) PruneImages(context.Context) (dockerapi.ImagePruneResult, error) {
	return dockerapi.ImagePruneResult{}, nil
}
func (f *fakeAPI) RemoveImageByID(context.Context, string) error { return nil }

func (f *fakeAPI) ListNetworks(context.Context) ([]dockerapi.NetworkSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dockerapi.NetworkSummary
	for name, id := range f.networks {
		out = append(out, dockerapi.NetworkSummary{ID: id, Name: name})
	}
	return out, nil
}
func (f *fakeAPI) CreateNetwork(_ context.Context, name, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "net-" + name
	f.networks[name] = id
	return id, nil
}
func (f *fakeAPI) RemoveNetwork(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, nid := range f.networks {
		if nid == id {
			delete(f.networks, name)
		}
	}
	return nil
}
func (f *fakeAPI) ListVolumes(context.Context) ([]dockerapi.VolumeSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dockerapi.VolumeSummary
	for name := range f.volumes {
		out = append(out, dockerapi.VolumeSummary{Name: name})
	}
	return out, nil
}
func (f *fakeAPI) CreateVolume(_ context.Context, name, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[name] = true
	return nil
}

func (f *fakeAPI) IsSwarmManager(context.Context) bool { return false }
func (f *fakeAPI) ListServices(context.Context) ([]swarm.Service, error) { return nil, nil }
func (f *fakeAPI) InspectService(context.Context, string) (swarm.Service, error) {
	return swarm.Service{}, nil
}
func (f *fakeAPI) UpdateService(context.Context, string, swarm.Version, swarm.ServiceSpec, string) error {
	return nil
}
func (f *fakeAPI) RollbackService(context.Context, string, swarm.Version, swarm.ServiceSpec) error {
	return nil
}
func (f *fakeAPI) ListServiceTasks(context.Context, string) ([]swarm.Task, error) { return nil, nil }
func (f *fakeAPI) ListNodes(context.Context) ([]swarm.Node, error)                { return nil, nil }
func (f *fakeAPI) Close() error                                                   { return nil }

type fakePullError struct{ msg string }

func (e *fakePullError) Error() string { return e.msg }

var errFakePull = &fakePullError{msg: "pull failed"}

type fakeStore struct {
	mu          sync.Mutex
	deployments map[string]store.Deployment
	metadata    map[string]store.DeploymentMetadata
	containers  map[string][]store.DeploymentContainer
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		deployments: map[string]store.Deployment{},
		metadata:    map[string]store.DeploymentMetadata{},
		containers:  map[string][]store.DeploymentContainer{},
	}
}

func (s *fakeStore) SaveDeployment(d store.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployments[d.ID] = d
	return nil
}
func (s *fakeStore) GetDeployment(id string) (store.Deployment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	return d, ok, nil
}
func (s *fakeStore) SaveDeploymentMetadata(m store.DeploymentMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[m.DeploymentID] = m
	return nil
}
func (s *fakeStore) GetDeploymentMetadata(id string) (store.DeploymentMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metadata[id]
	return m, ok, nil
}
func (s *fakeStore) SaveDeploymentContainer(dc store.DeploymentContainer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containers[dc.DeploymentID] = append(s.containers[dc.DeploymentID], dc)
	return nil
}
func (s *fakeStore) ListDeploymentContainers(id string) ([]store.DeploymentContainer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.containers[id], nil
}
func (s *fakeStore) DeleteDeploymentContainer(deploymentID, containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.containers[deploymentID]
	for i, c := range list {
		if c.ContainerID == containerID {
			s.containers[deploymentID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

type fakeHosts struct{ hosts map[string]store.Host }

func (f *fakeHosts) GetHost(id string) (store.Host, bool, error) {
	h, ok := f.hosts[id]
	return h, ok, nil
}
func (f *fakeHosts) AgentByHostID(hostID string) (store.Agent, bool, error) {
	return store.Agent{AgentID: "agent-" + hostID, HostID: hostID}, true, nil
}

type fakePool struct{ api dockerapi.API }

func (p *fakePool) Get(dockerapi.HostConn) (dockerapi.API, error) { return p.api, nil }

type fakeAgents struct {
	lastPayload any
	status      agentproto.CommandStatus
}

func (f *fakeAgents) Send(_ context.Context, _ string, _ agentproto.Action, payload any, _ time.Duration) (agentproto.CommandResult, error) {
	f.lastPayload = payload
	status := f.status
	if status == "" {
		status = agentproto.StatusSuccess
	}
	return agentproto.CommandResult{Status: status}, nil
}

const composeYAML = `
services:
  db:
    image: postgres:16
  app:
    image: myapp:1.0
    depends_on:
      - db
    networks:
      - front
networks:
  front:
    driver: bridge
`

func TestDeploy_Local_CreatesNetworkAndBothServices(t *testing.T) {
	api := newFakeAPI()
	st := newFakeStore()
	hosts := &fakeHosts{hosts: map[string]store.Host{
		"h1": {ID: "h1", ConnectionType: "local"},
	}}
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	d := NewDeployer(st, hosts, &fakePool{api: api}, nil, events.New(), fc, nil)

	dep, err := d.Deploy(context.Background(), "h1", "myproj", []byte(composeYAML), DeployOptions{})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if dep.Status != "completed" {
		t.Errorf("status = %q, want completed", dep.Status)
	}
	if _, ok := api.networks["front"]; !ok {
		t.Error("expected front network to be created")
	}
	if len(api.created) != 2 {
		t.Errorf("expected 2 containers created, got %v", api.created)
	}
	containers, _ := st.ListDeploymentContainers(dep.ID)
	if len(containers) != 2 {
		t.Errorf("expected 2 deployment container rows, got %d", len(containers))
	}
}

func TestDeploy_Local_ServiceFailurePropagates(t *testing.T) {
	api := newFakeAPI()
	api.failPull = "myapp:1.0"
	st := newFakeStore()
	hosts := &fakeHosts{hosts: map[string]store.Host{
		"h1": {ID: "h1", ConnectionType: "local"},
	}}
	d := NewDeployer(st, hosts, &fakePool{api: api}, nil, nil, nil, nil)

	dep, err := d.Deploy(context.Background(), "h1", "myproj", []byte(composeYAML), DeployOptions{})
	if err == nil {
		t.Fatal("expected deploy to fail")
	}
	if dep.Status != "failed" {
		t.Errorf("status = %q, want failed", dep.Status)
	}
}

func TestDeploy_Agent_ForwardsOptionsVerbatim(t *testing.T) {
	st := newFakeStore()
	hosts := &fakeHosts{hosts: map[string]store.Host{
		"h1": {ID: "h1", ConnectionType: "agent"},
	}}
	agents := &fakeAgents{}
	d := NewDeployer(st, hosts, nil, agents, nil, nil, nil)

	opts := DeployOptions{Profiles: []string{"prod"}, WaitForHealthy: true, HealthTimeout: 30 * time.Second}
	dep, err := d.Deploy(context.Background(), "h1", "myproj", []byte(composeYAML), opts)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if dep.Status != "completed" {
		t.Errorf("status = %q, want completed", dep.Status)
	}
	payload, ok := agents.lastPayload.(agentproto.DeployComposePayload)
	if !ok {
		t.Fatalf("expected DeployComposePayload, got %T", agents.lastPayload)
	}
	if payload.WaitForHealthy != true || payload.HealthTimeout != 30 || len(payload.Profiles) != 1 || payload.Profiles[0] != "prod" {
		t.Errorf("options not forwarded verbatim: %+v", payload)
	}
}

func TestRollback_Local_RemovesContainersAndNetwork(t *testing.T) {
	api := newFakeAPI()
	st := newFakeStore()
	hosts := &fakeHosts{hosts: map[string]store.Host{
		"h1": {ID: "h1", ConnectionType: "local"},
	}}
	d := NewDeployer(st, hosts, &fakePool{api: api}, nil, nil, nil, nil)

	dep, err := d.Deploy(context.Background(), "h1", "myproj", []byte(composeYAML), DeployOptions{})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	if err := d.Rollback(context.Background(), dep.ID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if _, ok := api.networks["front"]; ok {
		t.Error("expected front network to be removed on rollback")
	}
	remaining, _ := st.ListDeploymentContainers(dep.ID)
	if len(remaining) != 0 {
		t.Errorf("expected all deployment container rows cleared, got %d", len(remaining))
	}
	got, _, _ := st.GetDeployment(dep.ID)
	if got.Status != "rolled_back" {
		t.Errorf("status = %q, want rolled_back", got.Status)
	}
}
