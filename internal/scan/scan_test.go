package scan

import (
	"context"
	"testing"
	"time"

	"github.com/darthnorse/dockmon/internal/discovery"
	"github.com/darthnorse/dockmon/internal/registry"
	"github.com/darthnorse/dockmon/internal/store"
)

type fakeStore struct {
	rows map[string]store.ContainerUpdate
}

func newFakeStore() *fakeStore { return &fakeStore{rows: make(map[string]store.ContainerUpdate)} }

func (s *fakeStore) GetContainerUpdate(id string) (store.ContainerUpdate, bool, error) {
	r, ok := s.rows[id]
	return r, ok, nil
}

func (s *fakeStore) SaveContainerUpdate(r store.ContainerUpdate) error {
	s.rows[r.ContainerID] = r
	return nil
}

type fakeResolver struct {
	digest string
	nilRes bool
}

func (r *fakeResolver) ResolveTag(ctx context.Context, imageRef, platform string, cred *registry.RegistryCredential) *registry.Resolution {
	if r.nilRes {
		return nil
	}
	return &registry.Resolution{Digest: r.digest, Registry: "docker.io", Repository: "library/nginx", Tag: "latest"}
}

type fakeSnapshotter struct {
	items []discovery.Observed
}

func (s *fakeSnapshotter) Snapshot() []discovery.Observed { return s.items }

type fakeRouter struct {
	updated int
	slots   chan struct{}
}

func newFakeRouter() *fakeRouter { return &fakeRouter{slots: make(chan struct{}, 5)} }

func (r *fakeRouter) AcquireFanoutSlot(ctx context.Context) error {
	r.slots <- struct{}{}
	return nil
}

func (r *fakeRouter) ReleaseFanoutSlot() { <-r.slots }

func (r *fakeRouter) UpdateContainer(ctx context.Context, hostID, containerID string, rec store.ContainerUpdate, force, forceWarn bool) bool {
	r.updated++
	return true
}

type fakeConfig struct{}

func (fakeConfig) UpdateScanInterval() time.Duration { return time.Minute }
func (fakeConfig) DefaultFloatingTag() string         { return "minor" }

func TestScan_FirstPassRecordsBaselineWithoutFlaggingUpdate(t *testing.T) {
	st := newFakeStore()
	resolver := &fakeResolver{digest: "sha256:aaa"}
	snap := &fakeSnapshotter{items: []discovery.Observed{
		{HostID: "h1", CompositeID: "h1:abc123", Name: "web", Image: "nginx:1.25.3", State: "running"},
	}}
	router := newFakeRouter()
	l := New(st, nil, resolver, snap, router, fakeConfig{}, nil, nil)

	l.runOnce(context.Background())

	rec, ok, _ := st.GetContainerUpdate("h1:abc123")
	if !ok {
		t.Fatal("expected a container_update row to be created")
	}
	if rec.LastDigest != "sha256:aaa" {
		t.Errorf("LastDigest = %q, want sha256:aaa", rec.LastDigest)
	}
	if router.updated != 0 {
		t.Errorf("expected no update triggered on baseline pass, got %d", router.updated)
	}
}

func TestScan_DigestChangeTriggersAutoUpdate(t *testing.T) {
	st := newFakeStore()
	st.rows["h1:abc123"] = store.ContainerUpdate{
		HostID: "h1", ContainerID: "h1:abc123", ContainerName: "web",
		Image: "nginx:1.25.3", TrackingMode: "minor", AutoUpdate: true,
		LastDigest: "sha256:old",
	}
	resolver := &fakeResolver{digest: "sha256:new"}
	snap := &fakeSnapshotter{items: []discovery.Observed{
		{HostID: "h1", CompositeID: "h1:abc123", Name: "web", Image: "nginx:1.25.3", State: "running"},
	}}
	router := newFakeRouter()
	l := New(st, nil, resolver, snap, router, fakeConfig{}, nil, nil)

	l.runOnce(context.Background())

	// The update is dispatched on its own goroutine; give it a moment.
	for i := 0; i < 100 && router.updated == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	if router.updated != 1 {
		t.Errorf("expected router.UpdateContainer called once, got %d", router.updated)
	}
}

func TestScan_ManualTrackingNeverAutoUpdates(t *testing.T) {
	st := newFakeStore()
	st.rows["h1:abc123"] = store.ContainerUpdate{
		HostID: "h1", ContainerID: "h1:abc123", ContainerName: "web",
		Image: "nginx:1.25.3", TrackingMode: "minor", AutoUpdate: false,
		LastDigest: "sha256:old",
	}
	resolver := &fakeResolver{digest: "sha256:new"}
	snap := &fakeSnapshotter{items: []discovery.Observed{
		{HostID: "h1", CompositeID: "h1:abc123", Name: "web", Image: "nginx:1.25.3", State: "running"},
	}}
	router := newFakeRouter()
	l := New(st, nil, resolver, snap, router, fakeConfig{}, nil, nil)

	l.runOnce(context.Background())
	time.Sleep(10 * time.Millisecond)

	if router.updated != 0 {
		t.Errorf("manual tracking must never auto-update, got %d calls", router.updated)
	}
	rec, _, _ := st.GetContainerUpdate("h1:abc123")
	if rec.LastDigest != "sha256:new" {
		t.Errorf("expected LastDigest updated to sha256:new, got %q", rec.LastDigest)
	}
}

func TestScan_NilResolutionSkipsContainer(t *testing.T) {
	st := newFakeStore()
	resolver := &fakeResolver{nilRes: true}
	snap := &fakeSnapshotter{items: []discovery.Observed{
		{HostID: "h1", CompositeID: "h1:abc123", Name: "web", Image: "nginx:1.25.3", State: "running"},
	}}
	l := New(st, nil, resolver, snap, newFakeRouter(), fakeConfig{}, nil, nil)

	l.runOnce(context.Background())

	if _, ok, _ := st.GetContainerUpdate("h1:abc123"); ok {
		t.Error("expected no row saved when the registry resolution fails")
	}
}

func TestScan_StoppedContainersAreSkipped(t *testing.T) {
	st := newFakeStore()
	resolver := &fakeResolver{digest: "sha256:aaa"}
	snap := &fakeSnapshotter{items: []discovery.Observed{
		{HostID: "h1", CompositeID: "h1:abc123", Name: "web", Image: "nginx:1.25.3", State: "exited"},
	}}
	l := New(st, nil, resolver, snap, newFakeRouter(), fakeConfig{}, nil, nil)

	l.runOnce(context.Background())

	if _, ok, _ := st.GetContainerUpdate("h1:abc123"); ok {
		t.Error("expected stopped containers not to be checked")
	}
}
