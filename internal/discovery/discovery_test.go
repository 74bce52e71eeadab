package discovery

import (
	"testing"
	"time"

	"github.com/moby/moby/api/types/container"

	"github.com/darthnorse/dockmon/internal/store"
)

func TestBuildObservedPrefersListImage(t *testing.T) {
	cs := container.Summary{
		ID:      "abcdef0123456789",
		Names:   []string{"/web-1"},
		Image:   "nginx:1.27",
		ImageID: "sha256:deadbeefcafedeadbeefcafedeadbeefcafedeadbeefcafedeadbeefcafebabe",
		State:   "running",
		Labels: map[string]string{
			labelComposeProject: "blog",
			labelComposeService: "web",
		},
	}

	obs := buildObserved("host-1", cs)

	if obs.CompositeID != "host-1:abcdef012345" {
		t.Fatalf("unexpected composite id: %s", obs.CompositeID)
	}
	if obs.Name != "web-1" {
		t.Fatalf("expected leading slash trimmed, got %q", obs.Name)
	}
	if obs.Image != "nginx:1.27" {
		t.Fatalf("expected image tag preferred, got %q", obs.Image)
	}
	if obs.ComposeProject != "blog" || obs.ComposeService != "web" {
		t.Fatalf("expected compose labels captured, got %+v", obs)
	}
}

func TestBuildObservedFallsBackToImageShaPrefix(t *testing.T) {
	cs := container.Summary{
		ID:      "abcdef0123456789",
		ImageID: "sha256:deadbeefcafedeadbeefcafedeadbeefcafedeadbeefcafedeadbeefcafebabe",
		State:   "running",
	}

	obs := buildObserved("host-1", cs)
	if obs.Image != "deadbeefcafe" {
		t.Fatalf("expected sha prefix fallback, got %q", obs.Image)
	}
}

// TestReattachStickyTagByComposeIdentity verifies a recreated compose
// service's tag assignment is reattached to its new composite key when
// matched by (compose_project, compose_service), per spec §4.3 step 4.
func TestReattachStickyTagByComposeIdentity(t *testing.T) {
	l := &Loop{}
	existing := store.TagAssignment{
		TagID:                 "latest",
		SubjectType:           "container",
		SubjectID:             "host-1:oldshortid1",
		ComposeProject:        "blog",
		ComposeService:        "web",
		HostIDAtAttach:        "host-1",
		ContainerNameAtAttach: "web-1",
	}

	var saved store.TagAssignment
	var deletedType, deletedID string
	l.store = &fakeStore{
		saveTag:   func(t store.TagAssignment) error { saved = t; return nil },
		deleteTag: func(st, id string) error { deletedType, deletedID = st, id; return nil },
	}

	obs := Observed{
		HostID:         "host-1",
		CompositeID:    "host-1:newshortid2",
		Name:           "web-1",
		ComposeProject: "blog",
		ComposeService: "web",
	}

	if err := l.reattachStickyTag(obs, []store.TagAssignment{existing}); err != nil {
		t.Fatalf("reattach: %v", err)
	}
	if saved.SubjectID != "host-1:newshortid2" {
		t.Fatalf("expected reattachment to new composite id, got %q", saved.SubjectID)
	}
	if deletedType != "container" || deletedID != "host-1:oldshortid1" {
		t.Fatalf("expected old row deleted, got (%q, %q)", deletedType, deletedID)
	}
}

// TestReattachStickyTagFallsBackToContainerName verifies the (container_name,
// host_id) fallback match when compose identity is absent.
func TestReattachStickyTagFallsBackToContainerName(t *testing.T) {
	l := &Loop{}
	existing := store.TagAssignment{
		TagID:                 "latest",
		SubjectType:           "container",
		SubjectID:             "host-1:oldshortid1",
		HostIDAtAttach:        "host-1",
		ContainerNameAtAttach: "standalone",
	}

	var saved store.TagAssignment
	l.store = &fakeStore{
		saveTag:   func(t store.TagAssignment) error { saved = t; return nil },
		deleteTag: func(string, string) error { return nil },
	}

	obs := Observed{
		HostID:      "host-1",
		CompositeID: "host-1:newshortid2",
		Name:        "standalone",
	}

	if err := l.reattachStickyTag(obs, []store.TagAssignment{existing}); err != nil {
		t.Fatalf("reattach: %v", err)
	}
	if saved.SubjectID != "host-1:newshortid2" {
		t.Fatalf("expected fallback reattachment, got %q", saved.SubjectID)
	}
}

// TestReattachStickyTagNoopWhenAlreadyCurrent verifies an already-current
// assignment is left untouched (no save, no delete).
func TestReattachStickyTagNoopWhenAlreadyCurrent(t *testing.T) {
	l := &Loop{}
	current := store.TagAssignment{SubjectType: "container", SubjectID: "host-1:shortid1"}

	saveCalled := false
	l.store = &fakeStore{
		saveTag: func(store.TagAssignment) error { saveCalled = true; return nil },
	}

	obs := Observed{HostID: "host-1", CompositeID: "host-1:shortid1", Name: "web-1"}
	if err := l.reattachStickyTag(obs, []store.TagAssignment{current}); err != nil {
		t.Fatalf("reattach: %v", err)
	}
	if saveCalled {
		t.Fatal("expected no-op when the assignment already matches the current key")
	}
}

// TestHostStatusTransitionFiresOncePerEdge is spec §4.3's boundary test: an
// offline->offline re-poll must not re-fire the edge.
func TestHostStatusTransitionFiresOncePerEdge(t *testing.T) {
	l := &Loop{prevStatus: make(map[string]string)}

	if edge := l.transition("host-1", "online"); !edge {
		t.Fatal("expected first transition to online to be an edge")
	}
	if edge := l.transition("host-1", "online"); edge {
		t.Fatal("expected repeated online status to not re-fire the edge")
	}
	if edge := l.transition("host-1", "offline"); !edge {
		t.Fatal("expected online->offline to be an edge")
	}
	if edge := l.transition("host-1", "offline"); edge {
		t.Fatal("expected offline->offline to not re-fire the edge")
	}
}

func TestBackoffDelayUsedByReconnectGating(t *testing.T) {
	if BackoffDelay(0) != 0 {
		t.Fatal("expected immediate first retry")
	}
	if BackoffDelay(100) != 300*time.Second {
		t.Fatal("expected the schedule to cap at 300s")
	}
}

type fakeStore struct {
	listHosts func() ([]store.Host, error)
	saveHost  func(store.Host) error
	listTags  func() ([]store.TagAssignment, error)
	saveTag   func(store.TagAssignment) error
	deleteTag func(string, string) error
}

func (f *fakeStore) ListHosts() ([]store.Host, error) {
	if f.listHosts == nil {
		return nil, nil
	}
	return f.listHosts()
}
func (f *fakeStore) SaveHost(h store.Host) error {
	if f.saveHost == nil {
		return nil
	}
	return f.saveHost(h)
}
func (f *fakeStore) ListTagAssignments() ([]store.TagAssignment, error) {
	if f.listTags == nil {
		return nil, nil
	}
	return f.listTags()
}
func (f *fakeStore) SaveTagAssignment(t store.TagAssignment) error {
	if f.saveTag == nil {
		return nil
	}
	return f.saveTag(t)
}
func (f *fakeStore) DeleteTagAssignment(subjectType, subjectID string) error {
	if f.deleteTag == nil {
		return nil
	}
	return f.deleteTag(subjectType, subjectID)
}
