package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/store"
)

type fakeStore struct {
	eventPurgeCutoff time.Time
	alertPurgeCutoff time.Time
	assignments      []store.TagAssignment
	deletedAssign    []string
	tags             []store.Tag
	deletedTags      []string

	updates        []store.ContainerUpdate
	deletedUpdates []string
}

func (f *fakeStore) PurgeEventLogBefore(cutoff time.Time) error {
	f.eventPurgeCutoff = cutoff
	return nil
}
func (f *fakeStore) PurgeAlertsResolvedBefore(cutoff time.Time) error {
	f.alertPurgeCutoff = cutoff
	return nil
}
func (f *fakeStore) ListTagAssignments() ([]store.TagAssignment, error) { return f.assignments, nil }
func (f *fakeStore) DeleteTagAssignment(subjectType, subjectID string) error {
	f.deletedAssign = append(f.deletedAssign, subjectID)
	return nil
}
func (f *fakeStore) ListTags() ([]store.Tag, error) { return f.tags, nil }
func (f *fakeStore) DeleteTag(id string) error {
	f.deletedTags = append(f.deletedTags, id)
	return nil
}

func (f *fakeStore) ListContainerUpdates() ([]store.ContainerUpdate, error) { return f.updates, nil }
func (f *fakeStore) DeleteContainerUpdate(containerID string) error {
	f.deletedUpdates = append(f.deletedUpdates, containerID)
	return nil
}
func (f *fakeStore) ListHealthChecks() ([]store.ContainerHTTPHealthCheck, error) { return nil, nil }
func (f *fakeStore) DeleteHealthCheck(containerID string) error                 { return nil }
func (f *fakeStore) ListAutoRestarts() ([]store.AutoRestartConfig, error)       { return nil, nil }
func (f *fakeStore) DeleteAutoRestart(containerID string) error                { return nil }
func (f *fakeStore) ListDesiredStates() ([]store.ContainerDesiredState, error)  { return nil, nil }
func (f *fakeStore) DeleteDesiredState(containerID string) error               { return nil }

type fakeHosts struct{ hosts []store.Host }

func (f *fakeHosts) ListHosts() ([]store.Host, error) { return f.hosts, nil }

type fakeLive struct{ known map[string]bool }

func (f *fakeLive) Exists(compositeID string) bool { return f.known[compositeID] }

type fakeConfig struct{}

func (fakeConfig) MaintenanceSchedule() string         { return "0 3 * * *" }
func (fakeConfig) UpdateCheckSchedule() string         { return "0 */6 * * *" }
func (fakeConfig) EventRetention() time.Duration        { return 30 * 24 * time.Hour }
func (fakeConfig) AlertRetention() time.Duration        { return 30 * 24 * time.Hour }
func (fakeConfig) TagAssignmentMaxIdle() time.Duration  { return 30 * 24 * time.Hour }
func (fakeConfig) BackupGracePeriod() time.Duration     { return 24 * time.Hour }
func (fakeConfig) ImageKeepNewest() int                 { return 2 }
func (fakeConfig) ImagePruneGrace() time.Duration       { return 48 * time.Hour }
func (fakeConfig) SelfImageRef() string                 { return "darthnorse/dockmon:latest" }

func TestPurgeOrphanedTagAssignments(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	fs := &fakeStore{
		assignments: []store.TagAssignment{
			{TagID: "t1", SubjectType: "container", SubjectID: "h1:abc", LastSeenAt: fc.Now().Add(-40 * 24 * time.Hour)},
			{TagID: "t2", SubjectType: "container", SubjectID: "h1:def", LastSeenAt: fc.Now().Add(-time.Hour)},
		},
		tags: []store.Tag{{ID: "t1"}, {ID: "t2"}},
	}
	svc := New(fs, &fakeHosts{}, nil, nil, nil, fakeConfig{}, fc, nil)

	svc.purgeOrphanedTagAssignments(fc.Now())

	if len(fs.deletedAssign) != 1 || fs.deletedAssign[0] != "h1:abc" {
		t.Fatalf("expected exactly h1:abc purged, got %v", fs.deletedAssign)
	}
	if len(fs.deletedTags) != 1 || fs.deletedTags[0] != "t1" {
		t.Fatalf("expected tag t1 purged (now unused), got %v", fs.deletedTags)
	}
}

func TestPurgeDeadContainerRows(t *testing.T) {
	fs := &fakeStore{
		updates: []store.ContainerUpdate{
			{ContainerID: "h1:alive"},
			{ContainerID: "h1:dead"},
		},
	}
	live := &fakeLive{known: map[string]bool{"h1:alive": true}}
	svc := New(fs, &fakeHosts{}, nil, live, nil, fakeConfig{}, nil, nil)

	svc.purgeDeadContainerRows()

	if len(fs.deletedUpdates) != 1 || fs.deletedUpdates[0] != "h1:dead" {
		t.Fatalf("expected only h1:dead purged, got %v", fs.deletedUpdates)
	}
}

func TestPurgeDeadContainerRows_NoLiveSourceSkips(t *testing.T) {
	fs := &fakeStore{updates: []store.ContainerUpdate{{ContainerID: "h1:x"}}}
	svc := New(fs, &fakeHosts{}, nil, nil, nil, fakeConfig{}, nil, nil)

	svc.purgeDeadContainerRows()

	if len(fs.deletedUpdates) != 0 {
		t.Fatalf("expected no deletions without a live-container source, got %v", fs.deletedUpdates)
	}
}

func TestRunDaily_RetentionCutoffsUseConfig(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC))
	fs := &fakeStore{}
	svc := New(fs, &fakeHosts{}, nil, nil, nil, fakeConfig{}, fc, nil)

	svc.RunDailyMaintenance(context.Background())

	wantEvent := fc.Now().Add(-30 * 24 * time.Hour)
	if !fs.eventPurgeCutoff.Equal(wantEvent) {
		t.Errorf("event purge cutoff = %v, want %v", fs.eventPurgeCutoff, wantEvent)
	}
	wantAlert := fc.Now().Add(-30 * 24 * time.Hour)
	if !fs.alertPurgeCutoff.Equal(wantAlert) {
		t.Errorf("alert purge cutoff = %v, want %v", fs.alertPurgeCutoff, wantAlert)
	}
}

func TestRepoOf(t *testing.T) {
	cases := map[string]string{
		"nginx:1.25":              "nginx",
		"ghcr.io/owner/app:1.2.3": "ghcr.io/owner/app",
		"nginx@sha256:abc":        "nginx@sha256:abc",
	}
	for in, want := range cases {
		if got := repoOf(in); got != want {
			t.Errorf("repoOf(%q) = %q, want %q", in, got, want)
		}
	}
}
