package alert

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/notify"
	"github.com/darthnorse/dockmon/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newEngine(t *testing.T) (*Engine, *store.Store, *clock.Fake) {
	t.Helper()
	s := testStore(t)
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	eng := New(s, events.New(), notify.NewMulti(nil), fc, nil)
	return eng, s, fc
}

func TestEvaluateMetric_OpensAlertOnBreach(t *testing.T) {
	eng, s, _ := newEngine(t)
	rule := store.AlertRule{
		ID: "r1", Kind: "cpu_high", ScopeType: "container",
		Metric: "cpu_percent", Operator: ">", Threshold: 90, Occurrences: 1,
		Severity: "warning",
	}
	ctx := Context{ScopeType: "container", ContainerID: "h1:abc123abc123", ContainerName: "app"}

	eng.EvaluateMetric([]store.AlertRule{rule}, "cpu_percent", 95, ctx)

	alerts, err := s.ListAlerts()
	if err != nil || len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d (err %v)", len(alerts), err)
	}
	if alerts[0].State != "open" {
		t.Errorf("state = %q, want open", alerts[0].State)
	}
	if alerts[0].DedupKey != "r1|cpu_high|h1:abc123abc123" {
		t.Errorf("dedup key = %q", alerts[0].DedupKey)
	}
}

func TestEvaluateMetric_DedupesRefiring(t *testing.T) {
	eng, s, _ := newEngine(t)
	rule := store.AlertRule{ID: "r1", Kind: "cpu_high", ScopeType: "container", Metric: "cpu_percent", Operator: ">", Threshold: 90, Occurrences: 1}
	ctx := Context{ScopeType: "container", ContainerID: "h1:abc", ContainerName: "app"}

	for i := 0; i < 3; i++ {
		eng.EvaluateMetric([]store.AlertRule{rule}, "cpu_percent", 95, ctx)
	}

	alerts, _ := s.ListAlerts()
	if len(alerts) != 1 {
		t.Fatalf("expected exactly 1 alert row across refirings, got %d", len(alerts))
	}
	if alerts[0].Occurrences != 3 {
		t.Errorf("occurrences = %d, want 3", alerts[0].Occurrences)
	}
}

func TestEvaluateMetric_OccurrencesGatesOpen(t *testing.T) {
	eng, s, _ := newEngine(t)
	rule := store.AlertRule{ID: "r1", Kind: "cpu_high", ScopeType: "container", Metric: "cpu_percent", Operator: ">", Threshold: 90, Occurrences: 3}
	ctx := Context{ScopeType: "container", ContainerID: "h1:abc", ContainerName: "app"}

	eng.EvaluateMetric([]store.AlertRule{rule}, "cpu_percent", 95, ctx)
	eng.EvaluateMetric([]store.AlertRule{rule}, "cpu_percent", 95, ctx)
	if alerts, _ := s.ListAlerts(); len(alerts) != 0 {
		t.Fatalf("expected no alert before occurrences threshold, got %d", len(alerts))
	}

	eng.EvaluateMetric([]store.AlertRule{rule}, "cpu_percent", 95, ctx)
	if alerts, _ := s.ListAlerts(); len(alerts) != 1 {
		t.Fatalf("expected alert after 3rd consecutive breach, got %d", len(alerts))
	}
}

func TestEvaluateMetric_ClearDelayResolvesAfterPersisting(t *testing.T) {
	eng, s, fc := newEngine(t)
	rule := store.AlertRule{
		ID: "r1", Kind: "cpu_high", ScopeType: "container", Metric: "cpu_percent",
		Operator: ">", Threshold: 90, Occurrences: 1, ClearDelay: 60 * time.Second,
	}
	ctx := Context{ScopeType: "container", ContainerID: "h1:abc", ContainerName: "app"}

	eng.EvaluateMetric([]store.AlertRule{rule}, "cpu_percent", 95, ctx)
	eng.EvaluateMetric([]store.AlertRule{rule}, "cpu_percent", 10, ctx) // clearing starts

	a, _, _ := s.FindAlertByDedupKey("r1|cpu_high|h1:abc")
	if a.State != "open" {
		t.Fatalf("alert resolved too early, state=%q", a.State)
	}

	fc.Advance(30 * time.Second)
	eng.EvaluateMetric([]store.AlertRule{rule}, "cpu_percent", 10, ctx)
	a, _, _ = s.FindAlertByDedupKey("r1|cpu_high|h1:abc")
	if a.State != "open" {
		t.Fatalf("alert resolved before clear delay elapsed, state=%q", a.State)
	}

	fc.Advance(31 * time.Second)
	eng.EvaluateMetric([]store.AlertRule{rule}, "cpu_percent", 10, ctx)
	a, _, _ = s.FindAlertByDedupKey("r1|cpu_high|h1:abc")
	if a.State != "resolved" {
		t.Fatalf("state = %q, want resolved after clear delay", a.State)
	}
}

func TestEvaluateEvent_OpensAndAutoResolvesOppositeKind(t *testing.T) {
	eng, s, _ := newEngine(t)
	rule := store.AlertRule{ID: "r1", Kind: "container_stopped", ScopeType: "container", Severity: "critical"}
	ctx := Context{ScopeType: "container", ContainerID: "h1:abc", ContainerName: "app"}

	eng.EvaluateEvent([]store.AlertRule{rule}, "container_stopped", ctx)
	a, ok, _ := s.FindAlertByDedupKey("r1|container_stopped|h1:abc")
	if !ok || a.State != "open" {
		t.Fatalf("expected open alert, got ok=%v state=%q", ok, a.State)
	}

	eng.EvaluateEvent(nil, "container_started", ctx)
	a, ok, _ = s.FindAlertByDedupKey("r1|container_stopped|h1:abc")
	if !ok || a.State != "resolved" {
		t.Fatalf("expected auto-resolved alert, got ok=%v state=%q", ok, a.State)
	}
}

func TestEvaluateMetric_SelectorMismatchSkipsRule(t *testing.T) {
	eng, s, _ := newEngine(t)
	rule := store.AlertRule{
		ID: "r1", Kind: "cpu_high", ScopeType: "container", Metric: "cpu_percent",
		Operator: ">", Threshold: 90, Occurrences: 1,
		Selector: store.Selector{ContainerNames: []string{"other"}},
	}
	ctx := Context{ScopeType: "container", ContainerID: "h1:abc", ContainerName: "app"}

	eng.EvaluateMetric([]store.AlertRule{rule}, "cpu_percent", 95, ctx)
	if alerts, _ := s.ListAlerts(); len(alerts) != 0 {
		t.Fatalf("expected no alert for non-matching selector, got %d", len(alerts))
	}
}

func TestRecordSystemError_DedupesAndDispatches(t *testing.T) {
	eng, s, _ := newEngine(t)
	eng.RecordSystemError("evaluation_tick", errTest("boom"))
	eng.RecordSystemError("evaluation_tick", errTest("boom again"))

	alerts, _ := s.ListAlerts()
	if len(alerts) != 1 {
		t.Fatalf("expected 1 system alert, got %d", len(alerts))
	}
	if alerts[0].ScopeID != systemScopeID || alerts[0].Occurrences != 2 {
		t.Errorf("unexpected system alert: %+v", alerts[0])
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
