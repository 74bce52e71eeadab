// Package evaluation implements the Evaluation Service (C10): three
// cooperating long-lived tasks that drive the Alert Engine (C9) — the
// metric tick, the deferred-notification sweep with grace-period
// re-verification, and snooze expiry (spec §4.8).
//
// Grounded on engine/scheduler.go's ticker-driven supervised-task pattern
// (own cancellation context, logs its own lifecycle), generalized here to
// three independent tickers sharing one context instead of one.
package evaluation

import (
	"context"
	"log/slog"
	"time"

	"github.com/darthnorse/dockmon/internal/alert"
	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/discovery"
	"github.com/darthnorse/dockmon/internal/store"
)

// RuleStore is the subset of store.Store the service needs for rules.
type RuleStore interface {
	ListAlertRules() ([]store.AlertRule, error)
	GetAlertRule(id string) (store.AlertRule, bool, error)
}

// AlertStore is the subset of store.Store the service needs for alerts.
type AlertStore interface {
	ListAlerts() ([]store.Alert, error)
	SaveAlert(store.Alert) error
}

// Snapshotter supplies the latest discovery pass so the metric tick and
// re-verification sweep don't re-poll the daemon (implemented by
// *discovery.Loop).
type Snapshotter interface {
	Snapshot() []discovery.Observed
	Get(compositeID string) (discovery.Observed, bool)
}

// HostLiveness answers whether a host is currently reachable, for
// host_disconnected re-verification. Implemented by NewHostLiveness
// (liveness.go): store.Host.Status for local/tls-remote hosts, and
// *agentserver.Manager.IsOnline for agent hosts.
type HostLiveness interface {
	HostOnline(hostID string) bool
}

// Service runs C10's three cooperating loops.
type Service struct {
	rules     RuleStore
	alerts    AlertStore
	engine    *alert.Engine
	snapshots Snapshotter
	liveness  HostLiveness
	clock     clock.Clock
	log       *slog.Logger

	evalInterval   func() time.Duration
	pendingTick    func() time.Duration
	snoozeTick     func() time.Duration
}

// New creates a Service.
func New(rules RuleStore, alerts AlertStore, engine *alert.Engine, snapshots Snapshotter, liveness HostLiveness, clk clock.Clock, log *slog.Logger, evalInterval, pendingTick, snoozeTick func() time.Duration) *Service {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{
		rules: rules, alerts: alerts, engine: engine, snapshots: snapshots, liveness: liveness,
		clock: clk, log: log,
		evalInterval: evalInterval, pendingTick: pendingTick, snoozeTick: snoozeTick,
	}
}

// Run starts all three loops and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	done := make(chan struct{}, 3)
	go func() { s.runLoop(ctx, "metric_tick", s.evalInterval, s.metricTick); done <- struct{}{} }()
	go func() { s.runLoop(ctx, "pending_notifications", s.pendingTick, s.pendingNotificationSweep); done <- struct{}{} }()
	go func() { s.runLoop(ctx, "snooze_expiry", s.snoozeTick, s.snoozeExpirySweep); done <- struct{}{} }()
	<-ctx.Done()
	<-done
	<-done
	<-done
	return ctx.Err()
}

func (s *Service) runLoop(ctx context.Context, name string, interval func() time.Duration, tick func(context.Context)) {
	s.log.Info("evaluation: loop started", "loop", name)
	defer s.log.Info("evaluation: loop stopped", "loop", name)
	for {
		d := interval()
		if d <= 0 {
			d = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
			s.safeTick(name, tick, ctx)
		}
	}
}

// safeTick recovers from a panic inside one tick so a single bad evaluation
// never kills the loop, and records a system alert per spec §4.7.
func (s *Service) safeTick(name string, tick func(context.Context), ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("evaluation: tick panicked", "loop", name, "recovered", r)
			if s.engine != nil {
				s.engine.RecordSystemError(name, panicError{r})
			}
		}
	}()
	tick(ctx)
}

type panicError struct{ v any }

func (p panicError) Error() string { return "panic: " + toString(p.v) }

func toString(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "unknown"
}

// metricTick is C10① — every evaluation_interval, pull a snapshot of
// container stats and feed (container, metric, rule) tuples to the engine.
func (s *Service) metricTick(ctx context.Context) {
	rules, err := s.rules.ListAlertRules()
	if err != nil {
		s.log.Warn("evaluation: list rules failed", "error", err)
		return
	}

	for _, obs := range s.snapshots.Snapshot() {
		actx := alert.Context{
			ScopeType:     "container",
			HostID:        obs.HostID,
			ContainerID:   obs.CompositeID,
			ContainerName: obs.Name,
		}
		s.engine.EvaluateMetric(rules, "cpu_percent", obs.CPUPercent, actx)
		s.engine.EvaluateMetric(rules, "memory_bytes", obs.MemoryBytes, actx)
	}
}

// pendingNotificationSweep is C10② — re-verify and dispatch or auto-resolve
// every open alert still awaiting its deferred notification.
func (s *Service) pendingNotificationSweep(ctx context.Context) {
	alerts, err := s.alerts.ListAlerts()
	if err != nil {
		s.log.Warn("evaluation: list alerts failed", "error", err)
		return
	}

	now := s.clock.Now()
	for _, a := range alerts {
		if a.State != "open" || !a.NotifiedAt.IsZero() {
			continue
		}

		rule, ok, err := s.rules.GetAlertRule(a.RuleID)
		grace := 0 * time.Second
		if err == nil && ok {
			grace = rule.NotificationActiveDelay
		}
		if grace <= 0 {
			grace = 0
		}
		if now.Sub(a.LastSeen) < grace {
			continue
		}

		holds, verr := s.reverify(a, rule, ok)
		if verr != nil {
			// Fail open: dispatch rather than risk missing a real outage.
			s.log.Warn("evaluation: re-verification error, failing open", "alert_id", a.ID, "error", verr)
			holds = true
		}

		if holds {
			a.NotifiedAt = now
			if err := s.alerts.SaveAlert(a); err != nil {
				s.log.Warn("evaluation: mark notified failed", "alert_id", a.ID, "error", err)
				continue
			}
			s.engine.Dispatch(a)
		} else {
			s.engine.Resolve(a, "Condition cleared during grace period")
		}
	}
}

// reverify implements spec §4.8②'s per-kind re-verification. The returned
// bool is true when the original condition still holds (dispatch should
// proceed) and false when it has cleared (the alert should auto-resolve).
func (s *Service) reverify(a store.Alert, rule store.AlertRule, ruleOK bool) (bool, error) {
	kind := rule.Kind
	if !ruleOK {
		kind = kindFromDedupKey(a.DedupKey)
	}

	switch kind {
	case "container_stopped":
		obs, ok := s.snapshots.Get(a.ScopeID)
		return ok && obs.State != "running" && obs.State != "restarting", nil

	case "unhealthy":
		obs, ok := s.snapshots.Get(a.ScopeID)
		return ok && obs.Health == "unhealthy", nil

	case "cpu_high", "memory_high":
		obs, ok := s.snapshots.Get(a.ScopeID)
		if !ok {
			return false, nil
		}
		value := obs.CPUPercent
		if kind == "memory_high" {
			value = obs.MemoryBytes
		}
		return evalOperator(value, rule.Operator, rule.Threshold), nil

	case "host_disconnected":
		if s.liveness == nil {
			return true, nil
		}
		return !s.liveness.HostOnline(a.HostID), nil

	default:
		// Unknown kind: conservatively treat as still holding (fail open).
		return true, nil
	}
}

func evalOperator(value float64, op string, bound float64) bool {
	switch op {
	case ">":
		return value > bound
	case ">=":
		return value >= bound
	case "<":
		return value < bound
	case "<=":
		return value <= bound
	case "==":
		return value == bound
	case "!=":
		return value != bound
	default:
		return false
	}
}

func kindFromDedupKey(key string) string {
	// dedup key is "{rule-id}|{kind}|{scope-id}"; the kind is whatever's
	// between the first and second '|'.
	first := -1
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			if first == -1 {
				first = i
				continue
			}
			return key[first+1 : i]
		}
	}
	return ""
}

// snoozeExpirySweep is C10③ — every tick, return expired snoozes to open.
func (s *Service) snoozeExpirySweep(ctx context.Context) {
	alerts, err := s.alerts.ListAlerts()
	if err != nil {
		s.log.Warn("evaluation: list alerts failed", "error", err)
		return
	}
	now := s.clock.Now()
	for _, a := range alerts {
		if a.State != "snoozed" || a.SnoozedUntil.IsZero() || a.SnoozedUntil.After(now) {
			continue
		}
		a.State = "open"
		a.SnoozedUntil = time.Time{}
		if err := s.alerts.SaveAlert(a); err != nil {
			s.log.Warn("evaluation: snooze expiry save failed", "alert_id", a.ID, "error", err)
		}
	}
}
