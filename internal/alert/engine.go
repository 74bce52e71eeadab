// Package alert implements the Alert Engine (C9): deduplicated rule
// evaluation with debounce, deferred-notification staging, grace-period
// re-verification (driven by internal/evaluation), and auto-resolution on
// opposite-state events.
//
// Grounded on the teacher's notify-dedup-by-digest discipline
// (engine/updater.go's GetNotifyState/SetNotifyState, one notification per
// digest change) generalized to alert dedup-by-key, and on the teacher's
// per-container sync.Map of in-flight locks (tryLock/unlock/IsUpdating) as
// the model for per-dedup-key serialization spec §5 requires for
// get_or_create_alert.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/notify"
	"github.com/darthnorse/dockmon/internal/store"
)

// systemScopeID is the fixed scope-id for alerts the engine raises about its
// own evaluation failures (spec §4.7's "system alerts").
const systemScopeID = "alert_service"

// SystemRuleID is the synthetic rule-id used for system-scope alerts
// (spec §4.7's `{system_rule_id}|system_error|system:alert_service`).
const SystemRuleID = "system"

// Context carries the scope identity and predicates an AlertRule's
// selectors are matched against. The same struct serves both
// EvaluateMetric and EvaluateEvent call sites (spec §4.7).
type Context struct {
	ScopeType     string // container, host, system
	HostID        string
	HostName      string
	ContainerID   string // composite key for container scope
	ContainerName string
	Labels        map[string]string
	Tags          []string
}

func (c Context) scopeID() string {
	switch c.ScopeType {
	case "container":
		return c.ContainerID
	case "host":
		return c.HostID
	default:
		return systemScopeID
	}
}

// Store is the subset of store.Store the engine needs.
type Store interface {
	ListAlertRules() ([]store.AlertRule, error)
	FindAlertByDedupKey(dedupKey string) (store.Alert, bool, error)
	SaveAlert(store.Alert) error
	GetAlert(id string) (store.Alert, bool, error)
}

// Engine is the Alert Engine (C9).
type Engine struct {
	store    Store
	bus      *events.Bus
	notifier *notify.Multi
	clock    clock.Clock
	log      *slog.Logger

	mu         sync.Mutex
	candidates map[string]*candidateState
	keyLocks   map[string]*sync.Mutex
}

// candidateState is the engine's in-memory breach/clear bookkeeping for one
// dedup-key, not persisted — it resets on process restart, which only
// delays (never corrupts) debounce behavior.
type candidateState struct {
	breachCount int
	clearSince  time.Time
}

// New creates an Engine.
func New(st Store, bus *events.Bus, notifier *notify.Multi, clk clock.Clock, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{
		store:      st,
		bus:        bus,
		notifier:   notifier,
		clock:      clk,
		log:        log,
		candidates: make(map[string]*candidateState),
		keyLocks:   make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lockFor(key string) func() {
	e.mu.Lock()
	l, ok := e.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		e.keyLocks[key] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e *Engine) candidate(key string) *candidateState {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.candidates[key]
	if !ok {
		c = &candidateState{}
		e.candidates[key] = c
	}
	return c
}

func (e *Engine) dropCandidate(key string) {
	e.mu.Lock()
	delete(e.candidates, key)
	e.mu.Unlock()
}

func dedupKey(ruleID, kind, scopeID string) string {
	return ruleID + "|" + kind + "|" + scopeID
}

// matchSelector reports whether rule's scope and selectors match ctx.
func matchSelector(rule store.AlertRule, ctx Context) bool {
	if rule.ScopeType != "" && rule.ScopeType != ctx.ScopeType {
		return false
	}
	sel := rule.Selector
	if len(sel.HostIDs) > 0 && !contains(sel.HostIDs, ctx.HostID) {
		return false
	}
	if len(sel.ContainerNames) > 0 && !contains(sel.ContainerNames, ctx.ContainerName) {
		return false
	}
	for k, v := range sel.Labels {
		if ctx.Labels[k] != v {
			return false
		}
	}
	if len(sel.Tags) > 0 && !anyTagMatches(sel.Tags, ctx.Tags) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func anyTagMatches(want, have []string) bool {
	for _, w := range want {
		if contains(have, w) {
			return true
		}
	}
	return false
}

// evalOperator evaluates "value OP bound".
func evalOperator(value float64, op string, bound float64) bool {
	switch op {
	case ">":
		return value > bound
	case ">=", "≥":
		return value >= bound
	case "<":
		return value < bound
	case "<=", "≤":
		return value <= bound
	case "==":
		return value == bound
	case "!=":
		return value != bound
	default:
		return false
	}
}

// dependsOnBlocked always returns false: the state of the rules listed in
// AlertRule.DependsOn is not looked up, so DependsOn never blocks a rule
// from firing. The evaluation paths do not call it.
func (e *Engine) dependsOnBlocked(rule store.AlertRule, scopeID string) bool {
	for _, depID := range rule.DependsOn {
		if depID == "" {
			continue
		}
		// Dedup-keys include the dependency's kind, which is not known
		// here, so FindAlertByDedupKey cannot look the dependency up.
		_ = depID
		_ = scopeID
	}
	return false
}

// EvaluateMetric is C10's entry point for one (container|host, metric) tuple
// per tick (spec §4.7/§4.8①).
func (e *Engine) EvaluateMetric(rules []store.AlertRule, metricName string, value float64, ctx Context) {
	for _, rule := range rules {
		if !rule.Enabled || rule.Metric != metricName {
			continue
		}
		if !matchSelector(rule, ctx) {
			continue
		}
		e.processMetric(rule, value, ctx)
	}
}

func (e *Engine) processMetric(rule store.AlertRule, value float64, ctx Context) {
	scopeID := ctx.scopeID()
	key := dedupKey(rule.ID, rule.Kind, scopeID)
	unlock := e.lockFor(key)
	defer unlock()

	breach := evalOperator(value, rule.Operator, rule.Threshold)
	state := e.candidate(key)

	if breach {
		state.clearSince = time.Time{}
		state.breachCount++
		need := rule.Occurrences
		if need < 1 {
			need = 1
		}
		if state.breachCount >= need {
			e.openOrUpdate(rule, key, scopeID, value, ctx)
		}
		return
	}

	// Non-breach observation: decide whether the clear condition holds.
	clearing := true
	if rule.ClearThreshold != nil {
		clearing = !evalOperator(value, rule.Operator, *rule.ClearThreshold)
	}
	state.breachCount = 0
	if !clearing {
		state.clearSince = time.Time{}
		return
	}
	if state.clearSince.IsZero() {
		state.clearSince = e.clock.Now()
	}
	delay := rule.ClearDelay
	if e.clock.Now().Sub(state.clearSince) >= delay {
		e.resolve(key, value, "condition cleared")
		e.dropCandidate(key)
	}
}

// EvaluateEvent is C10's entry point for lifecycle events (state_change,
// container_stopped, host_disconnected, ...). It both opens alerts for
// event-driven rules (empty Metric) and auto-resolves the opposite-state
// rule kinds spec §4.7 lists.
func (e *Engine) EvaluateEvent(rules []store.AlertRule, eventType string, ctx Context) {
	if clearedKind, ok := clearingKindFor(eventType); ok {
		e.autoResolveKind(clearedKind, ctx.scopeID(), "condition cleared")
	}

	for _, rule := range rules {
		if !rule.Enabled || rule.Metric != "" || rule.Kind != eventType {
			continue
		}
		if !matchSelector(rule, ctx) {
			continue
		}
		scopeID := ctx.scopeID()
		key := dedupKey(rule.ID, rule.Kind, scopeID)
		unlock := e.lockFor(key)
		e.openOrUpdate(rule, key, scopeID, 0, ctx)
		unlock()
	}
}

// clearingKindFor maps a terminal lifecycle event to the alert Kind it
// clears (spec §4.7's "auto-resolution on opposite-state events").
func clearingKindFor(eventType string) (string, bool) {
	switch eventType {
	case "container_started", "container_running":
		return "container_stopped", true
	case "container_healthy":
		return "unhealthy", true
	case "host_connected":
		return "host_disconnected", true
	default:
		return "", false
	}
}

// autoResolveKind resolves every open/snoozed alert of the given kind within
// a scope, without regard to which rule produced it (a rule can be edited or
// deleted after the alert opened).
func (e *Engine) autoResolveKind(kind, scopeID, reason string) {
	alerts, err := e.listOpenByScope(scopeID)
	if err != nil {
		e.log.Warn("alert: list for auto-resolve failed", "error", err)
		return
	}
	for _, a := range alerts {
		if !strings.Contains(a.DedupKey, "|"+kind+"|") {
			continue
		}
		e.resolveAlert(a, reason)
	}
}

// listOpenByScope is a narrow helper; Store doesn't expose a scoped query so
// this lists every alert through the optional ListAlerts method and filters
// by scope and state. Without that method it returns no alerts.
type scopedLister interface {
	ListAlerts() ([]store.Alert, error)
}

func (e *Engine) listOpenByScope(scopeID string) ([]store.Alert, error) {
	l, ok := e.store.(scopedLister)
	if !ok {
		return nil, nil
	}
	all, err := l.ListAlerts()
	if err != nil {
		return nil, err
	}
	var out []store.Alert
	for _, a := range all {
		if a.ScopeID == scopeID && (a.State == "open" || a.State == "snoozed") {
			out = append(out, a)
		}
	}
	return out, nil
}

// openOrUpdate implements spec §3's "get_or_create_alert": if a non-resolved
// Alert already exists for this dedup-key it is refreshed (last_seen bumped,
// occurrences incremented, severity possibly promoted); otherwise a new
// Alert row is created in the open state immediately. The rule's
// NotificationActiveDelay gates notification dispatch, not creation: with
// a positive delay the Alert is left un-notified for the pending sweep,
// which may auto-resolve it silently; otherwise it is dispatched at once.
// The rule's ActiveDelay is not read here. Caller must hold the per-key lock.
func (e *Engine) openOrUpdate(rule store.AlertRule, key, scopeID string, value float64, ctx Context) {
	now := e.clock.Now()

	existing, ok, err := e.store.FindAlertByDedupKey(key)
	if err == nil && ok && existing.State != "resolved" {
		existing.LastSeen = now
		existing.Occurrences++
		existing.CurrentValue = value
		if severityRank(rule.Severity) > severityRank(existing.Severity) {
			existing.Severity = rule.Severity
		}
		if err := e.store.SaveAlert(existing); err != nil {
			e.log.Warn("alert: update existing failed", "dedup_key", key, "error", err)
		}
		return
	}

	a := store.Alert{
		ID:            newID(key, now),
		DedupKey:      key,
		ScopeType:     rule.ScopeType,
		ScopeID:       scopeID,
		RuleID:        rule.ID,
		RuleVersion:   rule.Version,
		State:         "open",
		Severity:      rule.Severity,
		Title:         title(rule),
		Message:       message(rule, ctx, value),
		FirstSeen:     now,
		LastSeen:      now,
		Occurrences:   1,
		Labels:        rule.Labels,
		CurrentValue:  value,
		Threshold:     rule.Threshold,
		HostID:        ctx.HostID,
		HostName:      ctx.HostName,
		ContainerName: ctx.ContainerName,
	}

	grace := rule.NotificationActiveDelay
	if grace <= 0 {
		a.NotifiedAt = now
	}

	if err := e.store.SaveAlert(a); err != nil {
		e.log.Warn("alert: create failed", "dedup_key", key, "error", err)
		return
	}

	e.publishOpened(a)

	if grace <= 0 {
		e.dispatch(a)
	}
}

func severityRank(s string) int {
	switch s {
	case "critical":
		return 3
	case "warning":
		return 2
	case "info":
		return 1
	default:
		return 0
	}
}

func title(rule store.AlertRule) string {
	if rule.Name != "" {
		return rule.Name
	}
	return rule.Kind
}

func message(rule store.AlertRule, ctx Context, value float64) string {
	subject := ctx.ContainerName
	if subject == "" {
		subject = ctx.HostName
	}
	if rule.Metric != "" {
		return fmt.Sprintf("%s: %s %s %g (value %g)", subject, rule.Metric, rule.Operator, rule.Threshold, value)
	}
	return fmt.Sprintf("%s: %s", subject, rule.Kind)
}

func newID(key string, now time.Time) string {
	return fmt.Sprintf("alert-%x-%d", hashKey(key), now.UnixNano())
}

func hashKey(key string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return h
}

// resolve looks up the alert by dedup-key and resolves it if still
// non-terminal. Caller must hold the per-key lock.
func (e *Engine) resolve(key string, value float64, reason string) {
	a, ok, err := e.store.FindAlertByDedupKey(key)
	if err != nil || !ok || a.State == "resolved" {
		return
	}
	a.CurrentValue = value
	e.resolveAlert(a, reason)
}

func (e *Engine) resolveAlert(a store.Alert, reason string) {
	now := e.clock.Now()
	a.State = "resolved"
	a.ResolvedAt = now
	a.ResolvedReason = reason
	if err := e.store.SaveAlert(a); err != nil {
		e.log.Warn("alert: resolve failed", "id", a.ID, "error", err)
		return
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{Type: events.EventAlertResolved, AlertID: a.ID, HostID: a.HostID, ContainerName: a.ContainerName, Message: reason})
	}
}

func (e *Engine) publishOpened(a store.Alert) {
	if e.bus != nil {
		e.bus.Publish(events.Event{Type: events.EventAlertOpened, AlertID: a.ID, HostID: a.HostID, ContainerName: a.ContainerName, Message: a.Message})
	}
}

// dispatch sends the notification for an alert that has already been marked
// notified (or is about to be). Errors are logged, never propagated —
// notifications must not block alert state transitions.
func (e *Engine) dispatch(a store.Alert) {
	if e.notifier == nil {
		return
	}
	evtType := notify.EventAlertOpened
	if a.State == "resolved" {
		evtType = notify.EventAlertResolved
	}
	e.notifier.Notify(context.Background(), notify.Event{
		Type:          evtType,
		ContainerName: a.ContainerName,
		AlertID:       a.ID,
		Title:         a.Title,
		Message:       a.Message,
		Severity:      a.Severity,
		Timestamp:     e.clock.Now(),
	})
}

// Dispatch is the exported form C10's pending-notification sweep calls once
// it has re-verified the condition still holds and set NotifiedAt.
func (e *Engine) Dispatch(a store.Alert) { e.dispatch(a) }

// Resolve is the exported form C10's pending-notification sweep calls when
// re-verification finds the condition already cleared.
func (e *Engine) Resolve(a store.Alert, reason string) {
	e.resolveAlert(a, reason)
	e.mu.Lock()
	delete(e.candidates, a.DedupKey)
	e.mu.Unlock()
}

// RecordSystemError creates or refreshes a system-scope alert so operators
// notice the alert service itself is failing (spec §4.7's "system alerts").
func (e *Engine) RecordSystemError(component string, cause error) {
	key := dedupKey(SystemRuleID, "system_error", "system:"+systemScopeID)
	unlock := e.lockFor(key)
	defer unlock()

	now := e.clock.Now()
	existing, ok, err := e.store.FindAlertByDedupKey(key)
	if err == nil && ok && existing.State != "resolved" {
		existing.LastSeen = now
		existing.Occurrences++
		existing.Message = fmt.Sprintf("%s: %v", component, cause)
		_ = e.store.SaveAlert(existing)
		return
	}

	a := store.Alert{
		ID:          newID(key, now),
		DedupKey:    key,
		ScopeType:   "system",
		ScopeID:     systemScopeID,
		RuleID:      SystemRuleID,
		State:       "open",
		Severity:    "critical",
		Title:       "Alert evaluation error",
		Message:     fmt.Sprintf("%s: %v", component, cause),
		FirstSeen:   now,
		LastSeen:    now,
		Occurrences: 1,
		NotifiedAt:  now,
	}
	if err := e.store.SaveAlert(a); err != nil {
		e.log.Error("alert: failed to record system alert", "error", err)
		return
	}
	e.publishOpened(a)
	e.dispatch(a)
}

// sortedKeys is a small helper kept for deterministic logging/debugging of
// the candidate map; unused in the hot path.
func (e *Engine) sortedKeys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]string, 0, len(e.candidates))
	for k := range e.candidates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
