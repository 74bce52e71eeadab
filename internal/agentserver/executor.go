package agentserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/darthnorse/dockmon/internal/agentproto"
)

// DefaultTimeout returns the per-command timeout for action (spec §4.2):
// lifecycle operations 30s, stop a bare 10s, logs 30s, inspect 15s, image
// pulls the full 1800s pull budget, and anything else (verify_running
// included) the 30s lifecycle default. The stop timeout that adds the
// container's grace period and the verify-running timeout that adds the
// caller's max wait take an argument and come from StopTimeout and
// VerifyRunningTimeout instead.
func DefaultTimeout(action agentproto.Action) time.Duration {
	switch action {
	case agentproto.ActionStop:
		return 10 * time.Second
	case agentproto.ActionGetLogs:
		return 30 * time.Second
	case agentproto.ActionInspect:
		return 15 * time.Second
	case agentproto.ActionPullImage:
		return 1800 * time.Second
	case agentproto.ActionStart, agentproto.ActionRestart, agentproto.ActionRemove,
		agentproto.ActionCreate, agentproto.ActionListContainers, agentproto.ActionListNetworks, agentproto.ActionCreateNetwork,
		agentproto.ActionListVolumes, agentproto.ActionCreateVolume, agentproto.ActionGetStatus,
		agentproto.ActionListImages, agentproto.ActionRemoveImage, agentproto.ActionPruneImages:
		return 30 * time.Second
	default:
		return 30 * time.Second
	}
}

// StopTimeout computes the timeout for a stop command given the
// container's configured grace period, per spec §4.2 ("stop 10s+container
// grace+20s").
func StopTimeout(containerGrace time.Duration) time.Duration {
	return 10*time.Second + containerGrace + 20*time.Second
}

// VerifyRunningTimeout computes the timeout for a verify_running command
// given the caller's requested max wait, per spec §4.2.
func VerifyRunningTimeout(maxWait time.Duration) time.Duration {
	return maxWait + 10*time.Second
}

type pendingKey struct {
	agentID       string
	correlationID string
}

// Executor issues correlated request/response commands over an agent's
// session (C4). Every command gets a fresh correlation id; a pending future
// is completed either by a matching inbound response frame or, at deadline,
// with a TIMEOUT result. A late response after the deadline is discarded —
// the wire frame itself is never withdrawn (spec §5).
type Executor struct {
	mgr *Manager

	mu      sync.Mutex
	pending map[pendingKey]chan agentproto.CommandResult
}

// NewExecutor creates an Executor bound to mgr for session lookups.
func NewExecutor(mgr *Manager) *Executor {
	e := &Executor{mgr: mgr, pending: make(map[pendingKey]chan agentproto.CommandResult)}
	mgr.SetExecutor(e)
	return e
}

// Send issues a command to agentID and blocks until a response arrives,
// the context is cancelled, or timeout elapses (whichever is first). A
// deadline expiry resolves to StatusTimeout without cancelling the
// in-flight wire frame.
func (e *Executor) Send(ctx context.Context, agentID string, action agentproto.Action, payload any, timeout time.Duration) (agentproto.CommandResult, error) {
	sess, ok := e.mgr.Session(agentID)
	if !ok {
		return agentproto.CommandResult{}, fmt.Errorf("agent %s is not connected", agentID)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return agentproto.CommandResult{}, fmt.Errorf("marshal command payload: %w", err)
	}

	correlationID := uuid.NewString()
	key := pendingKey{agentID: agentID, correlationID: correlationID}
	ch := make(chan agentproto.CommandResult, 1)

	e.mu.Lock()
	e.pending[key] = ch
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.pending, key)
		e.mu.Unlock()
	}()

	envelope := agentproto.CommandEnvelope{
		Type:          agentproto.FrameCommand,
		CorrelationID: correlationID,
		Action:        action,
		Payload:       body,
	}

	start := time.Now()
	if err := sess.WriteJSON(envelope); err != nil {
		return agentproto.CommandResult{}, fmt.Errorf("send command to %s: %w", agentID, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		res.Duration = time.Since(start).Nanoseconds()
		return res, nil
	case <-timer.C:
		return agentproto.CommandResult{Status: agentproto.StatusTimeout, Duration: time.Since(start).Nanoseconds()}, nil
	case <-ctx.Done():
		return agentproto.CommandResult{}, ctx.Err()
	}
}

// Deliver routes an inbound response frame to its pending future, keyed by
// (agentID, correlation-id). Frames with no matching pending entry (no
// correlation id set, or the future already timed out) are dropped silently
// — they are fire-and-forget telemetry at that point.
func (e *Executor) Deliver(agentID string, frame agentproto.ResponseFrame) {
	if frame.CorrelationID == "" {
		return
	}
	key := pendingKey{agentID: agentID, correlationID: frame.CorrelationID}

	e.mu.Lock()
	ch, ok := e.pending[key]
	e.mu.Unlock()
	if !ok {
		return
	}

	result := agentproto.CommandResult{Payload: frame.Payload}
	switch frame.Type {
	case agentproto.FrameError:
		result.Status = agentproto.StatusError
		result.Error = frame.Error
	default:
		result.Status = agentproto.StatusSuccess
	}

	select {
	case ch <- result:
	default:
	}
}

// failAll completes every pending future for agentID with an ERROR result,
// called by Manager.Remove when the session drops (spec §4.2's
// disconnection rule).
func (e *Executor) failAll(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, ch := range e.pending {
		if key.agentID != agentID {
			continue
		}
		select {
		case ch <- agentproto.CommandResult{Status: agentproto.StatusError, Error: "agent disconnected"}:
		default:
		}
		delete(e.pending, key)
	}
}
