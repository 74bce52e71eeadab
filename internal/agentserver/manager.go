package agentserver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/store"
)

// ErrAuthFailed is returned by Authenticate for any rejected register or
// reconnect frame; the caller replies auth_error and closes with 1008.
var ErrAuthFailed = errors.New("agent authentication failed")

// Manager is the process-wide agent connection registry (C3). It holds the
// single source of truth for "is this agent online" and enforces the
// at-most-one-WebSocket-per-agent invariant: registering a new session for
// an agent-id closes the prior one with code 1000 before the new entry is
// inserted, all under one lock (spec §4.2, §5, §8).
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	store *store.Store
	bus   *events.Bus
	clock clock.Clock
	log   *logging.Logger

	executor *Executor
}

// NewManager creates a Manager. SetExecutor must be called before agents
// connect so that disconnects can fail pending commands.
func NewManager(st *store.Store, bus *events.Bus, clk clock.Clock, log *logging.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		store:    st,
		bus:      bus,
		clock:    clk,
		log:      log,
	}
}

// SetExecutor wires the command executor so Remove can fail its pending
// futures for the agent being dropped. Breaks the natural C3<->C4
// constructor cycle without a global accessor (spec §9).
func (m *Manager) SetExecutor(e *Executor) { m.executor = e }

// Register installs sess as the live session for agentID, closing and
// evicting any prior session for the same agent-id first. The whole
// operation is serialized on m.mu so "at most one session per agent" holds
// even under concurrent connection attempts.
func (m *Manager) Register(agentID, hostID string, sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, had := m.sessions[agentID]; had {
		_ = old.Close(websocket1000, "New connection established")
	}
	m.sessions[agentID] = sess
}

const websocket1000 = 1000

// Remove drops the session for agentID if it is still the one stored (a
// later session replacing it must not be evicted by an earlier
// session's read-loop exit). Marks the agent offline, fails its pending
// commands, and emits HOST_DISCONNECTED.
func (m *Manager) Remove(agentID string, sess *Session) {
	m.mu.Lock()
	cur, ok := m.sessions[agentID]
	if ok && cur == sess {
		delete(m.sessions, agentID)
	}
	m.mu.Unlock()

	if !ok || cur != sess {
		return
	}

	now := m.clock.Now()
	if a, found, err := m.store.GetAgent(agentID); err == nil && found {
		a.Status = "offline"
		a.LastSeen = now
		_ = m.store.SaveAgent(a)
		if h, found, err := m.store.GetHost(a.HostID); err == nil && found && h.Status != "offline" {
			h.Status = "offline"
			h.LastChecked = now
			_ = m.store.SaveHost(h)
			m.bus.Publish(events.Event{Type: events.EventHostDisconnected, HostID: h.ID})
		}
	}

	if m.executor != nil {
		m.executor.failAll(agentID)
	}
}

// Session returns the live session for agentID, if any.
func (m *Manager) Session(agentID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[agentID]
	return s, ok
}

// IsOnline reports whether agentID currently has a live session.
func (m *Manager) IsOnline(agentID string) bool {
	_, ok := m.Session(agentID)
	return ok
}

// ConnectedAgents returns the agent-ids with a live session right now.
func (m *Manager) ConnectedAgents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// Heartbeat updates last_seen for an already-authenticated agent.
func (m *Manager) Heartbeat(agentID string) {
	if a, ok, err := m.store.GetAgent(agentID); err == nil && ok {
		a.LastSeen = m.clock.Now()
		a.Status = "online"
		_ = m.store.SaveAgent(a)
	}
}

// AuthResult is what a successful register/reconnect handshake produces.
type AuthResult struct {
	AgentID        string
	HostID         string
	PermanentToken string
}

// Authenticate validates a register or reconnect frame and mints/updates the
// Agent and Host rows accordingly (spec §4.2):
//
//   - register with a RegistrationToken: single-use, must be unexpired and
//     unredeemed; mints a new Agent (agent-id == permanent token) and a
//     Host row of connection-type "agent".
//   - register with a token that is itself an existing agent-id: treated as
//     reconnect if engine-id matches, else rejected (the permanent-token path).
//   - reconnect: succeeds iff the stored engine-id matches the one reported now.
func (m *Manager) Authenticate(kind, token, reconnectAgentID, engineID, version string, protoVersion int, capabilities []string) (AuthResult, error) {
	now := m.clock.Now()

	switch kind {
	case "register":
		if a, ok, err := m.store.GetAgent(token); err == nil && ok {
			// Permanent-token path: the "token" is itself an agent-id.
			if a.EngineID != engineID {
				return AuthResult{}, fmt.Errorf("%w: engine_id mismatch", ErrAuthFailed)
			}
			return m.finishReconnect(a, version, protoVersion, capabilities, now)
		}

		rt, ok, err := m.store.GetRegistrationToken(token)
		if err != nil || !ok {
			return AuthResult{}, fmt.Errorf("%w: unknown registration token", ErrAuthFailed)
		}
		if rt.Redeemed {
			return AuthResult{}, fmt.Errorf("%w: registration token already redeemed", ErrAuthFailed)
		}
		if now.After(rt.ExpiresAt) {
			return AuthResult{}, fmt.Errorf("%w: registration token expired", ErrAuthFailed)
		}

		rt.Redeemed = true
		if err := m.store.SaveRegistrationToken(rt); err != nil {
			return AuthResult{}, fmt.Errorf("redeem token: %w", err)
		}

		agentID := uuid.NewString()
		hostID := uuid.NewString()

		host := store.Host{
			ID:             hostID,
			DisplayName:    "agent-" + agentID[:8],
			TransportURL:   "agent://" + agentID,
			ConnectionType: "agent",
			IsActive:       true,
			LastChecked:    now,
			Status:         "online",
		}
		if err := m.store.SaveHost(host); err != nil {
			return AuthResult{}, fmt.Errorf("save host: %w", err)
		}

		agent := store.Agent{
			AgentID:      agentID,
			HostID:       hostID,
			EngineID:     engineID,
			Version:      version,
			ProtoVersion: protoVersion,
			Capabilities: capabilities,
			Status:       "online",
			LastSeen:     now,
		}
		if err := m.store.SaveAgent(agent); err != nil {
			return AuthResult{}, fmt.Errorf("save agent: %w", err)
		}

		m.bus.Publish(events.Event{Type: events.EventHostConnected, HostID: hostID})
		return AuthResult{AgentID: agentID, HostID: hostID, PermanentToken: agentID}, nil

	case "reconnect":
		a, ok, err := m.store.GetAgent(reconnectAgentID)
		if err != nil || !ok {
			return AuthResult{}, fmt.Errorf("%w: unknown agent_id", ErrAuthFailed)
		}
		if a.EngineID != engineID {
			return AuthResult{}, fmt.Errorf("%w: engine_id mismatch", ErrAuthFailed)
		}
		return m.finishReconnect(a, version, protoVersion, capabilities, now)

	default:
		return AuthResult{}, fmt.Errorf("%w: unknown frame kind %q", ErrAuthFailed, kind)
	}
}

func (m *Manager) finishReconnect(a store.Agent, version string, protoVersion int, capabilities []string, now time.Time) (AuthResult, error) {
	a.Version = version
	a.ProtoVersion = protoVersion
	a.Capabilities = capabilities
	a.Status = "online"
	a.LastSeen = now
	if err := m.store.SaveAgent(a); err != nil {
		return AuthResult{}, fmt.Errorf("save agent: %w", err)
	}

	wasOffline := true
	if h, ok, err := m.store.GetHost(a.HostID); err == nil && ok {
		wasOffline = h.Status != "online"
		h.Status = "online"
		h.LastChecked = now
		_ = m.store.SaveHost(h)
	}
	if wasOffline {
		m.bus.Publish(events.Event{Type: events.EventHostConnected, HostID: a.HostID})
	}

	return AuthResult{AgentID: a.AgentID, HostID: a.HostID, PermanentToken: a.AgentID}, nil
}
