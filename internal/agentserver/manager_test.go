package agentserver

import (
	"testing"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewManager(st, events.New(), clock.Real{}, logging.New(false))
}

// TestAtMostOneSessionPerAgent is the spec §8 invariant: for every agent-id,
// at most one WebSocket session exists at any instant, and registering a
// new one evicts the old mapping immediately.
func TestAtMostOneSessionPerAgent(t *testing.T) {
	mgr := newTestManager(t)

	s1 := &Session{AgentID: "a1"}
	s2 := &Session{AgentID: "a1"}

	mgr.mu.Lock()
	mgr.sessions["a1"] = s1
	mgr.mu.Unlock()

	mgr.mu.Lock()
	old, had := mgr.sessions["a1"]
	mgr.sessions["a1"] = s2
	mgr.mu.Unlock()

	if !had || old != s1 {
		t.Fatalf("expected old session s1 to be found")
	}

	got, ok := mgr.Session("a1")
	if !ok || got != s2 {
		t.Fatalf("expected current session to be s2, got %v ok=%v", got, ok)
	}

	if len(mgr.ConnectedAgents()) != 1 {
		t.Fatalf("expected exactly one connected agent, got %d", len(mgr.ConnectedAgents()))
	}
}

func TestAuthenticateRegisterThenReconnect(t *testing.T) {
	mgr := newTestManager(t)

	token := "tok-123"
	if err := mgr.store.SaveRegistrationToken(store.RegistrationToken{
		Token:     token,
		CreatedBy: "op",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(15 * time.Minute),
	}); err != nil {
		t.Fatalf("save token: %v", err)
	}

	res, err := mgr.Authenticate("register", token, "", "engine-1", "1.0.0", 1, []string{"update"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if res.AgentID == "" || res.AgentID != res.PermanentToken {
		t.Fatalf("expected agent id to double as permanent token, got %+v", res)
	}

	// Re-using the same token must fail (single use).
	if _, err := mgr.Authenticate("register", token, "", "engine-1", "1.0.0", 1, nil); err == nil {
		t.Fatal("expected redeemed token to be rejected")
	}

	// Reconnect with matching engine-id succeeds.
	if _, err := mgr.Authenticate("reconnect", "", res.AgentID, "engine-1", "", 0, nil); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	// Reconnect with mismatched engine-id fails.
	if _, err := mgr.Authenticate("reconnect", "", res.AgentID, "engine-2", "", 0, nil); err == nil {
		t.Fatal("expected engine_id mismatch to be rejected")
	}
}

func TestAuthenticatePermanentTokenReconnect(t *testing.T) {
	mgr := newTestManager(t)
	token := "tok-456"
	if err := mgr.store.SaveRegistrationToken(store.RegistrationToken{
		Token: token, ExpiresAt: time.Now().Add(15 * time.Minute),
	}); err != nil {
		t.Fatalf("save token: %v", err)
	}
	res, err := mgr.Authenticate("register", token, "", "engine-9", "1.0", 1, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// A "register" frame whose token is itself an existing agent-id is
	// treated as reconnect when engine-id matches.
	res2, err := mgr.Authenticate("register", res.AgentID, "", "engine-9", "1.0.1", 1, nil)
	if err != nil {
		t.Fatalf("permanent-token register: %v", err)
	}
	if res2.AgentID != res.AgentID {
		t.Fatalf("expected same agent id, got %s vs %s", res2.AgentID, res.AgentID)
	}

	if _, err := mgr.Authenticate("register", res.AgentID, "", "wrong-engine", "1.0.1", 1, nil); err == nil {
		t.Fatal("expected permanent-token register with mismatched engine-id to fail")
	}
}
