package agentserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/darthnorse/dockmon/internal/agentproto"
)

// wsPair spins up a test HTTP server that upgrades to a WebSocket and
// returns the client-side *websocket.Conn. The server-side *Session is
// registered with mgr under agentID and served by a Server read loop, which
// routes response frames to mgr's executor.
func wsPair(t *testing.T, mgr *Manager, agentID string) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srvReady := make(chan *websocket.Conn, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		srvReady <- c
	}))
	t.Cleanup(ts.Close)

	wsURL := "ws" + ts.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = clientConn.Close() })

	serverConn := <-srvReady
	sess := newSession(agentID, "host-1", serverConn)
	mgr.Register(agentID, "host-1", sess)
	srv := &Server{mgr: mgr, executor: mgr.executor, bus: mgr.bus}
	go srv.readLoop(sess)
	return clientConn
}

// TestExecutorTimeout verifies a command with no response resolves to
// StatusTimeout at its deadline, per spec §5's cancellation/timeout rule.
func TestExecutorTimeout(t *testing.T) {
	mgr := newTestManager(t)
	exec := NewExecutor(mgr)
	clientConn := wsPair(t, mgr, "agent-1")

	// Drain whatever the server sends so the dial doesn't block on a full buffer.
	go func() {
		for {
			if _, _, err := clientConn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	res, err := exec.Send(context.Background(), "agent-1", agentproto.ActionInspect, agentproto.CreatePayload{}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Status != agentproto.StatusTimeout {
		t.Fatalf("expected TIMEOUT, got %s", res.Status)
	}
}

// TestExecutorDeliverRoutesByCorrelationID verifies responses are matched
// to the pending future by (agent-id, correlation-id), not by send order.
func TestExecutorDeliverRoutesByCorrelationID(t *testing.T) {
	mgr := newTestManager(t)
	exec := NewExecutor(mgr)
	clientConn := wsPair(t, mgr, "agent-2")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, raw, err := clientConn.ReadMessage()
		if err != nil {
			return
		}
		var env agentproto.CommandEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return
		}
		_ = clientConn.WriteJSON(agentproto.ResponseFrame{
			Type:          agentproto.FrameProgress,
			CorrelationID: env.CorrelationID,
			Payload:       []byte(`{"ok":true}`),
		})
	}()

	res, err := exec.Send(context.Background(), "agent-2", agentproto.ActionGetStatus, agentproto.CreatePayload{}, 2*time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	<-done
	if res.Status != agentproto.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", res.Status)
	}
}
