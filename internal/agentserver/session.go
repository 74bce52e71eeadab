// Package agentserver implements the daemon side of the agent wire protocol
// (spec §4.2, §6): the connection manager (C3) that owns the single
// agent-id -> WebSocket session table, and the command executor (C4) that
// correlates requests with asynchronous responses.
//
// Grounded on the teacher's cluster/server/server.go: the single
// map[string]*agentStream under one mutex and the
// registerPending/awaitPending/cancelPending/deliverPending pattern, here
// generalized to a (agent-id, correlation-id) keyed pending map and moved
// from gRPC bidi-streaming to gorilla/websocket per spec §6.
package agentserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Session wraps one agent's live WebSocket connection. Writes are
// serialized with a dedicated mutex since gorilla/websocket connections are
// not safe for concurrent writers.
type Session struct {
	AgentID string
	HostID  string
	conn    *websocket.Conn

	writeMu sync.Mutex
}

func newSession(agentID, hostID string, conn *websocket.Conn) *Session {
	return &Session{AgentID: agentID, HostID: hostID, conn: conn}
}

// WriteJSON marshals v and writes it as a single text frame, serialized
// against concurrent writers on this session.
func (s *Session) WriteJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Close closes the underlying connection with the given close code and
// reason (spec §6 close codes: 1000 normal, 1008 policy violation, 1011
// internal error).
func (s *Session) Close(code int, reason string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	return s.conn.Close()
}
