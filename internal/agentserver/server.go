package agentserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/darthnorse/dockmon/internal/agentproto"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
)

// Server accepts agent WebSocket connections and drives each session's
// authentication handshake and read loop.
type Server struct {
	mgr         *Manager
	executor    *Executor
	bus         *events.Bus
	log         *logging.Logger
	authTimeout time.Duration
	upgrader    websocket.Upgrader
}

// NewServer creates a Server. authTimeout bounds the initial handshake
// (spec §4.2: "waits at most 30 seconds for the first frame").
func NewServer(mgr *Manager, executor *Executor, bus *events.Bus, log *logging.Logger, authTimeout time.Duration) *Server {
	return &Server{
		mgr:         mgr,
		executor:    executor,
		bus:         bus,
		log:         log,
		authTimeout: authTimeout,
		upgrader:    websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

// ServeHTTP upgrades the connection, performs the auth handshake, and then
// runs the read loop until the connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("agent websocket upgrade failed", "error", err)
		return
	}

	result, ok := s.handshake(conn)
	if !ok {
		return
	}

	sess := newSession(result.AgentID, result.HostID, conn)
	s.mgr.Register(result.AgentID, result.HostID, sess)
	s.log.Info("agent connected", "agent_id", result.AgentID, "host_id", result.HostID)

	s.readLoop(sess)
}

func (s *Server) handshake(conn *websocket.Conn) (AuthResult, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(s.authTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return AuthResult{}, false
	}

	frameType, err := agentproto.PeekType(raw)
	if err != nil {
		s.rejectHandshake(conn, "malformed first frame")
		return AuthResult{}, false
	}

	var result AuthResult
	switch frameType {
	case agentproto.FrameRegister:
		var f agentproto.RegisterFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.rejectHandshake(conn, "malformed register frame")
			return AuthResult{}, false
		}
		result, err = s.mgr.Authenticate("register", f.Token, "", f.EngineID, f.Version, f.ProtoVersion, f.Capabilities)
	case agentproto.FrameReconnect:
		var f agentproto.ReconnectFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.rejectHandshake(conn, "malformed reconnect frame")
			return AuthResult{}, false
		}
		result, err = s.mgr.Authenticate("reconnect", "", f.AgentID, f.EngineID, "", 0, nil)
	default:
		s.rejectHandshake(conn, "expected register or reconnect frame")
		return AuthResult{}, false
	}

	if err != nil {
		s.rejectHandshake(conn, err.Error())
		return AuthResult{}, false
	}

	_ = conn.SetReadDeadline(time.Time{})
	if writeErr := conn.WriteJSON(agentproto.AuthSuccessFrame{
		Type:           agentproto.FrameAuthSuccess,
		AgentID:        result.AgentID,
		HostID:         result.HostID,
		PermanentToken: result.PermanentToken,
	}); writeErr != nil {
		_ = conn.Close()
		return AuthResult{}, false
	}

	return result, true
}

func (s *Server) rejectHandshake(conn *websocket.Conn, reason string) {
	_ = conn.WriteJSON(agentproto.AuthErrorFrame{Type: agentproto.FrameAuthError, Error: reason})
	msg := websocket.FormatCloseMessage(1008, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	_ = conn.Close()
}

// readLoop consumes frames from an authenticated session until the
// connection errors out, at which point the session is evicted.
func (s *Server) readLoop(sess *Session) {
	defer s.mgr.Remove(sess.AgentID, sess)

	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}

		frameType, err := agentproto.PeekType(raw)
		if err != nil {
			continue
		}

		switch frameType {
		case agentproto.FrameHeartbeat:
			s.mgr.Heartbeat(sess.AgentID)

		case agentproto.FrameEvent:
			var f agentproto.EventFrame
			if err := json.Unmarshal(raw, &f); err != nil {
				continue
			}
			s.bus.Publish(events.Event{
				Type:   events.EventContainerStateChange,
				HostID: sess.HostID,
			})

		case agentproto.FrameStats:
			// Stats are merged into discovery's metrics view; no bus event.

		case agentproto.FrameProgress, agentproto.FrameError, agentproto.FrameDeployProgress, agentproto.FrameDeployComplete:
			var f agentproto.ResponseFrame
			if err := json.Unmarshal(raw, &f); err != nil {
				continue
			}
			if f.CorrelationID != "" {
				s.executor.Deliver(sess.AgentID, f)
			}
			if frameType == agentproto.FrameDeployProgress {
				s.bus.Publish(events.Event{Type: events.EventDeployProgress, HostID: sess.HostID, Stage: f.Stage, Percent: f.Percent, Message: f.Message})
			}
			if frameType == agentproto.FrameDeployComplete {
				s.bus.Publish(events.Event{Type: events.EventDeployComplete, HostID: sess.HostID, Message: f.Message})
			}
		}
	}
}
