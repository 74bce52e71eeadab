// Package agentclient implements the agent side of the agent wire protocol
// (spec §4.2, §6): dialing the daemon's WebSocket endpoint, authenticating
// with a RegistrationToken (or the agent-id permanent token on reconnect),
// sending periodic heartbeats, and dispatching inbound command envelopes to
// a local CommandHandler.
//
// Grounded on the teacher's cluster/agent/agent.go and cluster/agent/sync.go
// reconnect-with-backoff and outbound reporting pattern, rewritten over
// WebSocket/JSON instead of gRPC bidi-streaming.
package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/darthnorse/dockmon/internal/agentproto"
)

// CommandHandler executes one inbound command and returns its response
// payload. Returning an error causes the Client to send an "error" frame
// back with the error's message.
type CommandHandler interface {
	Handle(ctx context.Context, action agentproto.Action, payload json.RawMessage) (json.RawMessage, error)
}

// Config is the agent's static identity and connection settings.
type Config struct {
	ServerURL         string // ws:// or wss:// base URL
	RegistrationToken string // used only on first-ever connect
	AgentID           string // permanent token; empty until first register succeeds
	EngineID          string
	Version           string
	ProtoVersion      int
	Capabilities      []string
	HeartbeatInterval time.Duration

	// OnAuthenticated, if set, is called synchronously right after a
	// successful register/reconnect with the server-assigned agent-id and
	// host-id — the binary's hook to persist the permanent token to disk.
	OnAuthenticated func(agentID, hostID string)
}

// Client is the agent-side connection loop.
type Client struct {
	cfg     Config
	handler CommandHandler
	log     *slog.Logger

	conn *websocket.Conn
}

// New creates a Client. handler dispatches inbound commands to the local
// Docker/Podman daemon.
func New(cfg Config, handler CommandHandler, log *slog.Logger) *Client {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, handler: handler, log: log}
}

// backoffSchedule is the reconnect delay sequence: spec §9's adopted answer
// to the "first wait" open question (0, 5, 10, 20, ... capped at 300s).
var backoffSchedule = []time.Duration{
	0, 5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second,
	80 * time.Second, 160 * time.Second, 300 * time.Second,
}

func backoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[attempt]
}

// Run dials, authenticates, and serves the agent connection until ctx is
// cancelled, reconnecting with backoff on any failure.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := backoffDelay(attempt)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.runOnce(ctx); err != nil {
			c.log.Warn("agent session ended", "error", err, "next_retry_in", backoffDelay(attempt+1))
			attempt++
			continue
		}
		attempt = 0
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.ServerURL, err)
	}
	c.conn = conn
	defer conn.Close()

	if err := c.authenticate(); err != nil {
		return err
	}

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeatLoop(hbCtx)

	return c.readLoop(ctx)
}

func (c *Client) authenticate() error {
	if c.cfg.AgentID == "" {
		if err := c.conn.WriteJSON(agentproto.RegisterFrame{
			Type:         agentproto.FrameRegister,
			Token:        c.cfg.RegistrationToken,
			EngineID:     c.cfg.EngineID,
			Version:      c.cfg.Version,
			ProtoVersion: c.cfg.ProtoVersion,
			Capabilities: c.cfg.Capabilities,
		}); err != nil {
			return fmt.Errorf("send register frame: %w", err)
		}
	} else {
		if err := c.conn.WriteJSON(agentproto.ReconnectFrame{
			Type:     agentproto.FrameReconnect,
			AgentID:  c.cfg.AgentID,
			EngineID: c.cfg.EngineID,
		}); err != nil {
			return fmt.Errorf("send reconnect frame: %w", err)
		}
	}

	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read auth reply: %w", err)
	}
	frameType, err := agentproto.PeekType(raw)
	if err != nil {
		return err
	}
	switch frameType {
	case agentproto.FrameAuthSuccess:
		var f agentproto.AuthSuccessFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return fmt.Errorf("decode auth_success: %w", err)
		}
		c.cfg.AgentID = f.PermanentToken
		c.log.Info("agent authenticated", "agent_id", f.AgentID, "host_id", f.HostID)
		if c.cfg.OnAuthenticated != nil {
			c.cfg.OnAuthenticated(f.PermanentToken, f.HostID)
		}
		return nil
	case agentproto.FrameAuthError:
		var f agentproto.AuthErrorFrame
		_ = json.Unmarshal(raw, &f)
		return fmt.Errorf("auth rejected: %s", f.Error)
	default:
		return fmt.Errorf("unexpected frame %q during handshake", frameType)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteJSON(agentproto.HeartbeatFrame{Type: agentproto.FrameHeartbeat}); err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read loop: %w", err)
		}

		frameType, err := agentproto.PeekType(raw)
		if err != nil {
			continue
		}
		if frameType != agentproto.FrameCommand {
			continue
		}

		var env agentproto.CommandEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}

		go c.dispatch(ctx, env)
	}
}

func (c *Client) dispatch(ctx context.Context, env agentproto.CommandEnvelope) {
	result, err := c.handler.Handle(ctx, env.Action, env.Payload)
	if err != nil {
		_ = c.conn.WriteJSON(agentproto.ResponseFrame{
			Type:          agentproto.FrameError,
			CorrelationID: env.CorrelationID,
			Error:         err.Error(),
		})
		return
	}
	_ = c.conn.WriteJSON(agentproto.ResponseFrame{
		Type:          agentproto.FrameProgress,
		CorrelationID: env.CorrelationID,
		Payload:       result,
	})
}
