// Command dockmon-agent is the remote-side composition root: it connects
// to a dockmond daemon over WebSocket, authenticates with a one-time
// registration token (or its persisted permanent agent-id on reconnect),
// and executes inbound commands against the local Docker/Podman daemon.
//
// Grounded on the teacher's cmd/sentinel/main.go runAgent path (cluster/
// agent.New + agent.Run under signal.NotifyContext), rewritten against
// internal/agentclient's WebSocket/JSON session loop instead of the
// teacher's gRPC bidi-streaming client.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/darthnorse/dockmon/internal/agentclient"
	"github.com/darthnorse/dockmon/internal/dockerapi"
	"github.com/darthnorse/dockmon/internal/logging"
)

// protoVersion is the wire protocol version this binary speaks (spec §4.2's
// identity/version exchange at register/reconnect).
const protoVersion = 1

// agentVersion is stamped into the register/reconnect frame for the
// daemon's version-skew bookkeeping (spec §3 Agent.version).
var agentVersion = "dev"

func main() {
	jsonLog := os.Getenv("DOCKMON_AGENT_LOG_JSON") != "false"
	log := logging.New(jsonLog)
	slog.SetDefault(log.Logger)

	if err := run(log); err != nil {
		log.Error("dockmon-agent exited", "error", err)
		os.Exit(1)
	}
}

func run(log *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverURL := envRequired("DOCKMON_SERVER_URL")
	tokenPath := envDefault("DOCKMON_AGENT_ID_FILE", "/data/agent-id")
	regToken := os.Getenv("DOCKMON_REGISTRATION_TOKEN")
	dockerSock := envDefault("DOCKMON_DOCKER_SOCK", "/var/run/docker.sock")

	docker, err := dockerapi.NewClient(dockerSock, nil)
	if err != nil {
		return fmt.Errorf("connect to docker: %w", err)
	}
	defer docker.Close()

	engineID, err := docker.EngineID(ctx)
	if err != nil {
		return fmt.Errorf("read docker engine id: %w", err)
	}

	agentID := readPersistedAgentID(tokenPath)
	if agentID == "" && regToken == "" {
		return fmt.Errorf("neither %s nor a persisted agent id at %s is set", "DOCKMON_REGISTRATION_TOKEN", tokenPath)
	}

	handler := agentclient.NewDockerHandler(docker)

	cfg := agentclient.Config{
		ServerURL:         serverURL,
		RegistrationToken: regToken,
		AgentID:           agentID,
		EngineID:          engineID,
		Version:           agentVersion,
		ProtoVersion:      protoVersion,
		Capabilities:      []string{"images", "networks", "volumes"},
		HeartbeatInterval: 30 * time.Second,
		OnAuthenticated: func(permanentAgentID, hostID string) {
			if err := persistAgentID(tokenPath, permanentAgentID); err != nil {
				log.Warn("persist agent id failed", "error", err)
			}
			log.Info("registered with daemon", "agent_id", permanentAgentID, "host_id", hostID)
		},
	}

	client := agentclient.New(cfg, handler, log.Logger)
	return client.Run(ctx)
}

func readPersistedAgentID(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func persistAgentID(path, agentID string) error {
	return os.WriteFile(path, []byte(agentID), 0600)
}

func envRequired(key string) string {
	v := os.Getenv(key)
	if v == "" {
		fmt.Fprintf(os.Stderr, "%s is required\n", key)
		os.Exit(1)
	}
	return v
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
