package evaluation

import "github.com/darthnorse/dockmon/internal/store"

// AgentOnlineChecker is satisfied by *agentserver.Manager.
type AgentOnlineChecker interface {
	IsOnline(agentID string) bool
}

// HostStore is the subset of store.Store the liveness adapter needs.
type HostStore interface {
	GetHost(id string) (store.Host, bool, error)
	AgentByHostID(hostID string) (store.Agent, bool, error)
}

// hostLiveness implements HostLiveness for both connection types spec.md §3
// defines: agent-connected hosts are online iff their agent has a live
// WebSocket session; local/tls-remote hosts are online iff the discovery
// loop's last poll marked them reachable (store.Host.Status).
type hostLiveness struct {
	hosts  HostStore
	agents AgentOnlineChecker
}

// NewHostLiveness builds the HostLiveness adapter used by the evaluation
// service's host_disconnected re-verification.
func NewHostLiveness(hosts HostStore, agents AgentOnlineChecker) HostLiveness {
	return &hostLiveness{hosts: hosts, agents: agents}
}

func (h *hostLiveness) HostOnline(hostID string) bool {
	host, ok, err := h.hosts.GetHost(hostID)
	if err != nil || !ok {
		return false
	}
	if host.ConnectionType == "agent" {
		if h.agents == nil {
			return false
		}
		agent, ok, err := h.hosts.AgentByHostID(hostID)
		if err != nil || !ok {
			return false
		}
		return h.agents.IsOnline(agent.AgentID)
	}
	return host.Status == "online"
}
