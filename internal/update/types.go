// Package update implements the Update Executor router (C6) and its two
// backends: the Docker/Podman Update Executor (C7) and the Agent Update
// Executor (C8). The router owns in-flight tracking, self-protection,
// validation, and event emission; the executors own the rename-as-backup
// state machine (spec §4.4-§4.6).
package update

import (
	"context"
	"strings"

	"github.com/darthnorse/dockmon/internal/store"
)

// Verdict is ContainerValidator's answer for whether a container is safe to
// update.
type Verdict string

const (
	VerdictAllow Verdict = "ALLOW"
	VerdictWarn  Verdict = "WARN"
	VerdictBlock Verdict = "BLOCK"
)

// ContainerValidator decides whether a container may be updated before the
// router routes the request to C7/C8.
type ContainerValidator interface {
	Validate(ctx context.Context, host store.Host, containerID string) (Verdict, string)
}

// DefaultValidator warns on containers whose desired state is "stopped" —
// updating a deliberately-stopped container is unusual enough to warrant an
// explicit force_warn — and allows everything else. It never returns
// VerdictBlock: maintenance labels and containers already mid-update are not
// checked here.
type DefaultValidator struct {
	Store interface {
		GetDesiredState(containerID string) (store.ContainerDesiredState, bool, error)
	}
}

// Validate implements ContainerValidator.
func (v *DefaultValidator) Validate(ctx context.Context, host store.Host, containerID string) (Verdict, string) {
	if v.Store == nil {
		return VerdictAllow, ""
	}
	ds, ok, err := v.Store.GetDesiredState(containerID)
	if err == nil && ok && ds.State == "stopped" {
		return VerdictWarn, "container's desired state is stopped"
	}
	return VerdictAllow, ""
}

// isSelfProtected implements spec §4.4's self-protection rule: reject
// updates to a container named "dockmon" or "dockmon-*" unless "agent"
// appears in the name (the agent helper container is always updatable).
func isSelfProtected(name string) bool {
	if name == "dockmon" {
		return true
	}
	if !strings.HasPrefix(name, "dockmon-") {
		return false
	}
	return !strings.Contains(name, "agent")
}
