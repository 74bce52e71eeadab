package update

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/store"
)

// defaultFanout is the bound on concurrent auto-update executions (spec
// §4.4).
const defaultFanout = 5

// Executor is implemented by the Docker (C7) and Agent (C8) backends. Both
// share the same externally visible state machine and result shape; only
// how they reach the container differs.
type Executor interface {
	Execute(ctx context.Context, host store.Host, rec store.ContainerUpdate) Result
}

// Result is what an Executor reports back to the router.
type Result struct {
	// NewContainerID is the composite id ({host-id}:{short-id}) of the
	// replacement container, set whenever a new container was created
	// (including on a rolled-back attempt where the original was restored
	// under its old id — in that case NewContainerID equals rec.ContainerID).
	NewContainerID string
	Err            error
	RolledBack     bool
	// FailedDependents lists dependent container names that could not be
	// recreated against the new container's id (spec §4.5's "partial
	// failure surfaces as a list, does not roll back the primary update").
	FailedDependents []string
}

// Router is the Update Executor router (C6): self-protection, validation,
// in-flight tracking, routing by connection_type, event emission, and
// post-update composite-key reconciliation.
type Router struct {
	store     *store.Store
	docker    Executor
	agent     Executor
	validator ContainerValidator
	bus       *events.Bus
	log       *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}

	fanout chan struct{}
}

// NewRouter creates a Router. docker and agent back the "local"/"tls-remote"
// and "agent" connection types respectively.
func NewRouter(st *store.Store, docker, agent Executor, validator ContainerValidator, bus *events.Bus, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		store:     st,
		docker:    docker,
		agent:     agent,
		validator: validator,
		bus:       bus,
		log:       log,
		inFlight:  make(map[string]struct{}),
		fanout:    make(chan struct{}, defaultFanout),
	}
}

// AcquireFanoutSlot blocks until a bulk auto-update caller may start another
// concurrent update, bounding fan-out to defaultFanout (spec §4.4). Callers
// driving a single interactive update don't need this.
func (r *Router) AcquireFanoutSlot(ctx context.Context) error {
	select {
	case r.fanout <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleaseFanoutSlot returns a slot acquired by AcquireFanoutSlot.
func (r *Router) ReleaseFanoutSlot() {
	select {
	case <-r.fanout:
	default:
	}
}

// UpdateContainer is the router's public contract (spec §4.4): idempotent
// against concurrent calls for the same composite key — a second call made
// while the first is still running returns false immediately.
func (r *Router) UpdateContainer(ctx context.Context, hostID, containerID string, rec store.ContainerUpdate, force, forceWarn bool) bool {
	if isSelfProtected(rec.ContainerName) {
		r.publish(events.EventUpdateFailed, hostID, containerID, rec.ContainerName, "DockMon cannot update itself")
		return false
	}

	if !r.claim(containerID) {
		return false
	}
	defer r.release(containerID)

	host, ok, err := r.store.GetHost(hostID)
	if err != nil || !ok {
		r.publish(events.EventUpdateFailed, hostID, containerID, rec.ContainerName, "host not found")
		return false
	}

	if !force && r.validator != nil {
		verdict, reason := r.validator.Validate(ctx, host, containerID)
		switch verdict {
		case VerdictBlock:
			r.publish(events.EventUpdateFailed, hostID, containerID, rec.ContainerName, reason)
			return false
		case VerdictWarn:
			if !forceWarn {
				r.publish(events.EventUpdateSkippedValidation, hostID, containerID, rec.ContainerName, reason)
				return false
			}
		}
	}

	var exec Executor
	switch host.ConnectionType {
	case "agent":
		exec = r.agent
	default: // local, tls-remote
		exec = r.docker
	}
	if exec == nil {
		r.publish(events.EventUpdateFailed, hostID, containerID, rec.ContainerName, fmt.Sprintf("no executor for connection_type %q", host.ConnectionType))
		return false
	}

	r.publish(events.EventUpdateStarted, hostID, containerID, rec.ContainerName, "update started")

	result := exec.Execute(ctx, host, rec)

	switch {
	case result.Err != nil && result.RolledBack:
		r.publish(events.EventUpdateFailed, hostID, containerID, rec.ContainerName, result.Err.Error())
		r.publish(events.EventRollbackCompleted, hostID, containerID, rec.ContainerName, "rollback completed")
		return false
	case result.Err != nil:
		r.publish(events.EventUpdateFailed, hostID, containerID, rec.ContainerName, result.Err.Error())
		return false
	}

	if result.NewContainerID != "" && result.NewContainerID != containerID {
		if err := r.reconcileCompositeKey(containerID, result.NewContainerID); err != nil {
			r.log.Warn("update: post-update reconciliation failed", "old_id", containerID, "new_id", result.NewContainerID, "error", err)
		}
	}

	msg := "update completed"
	if len(result.FailedDependents) > 0 {
		msg = fmt.Sprintf("update completed; dependents failed to recreate: %v", result.FailedDependents)
	}
	r.publish(events.EventUpdateCompleted, hostID, containerID, rec.ContainerName, msg)
	return true
}

func (r *Router) claim(containerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inFlight[containerID]; busy {
		return false
	}
	r.inFlight[containerID] = struct{}{}
	return true
}

func (r *Router) release(containerID string) {
	r.mu.Lock()
	delete(r.inFlight, containerID)
	r.mu.Unlock()
}

func (r *Router) publish(t events.EventType, hostID, containerID, containerName, msg string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Type:          t,
		HostID:        hostID,
		ContainerID:   containerID,
		ContainerName: containerName,
		Message:       msg,
	})
}

// reconcileCompositeKey migrates every row keyed to oldID onto newID across
// the entities spec §4.4 lists. A race with the update checker inserting a
// row under newID first is resolved by discarding the conflicting row and
// keeping the migrated one; for TagAssignment specifically, if both already
// exist the migration is skipped for that subject (spec's explicit
// exception) rather than picking a winner.
//
// DeploymentMetadata is not migrated here: in this store it is keyed by
// deployment id, not container id, so a recreated container has no
// DeploymentMetadata row to move (see DESIGN.md).
func (r *Router) reconcileCompositeKey(oldID, newID string) error {
	if cu, ok, err := r.store.GetContainerUpdate(oldID); err == nil && ok {
		cu.ContainerID = newID
		if err := r.store.SaveContainerUpdate(cu); err != nil {
			return fmt.Errorf("migrate container_update: %w", err)
		}
		_ = r.store.DeleteContainerUpdate(oldID)
	}

	if ar, ok, err := r.store.GetAutoRestart(oldID); err == nil && ok {
		ar.ContainerID = newID
		if err := r.store.SaveAutoRestart(ar); err != nil {
			return fmt.Errorf("migrate auto_restart: %w", err)
		}
		_ = r.store.DeleteAutoRestart(oldID)
	}

	if ds, ok, err := r.store.GetDesiredState(oldID); err == nil && ok {
		ds.ContainerID = newID
		if err := r.store.SaveDesiredState(ds); err != nil {
			return fmt.Errorf("migrate desired_state: %w", err)
		}
		_ = r.store.DeleteDesiredState(oldID)
	}

	if hc, ok, err := r.store.GetHealthCheck(oldID); err == nil && ok {
		hc.ContainerID = newID
		if err := r.store.SaveHealthCheck(hc); err != nil {
			return fmt.Errorf("migrate health_check: %w", err)
		}
		_ = r.store.DeleteHealthCheck(oldID)
	}

	oldTag, oldOK, err := r.store.GetTagAssignment("container", oldID)
	if err == nil && oldOK {
		_, newOK, _ := r.store.GetTagAssignment("container", newID)
		if newOK {
			// Both exist: the update checker raced us. Skip migration for
			// this subject per spec, leaving the new-key row as-is.
			_ = r.store.DeleteTagAssignment("container", oldID)
		} else {
			oldTag.SubjectID = newID
			if err := r.store.SaveTagAssignment(oldTag); err != nil {
				return fmt.Errorf("migrate tag_assignment: %w", err)
			}
			_ = r.store.DeleteTagAssignment("container", oldID)
		}
	}

	return nil
}
