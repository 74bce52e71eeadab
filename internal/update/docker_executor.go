package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/moby/moby/api/types/container"

	"github.com/darthnorse/dockmon/internal/dockerapi"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/hooks"
	"github.com/darthnorse/dockmon/internal/store"
)

// Progress percent targets for the rename-as-backup state machine (spec §4.5).
const (
	pctPulling     = 20
	pctConfiguring = 35
	pctBackup      = 50
	pctCreating    = 65
	pctStarting    = 80
	pctHealthCheck = 90
	pctCompleted   = 100
)

const healthPollInterval = 2 * time.Second

// Clock is the narrow time interface DockerExecutor needs, satisfied by
// internal/clock.Clock (kept separate so tests can fake only what this
// package touches).
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// HookRunner runs pre/post-update lifecycle hooks around the state machine
// (spec §9's supplemented update-hooks feature, internal/hooks.Runner).
type HookRunner interface {
	RunPreUpdate(ctx context.Context, containerID, containerName string) error
	RunPostUpdate(ctx context.Context, containerID, containerName string) error
}

// DigestInvalidator drops cache entries for an image after a successful
// update (spec §4.5's cache-invalidation rule), satisfied by
// *registry.Adapter.
type DigestInvalidator interface {
	Invalidate(imageRef, tag, platform string)
}

// DockerExecutor is C7: the rename-as-backup state machine run directly
// against a host's Docker/Podman daemon (spec §4.5). Grounded on the
// teacher's engine.Updater.UpdateContainer/finaliseContainer/rollback, with
// the stop+remove+recreate flow replaced by stop+rename+recreate since that
// is what the spec mandates (the backup survives until health is proven).
type DockerExecutor struct {
	pool   *dockerapi.Pool
	bus    *events.Bus
	hooks  HookRunner
	digest DigestInvalidator
	clock  Clock
	log    *slog.Logger

	healthTimeout time.Duration
	pullTimeout   time.Duration
}

// NewDockerExecutor creates a DockerExecutor. hooks and digest are optional
// (nil disables that collaborator).
func NewDockerExecutor(pool *dockerapi.Pool, bus *events.Bus, hookRunner HookRunner, digest DigestInvalidator, clk Clock, healthTimeout, pullTimeout time.Duration, log *slog.Logger) *DockerExecutor {
	if log == nil {
		log = slog.Default()
	}
	if healthTimeout <= 0 {
		healthTimeout = 120 * time.Second
	}
	if pullTimeout <= 0 {
		pullTimeout = 1800 * time.Second
	}
	return &DockerExecutor{
		pool:          pool,
		bus:           bus,
		hooks:         hookRunner,
		digest:        digest,
		clock:         clk,
		log:           log,
		healthTimeout: healthTimeout,
		pullTimeout:   pullTimeout,
	}
}

var _ Executor = (*DockerExecutor)(nil)

// Execute implements Executor. ctx governs the whole state machine; the
// pull step additionally gets its own bounded sub-context per spec §4.5
// ("pull timeout is 1800s").
func (e *DockerExecutor) Execute(ctx context.Context, host store.Host, rec store.ContainerUpdate) Result {
	conn := dockerapi.HostConn{HostID: host.ID, TransportURL: host.TransportURL, TLSCA: host.TLSCA, TLSCert: host.TLSCert, TLSKey: host.TLSKey}
	client, err := e.pool.Get(conn)
	if err != nil {
		return Result{Err: fmt.Errorf("dial host %s: %w", host.ID, err)}
	}

	id := lastSegment(rec.ContainerID)
	old, err := client.InspectContainer(ctx, id)
	if err != nil {
		return Result{Err: fmt.Errorf("inspect %s: %w", rec.ContainerName, err)}
	}
	if old.Config == nil {
		return Result{Err: fmt.Errorf("container %s has no config", rec.ContainerName)}
	}
	originalName := strings.TrimPrefix(old.Name, "/")

	target := rec.Image
	if target == "" {
		target = old.Config.Image
	}

	if e.hooks != nil {
		if err := e.hooks.RunPreUpdate(ctx, id, originalName); err != nil {
			if errors.Is(err, hooks.ErrSkipUpdate) {
				return Result{Err: fmt.Errorf("update skipped: %w", err)}
			}
			return Result{Err: fmt.Errorf("pre-update hook: %w", err)}
		}
	}

	e.progress(host.ID, rec.ContainerID, originalName, "pulling", pctPulling, "pulling "+target)
	pullCtx, cancel := context.WithTimeout(ctx, e.pullTimeout)
	err = client.PullImage(pullCtx, target)
	cancel()
	if err != nil {
		return Result{Err: fmt.Errorf("pull %s: %w", target, err)}
	}

	e.progress(host.ID, rec.ContainerID, originalName, "configuring", pctConfiguring, "extracting configuration")
	newConfig, hostConfig, netConfig, deferred, err := buildReplacementConfig(ctx, client, old, target, host.IsPodman)
	if err != nil {
		return Result{Err: fmt.Errorf("build replacement config: %w", err)}
	}

	// Everything before this point cannot leave a corrupted runtime: the old
	// container is untouched. From "backup" onward, any failure rolls back.
	e.progress(host.ID, rec.ContainerID, originalName, "backup", pctBackup, "stopping and backing up")
	if err := client.StopContainer(ctx, id, 30); err != nil {
		e.log.Warn("docker executor: stop before backup failed, proceeding", "container", originalName, "error", err)
	}
	backup := backupName(originalName, e.clock.Now().Unix())
	if err := client.RenameContainer(ctx, id, backup); err != nil {
		return Result{Err: fmt.Errorf("rename %s to backup: %w", originalName, err)}
	}

	e.progress(host.ID, rec.ContainerID, originalName, "creating", pctCreating, "creating replacement container")
	newID, err := client.CreateContainer(ctx, originalName, newConfig, hostConfig, netConfig)
	if err != nil {
		return e.rollback(ctx, client, host.ID, rec, id, originalName, backup, "", fmt.Errorf("create replacement: %w", err))
	}
	for _, dc := range deferred {
		if err := client.ConnectNetwork(ctx, dc.NetworkID, newID, dc.Settings); err != nil {
			e.log.Warn("docker executor: deferred network connect failed", "container", originalName, "network", dc.NetworkID, "error", err)
		}
	}

	e.progress(host.ID, rec.ContainerID, originalName, "starting", pctStarting, "starting replacement container")
	if err := client.StartContainer(ctx, newID); err != nil {
		return e.rollback(ctx, client, host.ID, rec, id, originalName, backup, newID, fmt.Errorf("start replacement: %w", err))
	}

	e.progress(host.ID, rec.ContainerID, originalName, "health_check", pctHealthCheck, "waiting for health")
	if err := e.healthGate(ctx, client, newID, old); err != nil {
		return e.rollback(ctx, client, host.ID, rec, id, originalName, backup, newID, err)
	}

	if err := client.RemoveContainerWithVolumes(ctx, backup); err != nil {
		e.log.Warn("docker executor: failed to remove backup container after success", "backup", backup, "error", err)
	}

	failedDependents := recreateDependents(ctx, client, originalName, id, newID, e.log)

	if e.digest != nil {
		e.digest.Invalidate(target, "", "")
	}

	if e.hooks != nil {
		if err := e.hooks.RunPostUpdate(ctx, newID, originalName); err != nil {
			e.log.Warn("docker executor: post-update hook failed", "container", originalName, "error", err)
		}
	}

	e.progress(host.ID, rec.ContainerID, originalName, "completed", pctCompleted, "update complete")
	return Result{NewContainerID: host.ID + ":" + lastSegment(newID), FailedDependents: failedDependents}
}

// rollback implements spec §4.5's rollback procedure: remove the failed
// replacement, clear any container that collided with the original name,
// rename the backup back, and start it. Result.RolledBack reflects whether
// the rename-back succeeded — the step that actually restores the
// pre-update state — regardless of whether the subsequent start also
// succeeded, so the caller can distinguish "rolled back but down" from
// "rollback itself failed" per spec's CRITICAL-logging branch.
func (e *DockerExecutor) rollback(ctx context.Context, client *dockerapi.Client, hostID string, rec store.ContainerUpdate, originalID, originalName, backup, newID string, cause error) Result {
	e.log.Error("docker executor: update failed, rolling back", "container", originalName, "error", cause)

	if newID != "" {
		if err := client.RemoveContainer(ctx, newID); err != nil {
			e.log.Warn("docker executor: failed to remove failed replacement before rollback", "container", originalName, "error", err)
		}
	}
	if collided, err := client.InspectContainer(ctx, originalName); err == nil && collided.ID != "" && collided.ID != originalID {
		if err := client.RemoveContainer(ctx, originalName); err != nil {
			e.log.Warn("docker executor: failed to remove name-colliding container before rollback", "container", originalName, "error", err)
		}
	}

	if err := client.RenameContainer(ctx, originalID, originalName); err != nil {
		e.log.Error("docker executor: CRITICAL rollback rename failed, backup preserved for manual intervention", "backup", backup, "error", err)
		return Result{Err: fmt.Errorf("%v - rollback failed: backup %q preserved for manual intervention: %w", cause, backup, err)}
	}

	if err := client.StartContainer(ctx, originalID); err != nil {
		e.log.Error("docker executor: rolled back but failed to restart backup", "container", originalName, "error", err)
		return Result{Err: fmt.Errorf("%v - rolled back but failed to restart: %w", cause, err), RolledBack: true, NewContainerID: rec.ContainerID}
	}

	return Result{Err: fmt.Errorf("%v - Successfully rolled back", cause), RolledBack: true, NewContainerID: rec.ContainerID}
}

// healthGate polls the replacement container until it reports "healthy" (if
// the image declares a HEALTHCHECK) or simply "running" (if it doesn't),
// up to the configured timeout (spec §4.5).
func (e *DockerExecutor) healthGate(ctx context.Context, client *dockerapi.Client, newID string, old container.InspectResponse) error {
	hasHealthcheck := old.Config != nil && old.Config.Healthcheck != nil && len(old.Config.Healthcheck.Test) > 0
	deadline := e.clock.Now().Add(e.healthTimeout)

	for {
		insp, err := client.InspectContainer(ctx, newID)
		if err == nil && insp.State != nil {
			if hasHealthcheck {
				if insp.State.Health != nil && insp.State.Health.Status == "healthy" {
					return nil
				}
			} else if insp.State.Running {
				return nil
			}
		}

		if !e.clock.Now().Before(deadline) {
			return fmt.Errorf("Health check timeout after %ds", int(e.healthTimeout.Seconds()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(healthPollInterval):
		}
	}
}

// recreateDependents finds every other container on this host whose
// NetworkMode is "container:{originalName}" or "container:{oldID}" and
// recreates each against the new container's id (spec §4.5's dependent
// recreation). Each dependent is recreated under its own rename-and-retry
// envelope; a dependent's failure is reported by name but never rolls back
// the primary update.
func recreateDependents(ctx context.Context, client *dockerapi.Client, originalName, oldID, newID string, log *slog.Logger) []string {
	all, err := client.ListAllContainers(ctx)
	if err != nil {
		log.Warn("docker executor: list containers for dependent scan failed", "error", err)
		return nil
	}

	var failed []string
	for _, cs := range all {
		insp, err := client.InspectContainer(ctx, cs.ID)
		if err != nil || insp.HostConfig == nil || !insp.HostConfig.NetworkMode.IsContainer() {
			continue
		}
		ref := insp.HostConfig.NetworkMode.ConnectedContainer()
		if ref != originalName && ref != oldID {
			continue
		}

		depName := strings.TrimPrefix(insp.Name, "/")
		if err := recreateDependent(ctx, client, insp, depName, newID); err != nil {
			log.Error("docker executor: dependent recreation failed", "dependent", depName, "error", err)
			failed = append(failed, depName)
		}
	}
	return failed
}

// recreateDependent stops, renames-aside, recreates with NetworkMode
// pointing at newID, and starts one dependent container.
func recreateDependent(ctx context.Context, client *dockerapi.Client, insp container.InspectResponse, depName, newID string) error {
	if insp.Config == nil || insp.HostConfig == nil {
		return fmt.Errorf("dependent %s has no config", depName)
	}

	cfg := cloneConfig(insp.Config)
	hc := insp.HostConfig
	hc.NetworkMode = container.NetworkMode("container:" + newID)

	if err := client.StopContainer(ctx, insp.ID, 10); err != nil {
		return fmt.Errorf("stop dependent: %w", err)
	}
	aside := depName + "-dockmon-backup-" + fmt.Sprint(time.Now().Unix())
	if err := client.RenameContainer(ctx, insp.ID, aside); err != nil {
		return fmt.Errorf("rename dependent aside: %w", err)
	}

	newDepID, err := client.CreateContainer(ctx, depName, cfg, hc, nil)
	if err != nil {
		// Best-effort restore of the original so the dependent isn't lost.
		_ = client.RenameContainer(ctx, insp.ID, depName)
		_ = client.StartContainer(ctx, insp.ID)
		return fmt.Errorf("create dependent: %w", err)
	}
	if err := client.StartContainer(ctx, newDepID); err != nil {
		return fmt.Errorf("start dependent: %w", err)
	}
	if err := client.RemoveContainer(ctx, aside); err != nil {
		return fmt.Errorf("remove dependent backup: %w", err)
	}
	return nil
}

// progress publishes an advisory update-progress frame; delivery is
// best-effort and MAY be dropped (spec §4.4).
func (e *DockerExecutor) progress(hostID, containerID, containerName, stage string, percent int, message string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:          events.EventUpdateProgress,
		HostID:        hostID,
		ContainerID:   containerID,
		ContainerName: containerName,
		Stage:         stage,
		Percent:       percent,
		Message:       message,
	})
}

// lastSegment returns the substring after the last ':' in s, or s itself if
// s has no ':' — used to pull the short container id out of a composite key
// ({host-id}:{short-id}).
func lastSegment(s string) string {
	if i := strings.LastIndex(s, ":"); i >= 0 {
		return s[i+1:]
	}
	return s
}
