// Package maintenance implements the Periodic Maintenance component (C11):
// a daily retention/pruning sweep and a 6-hourly upstream-update check,
// scheduled with robfig/cron/v3 exactly as the teacher's web layer already
// validates cron expressions with (internal/web/api_settings.go).
//
// Grounded on the teacher's internal/engine/cleanup.go (single-image
// reference-counted removal, generalized here to the keep-N-newest +
// grace-window retention policy spec.md §4.9/§4.11 describes) and on
// internal/engine/scheduler.go's supervised ticker-loop shape, replaced here
// by cron.Cron since the two maintenance tasks run on independent,
// human-meaningful schedules rather than a single poll interval.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/dockerapi"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/registry"
	"github.com/darthnorse/dockmon/internal/store"
	"github.com/darthnorse/dockmon/internal/tlscert"
)

// backupNameMarker identifies a pre-update backup container by name, the
// same convention the Docker/Agent update executors use when they rename
// the prior container aside before recreating (spec.md §4.6/§4.7).
const backupNameMarker = "-dockmon-backup-"

// Store is the subset of store.Store the maintenance sweep needs.
type Store interface {
	PurgeEventLogBefore(cutoff time.Time) error
	PurgeAlertsResolvedBefore(cutoff time.Time) error
	ListTagAssignments() ([]store.TagAssignment, error)
	DeleteTagAssignment(subjectType, subjectID string) error
	ListTags() ([]store.Tag, error)
	DeleteTag(id string) error

	ListContainerUpdates() ([]store.ContainerUpdate, error)
	DeleteContainerUpdate(containerID string) error
	ListHealthChecks() ([]store.ContainerHTTPHealthCheck, error)
	DeleteHealthCheck(containerID string) error
	ListAutoRestarts() ([]store.AutoRestartConfig, error)
	DeleteAutoRestart(containerID string) error
	ListDesiredStates() ([]store.ContainerDesiredState, error)
	DeleteDesiredState(containerID string) error
}

// HostLister is the subset of store.Store needed to enumerate hosts whose
// containers the backup/image sweeps touch.
type HostLister interface {
	ListHosts() ([]store.Host, error)
}

// DockerPool resolves a live dockerapi.API per host connection for the
// sweeps that touch the Docker daemon directly (backup containers, image
// pruning). Implemented by a thin adapter over *dockerapi.Pool, whose Get
// returns a concrete *Client rather than the API interface.
type DockerPool interface {
	Get(conn dockerapi.HostConn) (dockerapi.API, error)
}

// PoolAdapter adapts *dockerapi.Pool to DockerPool.
type PoolAdapter struct{ Pool *dockerapi.Pool }

// Get resolves the pooled client for conn, widened to the API interface.
func (a PoolAdapter) Get(conn dockerapi.HostConn) (dockerapi.API, error) {
	return a.Pool.Get(conn)
}

// LiveContainers reports which composite container ids are currently known,
// so dead-row cleanup only removes rows for containers that genuinely no
// longer exist rather than ones merely offline this tick.
type LiveContainers interface {
	Exists(compositeID string) bool
}

// Config is the subset of config.Config the service needs.
type Config interface {
	MaintenanceSchedule() string
	UpdateCheckSchedule() string
	EventRetention() time.Duration
	AlertRetention() time.Duration
	TagAssignmentMaxIdle() time.Duration
	BackupGracePeriod() time.Duration
	ImageKeepNewest() int
	ImagePruneGrace() time.Duration
	SelfImageRef() string
}

// Service runs C11's two scheduled jobs.
type Service struct {
	store  Store
	hosts  HostLister
	pool   DockerPool
	live   LiveContainers
	certs  *tlscert.Manager
	cfg    Config
	clock  clock.Clock
	log    *slog.Logger
	cron   *cron.Cron
}

// New creates a maintenance Service. live and certs may be nil — when live
// is nil, dead-row cleanup is skipped; when certs is nil, rotation is
// skipped.
func New(st Store, hosts HostLister, pool DockerPool, live LiveContainers, certs *tlscert.Manager, cfg Config, clk clock.Clock, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{
		store: st, hosts: hosts, pool: pool, live: live, certs: certs,
		cfg: cfg, clock: clk, log: log,
	}
}

// Start registers and starts both cron jobs. The returned error wraps any
// invalid schedule expression.
func (s *Service) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.MaintenanceSchedule(), func() {
		s.runDaily(context.Background())
	}); err != nil {
		return fmt.Errorf("invalid maintenance schedule: %w", err)
	}
	if _, err := c.AddFunc(s.cfg.UpdateCheckSchedule(), func() {
		s.runUpdateCheck(context.Background())
	}); err != nil {
		return fmt.Errorf("invalid update-check schedule: %w", err)
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop halts the cron scheduler and waits for any in-flight job to finish.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunDailyMaintenance exposes the daily job directly, for manual triggers
// and tests.
func (s *Service) RunDailyMaintenance(ctx context.Context) {
	s.runDaily(ctx)
}

// RunUpdateCheck exposes the 6-hourly job directly.
func (s *Service) RunUpdateCheck(ctx context.Context) {
	s.runUpdateCheck(ctx)
}

func (s *Service) runDaily(ctx context.Context) {
	s.log.Info("maintenance: daily sweep starting")
	now := s.clock.Now()

	if err := s.store.PurgeEventLogBefore(now.Add(-s.cfg.EventRetention())); err != nil {
		s.log.Warn("maintenance: purge event log failed", "error", err)
	}
	if err := s.store.PurgeAlertsResolvedBefore(now.Add(-s.cfg.AlertRetention())); err != nil {
		s.log.Warn("maintenance: purge resolved alerts failed", "error", err)
	}
	s.purgeOrphanedTagAssignments(now)
	s.purgeDeadContainerRows()
	s.sweepBackupContainers(ctx, now)
	s.pruneImages(ctx, now)

	if s.certs != nil {
		if rotated, err := s.certs.RotateIfNeeded(); err != nil {
			s.log.Warn("maintenance: cert rotation failed", "error", err)
		} else if rotated {
			s.log.Info("maintenance: serving certificate rotated")
		}
	}

	s.log.Info("maintenance: daily sweep complete")
}

// purgeOrphanedTagAssignments removes tag assignments not seen in
// TagAssignmentMaxIdle (the container/service they pointed to is long gone)
// and any tag left with zero assignments afterward.
func (s *Service) purgeOrphanedTagAssignments(now time.Time) {
	assignments, err := s.store.ListTagAssignments()
	if err != nil {
		s.log.Warn("maintenance: list tag assignments failed", "error", err)
		return
	}
	maxIdle := s.cfg.TagAssignmentMaxIdle()

	remaining := make(map[string]bool)
	for _, a := range assignments {
		if now.Sub(a.LastSeenAt) > maxIdle {
			if err := s.store.DeleteTagAssignment(a.SubjectType, a.SubjectID); err != nil {
				s.log.Warn("maintenance: delete tag assignment failed", "subject", a.SubjectID, "error", err)
			}
			continue
		}
		remaining[a.TagID] = true
	}

	tags, err := s.store.ListTags()
	if err != nil {
		s.log.Warn("maintenance: list tags failed", "error", err)
		return
	}
	for _, t := range tags {
		if !remaining[t.ID] {
			if err := s.store.DeleteTag(t.ID); err != nil {
				s.log.Warn("maintenance: delete unused tag failed", "tag_id", t.ID, "error", err)
			}
		}
	}
}

// purgeDeadContainerRows removes ContainerUpdate/HealthCheck/AutoRestart/
// DesiredState rows whose composite container id no longer appears in any
// host's discovery snapshot — the container was removed, not merely
// stopped. Skipped entirely when no live-container source was wired.
func (s *Service) purgeDeadContainerRows() {
	if s.live == nil {
		return
	}

	if updates, err := s.store.ListContainerUpdates(); err == nil {
		for _, u := range updates {
			if !s.live.Exists(u.ContainerID) {
				_ = s.store.DeleteContainerUpdate(u.ContainerID)
			}
		}
	}
	if checks, err := s.store.ListHealthChecks(); err == nil {
		for _, c := range checks {
			if !s.live.Exists(c.ContainerID) {
				_ = s.store.DeleteHealthCheck(c.ContainerID)
			}
		}
	}
	if restarts, err := s.store.ListAutoRestarts(); err == nil {
		for _, r := range restarts {
			if !s.live.Exists(r.ContainerID) {
				_ = s.store.DeleteAutoRestart(r.ContainerID)
			}
		}
	}
	if states, err := s.store.ListDesiredStates(); err == nil {
		for _, d := range states {
			if !s.live.Exists(d.ContainerID) {
				_ = s.store.DeleteDesiredState(d.ContainerID)
			}
		}
	}
}

// sweepBackupContainers removes pre-update backup containers older than
// BackupGracePeriod, across every host.
func (s *Service) sweepBackupContainers(ctx context.Context, now time.Time) {
	if s.hosts == nil || s.pool == nil {
		return
	}
	hosts, err := s.hosts.ListHosts()
	if err != nil {
		s.log.Warn("maintenance: list hosts failed", "error", err)
		return
	}
	grace := s.cfg.BackupGracePeriod()

	for _, h := range hosts {
		if h.ConnectionType == "agent" {
			continue
		}
		api, err := s.pool.Get(hostConn(h))
		if err != nil {
			continue
		}
		containers, err := api.ListAllContainers(ctx)
		if err != nil {
			s.log.Warn("maintenance: list containers failed", "host_id", h.ID, "error", err)
			continue
		}
		for _, c := range containers {
			name := ""
			if len(c.Names) > 0 {
				name = strings.TrimPrefix(c.Names[0], "/")
			}
			if !strings.Contains(name, backupNameMarker) {
				continue
			}
			age := now.Sub(time.Unix(c.Created, 0))
			if age < grace {
				continue
			}
			if err := api.RemoveContainer(ctx, c.ID); err != nil {
				s.log.Warn("maintenance: remove backup container failed", "container", name, "error", err)
				continue
			}
			s.log.Info("maintenance: removed expired backup container", "host_id", h.ID, "container", name, "age", age)
		}
	}
}

// pruneImages applies the keep-N-newest-per-repository retention policy
// plus a dangling-image sweep, never touching an image any container still
// references.
func (s *Service) pruneImages(ctx context.Context, now time.Time) {
	if s.hosts == nil || s.pool == nil {
		return
	}
	hosts, err := s.hosts.ListHosts()
	if err != nil {
		return
	}
	keepNewest := s.cfg.ImageKeepNewest()
	grace := s.cfg.ImagePruneGrace()

	for _, h := range hosts {
		if h.ConnectionType == "agent" {
			continue
		}
		api, err := s.pool.Get(hostConn(h))
		if err != nil {
			continue
		}
		images, err := api.ListImages(ctx)
		if err != nil {
			s.log.Warn("maintenance: list images failed", "host_id", h.ID, "error", err)
			continue
		}

		byRepo := make(map[string][]dockerapi.ImageSummary)
		for _, img := range images {
			if img.InUse || len(img.RepoTags) == 0 {
				continue
			}
			if now.Sub(time.Unix(img.Created, 0)) < grace {
				continue
			}
			repo := repoOf(img.RepoTags[0])
			byRepo[repo] = append(byRepo[repo], img)
		}

		for _, imgs := range byRepo {
			sort.Slice(imgs, func(i, j int) bool { return imgs[i].Created > imgs[j].Created })
			if len(imgs) <= keepNewest {
				continue
			}
			for _, img := range imgs[keepNewest:] {
				if err := api.RemoveImageByID(ctx, img.ID); err != nil {
					s.log.Warn("maintenance: remove image failed", "image_id", img.ID, "error", err)
					continue
				}
				s.log.Info("maintenance: pruned unreferenced image", "host_id", h.ID, "image", img.RepoTags[0])
			}
		}

		if result, err := api.PruneImages(ctx); err != nil {
			s.log.Warn("maintenance: dangling image prune failed", "host_id", h.ID, "error", err)
		} else if result.ImagesDeleted > 0 {
			s.log.Info("maintenance: dangling images pruned", "host_id", h.ID, "count", result.ImagesDeleted, "space_reclaimed", result.SpaceReclaimed)
		}
	}
}

// hostConn builds the connection descriptor discovery.go uses, so the
// maintenance sweeps resolve the same pooled client per host.
func hostConn(h store.Host) dockerapi.HostConn {
	return dockerapi.HostConn{
		HostID:       h.ID,
		TransportURL: h.TransportURL,
		TLSCA:        h.TLSCA,
		TLSCert:      h.TLSCert,
		TLSKey:       h.TLSKey,
	}
}

// repoOf strips the tag from a "repo:tag" reference for per-repository
// grouping. Digest references ("repo@sha256:...") are returned unchanged.
func repoOf(ref string) string {
	if strings.Contains(ref, "@") {
		return ref
	}
	if i := strings.LastIndex(ref, ":"); i >= 0 && !strings.Contains(ref[i:], "/") {
		return ref[:i]
	}
	return ref
}

func (s *Service) runUpdateCheck(ctx context.Context) {
	if s.pool == nil {
		return
	}
	hosts, err := s.hosts.ListHosts()
	if err != nil || len(hosts) == 0 {
		return
	}
	var api dockerapi.API
	for _, h := range hosts {
		if h.ConnectionType == "agent" {
			continue
		}
		if c, err := s.pool.Get(hostConn(h)); err == nil {
			api = c
			break
		}
	}
	if api == nil {
		s.log.Warn("maintenance: update check: no docker client available")
		return
	}

	checker := registry.NewChecker(api, &logging.Logger{Logger: s.log})
	result := checker.Check(ctx, s.cfg.SelfImageRef())
	if result.Error != nil {
		s.log.Warn("maintenance: upstream update check failed", "error", result.Error)
		return
	}
	if result.UpdateAvailable {
		s.log.Info("maintenance: dockmon upstream update available", "image", s.cfg.SelfImageRef(), "remote_digest", result.RemoteDigest)
	}
}
