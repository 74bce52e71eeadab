// Package scan implements the periodic per-container registry update check
// that feeds the Update Executor Router (C6): for every container discovery
// currently observes, resolve its tracked tag against the registry adapter
// (C1), persist the result onto its ContainerUpdate row, and hand
// auto-update-enabled containers to the router, bounded by the same fanout
// semaphore bulk auto-update uses.
//
// Grounded on the teacher's internal/engine/scheduler.go (immediate scan on
// start, then steady ticking via clock.After, runtime-adjustable interval)
// and internal/engine/updater.go's Scan method (per-container error
// isolation, rate-limit discovery/probe pass before the per-container loop).
// Split out as its own component here because the router (internal/update)
// only executes an update already decided on; deciding one exists is a
// distinct concern the design notes call "the update checker", racing the
// executor over the same ContainerUpdate rows by design.
package scan

import (
	"context"
	"log/slog"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/discovery"
	"github.com/darthnorse/dockmon/internal/metrics"
	"github.com/darthnorse/dockmon/internal/registry"
	"github.com/darthnorse/dockmon/internal/store"
)

// defaultPlatform is the manifest platform checked when a host's own
// architecture isn't tracked separately (spec §4.1 examples all use this).
const defaultPlatform = "linux/amd64"

// Store is the subset of store.Store the scan loop needs.
type Store interface {
	GetContainerUpdate(containerID string) (store.ContainerUpdate, bool, error)
	SaveContainerUpdate(store.ContainerUpdate) error
}

// Resolver resolves an image reference's tracked tag to a registry digest.
// Implemented by *registry.Adapter.
type Resolver interface {
	ResolveTag(ctx context.Context, imageRef, platform string, cred *registry.RegistryCredential) *registry.Resolution
}

// Snapshotter supplies the current discovery observation set. Implemented
// by *discovery.Loop.
type Snapshotter interface {
	Snapshot() []discovery.Observed
}

// Router executes an update once the scan decides one is due. Implemented
// by *update.Router.
type Router interface {
	UpdateContainer(ctx context.Context, hostID, containerID string, rec store.ContainerUpdate, force, forceWarn bool) bool
	AcquireFanoutSlot(ctx context.Context) error
	ReleaseFanoutSlot()
}

// Config is the subset of config.Config the scan loop needs.
type Config interface {
	UpdateScanInterval() time.Duration
	DefaultFloatingTag() string
}

// Loop runs the steady-tick registry update check.
type Loop struct {
	store   Store
	creds   registry.CredentialStore
	resolve Resolver
	snap    Snapshotter
	router  Router
	cfg     Config
	clock   clock.Clock
	log     *slog.Logger
}

// New creates a Loop. router may be nil — in that case the scan still
// records availability on ContainerUpdate rows but never auto-updates.
func New(st Store, creds registry.CredentialStore, resolver Resolver, snap Snapshotter, router Router, cfg Config, clk clock.Clock, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Loop{store: st, creds: creds, resolve: resolver, snap: snap, router: router, cfg: cfg, clock: clk, log: log}
}

// Run ticks an immediate pass, then one every Config.UpdateScanInterval,
// until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.runOnce(ctx)
	for {
		select {
		case <-l.clock.After(l.cfg.UpdateScanInterval()):
			l.runOnce(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *Loop) runOnce(ctx context.Context) {
	start := l.clock.Now()
	observed := l.snap.Snapshot()

	var creds []registry.RegistryCredential
	if l.creds != nil {
		if c, err := l.creds.GetRegistryCredentials(); err == nil {
			creds = c
		}
	}

	pending := 0
	for _, c := range observed {
		if c.State != "running" {
			continue
		}
		if l.checkOne(ctx, c, creds) {
			pending++
		}
	}

	metrics.PendingUpdates.Set(float64(pending))
	metrics.ScansTotal.Inc()
	metrics.ScanDuration.Observe(l.clock.Now().Sub(start).Seconds())
}

// checkOne resolves one container's tracked tag and persists the result.
// Returns true if an update is available (whether or not it was acted on).
func (l *Loop) checkOne(ctx context.Context, c discovery.Observed, creds []registry.RegistryCredential) bool {
	rec, ok, err := l.store.GetContainerUpdate(c.CompositeID)
	if err != nil {
		l.log.Warn("scan: load container_update failed", "container_id", c.CompositeID, "error", err)
		return false
	}
	if !ok {
		rec = store.ContainerUpdate{
			HostID:        c.HostID,
			ContainerID:   c.CompositeID,
			ContainerName: c.Name,
			Image:         c.Image,
			TrackingMode:  l.cfg.DefaultFloatingTag(),
			AutoUpdate:    false,
		}
	} else {
		rec.Image = c.Image
		rec.ContainerName = c.Name
	}

	tracked := registry.ComputeFloatingTag(rec.Image, registry.FloatingMode(rec.TrackingMode))
	host := registry.RegistryHost(tracked)
	cred := registry.FindByRegistry(creds, host)

	res := l.resolve.ResolveTag(ctx, tracked, defaultPlatform, cred)
	if res == nil {
		metrics.RegistryErrors.WithLabelValues(host).Inc()
		return false
	}

	previous := rec.LastDigest
	rec.LastDigest = res.Digest
	rec.LastChecked = l.clock.Now()

	available := previous != "" && previous != res.Digest
	if available {
		if notes := registry.FetchReleaseNotes(ctx, tracked, res.Tag); notes != nil {
			rec.ChangelogURL = notes.URL
			rec.ChangelogBody = notes.Body
		}
	}

	if err := l.store.SaveContainerUpdate(rec); err != nil {
		l.log.Warn("scan: save container_update failed", "container_id", c.CompositeID, "error", err)
	}

	if !available {
		return false
	}

	if rec.AutoUpdate && l.router != nil {
		if err := l.router.AcquireFanoutSlot(ctx); err != nil {
			return true
		}
		go func(rec store.ContainerUpdate) {
			defer l.router.ReleaseFanoutSlot()
			l.router.UpdateContainer(ctx, rec.HostID, rec.ContainerID, rec, false, false)
		}(rec)
	}
	return true
}
