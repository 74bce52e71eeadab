// Package discovery implements the per-host container discovery loop (C5):
// reconnect-with-backoff, container listing and classification, sticky-tag
// reattachment across recreation, and host-status edge events.
//
// Grounded on the *shape* of the teacher's engine.Updater.Scan per-container
// loop (error-isolated per container, publishEvent after the pass),
// generalized here to run per-host and to classify rather than update.
package discovery

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/moby/moby/api/types/container"

	"github.com/darthnorse/dockmon/internal/dockerapi"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/store"
)

// Compose project/service labels, as written by docker compose (and
// recognized the same way by Podman's compose plugin).
const (
	labelComposeProject = "com.docker.compose.project"
	labelComposeService = "com.docker.compose.service"
)

// Store is the subset of store.Store the loop needs.
type Store interface {
	ListHosts() ([]store.Host, error)
	SaveHost(store.Host) error
	ListTagAssignments() ([]store.TagAssignment, error)
	SaveTagAssignment(store.TagAssignment) error
	DeleteTagAssignment(subjectType, subjectID string) error
}

// StatsProvider supplies best-effort CPU/memory samples keyed by composite
// container id. Discovery treats it as optional: a nil StatsProvider or a
// provider that reports ok=false simply leaves those fields at zero.
type StatsProvider interface {
	Stats(hostID, compositeID string) (cpuPercent, memoryBytes float64, ok bool)
}

// Observed is one container as seen by a single poll of one host.
type Observed struct {
	HostID         string
	CompositeID    string // {host-id}:{short-id}
	ShortID        string
	Name           string
	Image          string
	State          string // running, exited, paused, ...
	Health         string // healthy, unhealthy, starting, or "" if the container has no HEALTHCHECK
	ComposeProject string
	ComposeService string
	CPUPercent     float64
	MemoryBytes    float64
}

// Loop runs the discovery poll for every registered host.
type Loop struct {
	store   Store
	pool    *dockerapi.Pool
	bus     *events.Bus
	stats   StatsProvider
	log     *slog.Logger
	interval func() time.Duration

	mu       sync.Mutex
	attempts map[string]int    // hostID -> consecutive failed reconnect attempts
	lastRun  map[string]time.Time
	prevStatus map[string]string // hostID -> last emitted status, the loop's sole writer
	snapshot   map[string]Observed // compositeID -> last observed record, read by C10's metric tick
}

// New creates a Loop. interval is called on every tick so config changes
// (Config.SetDiscoveryInterval) take effect without restarting the loop.
func New(st Store, pool *dockerapi.Pool, bus *events.Bus, stats StatsProvider, interval func() time.Duration, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		store:      st,
		pool:       pool,
		bus:        bus,
		stats:      stats,
		log:        log,
		interval:   interval,
		attempts:   make(map[string]int),
		lastRun:    make(map[string]time.Time),
		prevStatus: make(map[string]string),
		snapshot:   make(map[string]Observed),
	}
}

// Snapshot returns every container observed on the most recent poll of each
// host, for C10's metric tick and re-verification sweep to read without
// re-polling the daemon.
func (l *Loop) Snapshot() []Observed {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Observed, 0, len(l.snapshot))
	for _, o := range l.snapshot {
		out = append(out, o)
	}
	return out
}

// Get returns the last-observed record for a single composite id.
func (l *Loop) Get(compositeID string) (Observed, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.snapshot[compositeID]
	return o, ok
}

// Exists reports whether a composite id was seen on the most recent poll,
// for C11's dead-row cleanup (maintenance.LiveContainers).
func (l *Loop) Exists(compositeID string) bool {
	_, ok := l.Get(compositeID)
	return ok
}

// Run polls every registered host on a steady interval until ctx is
// cancelled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.pollAll(ctx)

		d := l.interval()
		if d <= 0 {
			d = 30 * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}

// pollAll runs one pass over every registered, active host. A single host's
// failure never prevents the others from being polled.
func (l *Loop) pollAll(ctx context.Context) {
	hosts, err := l.store.ListHosts()
	if err != nil {
		l.log.Warn("discovery: list hosts failed", "error", err)
		return
	}

	for _, h := range hosts {
		if !h.IsActive || h.ConnectionType == "agent" {
			// Agent-connected hosts report their own state over the
			// agentserver session; this loop only drives local/tls-remote.
			continue
		}
		l.pollHost(ctx, h)
	}
}

func (l *Loop) pollHost(ctx context.Context, h store.Host) {
	conn := dockerapi.HostConn{
		HostID:       h.ID,
		TransportURL: h.TransportURL,
		TLSCA:        h.TLSCA,
		TLSCert:      h.TLSCert,
		TLSKey:       h.TLSKey,
	}

	wasOffline := l.statusOf(h.ID) == "offline"
	if wasOffline {
		if !l.attemptReconnect(ctx, h.ID, conn) {
			return
		}
	}

	client, err := l.pool.Get(conn)
	if err != nil {
		l.markOffline(h, err)
		return
	}

	summaries, err := client.ListAllContainers(ctx)
	if err != nil {
		l.markOffline(h, err)
		return
	}

	l.markOnline(h)
	l.resetBackoff(h.ID)

	assignments, err := l.store.ListTagAssignments()
	if err != nil {
		l.log.Warn("discovery: list tag assignments failed", "host_id", h.ID, "error", err)
		assignments = nil
	}

	seen := make(map[string]bool, len(summaries))
	for _, cs := range summaries {
		l.observeContainer(ctx, h.ID, cs, assignments)
		seen[buildObserved(h.ID, cs).CompositeID] = true
	}

	// Drop this host's containers that the poll no longer lists.
	l.mu.Lock()
	for id, o := range l.snapshot {
		if o.HostID == h.ID && !seen[id] {
			delete(l.snapshot, id)
		}
	}
	l.mu.Unlock()
}

// observeContainer classifies one container and runs sticky-tag
// reattachment. Panics or errors scoped to a single container are
// swallowed here so they can never abort the host's scan.
func (l *Loop) observeContainer(ctx context.Context, hostID string, cs container.Summary, assignments []store.TagAssignment) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("discovery: panic observing container", "host_id", hostID, "container_id", cs.ID, "recovered", r)
		}
	}()

	obs := buildObserved(hostID, cs)

	if l.stats != nil {
		if cpu, mem, ok := l.stats.Stats(hostID, obs.CompositeID); ok {
			obs.CPUPercent = cpu
			obs.MemoryBytes = mem
		}
	}

	if err := l.reattachStickyTag(obs, assignments); err != nil {
		l.log.Warn("discovery: sticky tag reattach failed", "host_id", hostID, "container_id", obs.CompositeID, "error", err)
	}

	l.mu.Lock()
	l.snapshot[obs.CompositeID] = obs
	l.mu.Unlock()

	l.bus.Publish(events.Event{
		Type:          events.EventContainerStateChange,
		HostID:        hostID,
		ContainerID:   obs.CompositeID,
		ContainerName: obs.Name,
		Message:       obs.State,
	})
	if obs.State != "running" {
		l.bus.Publish(events.Event{
			Type:          events.EventContainerStopped,
			HostID:        hostID,
			ContainerID:   obs.CompositeID,
			ContainerName: obs.Name,
		})
	}
}

// buildObserved turns a raw container.Summary into an Observed record,
// resolving image and composite id: the list's Image field (the image
// reference the container was created with), else the image id's sha
// prefix. The image's own tag list is not looked up.
func buildObserved(hostID string, cs container.Summary) Observed {
	name := cs.ID
	if len(cs.Names) > 0 {
		name = strings.TrimPrefix(cs.Names[0], "/")
	}

	shortID := cs.ID
	if len(shortID) > 12 {
		shortID = shortID[:12]
	}

	image := cs.Image
	if image == "" {
		image = shaPrefix(cs.ImageID)
	}

	return Observed{
		HostID:         hostID,
		CompositeID:    hostID + ":" + shortID,
		ShortID:        shortID,
		Name:           name,
		Image:          image,
		State:          cs.State,
		Health:         healthFromStatus(cs.Status),
		ComposeProject: cs.Labels[labelComposeProject],
		ComposeService: cs.Labels[labelComposeService],
	}
}

// healthFromStatus extracts the HEALTHCHECK status Docker embeds in the
// human-readable Status string (e.g. "Up 5 minutes (healthy)"). Returns ""
// for containers without a HEALTHCHECK.
func healthFromStatus(status string) string {
	switch {
	case strings.Contains(status, "(healthy)"):
		return "healthy"
	case strings.Contains(status, "(unhealthy)"):
		return "unhealthy"
	case strings.Contains(status, "(health: starting)"):
		return "starting"
	default:
		return ""
	}
}

func shaPrefix(imageID string) string {
	id := strings.TrimPrefix(imageID, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// reattachStickyTag implements spec §4.3 step 4: if the container has no
// TagAssignment keyed to its current composite id, look for a previous
// assignment on the same host matching (compose_project, compose_service),
// falling back to (container_name, host_id), and move it onto the new key.
func (l *Loop) reattachStickyTag(obs Observed, assignments []store.TagAssignment) error {
	for _, a := range assignments {
		if a.SubjectID == obs.CompositeID {
			return nil // already attached to the current key
		}
	}

	var match *store.TagAssignment
	if obs.ComposeProject != "" && obs.ComposeService != "" {
		for i := range assignments {
			a := &assignments[i]
			if a.HostIDAtAttach == obs.HostID && a.ComposeProject == obs.ComposeProject && a.ComposeService == obs.ComposeService {
				match = a
				break
			}
		}
	}
	if match == nil {
		for i := range assignments {
			a := &assignments[i]
			if a.HostIDAtAttach == obs.HostID && a.ContainerNameAtAttach == obs.Name {
				match = a
				break
			}
		}
	}
	if match == nil {
		return nil
	}

	reattached := *match
	oldSubjectType, oldSubjectID := reattached.SubjectType, reattached.SubjectID
	reattached.SubjectID = obs.CompositeID
	reattached.ContainerNameAtAttach = obs.Name
	reattached.HostIDAtAttach = obs.HostID
	reattached.LastSeenAt = time.Now().UTC()

	if err := l.store.SaveTagAssignment(reattached); err != nil {
		return err
	}
	if oldSubjectID != reattached.SubjectID {
		_ = l.store.DeleteTagAssignment(oldSubjectType, oldSubjectID)
	}
	return nil
}

func (l *Loop) statusOf(hostID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.prevStatus[hostID]
}

// attemptReconnect returns true once the host is reachable again. It never
// blocks longer than a single ping attempt; pacing between attempts is the
// caller's poll interval combined with BackoffDelay gating.
func (l *Loop) attemptReconnect(ctx context.Context, hostID string, conn dockerapi.HostConn) bool {
	l.mu.Lock()
	attempt := l.attempts[hostID]
	last := l.lastRun[hostID]
	l.mu.Unlock()

	if !last.IsZero() && time.Since(last) < BackoffDelay(attempt) {
		return false
	}

	l.mu.Lock()
	l.lastRun[hostID] = time.Now()
	l.mu.Unlock()

	if err := l.pool.Ping(ctx, conn); err != nil {
		l.mu.Lock()
		l.attempts[hostID]++
		l.mu.Unlock()
		return false
	}
	return true
}

func (l *Loop) resetBackoff(hostID string) {
	l.mu.Lock()
	delete(l.attempts, hostID)
	delete(l.lastRun, hostID)
	l.mu.Unlock()
}

// markOnline records the online status and emits HOST_CONNECTED exactly once
// on the offline->online (or unknown->online) edge.
func (l *Loop) markOnline(h store.Host) {
	edge := l.transition(h.ID, "online")
	h.Status = "online"
	h.LastChecked = time.Now().UTC()
	if err := l.store.SaveHost(h); err != nil {
		l.log.Warn("discovery: save host failed", "host_id", h.ID, "error", err)
	}
	if edge {
		l.bus.Publish(events.Event{Type: events.EventHostConnected, HostID: h.ID})
	}
}

// markOffline records the offline status and emits HOST_DISCONNECTED exactly
// once on the online->offline edge (never offline->offline).
func (l *Loop) markOffline(h store.Host, cause error) {
	edge := l.transition(h.ID, "offline")
	h.Status = "offline"
	h.LastChecked = time.Now().UTC()
	if err := l.store.SaveHost(h); err != nil {
		l.log.Warn("discovery: save host failed", "host_id", h.ID, "error", err)
	}
	if edge {
		msg := ""
		if cause != nil {
			msg = cause.Error()
		}
		l.bus.Publish(events.Event{Type: events.EventHostDisconnected, HostID: h.ID, Message: msg})
	}
}

// transition records status as the new previous status for hostID and
// reports whether this call is the edge into that status (i.e. the status
// actually changed). The loop is documented as the sole writer of this map.
func (l *Loop) transition(hostID, status string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.prevStatus[hostID]
	l.prevStatus[hostID] = status
	return prev != status
}
