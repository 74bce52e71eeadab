package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/darthnorse/dockmon/internal/notify"
	"github.com/darthnorse/dockmon/internal/registry"
)

var (
	bucketHosts             = []byte("hosts")
	bucketAgents            = []byte("agents")
	bucketRegistrationToken = []byte("registration_tokens")
	bucketContainerUpdates  = []byte("container_updates")
	bucketHealthChecks      = []byte("container_http_health_checks")
	bucketAutoRestart       = []byte("auto_restart_configs")
	bucketDesiredState      = []byte("container_desired_states")
	bucketAlertRules        = []byte("alert_rules")
	bucketAlerts            = []byte("alerts")
	bucketAlertAnnotations  = []byte("alert_annotations")
	bucketDigestCache       = []byte("image_digest_cache")
	bucketTags              = []byte("tags")
	bucketTagAssignments    = []byte("tag_assignments")
	bucketDeployments       = []byte("deployments")
	bucketDeploymentMeta    = []byte("deployment_metadata")
	bucketDeploymentContainers = []byte("deployment_containers")
	bucketEventLog          = []byte("event_log")
	bucketSettings          = []byte("settings")
	bucketRegistryCreds     = []byte("registry_credentials")
	bucketRateLimits        = []byte("rate_limits")
	bucketHooks             = []byte("hooks")

	allBuckets = [][]byte{
		bucketHosts, bucketAgents, bucketRegistrationToken, bucketContainerUpdates,
		bucketHealthChecks, bucketAutoRestart, bucketDesiredState, bucketAlertRules,
		bucketAlerts, bucketAlertAnnotations, bucketDigestCache, bucketTags, bucketTagAssignments,
		bucketDeployments, bucketDeploymentMeta, bucketDeploymentContainers, bucketEventLog, bucketSettings,
		bucketRegistryCreds, bucketRateLimits, bucketHooks,
	}
)

// Store wraps a BoltDB database for DockMon persistence. One bucket per
// entity, JSON-encoded values, composite string keys where a single ID
// field isn't enough to disambiguate (spec §9's relational table list).
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// put marshals v as JSON and stores it under key in bucket b.
func (s *Store) put(bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", bucket, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

// get unmarshals the value stored under key in bucket b into v. Returns
// ok=false if no value is stored for key.
func (s *Store) get(bucket []byte, key string, v any) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, v)
	})
	return found, err
}

func (s *Store) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// list decodes every value in bucket via decode, skipping entries that fail
// to unmarshal (defensive against partial writes from a crashed process).
func (s *Store) list(bucket []byte, decode func(v []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(_, v []byte) error {
			return decode(v)
		})
	})
}

// --- Host ---

func (s *Store) SaveHost(h Host) error { return s.put(bucketHosts, h.ID, h) }

func (s *Store) GetHost(id string) (Host, bool, error) {
	var h Host
	ok, err := s.get(bucketHosts, id, &h)
	return h, ok, err
}

func (s *Store) DeleteHost(id string) error { return s.delete(bucketHosts, id) }

func (s *Store) ListHosts() ([]Host, error) {
	var hosts []Host
	err := s.list(bucketHosts, func(v []byte) error {
		var h Host
		if err := json.Unmarshal(v, &h); err != nil {
			return nil
		}
		hosts = append(hosts, h)
		return nil
	})
	return hosts, err
}

// --- Agent ---

func (s *Store) SaveAgent(a Agent) error { return s.put(bucketAgents, a.AgentID, a) }

func (s *Store) GetAgent(agentID string) (Agent, bool, error) {
	var a Agent
	ok, err := s.get(bucketAgents, agentID, &a)
	return a, ok, err
}

func (s *Store) DeleteAgent(agentID string) error { return s.delete(bucketAgents, agentID) }

func (s *Store) ListAgents() ([]Agent, error) {
	var agents []Agent
	err := s.list(bucketAgents, func(v []byte) error {
		var a Agent
		if err := json.Unmarshal(v, &a); err != nil {
			return nil
		}
		agents = append(agents, a)
		return nil
	})
	return agents, err
}

// AgentByHostID finds the agent registered against hostID. There is no
// secondary index for this (one bucket, keyed by agent-id), so it's a
// linear scan — fine at the scale of a handful of agents per daemon.
func (s *Store) AgentByHostID(hostID string) (Agent, bool, error) {
	agents, err := s.ListAgents()
	if err != nil {
		return Agent{}, false, err
	}
	for _, a := range agents {
		if a.HostID == hostID {
			return a, true, nil
		}
	}
	return Agent{}, false, nil
}

// --- RegistrationToken ---

func (s *Store) SaveRegistrationToken(t RegistrationToken) error {
	return s.put(bucketRegistrationToken, t.Token, t)
}

func (s *Store) GetRegistrationToken(token string) (RegistrationToken, bool, error) {
	var t RegistrationToken
	ok, err := s.get(bucketRegistrationToken, token, &t)
	return t, ok, err
}

func (s *Store) DeleteRegistrationToken(token string) error {
	return s.delete(bucketRegistrationToken, token)
}

// --- ContainerUpdate ---

func (s *Store) SaveContainerUpdate(c ContainerUpdate) error {
	return s.put(bucketContainerUpdates, c.ContainerID, c)
}

func (s *Store) GetContainerUpdate(containerID string) (ContainerUpdate, bool, error) {
	var c ContainerUpdate
	ok, err := s.get(bucketContainerUpdates, containerID, &c)
	return c, ok, err
}

func (s *Store) ListContainerUpdates() ([]ContainerUpdate, error) {
	var out []ContainerUpdate
	err := s.list(bucketContainerUpdates, func(v []byte) error {
		var c ContainerUpdate
		if err := json.Unmarshal(v, &c); err != nil {
			return nil
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

// DeleteContainerUpdate removes the row keyed to containerID, used by the
// update router's post-update composite-key reconciliation.
func (s *Store) DeleteContainerUpdate(containerID string) error {
	return s.delete(bucketContainerUpdates, containerID)
}

// --- ContainerHTTPHealthCheck ---

func (s *Store) SaveHealthCheck(h ContainerHTTPHealthCheck) error {
	return s.put(bucketHealthChecks, h.ContainerID, h)
}

func (s *Store) GetHealthCheck(containerID string) (ContainerHTTPHealthCheck, bool, error) {
	var h ContainerHTTPHealthCheck
	ok, err := s.get(bucketHealthChecks, containerID, &h)
	return h, ok, err
}

// DeleteHealthCheck removes the row keyed to containerID.
func (s *Store) DeleteHealthCheck(containerID string) error {
	return s.delete(bucketHealthChecks, containerID)
}

// ListHealthChecks returns every persisted health check row, used by C11's
// orphaned-container-scoped-row purge.
func (s *Store) ListHealthChecks() ([]ContainerHTTPHealthCheck, error) {
	var out []ContainerHTTPHealthCheck
	err := s.list(bucketHealthChecks, func(v []byte) error {
		var h ContainerHTTPHealthCheck
		if err := json.Unmarshal(v, &h); err != nil {
			return nil
		}
		out = append(out, h)
		return nil
	})
	return out, err
}

// --- AutoRestartConfig ---

func (s *Store) SaveAutoRestart(c AutoRestartConfig) error {
	return s.put(bucketAutoRestart, c.ContainerID, c)
}

func (s *Store) GetAutoRestart(containerID string) (AutoRestartConfig, bool, error) {
	var c AutoRestartConfig
	ok, err := s.get(bucketAutoRestart, containerID, &c)
	return c, ok, err
}

// DeleteAutoRestart removes the row keyed to containerID.
func (s *Store) DeleteAutoRestart(containerID string) error {
	return s.delete(bucketAutoRestart, containerID)
}

// ListAutoRestarts returns every persisted auto-restart config, used by
// C11's orphaned-container-scoped-row purge.
func (s *Store) ListAutoRestarts() ([]AutoRestartConfig, error) {
	var out []AutoRestartConfig
	err := s.list(bucketAutoRestart, func(v []byte) error {
		var c AutoRestartConfig
		if err := json.Unmarshal(v, &c); err != nil {
			return nil
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

// --- ContainerDesiredState ---

func (s *Store) SaveDesiredState(d ContainerDesiredState) error {
	return s.put(bucketDesiredState, d.ContainerID, d)
}

func (s *Store) GetDesiredState(containerID string) (ContainerDesiredState, bool, error) {
	var d ContainerDesiredState
	ok, err := s.get(bucketDesiredState, containerID, &d)
	return d, ok, err
}

// DeleteDesiredState removes the row keyed to containerID.
func (s *Store) DeleteDesiredState(containerID string) error {
	return s.delete(bucketDesiredState, containerID)
}

// ListDesiredStates returns every persisted desired-state row, used by
// C11's orphaned-container-scoped-row purge.
func (s *Store) ListDesiredStates() ([]ContainerDesiredState, error) {
	var out []ContainerDesiredState
	err := s.list(bucketDesiredState, func(v []byte) error {
		var d ContainerDesiredState
		if err := json.Unmarshal(v, &d); err != nil {
			return nil
		}
		out = append(out, d)
		return nil
	})
	return out, err
}

// --- AlertRule ---

func (s *Store) SaveAlertRule(r AlertRule) error { return s.put(bucketAlertRules, r.ID, r) }

func (s *Store) GetAlertRule(id string) (AlertRule, bool, error) {
	var r AlertRule
	ok, err := s.get(bucketAlertRules, id, &r)
	return r, ok, err
}

func (s *Store) DeleteAlertRule(id string) error { return s.delete(bucketAlertRules, id) }

func (s *Store) ListAlertRules() ([]AlertRule, error) {
	var out []AlertRule
	err := s.list(bucketAlertRules, func(v []byte) error {
		var r AlertRule
		if err := json.Unmarshal(v, &r); err != nil {
			return nil
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// --- Alert ---

func (s *Store) SaveAlert(a Alert) error { return s.put(bucketAlerts, a.ID, a) }

func (s *Store) GetAlert(id string) (Alert, bool, error) {
	var a Alert
	ok, err := s.get(bucketAlerts, id, &a)
	return a, ok, err
}

// ListAlerts returns every persisted alert. Callers filter by state/dedup-key
// in memory — the bucket is small enough (open alerts are bounded by rule
// count times scope count) that a secondary index isn't warranted.
func (s *Store) ListAlerts() ([]Alert, error) {
	var out []Alert
	err := s.list(bucketAlerts, func(v []byte) error {
		var a Alert
		if err := json.Unmarshal(v, &a); err != nil {
			return nil
		}
		out = append(out, a)
		return nil
	})
	return out, err
}

// FindAlertByDedupKey returns the open alert matching dedupKey, if any.
func (s *Store) FindAlertByDedupKey(dedupKey string) (Alert, bool, error) {
	alerts, err := s.ListAlerts()
	if err != nil {
		return Alert{}, false, err
	}
	for _, a := range alerts {
		if a.DedupKey == dedupKey && a.State != "resolved" {
			return a, true, nil
		}
	}
	return Alert{}, false, nil
}

// --- AlertAnnotation ---

func (s *Store) SaveAlertAnnotation(a AlertAnnotation) error {
	return s.put(bucketAlertAnnotations, a.ID, a)
}

func (s *Store) ListAlertAnnotations(alertID string) ([]AlertAnnotation, error) {
	var out []AlertAnnotation
	err := s.list(bucketAlertAnnotations, func(v []byte) error {
		var a AlertAnnotation
		if err := json.Unmarshal(v, &a); err != nil {
			return nil
		}
		if a.AlertID == alertID {
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

// --- ImageDigestCache ---

func (s *Store) SaveDigestCacheEntry(e ImageDigestCache) error {
	return s.put(bucketDigestCache, e.CacheKey, e)
}

func (s *Store) GetDigestCacheEntry(cacheKey string) (ImageDigestCache, bool, error) {
	var e ImageDigestCache
	ok, err := s.get(bucketDigestCache, cacheKey, &e)
	return e, ok, err
}

// ListDigestCacheEntries returns every persisted digest cache entry, used by
// C11's daily cache sweep.
func (s *Store) ListDigestCacheEntries() ([]ImageDigestCache, error) {
	var out []ImageDigestCache
	err := s.list(bucketDigestCache, func(v []byte) error {
		var e ImageDigestCache
		if err := json.Unmarshal(v, &e); err != nil {
			return nil
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// DeleteDigestCacheEntry removes the persisted entry for cacheKey.
func (s *Store) DeleteDigestCacheEntry(cacheKey string) error {
	return s.delete(bucketDigestCache, cacheKey)
}

// --- Tag ---

func (s *Store) SaveTag(t Tag) error { return s.put(bucketTags, t.ID, t) }

func (s *Store) DeleteTag(id string) error { return s.delete(bucketTags, id) }

func (s *Store) ListTags() ([]Tag, error) {
	var out []Tag
	err := s.list(bucketTags, func(v []byte) error {
		var t Tag
		if err := json.Unmarshal(v, &t); err != nil {
			return nil
		}
		out = append(out, t)
		return nil
	})
	return out, err
}

// --- TagAssignment ---

func (s *Store) SaveTagAssignment(t TagAssignment) error {
	key := t.SubjectType + ":" + t.SubjectID
	return s.put(bucketTagAssignments, key, t)
}

func (s *Store) GetTagAssignment(subjectType, subjectID string) (TagAssignment, bool, error) {
	var t TagAssignment
	ok, err := s.get(bucketTagAssignments, subjectType+":"+subjectID, &t)
	return t, ok, err
}

// DeleteTagAssignment removes the assignment row for (subjectType, subjectID),
// used when discovery reattaches a sticky tag to a container's new composite
// key and retires the row keyed to its old one.
func (s *Store) DeleteTagAssignment(subjectType, subjectID string) error {
	return s.delete(bucketTagAssignments, subjectType+":"+subjectID)
}

// ListTagAssignments returns every assignment, used by discovery to reattach
// sticky tags by compose project/service or container name on restart.
func (s *Store) ListTagAssignments() ([]TagAssignment, error) {
	var out []TagAssignment
	err := s.list(bucketTagAssignments, func(v []byte) error {
		var t TagAssignment
		if err := json.Unmarshal(v, &t); err != nil {
			return nil
		}
		out = append(out, t)
		return nil
	})
	return out, err
}

// --- Deployment ---

func (s *Store) SaveDeployment(d Deployment) error { return s.put(bucketDeployments, d.ID, d) }

func (s *Store) GetDeployment(id string) (Deployment, bool, error) {
	var d Deployment
	ok, err := s.get(bucketDeployments, id, &d)
	return d, ok, err
}

func (s *Store) SaveDeploymentMetadata(m DeploymentMetadata) error {
	return s.put(bucketDeploymentMeta, m.DeploymentID, m)
}

func (s *Store) GetDeploymentMetadata(deploymentID string) (DeploymentMetadata, bool, error) {
	var m DeploymentMetadata
	ok, err := s.get(bucketDeploymentMeta, deploymentID, &m)
	return m, ok, err
}

// SaveDeploymentContainer records a container created during a deployment,
// keyed by deployment id + composite container id so rollback can find
// exactly what to remove.
func (s *Store) SaveDeploymentContainer(dc DeploymentContainer) error {
	return s.put(bucketDeploymentContainers, dc.DeploymentID+":"+dc.ContainerID, dc)
}

// ListDeploymentContainers returns every container created by a deployment.
func (s *Store) ListDeploymentContainers(deploymentID string) ([]DeploymentContainer, error) {
	var out []DeploymentContainer
	err := s.list(bucketDeploymentContainers, func(v []byte) error {
		var dc DeploymentContainer
		if err := json.Unmarshal(v, &dc); err != nil {
			return nil
		}
		if dc.DeploymentID == deploymentID {
			out = append(out, dc)
		}
		return nil
	})
	return out, err
}

// DeleteDeploymentContainer removes the row once rollback/cleanup has
// handled the container.
func (s *Store) DeleteDeploymentContainer(deploymentID, containerID string) error {
	return s.delete(bucketDeploymentContainers, deploymentID+":"+containerID)
}

// --- EventLog ---

func (s *Store) AppendEventLog(e EventLog) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	// Fixed-width UTC timestamp so byte order of keys is time order.
	key := e.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z07:00") + ":" + e.ID
	return s.put(bucketEventLog, key, e)
}

// ListEventLog returns the most recent log entries, newest first, up to limit.
func (s *Store) ListEventLog(limit int) ([]EventLog, error) {
	var entries []EventLog
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEventLog).Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var e EventLog
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// PurgeEventLogBefore deletes event log entries older than cutoff, used by
// C11's retention purge.
func (s *Store) PurgeEventLogBefore(cutoff time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEventLog)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e EventLog
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if e.Timestamp.Before(cutoff) {
				keyCopy := make([]byte, len(k))
				copy(keyCopy, k)
				toDelete = append(toDelete, keyCopy)
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// PurgeAlertsResolvedBefore deletes resolved alerts older than cutoff, used
// by C11's retention purge.
func (s *Store) PurgeAlertsResolvedBefore(cutoff time.Time) error {
	alerts, err := s.ListAlerts()
	if err != nil {
		return err
	}
	for _, a := range alerts {
		if a.State == "resolved" && !a.ResolvedAt.IsZero() && a.ResolvedAt.Before(cutoff) {
			if err := s.delete(bucketAlerts, a.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- Settings (key/value, retained from the teacher's design) ---

// SaveSetting stores a setting key-value pair in the settings bucket.
func (s *Store) SaveSetting(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), []byte(value))
	})
}

// LoadSetting loads a setting by key from the settings bucket.
func (s *Store) LoadSetting(key string) (string, error) {
	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSettings).Get([]byte(key))
		if v != nil {
			val = string(v)
		}
		return nil
	})
	return val, err
}

// GetAllSettings returns all key-value pairs from the settings bucket,
// excluding internal compound keys that store JSON blobs.
func (s *Store) GetAllSettings() (map[string]string, error) {
	result := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).ForEach(func(k, v []byte) error {
			key := string(k)
			if key == "notification_channels" {
				return nil
			}
			result[key] = string(v)
			return nil
		})
	})
	return result, err
}

// GetNotificationChannels loads notification channels from the settings bucket.
func (s *Store) GetNotificationChannels() ([]notify.Channel, error) {
	var channels []notify.Channel
	_, err := s.get(bucketSettings, "notification_channels", &channels)
	return channels, err
}

// SetNotificationChannels saves notification channels to the settings bucket.
func (s *Store) SetNotificationChannels(channels []notify.Channel) error {
	return s.put(bucketSettings, "notification_channels", channels)
}

// --- Registry credentials (retained from the teacher's design) ---

// GetRegistryCredentials loads registry credentials from the registry_credentials bucket.
func (s *Store) GetRegistryCredentials() ([]registry.RegistryCredential, error) {
	var creds []registry.RegistryCredential
	_, err := s.get(bucketRegistryCreds, "credentials", &creds)
	return creds, err
}

// SetRegistryCredentials saves registry credentials to the registry_credentials bucket.
func (s *Store) SetRegistryCredentials(creds []registry.RegistryCredential) error {
	return s.put(bucketRegistryCreds, "credentials", creds)
}

// --- Rate limits (retained; the in-memory RateLimitTracker does not call these) ---

// SaveRateLimits persists rate limit state for all registries.
func (s *Store) SaveRateLimits(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRateLimits).Put([]byte("state"), data)
	})
}

// LoadRateLimits loads persisted rate limit state. Returns nil, nil if
// nothing is stored.
func (s *Store) LoadRateLimits() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRateLimits).Get([]byte("state"))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	return data, err
}
