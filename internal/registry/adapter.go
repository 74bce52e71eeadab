package registry

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Resolution is the result of resolving an image reference's tag to a
// content digest, returned by Adapter.ResolveTag. A nil Resolution means the
// lookup failed; the caller should treat it as a soft failure, not an
// exception.
type Resolution struct {
	Digest     string
	Registry   string
	Repository string
	Tag        string
	Manifest   http.Header
}

// Adapter resolves image references to registry digests, backed by a
// TTL-tiered cache and RFC 7235 auth discovery. It never returns an error:
// registry failures (timeout, 401 after exhausting every auth path, 404,
// 429, malformed manifest) come back as a nil Resolution and are logged, so
// a flaky registry degrades a single discovery pass rather than propagating
// upward.
type Adapter struct {
	cache   *DigestCache
	auth    *AuthResolver
	tracker *RateLimitTracker
	log     *slog.Logger

	probedMu sync.Mutex
	probed   map[string]bool
}

// NewAdapter creates an Adapter. ttlFn supplies the cache's current TTL
// buckets (see config.Config.TTLBuckets).
func NewAdapter(ttlFn func() (latest, pinned, floating, def time.Duration), tracker *RateLimitTracker, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		cache:   NewDigestCache(ttlFn),
		auth:    NewAuthResolver(),
		tracker: tracker,
		log:     log,
		probed:  make(map[string]bool),
	}
}

// probeIfNeeded runs a one-time rate-limit probe the first time the adapter
// resolves against host, so RateLimitTracker carries real header data even
// for hosts whose every subsequent resolution is served from the digest
// cache and never reaches ManifestDigest to feed Record itself. Probe
// failures are logged and otherwise ignored; they never block resolution.
func (a *Adapter) probeIfNeeded(ctx context.Context, host string, cred *RegistryCredential) {
	if a.tracker == nil {
		return
	}
	a.probedMu.Lock()
	if a.probed[host] {
		a.probedMu.Unlock()
		return
	}
	a.probed[host] = true
	a.probedMu.Unlock()

	headers, err := ProbeRateLimit(ctx, host, cred)
	if err != nil {
		a.log.Debug("rate limit probe failed", "host", host, "error", err)
		return
	}
	a.tracker.Record(host, headers)
}

// registryHost splits an image reference's registry host from its
// repository path. Unqualified and Docker Hub references resolve to
// "registry-1.docker.io", matching ManifestDigest's own default.
func registryHost(imageRef string) string {
	ref := imageRef
	if i := strings.Index(ref, "@"); i >= 0 {
		ref = ref[:i]
	}
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		if slash := strings.LastIndex(ref, "/"); i > slash {
			ref = ref[:i]
		}
	}
	if slash := strings.Index(ref, "/"); slash >= 0 {
		first := ref[:slash]
		if strings.ContainsAny(first, ".:") {
			if host := NormaliseRegistryHost(first); host != "docker.io" {
				return host
			}
		}
	}
	return "registry-1.docker.io"
}

func imageTag(imageRef string) string {
	_, tag := splitTag(imageRef)
	if tag == "" {
		return "latest"
	}
	return tag
}

// ResolveTag resolves imageRef's tag to its current manifest digest for the
// given platform (e.g. "linux/amd64"), trying the cache first and falling
// through to a live registry fetch on a miss or expiry. A cache-layer error
// is treated as a miss, never surfaced to the caller. On any registry
// failure this returns nil — the caller should skip this image for
// the current pass and try again next cycle.
func (a *Adapter) ResolveTag(ctx context.Context, imageRef, platform string, cred *RegistryCredential) *Resolution {
	tag := imageTag(imageRef)
	repo := RepoPath(imageRef)
	host := registryHost(imageRef)

	a.probeIfNeeded(ctx, host, cred)

	if entry, ok := a.cache.Get(imageRef, tag, platform); ok {
		return &Resolution{
			Digest:     entry.Digest,
			Registry:   entry.Registry,
			Repository: entry.Repository,
			Tag:        entry.Tag,
		}
	}

	token, err := a.auth.Token(ctx, host, repo, cred)
	if err != nil {
		a.log.Warn("registry auth discovery failed", "image", imageRef, "host", host, "error", err)
		token = ""
	}

	digest, headers, err := ManifestDigest(ctx, repo, tag, token, host, cred)
	if a.tracker != nil && headers != nil {
		a.tracker.Record(host, headers)
	}
	if err != nil {
		a.log.Debug("manifest resolution failed", "image", imageRef, "tag", tag, "host", host, "error", err)
		return nil
	}

	a.cache.Put(imageRef, tag, platform, DigestEntry{
		Digest:     digest,
		Registry:   host,
		Repository: repo,
		Tag:        tag,
	})

	return &Resolution{
		Digest:     digest,
		Registry:   host,
		Repository: repo,
		Tag:        tag,
		Manifest:   headers,
	}
}

// Invalidate drops any cached entry for imageRef/tag/platform, used after a
// successful update so the next discovery pass doesn't report a stale
// "update available" for the image it just pulled. With an empty tag and
// platform it drops every entry whose key starts with imageRef.
func (a *Adapter) Invalidate(imageRef, tag, platform string) {
	a.cache.mu.Lock()
	defer a.cache.mu.Unlock()
	if tag == "" && platform == "" {
		for k := range a.cache.entries {
			if strings.HasPrefix(k, imageRef+":") {
				delete(a.cache.entries, k)
			}
		}
		return
	}
	delete(a.cache.entries, cacheKey(imageRef, tag, platform))
}
