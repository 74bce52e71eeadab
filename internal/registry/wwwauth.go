package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

// challengeParamRe matches a single key="value" pair inside a Bearer
// WWW-Authenticate challenge, per RFC 7235 §2.1's quoted-string auth-param.
var challengeParamRe = regexp.MustCompile(`(\w+)="([^"]*)"`)

// bearerChallenge is a parsed "WWW-Authenticate: Bearer realm=...,service=...,scope=..." header.
type bearerChallenge struct {
	Realm   string
	Service string
	Scope   string
}

// parseBearerChallenge parses a WWW-Authenticate header value. It returns
// ok=false if the header does not describe a Bearer challenge.
func parseBearerChallenge(header string) (bearerChallenge, bool) {
	if !strings.HasPrefix(header, "Bearer ") {
		return bearerChallenge{}, false
	}
	var c bearerChallenge
	for _, m := range challengeParamRe.FindAllStringSubmatch(header, -1) {
		switch m[1] {
		case "realm":
			c.Realm = m[2]
		case "service":
			c.Service = m[2]
		case "scope":
			c.Scope = m[2]
		}
	}
	return c, c.Realm != ""
}

// cachedToken is a bearer token with its conservative expiry.
type cachedToken struct {
	token     string
	expiresAt time.Time
}

// maxAuthCacheEntries bounds the bearer token cache per spec §4.1's "≈500
// entries" auth cache bound.
const maxAuthCacheEntries = 500

// AuthResolver discovers and caches bearer tokens per the ordered auth
// discovery algorithm spec §4.1 describes: cached token, RFC 7235
// challenge-driven fetch, hardcoded registry fallbacks, basic credentials,
// anonymous.
type AuthResolver struct {
	mu    sync.Mutex
	cache map[string]cachedToken // key: "{registry}:{repository}"
}

// NewAuthResolver creates a ready-to-use AuthResolver.
func NewAuthResolver() *AuthResolver {
	return &AuthResolver{cache: make(map[string]cachedToken)}
}

// Token returns a value suitable for the Authorization header's "Bearer "
// suffix (empty string means try without auth, or the caller should fall
// back to basic credentials). host is the registry hostname (e.g.
// "registry-1.docker.io", "ghcr.io"); repo is the repository path (e.g.
// "library/nginx").
func (r *AuthResolver) Token(ctx context.Context, host, repo string, cred *RegistryCredential) (string, error) {
	key := host + ":" + repo

	r.mu.Lock()
	if tok, ok := r.cache[key]; ok && time.Now().Before(tok.expiresAt) {
		r.mu.Unlock()
		return tok.token, nil
	}
	r.mu.Unlock()

	// Unauthenticated HEAD to discover the challenge.
	probeURL := "https://" + host + "/v2/" + repo + "/manifests/latest"
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, probeURL, nil)
	if err != nil {
		return "", fmt.Errorf("build auth probe request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth probe: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		// Registry didn't challenge — no auth required.
		return "", nil
	}

	challenge, ok := parseBearerChallenge(resp.Header.Get("WWW-Authenticate"))
	if !ok {
		return r.hardcodedFallback(ctx, host, repo, cred)
	}

	token, err := r.fetchToken(ctx, challenge, cred)
	if err != nil {
		return r.hardcodedFallback(ctx, host, repo, cred)
	}

	r.store(key, token)
	return token, nil
}

// fetchToken retrieves a token from the challenge's realm with the
// service/scope query parameters it specified, per RFC 7235.
func (r *AuthResolver) fetchToken(ctx context.Context, c bearerChallenge, cred *RegistryCredential) (string, error) {
	u, err := url.Parse(c.Realm)
	if err != nil {
		return "", fmt.Errorf("parse realm: %w", err)
	}
	q := u.Query()
	if c.Service != "" {
		q.Set("service", c.Service)
	}
	if c.Scope != "" {
		q.Set("scope", c.Scope)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	if cred != nil {
		req.SetBasicAuth(cred.Username, cred.Secret)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var tok TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tok.Token == "" {
		return "", fmt.Errorf("empty token in response")
	}
	return tok.Token, nil
}

// hardcodedFallback covers registries whose challenge didn't parse or
// whose probe failed outright, per spec §4.1 step 3.
func (r *AuthResolver) hardcodedFallback(ctx context.Context, host, repo string, cred *RegistryCredential) (string, error) {
	var realm, service string
	switch host {
	case "registry-1.docker.io", "docker.io", "index.docker.io":
		realm, service = "https://auth.docker.io/token", "registry.docker.io"
	case "ghcr.io":
		realm, service = "https://ghcr.io/token", "ghcr.io"
	default:
		if cred != nil {
			return "", nil // step 4: caller falls back to basic auth directly
		}
		return "", nil // step 5: anonymous, no Authorization header
	}

	token, err := r.fetchToken(ctx, bearerChallenge{
		Realm:   realm,
		Service: service,
		Scope:   "repository:" + repo + ":pull",
	}, cred)
	if err != nil {
		return "", err
	}
	r.store(host+":"+repo, token)
	return token, nil
}

// store caches a token with a conservative expiry (four minutes, shorter
// than the typical five-minute registry token lifetime per spec §4.1),
// evicting the oldest entry if the cache is at its bound.
func (r *AuthResolver) store(key, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cache) >= maxAuthCacheEntries {
		r.evictOldestLocked()
	}
	r.cache[key] = cachedToken{token: token, expiresAt: time.Now().Add(4 * time.Minute)}
}

func (r *AuthResolver) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, v := range r.cache {
		if oldestKey == "" || v.expiresAt.Before(oldestAt) {
			oldestKey, oldestAt = k, v.expiresAt
		}
	}
	if oldestKey != "" {
		delete(r.cache, oldestKey)
	}
}

