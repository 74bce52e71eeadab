package dockerapi

import (
	"context"
	"fmt"
	"sync"
)

// HostConn describes how to reach one registered host (spec §3 Host entity,
// trimmed to what a pool needs to dial a client).
type HostConn struct {
	HostID       string
	TransportURL string // unix://, tcp://, or agent:// placeholder
	TLSCA        string
	TLSCert      string
	TLSKey       string
}

// Pool is the per-host client cache (C2): one Docker/Podman API client per
// registered local/tls-remote host, lazily dialed and kept until the host is
// dropped or its TLS material changes. Hosts of connection-type "agent"
// are routed through internal/agentserver instead; Get does not check the
// connection type, so callers skip agent hosts before calling it.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates an empty host client pool.
func NewPool() *Pool {
	return &Pool{clients: make(map[string]*Client)}
}

// Get returns the cached client for conn.HostID, creating one with NewClient
// (using conn's TLS material when all three paths are set) if absent.
func (p *Pool) Get(conn HostConn) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[conn.HostID]; ok {
		return c, nil
	}

	var tlsCfg *TLSConfig
	if conn.TLSCA != "" && conn.TLSCert != "" && conn.TLSKey != "" {
		tlsCfg = &TLSConfig{CACert: conn.TLSCA, ClientCert: conn.TLSCert, ClientKey: conn.TLSKey}
	}

	c, err := NewClient(socketFromURL(conn.TransportURL), tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("dial host %s: %w", conn.HostID, err)
	}
	p.clients[conn.HostID] = c
	return c, nil
}

// socketFromURL strips a "unix://" prefix (NewClient's local-socket branch
// expects a bare path) while leaving tcp:// URLs untouched.
func socketFromURL(url string) string {
	const unixPrefix = "unix://"
	if len(url) > len(unixPrefix) && url[:len(unixPrefix)] == unixPrefix {
		return url[len(unixPrefix):]
	}
	return url
}

// Evict closes and removes the cached client for hostID, forcing the next
// Get to redial — used when a host's TLS material is rotated or the host is
// deleted.
func (p *Pool) Evict(hostID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[hostID]; ok {
		_ = c.Close()
		delete(p.clients, hostID)
	}
}

// Ping verifies a host is reachable, used by discovery's reconnect check.
func (p *Pool) Ping(ctx context.Context, conn HostConn) error {
	c, err := p.Get(conn)
	if err != nil {
		return err
	}
	return c.Ping(ctx)
}

// Close closes every cached client, used on daemon shutdown.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for id, c := range p.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.clients, id)
	}
	return firstErr
}
