// Package tlscert manages the daemon's own self-signed serving certificate:
// generation on first run and scheduled rotation ahead of expiry (spec.md's
// external-interfaces requirement that the daemon serve its API over TLS).
//
// Grounded on the teacher's internal/cluster/ca.go — the same ECDSA P-256,
// self-signed-with-backdated-NotBefore construction, repurposed from an mTLS
// certificate authority issuing agent/server certs to a single serving
// certificate the daemon rotates on its own schedule (C11).
package tlscert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
)

// Manager owns the daemon's serving certificate on disk and rotates it
// ahead of expiry.
type Manager struct {
	dir        string
	renewAhead time.Duration
	validity   time.Duration
	clock      clock.Clock

	mu   sync.Mutex
	cert tls.Certificate
	leaf *x509.Certificate
}

// NewManager creates a Manager rooted at dir (Ensure creates it with 0700 perms).
func NewManager(dir string, renewAhead, validity time.Duration, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{dir: dir, renewAhead: renewAhead, validity: validity, clock: clk}
}

func (m *Manager) certPath() string { return filepath.Join(m.dir, "server.pem") }
func (m *Manager) keyPath() string  { return filepath.Join(m.dir, "server-key.pem") }

// Ensure loads the existing serving certificate, generating one if absent or
// unparsable, and returns it ready for tls.Config.Certificates.
func (m *Manager) Ensure() (tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return tls.Certificate{}, fmt.Errorf("create cert dir: %w", err)
	}

	if cert, leaf, err := m.load(); err == nil {
		m.cert, m.leaf = cert, leaf
		return cert, nil
	}

	return m.regenerateLocked()
}

// NeedsRotation reports whether the current certificate is within
// renewAhead of expiry.
func (m *Manager) NeedsRotation() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leaf == nil {
		return true
	}
	return m.leaf.NotAfter.Sub(m.clock.Now()) < m.renewAhead
}

// Rotate regenerates the serving certificate unconditionally and persists it.
func (m *Manager) Rotate() (tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regenerateLocked()
}

// RotateIfNeeded regenerates the certificate only if it's within the renewal
// window, returning rotated=false when nothing was done. Intended for C11's daily
// maintenance tick.
func (m *Manager) RotateIfNeeded() (rotated bool, err error) {
	if !m.NeedsRotation() {
		return false, nil
	}
	if _, err := m.Rotate(); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) load() (tls.Certificate, *x509.Certificate, error) {
	certPEM, err := os.ReadFile(m.certPath())
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	keyPEM, err := os.ReadFile(m.keyPath())
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("parse cert/key pair: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("parse leaf: %w", err)
	}
	cert.Leaf = leaf
	return cert, leaf, nil
}

func (m *Manager) regenerateLocked() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}

	now := m.clock.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "dockmond"},
		NotBefore:    now.Add(-1 * time.Hour),
		NotAfter:     now.Add(m.validity),

		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,

		DNSNames:    []string{"localhost"},
		IPAddresses: privateIPs(),
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create cert: %w", err)
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse generated cert: %w", err)
	}

	certPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("marshal key: %w", err)
	}
	keyPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(m.certPath(), certPEMBytes, 0644); err != nil {
		return tls.Certificate{}, fmt.Errorf("write cert: %w", err)
	}
	if err := os.WriteFile(m.keyPath(), keyPEMBytes, 0600); err != nil {
		return tls.Certificate{}, fmt.Errorf("write key: %w", err)
	}

	cert, err := tls.X509KeyPair(certPEMBytes, keyPEMBytes)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load regenerated pair: %w", err)
	}
	cert.Leaf = leaf

	m.cert, m.leaf = cert, leaf
	return cert, nil
}

// privateIPs mirrors the teacher's cluster/ca.go SAN-gathering helper.
func privateIPs() []net.IP {
	ips := []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}
	seen := make(map[string]bool)
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || !ipNet.IP.IsPrivate() {
			continue
		}
		s := ipNet.IP.String()
		if seen[s] {
			continue
		}
		seen[s] = true
		ips = append(ips, ipNet.IP)
	}
	return ips
}
