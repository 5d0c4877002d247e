// Package wtransport builds HTTP clients for outbound calls to the Warp
// backend, optionally tunneled through a per-account proxy and always
// using a Chrome TLS fingerprint so the traffic resembles the real Warp
// desktop client.
package wtransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

// ProxyConfig describes an optional per-account egress proxy.
type ProxyConfig struct {
	Type     string // "socks5", "http", "https"
	Host     string
	Port     int
	Username string
	Password string
}

// CallTimeout is the fixed per-request timeout every outbound call uses.
const CallTimeout = 30 * time.Second

type poolEntry struct {
	client   *http.Client
	lastUsed time.Time
}

// Manager pools *http.Client instances keyed by proxy configuration so
// repeated calls against the same account reuse connections.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
}

// NewManager returns an empty transport pool.
func NewManager() *Manager {
	return &Manager{entries: make(map[string]*poolEntry)}
}

// Client returns a pooled *http.Client for proxy (nil for a direct
// connection), building one on first use.
func (m *Manager) Client(proxy *ProxyConfig) *http.Client {
	key := transportKey(proxy)

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok {
		entry.lastUsed = time.Now()
		return entry.client
	}

	client := &http.Client{
		Transport: buildRoundTripper(proxy),
		Timeout:   CallTimeout,
	}
	m.entries[key] = &poolEntry{client: client, lastUsed: time.Now()}
	return client
}

// RunCleanup periodically closes idle connections for pool entries
// untouched for longer than idleTimeout, until ctx is done.
func (m *Manager) RunCleanup(ctx context.Context, interval, idleTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(idleTimeout)
		}
	}
}

func (m *Manager) cleanup(idleTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	for key, entry := range m.entries {
		if entry.lastUsed.Before(cutoff) {
			if rt, ok := entry.client.Transport.(interface{ CloseIdleConnections() }); ok {
				rt.CloseIdleConnections()
			}
			delete(m.entries, key)
		}
	}
}

// Close releases every pooled connection.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.entries {
		if rt, ok := entry.client.Transport.(interface{ CloseIdleConnections() }); ok {
			rt.CloseIdleConnections()
		}
		delete(m.entries, key)
	}
}

func transportKey(proxy *ProxyConfig) string {
	if proxy == nil {
		return "direct"
	}
	return fmt.Sprintf("%s://%s:%d", proxy.Type, proxy.Host, proxy.Port)
}

func buildRoundTripper(proxy *ProxyConfig) http.RoundTripper {
	if proxy == nil {
		return &http2.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dialUTLS(ctx, network, addr)
			},
		}
	}

	return &http.Transport{
		DialTLSContext: proxyDialer(proxy),
	}
}

// dialUTLS establishes a direct TLS connection with a Chrome fingerprint.
func dialUTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	return uTLSHandshake(ctx, rawConn, host)
}

func uTLSHandshake(ctx context.Context, rawConn net.Conn, serverName string) (net.Conn, error) {
	tlsConn := utls.UClient(rawConn, &utls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}, utls.HelloChrome_Auto)

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}
