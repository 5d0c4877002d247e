package wtransport

import (
	"fmt"
	"net/url"
	"strconv"
)

// ParseProxyConfig parses a scheme://[user:pass@]host:port URL (as stored
// on an account's ProxyURL field) into a ProxyConfig. Supported schemes are
// socks5, http, and https; https is treated as an HTTP CONNECT proxy same
// as http, the TLS fingerprinting happens on the tunneled connection either
// way.
func ParseProxyConfig(raw string) (*ProxyConfig, error) {
	if raw == "" {
		return nil, fmt.Errorf("parse proxy config: empty URL")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy config: %w", err)
	}

	typ := u.Scheme
	switch typ {
	case "socks5", "http", "https":
	default:
		return nil, fmt.Errorf("parse proxy config: unsupported scheme %q", u.Scheme)
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("parse proxy config: missing host")
	}
	if u.Port() == "" {
		return nil, fmt.Errorf("parse proxy config: missing port")
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return nil, fmt.Errorf("parse proxy config: invalid port %q", u.Port())
	}

	cfg := &ProxyConfig{
		Type: typ,
		Host: u.Hostname(),
		Port: port,
	}
	if u.User != nil {
		cfg.Username = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}
	return cfg, nil
}
