// Package accountregistry loads and saves the flat JSON accounts file and
// implements the first-match account selection policy.
package accountregistry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Status is one of the four enumerated account states.
type Status string

const (
	Available      Status = "available"
	QuotaExhausted Status = "quota_exhausted"
	RefreshFailed  Status = "refresh_failed"
	InvalidToken   Status = "invalid_token"
)

func validStatus(s Status) bool {
	switch s {
	case Available, QuotaExhausted, RefreshFailed, InvalidToken:
		return true
	default:
		return false
	}
}

// Account is one element of the registry's JSON array. ProxyURL, when
// non-empty, is a scheme://[user:pass@]host:port URL (see
// wtransport.ParseProxyConfig) routing this account's outbound calls
// through a dedicated egress proxy instead of a direct connection.
type Account struct {
	Email         string     `json:"email"`
	RefreshToken  string     `json:"refresh_token"`
	Status        Status     `json:"status"`
	ProxyURL      string     `json:"proxy_url,omitempty"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	LastRefreshAt *time.Time `json:"last_refresh_at,omitempty"`
}

// Registry is a JSON-file-backed, mutex-serialized account store.
type Registry struct {
	path string
	mu   sync.Mutex
	log  *slog.Logger
}

// New returns a Registry for the given file path. log may be nil, in
// which case slog.Default() is used.
func New(path string, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{path: path, log: log}
}

// Load reads the accounts file, returning an empty slice if it does not
// exist. Any account missing a status is materialized as Available and
// the file is rewritten so the normalization is durable.
func (r *Registry) Load() ([]Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

func (r *Registry) loadLocked() ([]Account, error) {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Account{}, nil
		}
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	var accounts []Account
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}

	normalized := false
	for i := range accounts {
		if accounts[i].Status == "" {
			accounts[i].Status = Available
			normalized = true
		}
	}

	if normalized {
		if err := r.saveLocked(accounts); err != nil {
			return nil, err
		}
	}

	return accounts, nil
}

// Save writes accounts to the file atomically, creating the parent
// directory if needed.
func (r *Registry) Save(accounts []Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked(accounts)
}

func (r *Registry) saveLocked(accounts []Account) error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create accounts dir: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(accounts); err != nil {
		return fmt.Errorf("encode accounts: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write accounts temp file: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("rename accounts file: %w", err)
	}
	return nil
}

// PickAvailable returns the first account with a non-empty refresh token
// and Available status, or (nil, false) if none qualifies. On a hit it
// stamps and persists LastUsedAt before returning. On a miss it logs a
// count breakdown by status.
func (r *Registry) PickAvailable() (*Account, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	accounts, err := r.loadLocked()
	if err != nil {
		return nil, false, err
	}

	for i := range accounts {
		if accounts[i].RefreshToken != "" && accounts[i].Status == Available {
			now := time.Now().UTC()
			accounts[i].LastUsedAt = &now
			if err := r.saveLocked(accounts); err != nil {
				return nil, false, err
			}
			acct := accounts[i]
			return &acct, true, nil
		}
	}

	counts := map[Status]int{}
	for _, a := range accounts {
		counts[a.Status]++
	}
	r.log.Warn("no available account found",
		"total", len(accounts),
		"available", counts[Available],
		"quota_exhausted", counts[QuotaExhausted],
		"refresh_failed", counts[RefreshFailed],
		"invalid_token", counts[InvalidToken],
	)
	return nil, false, nil
}

// SetStatus mutates the first account whose email matches, persisting the
// change. It returns an error, without reading or writing the file, if
// status is not one of the four enumerated values, and is a no-op (with a
// warning logged) if no account matches.
func (r *Registry) SetStatus(email string, status Status) error {
	if !validStatus(status) {
		return fmt.Errorf("set_status: invalid status %q", status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	accounts, err := r.loadLocked()
	if err != nil {
		return err
	}

	found := false
	for i := range accounts {
		if accounts[i].Email == email {
			accounts[i].Status = status
			if status == Available {
				now := time.Now().UTC()
				accounts[i].LastRefreshAt = &now
			}
			found = true
			break
		}
	}

	if !found {
		r.log.Warn("set_status: account not found", "email", email)
		return nil
	}

	return r.saveLocked(accounts)
}

// MarkCurrentExhausted locates the account whose refresh token equals
// currentRefresh and sets it to QuotaExhausted.
func (r *Registry) MarkCurrentExhausted(currentRefresh string) error {
	if currentRefresh == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	accounts, err := r.loadLocked()
	if err != nil {
		return err
	}

	found := false
	for i := range accounts {
		if accounts[i].RefreshToken == currentRefresh {
			accounts[i].Status = QuotaExhausted
			found = true
			break
		}
	}

	if !found {
		r.log.Warn("mark_current_exhausted: no matching account")
		return nil
	}

	return r.saveLocked(accounts)
}
