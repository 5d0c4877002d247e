// Package secrets is a thin façade over a dotenv-style file holding the
// current access, refresh, and identity tokens. It is the only writer of
// that file; environment variables always take precedence over the file
// on read.
package secrets

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Store reads and writes a flat KEY=VALUE file, overlaying it under the
// process environment.
type Store struct {
	path string
	mu   sync.Mutex

	// file holds the last-loaded file contents, environment takes
	// precedence over this on Get.
	file map[string]string
}

// New opens a Store backed by path. The file is loaded immediately so an
// initial Get does not require a prior Reload.
func New(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the value for key, preferring the process environment over
// the file, or (∅, false) if neither has it.
func (s *Store) Get(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.file[key]
	return v, ok
}

// Reload re-reads the backing file and overlays its values onto the
// process environment, without clobbering values already set there.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := godotenv.Read(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.file = map[string]string{}
			return nil
		}
		return err
	}
	s.file = values

	for k, v := range values {
		if _, present := os.LookupEnv(k); !present {
			os.Setenv(k, v)
		}
	}
	return nil
}

// Set writes key=value into the backing file, preserving every other
// line (including comments and blank lines) verbatim, and updates the
// process environment and in-memory cache. The write is atomic: a temp
// file in the same directory is written, fsynced, then renamed over the
// target, so a concurrent reader never observes a partial line.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := readLines(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	lines, wrote := upsertLine(lines, key, value)
	if !wrote {
		lines = append(lines, key+"="+value)
	}

	if err := atomicWrite(s.path, lines); err != nil {
		return err
	}

	if s.file == nil {
		s.file = map[string]string{}
	}
	s.file[key] = value
	os.Setenv(key, value)
	return nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// upsertLine replaces the first "KEY=..." line matching key with
// "key=value", leaving every other line (comments included) untouched.
// Returns wrote=true if a replacement happened.
func upsertLine(lines []string, key, value string) (out []string, wrote bool) {
	prefix := key + "="
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, prefix) {
			lines[i] = key + "=" + value
			return lines, true
		}
	}
	return lines, false
}

func atomicWrite(path string, lines []string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".secrets-"+uuid.NewString()+".tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, path)
}
