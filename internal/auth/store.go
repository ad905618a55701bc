// ABOUTME: Credential storage for the Sourcegraph endpoint and access token
// ABOUTME: Reads/writes ~/.sg-nvim/credentials.json with 0600 permissions; env vars win at startup

package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Environment variables consulted when the store is opened.
const (
	EnvAccessToken = "SRC_ACCESS_TOKEN"
	EnvEndpoint    = "SRC_ENDPOINT"
)

// DefaultEndpoint is used when neither the environment nor the file names one.
const DefaultEndpoint = "https://sourcegraph.com"

// Credentials are the instance URL and access token.
type Credentials struct {
	Endpoint string `json:"endpoint,omitempty"`
	Token    string `json:"token,omitempty"`
}

// Credential sources reported by FileStore.Source.
const (
	SourceNone = "none"
	SourceEnv  = "env"
	SourceFile = "file"
	SourceSet  = "set"
)

// Store provides credentials to the GraphQL client and accepts new ones
// from the token flow.
type Store interface {
	Endpoint() string
	AccessToken() (string, bool)
	SetCredentials(Credentials) error
}

// FileStore keeps credentials in memory and persists them to a JSON file.
type FileStore struct {
	path string

	mu     sync.RWMutex
	creds  Credentials
	source string
}

// NewFileStore loads path (a missing file is not an error) and then applies
// SRC_ENDPOINT and SRC_ACCESS_TOKEN over it. Later SetCredentials calls
// replace both.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, source: SourceNone}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading credentials file: %w", err)
	default:
		if err := json.Unmarshal(data, &s.creds); err != nil {
			return nil, fmt.Errorf("parsing credentials file %s: %w", path, err)
		}
		if s.creds.Token != "" {
			s.source = SourceFile
		}
	}

	if v := os.Getenv(EnvEndpoint); v != "" {
		s.creds.Endpoint = v
	}
	if v := os.Getenv(EnvAccessToken); v != "" {
		s.creds.Token = v
		s.source = SourceEnv
	}
	return s, nil
}

// Path returns the credentials file location.
func (s *FileStore) Path() string { return s.path }

// Endpoint returns the instance URL without a trailing slash.
func (s *FileStore) Endpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return normalizeEndpoint(s.creds.Endpoint)
}

// AccessToken returns the token, if one is known.
func (s *FileStore) AccessToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.Token, s.creds.Token != ""
}

// Source reports where the current token came from.
func (s *FileStore) Source() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source
}

// SetCredentials replaces the in-memory credentials and writes them to disk.
// An empty endpoint keeps the current one.
func (s *FileStore) SetCredentials(c Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Endpoint == "" {
		c.Endpoint = s.creds.Endpoint
	}
	c.Endpoint = normalizeEndpoint(c.Endpoint)

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing credentials file: %w", err)
	}
	s.creds = c
	s.source = SourceSet
	return nil
}

// Clear forgets the stored token and removes the credentials file.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing credentials file: %w", err)
	}
	s.creds.Token = ""
	s.source = SourceNone
	return nil
}

func normalizeEndpoint(e string) string {
	e = strings.TrimRight(strings.TrimSpace(e), "/")
	if e == "" {
		return DefaultEndpoint
	}
	return e
}
