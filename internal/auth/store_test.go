// ABOUTME: Tests for the credential file store: load, env precedence, persistence, permissions
// ABOUTME: Tests that touch SRC_* env vars use t.Setenv and so do not run in parallel

package auth

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCreds(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileStoreMissingFile(t *testing.T) {
	t.Setenv(EnvAccessToken, "")
	t.Setenv(EnvEndpoint, "")

	s, err := NewFileStore(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.AccessToken(); ok {
		t.Error("AccessToken ok with no credentials")
	}
	if got := s.Endpoint(); got != DefaultEndpoint {
		t.Errorf("Endpoint() = %q; want %q", got, DefaultEndpoint)
	}
	if got := s.Source(); got != SourceNone {
		t.Errorf("Source() = %q; want %q", got, SourceNone)
	}
}

func TestFileStoreLoadsFile(t *testing.T) {
	t.Setenv(EnvAccessToken, "")
	t.Setenv(EnvEndpoint, "")

	path := writeCreds(t, `{"endpoint":"https://sg.example.com/","token":"sgp_file"}`)
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if tok, _ := s.AccessToken(); tok != "sgp_file" {
		t.Errorf("AccessToken() = %q; want sgp_file", tok)
	}
	if got := s.Endpoint(); got != "https://sg.example.com" {
		t.Errorf("Endpoint() = %q; want trailing slash trimmed", got)
	}
	if got := s.Source(); got != SourceFile {
		t.Errorf("Source() = %q; want %q", got, SourceFile)
	}
}

func TestFileStoreEnvWins(t *testing.T) {
	t.Setenv(EnvAccessToken, "sgp_env")
	t.Setenv(EnvEndpoint, "https://env.example.com")

	path := writeCreds(t, `{"endpoint":"https://sg.example.com","token":"sgp_file"}`)
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if tok, _ := s.AccessToken(); tok != "sgp_env" {
		t.Errorf("AccessToken() = %q; want sgp_env", tok)
	}
	if got := s.Endpoint(); got != "https://env.example.com" {
		t.Errorf("Endpoint() = %q", got)
	}
	if got := s.Source(); got != SourceEnv {
		t.Errorf("Source() = %q; want %q", got, SourceEnv)
	}
}

func TestFileStoreSetCredentials(t *testing.T) {
	t.Setenv(EnvAccessToken, "sgp_env")
	t.Setenv(EnvEndpoint, "")

	path := filepath.Join(t.TempDir(), "nested", "credentials.json")
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetCredentials(Credentials{Endpoint: "https://new.example.com/", Token: "sgp_new"}); err != nil {
		t.Fatal(err)
	}
	if tok, _ := s.AccessToken(); tok != "sgp_new" {
		t.Errorf("AccessToken() = %q; want set value to replace env", tok)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file perm = %o; want 600", perm)
	}

	t.Setenv(EnvAccessToken, "")
	reloaded, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if tok, _ := reloaded.AccessToken(); tok != "sgp_new" {
		t.Errorf("reloaded token = %q; want sgp_new", tok)
	}
	if got := reloaded.Endpoint(); got != "https://new.example.com" {
		t.Errorf("reloaded endpoint = %q", got)
	}

	// An empty endpoint keeps the current one.
	if err := reloaded.SetCredentials(Credentials{Token: "sgp_rotated"}); err != nil {
		t.Fatal(err)
	}
	if got := reloaded.Endpoint(); got != "https://new.example.com" {
		t.Errorf("endpoint after token-only set = %q", got)
	}
}

func TestFileStoreClear(t *testing.T) {
	t.Setenv(EnvAccessToken, "")
	t.Setenv(EnvEndpoint, "")

	path := writeCreds(t, `{"token":"sgp_file"}`)
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.AccessToken(); ok {
		t.Error("token survived Clear")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("credentials file still present: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Errorf("second Clear() = %v", err)
	}
}

func TestFileStoreBadJSON(t *testing.T) {
	t.Setenv(EnvAccessToken, "")

	if _, err := NewFileStore(writeCreds(t, `{not json`)); err == nil {
		t.Error("NewFileStore accepted malformed file")
	}
}
