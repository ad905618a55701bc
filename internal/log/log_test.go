// ABOUTME: Tests for the logging package
// ABOUTME: Validates level filtering, output redirection, and the line writer

package log

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// captureOutput redirects logging into a buffer for the duration of a test.
// Tests using it share global state and must not run in parallel.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	saved := GetLevel()
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(saved)
	})
	return &buf
}

func TestSetLevel(t *testing.T) {
	saved := GetLevel()
	defer SetLevel(saved)

	SetLevel(LevelDebug)
	if GetLevel() != LevelDebug {
		t.Errorf("expected LevelDebug, got %v", GetLevel())
	}

	SetLevel(LevelError)
	if GetLevel() != LevelError {
		t.Errorf("expected LevelError, got %v", GetLevel())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{" warn ", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v; wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
}

func TestDebugSuppressedAtInfoLevel(t *testing.T) {
	buf := captureOutput(t)
	SetLevel(LevelInfo)

	Debug("this should be suppressed: %s", "test")
	Info("visible %d", 1)

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Errorf("debug message emitted at info level: %q", out)
	}
	if !strings.Contains(out, "visible 1") {
		t.Errorf("info message missing: %q", out)
	}
}

func TestAllLevels(t *testing.T) {
	buf := captureOutput(t)
	SetLevel(LevelDebug)

	Debug("debug: %d", 1)
	Info("info: %d", 2)
	Warn("warn: %d", 3)
	Error("error: %d", 4)

	out := buf.String()
	for _, want := range []string{"level=DEBUG", "level=INFO", "level=WARN", "level=ERROR", "error: 4"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriterSplitsLines(t *testing.T) {
	buf := captureOutput(t)
	SetLevel(LevelDebug)

	w := Writer(LevelWarn, "agent")
	_, _ = w.Write([]byte("first line\nsecond "))
	_, _ = w.Write([]byte("line\r\npartial"))
	if strings.Contains(buf.String(), "partial") {
		t.Error("partial line flushed before Close")
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, want := range []string{`msg="first line"`, `msg="second line"`, "msg=partial", "source=agent", "level=WARN"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestOpenFile(t *testing.T) {
	saved := GetLevel()
	defer SetLevel(saved)
	defer SetOutput(os.Stderr)

	path := filepath.Join(t.TempDir(), "nested", "agent.log")
	f, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	SetLevel(LevelInfo)
	Info("hello file")
	SetOutput(os.Stderr)
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hello file") {
		t.Errorf("log file content = %q", data)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("log file perm = %o; want 600", perm)
	}
}
