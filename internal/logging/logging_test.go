package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFactoryWritesPrefixedLinesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "clinicsync.log")
	f := NewFactory(Config{File: path, Quiet: true})

	f.New("sync").Printf("Starting sync with %s", "https://clinic.example")
	f.New("daemon").Println("Daemon stopped")
	if err := f.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %q", len(lines), data)
	}
	if !strings.HasPrefix(lines[0], "[sync] ") || !strings.Contains(lines[0], "Starting sync with https://clinic.example") {
		t.Errorf("unexpected first line: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "[daemon] ") {
		t.Errorf("unexpected second line: %q", lines[1])
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	f := NewFactory(DefaultConfig())
	if err := f.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}
}

func TestDiscard(t *testing.T) {
	Discard().Printf("dropped %d", 1)
}
