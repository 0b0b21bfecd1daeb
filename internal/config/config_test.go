package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/pointcare/clinicsync/internal/clinic/db"
	"github.com/pointcare/clinicsync/internal/clinic/merge"
	"github.com/pointcare/clinicsync/internal/clinic/remote/server"
)

// isolate points HOME at an empty directory so a developer's own config
// never leaks into a test.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestLoadDefaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.File() != "" {
		t.Errorf("expected no config file, got %s", cfg.File())
	}
	if want := filepath.Join(home, DirName, "clinic.db"); cfg.Database.Path != want {
		t.Errorf("database.path = %s, want %s", cfg.Database.Path, want)
	}
	if cfg.Sync.Interval != 5*time.Minute {
		t.Errorf("sync.interval = %v, want 5m", cfg.Sync.Interval)
	}
	if _, ok := cfg.Policy().(merge.LastWriterWins); !ok {
		t.Errorf("default policy = %T, want LastWriterWins", cfg.Policy())
	}
	if cfg.DBConfig().VisitDeletion != db.DeleteCascade {
		t.Errorf("default visit deletion = %s", cfg.DBConfig().VisitDeletion)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	home := isolate(t)
	writeFile(t, filepath.Join(home, DirName, "config.yaml"), `
sync:
  instance_url: https://clinic.example
  email: amal@clinic.example
  interval: 30s
  conflict_policy: server-wins
store:
  visit_deletion: orphan
  language: ar
server:
  jwt_secret: s3cret
  users:
    - email: amal@clinic.example
      password: pw
      name: Amal
      role: admin
`)
	t.Setenv("CLINICSYNC_SYNC_INSTANCE_URL", "https://override.example")
	t.Setenv("CLINICSYNC_SYNC_BATCH_SIZE", "25")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if !strings.HasSuffix(cfg.File(), "config.yaml") {
		t.Errorf("config file = %q", cfg.File())
	}
	if cfg.Sync.InstanceURL != "https://override.example" {
		t.Errorf("env did not override instance_url: %s", cfg.Sync.InstanceURL)
	}
	if cfg.Sync.BatchSize != 25 {
		t.Errorf("sync.batch_size = %d, want 25", cfg.Sync.BatchSize)
	}
	if cfg.Sync.Email != "amal@clinic.example" || cfg.Sync.Interval != 30*time.Second {
		t.Errorf("file values not loaded: %+v", cfg.Sync)
	}
	if _, ok := cfg.Policy().(merge.ServerWins); !ok {
		t.Errorf("policy = %T, want ServerWins", cfg.Policy())
	}
	if cfg.DBConfig().VisitDeletion != db.DeleteOrphan {
		t.Errorf("visit deletion = %s, want orphan", cfg.DBConfig().VisitDeletion)
	}

	want := []server.Account{{Email: "amal@clinic.example", Password: "pw", Name: "Amal", Role: "admin"}}
	if diff := cmp.Diff(want, cfg.Server.Users); diff != "" {
		t.Errorf("server.users mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadExplicitPathMustExist(t *testing.T) {
	isolate(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"policy", "CLINICSYNC_SYNC_CONFLICT_POLICY", "newest"},
		{"visit deletion", "CLINICSYNC_STORE_VISIT_DELETION", "purge"},
		{"language", "CLINICSYNC_STORE_LANGUAGE", "EN"},
		{"batch size", "CLINICSYNC_SYNC_BATCH_SIZE", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			t.Setenv(tt.env, tt.val)
			if _, err := Load(""); err == nil {
				t.Errorf("expected error for %s=%s", tt.env, tt.val)
			}
		})
	}
}

func TestWriteRoundTrip(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")

	cfg := Default()
	cfg.Sync.InstanceURL = "https://clinic.example"
	cfg.Sync.Interval = 90 * time.Second
	cfg.Server.Users = []server.Account{{Email: "nour@clinic.example", Password: "pw"}}
	if err := cfg.Write(path, false); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if err := cfg.Write(path, false); err == nil {
		t.Error("expected Write() to refuse overwriting without force")
	}
	if err := cfg.Write(path, true); err != nil {
		t.Fatalf("Write(force) failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config mode = %o, want 600", perm)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if loaded.File() != path {
		t.Errorf("File() = %s, want %s", loaded.File(), path)
	}
	loaded.file = ""
	if diff := cmp.Diff(cfg, loaded, cmp.AllowUnexported(Config{})); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteTOML(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.Sync.Email = "amal@clinic.example"
	cfg.Sync.ConflictPolicy = merge.PolicyStrict
	cfg.Server.TokenTTL = 2 * time.Hour
	cfg.Server.Users = []server.Account{{Email: "amal@clinic.example", Password: "pw", Name: "Amal", Role: "admin"}}
	if err := cfg.Write(path, false); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if !strings.Contains(string(data), "[sync]") || !strings.Contains(string(data), "[[server.users]]") {
		t.Errorf("expected TOML tables, got:\n%s", data)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if _, ok := loaded.Policy().(merge.Strict); !ok {
		t.Errorf("policy = %T, want Strict", loaded.Policy())
	}
	if loaded.Server.TokenTTL != 2*time.Hour || loaded.Sync.Interval != 5*time.Minute {
		t.Errorf("durations not preserved: ttl=%v interval=%v", loaded.Server.TokenTTL, loaded.Sync.Interval)
	}
	if diff := cmp.Diff(cfg.Server.Users, loaded.Server.Users); diff != "" {
		t.Errorf("server.users mismatch (-want +got):\n%s", diff)
	}
}
