package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/pointcare/clinicsync/internal/clinic"
	"github.com/pointcare/clinicsync/internal/clinic/db"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
	"github.com/pointcare/clinicsync/internal/clinic/sync"
)

// countingSyncer records calls and returns queued results.
type countingSyncer struct {
	mu      gosync.Mutex
	calls   int
	results []sync.Result
	onSync  func(ctx context.Context)
}

func (s *countingSyncer) PerformSync(ctx context.Context, instanceURL, email, password string) sync.Result {
	s.mu.Lock()
	s.calls++
	onSync := s.onSync
	result := sync.Result{Success: true, Stage: sync.StateCommitting}
	if len(s.results) > 0 {
		result = s.results[0]
		s.results = s.results[1:]
	}
	s.mu.Unlock()

	if onSync != nil {
		onSync(ctx)
	}
	return result
}

func (s *countingSyncer) State(string) sync.State { return sync.StateIdle }

func (s *countingSyncer) LastResult(string) (sync.Result, bool) { return sync.Result{}, false }

func (s *countingSyncer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "clinic.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func testConfig() *Config {
	return &Config{
		InstanceURL:      "https://clinic.test",
		Email:            "dr@clinic.test",
		Password:         "pw",
		Interval:         time.Hour,
		DebounceInterval: 20 * time.Millisecond,
		RetryDelay:       20 * time.Millisecond,
		Watch:            false,
		Logger:           log.New(io.Discard, "", 0),
	}
}

// startDaemon runs d until the test ends.
func startDaemon(t *testing.T, d *Daemon) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run() did not return after cancel")
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewValidation(t *testing.T) {
	database := setupTestDB(t)
	syncer := &countingSyncer{}

	if _, err := NewWithConfig(nil, syncer, testConfig()); err == nil {
		t.Error("expected error for nil db")
	}
	if _, err := NewWithConfig(database, nil, testConfig()); err == nil {
		t.Error("expected error for nil syncer")
	}
	if _, err := New(database, syncer, "", "", ""); err == nil {
		t.Error("expected error for empty instance url")
	}
}

func TestSyncsAtStartupAndOnDemand(t *testing.T) {
	syncer := &countingSyncer{}
	d, err := NewWithConfig(setupTestDB(t), syncer, testConfig())
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	startDaemon(t, d)

	waitFor(t, "startup sync", func() bool { return syncer.count() == 1 })
	d.SyncNow()
	waitFor(t, "manual sync", func() bool { return syncer.count() == 2 })
}

func TestRetriesRetryableFailures(t *testing.T) {
	syncer := &countingSyncer{results: []sync.Result{
		{Stage: sync.StatePulling, Cause: clinic.Network("pull changes", errors.New("timeout"))},
		{Stage: sync.StatePulling, Cause: clinic.Network("pull changes", errors.New("timeout"))},
	}}
	d, err := NewWithConfig(setupTestDB(t), syncer, testConfig())
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	startDaemon(t, d)

	// Two failures, then the retry that succeeds.
	waitFor(t, "retries", func() bool { return syncer.count() == 3 })
	time.Sleep(100 * time.Millisecond)
	if n := syncer.count(); n != 3 {
		t.Errorf("syncs = %d after success, want 3", n)
	}
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	syncer := &countingSyncer{results: []sync.Result{
		{Stage: sync.StateAuthenticating, Cause: clinic.Auth("invalid email or password", nil)},
	}}
	d, err := NewWithConfig(setupTestDB(t), syncer, testConfig())
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	startDaemon(t, d)

	waitFor(t, "startup sync", func() bool { return syncer.count() == 1 })
	time.Sleep(100 * time.Millisecond)
	if n := syncer.count(); n != 1 {
		t.Errorf("syncs = %d, want 1", n)
	}
}

func TestSyncsAfterLocalWrite(t *testing.T) {
	database := setupTestDB(t)
	syncer := &countingSyncer{}
	cfg := testConfig()
	cfg.Watch = true
	d, err := NewWithConfig(database, syncer, cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	startDaemon(t, d)
	waitFor(t, "startup sync", func() bool { return syncer.count() == 1 })

	_, err = database.AddPatient(context.Background(), &schema.Patient{
		GivenName:   schema.Text(schema.LanguageEnglish, "Karim"),
		Surname:     schema.Text(schema.LanguageEnglish, "Fares"),
		DateOfBirth: "1979-03-03",
		Sex:         schema.SexMale,
	})
	if err != nil {
		t.Fatalf("AddPatient() failed: %v", err)
	}
	waitFor(t, "sync after local write", func() bool { return syncer.count() >= 2 })
}

func TestRunStopsOnCancel(t *testing.T) {
	syncer := &countingSyncer{}
	syncer.onSync = func(ctx context.Context) { <-ctx.Done() }
	d, err := NewWithConfig(setupTestDB(t), syncer, testConfig())
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, "startup sync", func() bool { return syncer.count() == 1 })
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
