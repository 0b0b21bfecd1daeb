package remote

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/pointcare/clinicsync/internal/clinic"
	"github.com/pointcare/clinicsync/internal/clinic/db"
	"github.com/pointcare/clinicsync/internal/clinic/remote/server"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
	"github.com/pointcare/clinicsync/internal/clinic/sync"
)

const (
	testEmail    = "nurse@clinic.test"
	testPassword = "correct horse"
)

// setupTestServer starts a reference instance with one account.
func setupTestServer(t *testing.T) (*server.Server, *httptest.Server) {
	t.Helper()

	srv, err := server.New(&server.Config{
		JWTSecret: "test-secret",
		Accounts: []server.Account{
			{Email: testEmail, Password: testPassword, Name: "Nour", Role: schema.RoleProvider},
		},
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("server.New() failed: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func setupTestDB(t *testing.T, name string) *db.DB {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), name+".db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func TestAuthenticate(t *testing.T) {
	_, ts := setupTestServer(t)
	client := NewClient(ts.Client())
	ctx := context.Background()

	session, err := client.Authenticate(ctx, ts.URL+"/", testEmail, testPassword)
	if err != nil {
		t.Fatalf("Authenticate() failed: %v", err)
	}
	if session.Token == "" || session.InstanceURL != ts.URL {
		t.Errorf("session = %+v", session)
	}
	if session.User.Email != testEmail || session.User.Role != schema.RoleProvider {
		t.Errorf("session user = %+v", session.User)
	}

	tests := []struct {
		name     string
		url      string
		password string
	}{
		{"wrong password", ts.URL, "nope"},
		{"bad scheme", "ftp://clinic.test", testPassword},
		{"unreachable host", "http://127.0.0.1:1", testPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Authenticate(ctx, tt.url, testEmail, tt.password)
			if !errors.Is(err, clinic.ErrAuth) {
				t.Errorf("Authenticate() error = %v, want ErrAuth", err)
			}
		})
	}
}

func TestPullAndPushRequireSession(t *testing.T) {
	_, ts := setupTestServer(t)
	client := NewClient(ts.Client())
	bogus := &sync.Session{InstanceURL: ts.URL, Token: "not-a-token"}

	_, err := client.Pull(context.Background(), bogus, schema.PullRequest{})
	if !errors.Is(err, clinic.ErrAuth) {
		t.Errorf("Pull() error = %v, want ErrAuth", err)
	}
	_, err = client.Push(context.Background(), bogus, schema.PushRequest{DeviceID: schema.NewID()})
	if !errors.Is(err, clinic.ErrAuth) {
		t.Errorf("Push() error = %v, want ErrAuth", err)
	}
}

func TestServerErrorsAreRetryable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"database unavailable"}`, http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	client := NewClient(ts.Client())
	_, err := client.Pull(context.Background(), &sync.Session{InstanceURL: ts.URL, Token: "t"}, schema.PullRequest{})
	if !errors.Is(err, clinic.ErrNetwork) || !clinic.IsRetryable(err) {
		t.Errorf("Pull() error = %v, want a retryable network error", err)
	}
}

func TestAuthenticateRejectsIncompatibleProtocol(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"token":"t","expires_at":"2030-01-01T00:00:00Z","protocol":"v2.0.0"}`)
	}))
	defer ts.Close()

	client := NewClient(ts.Client())
	_, err := client.Authenticate(context.Background(), ts.URL, testEmail, testPassword)
	if !errors.Is(err, clinic.ErrAuth) || !errors.Is(err, clinic.ErrValidation) {
		t.Errorf("Authenticate() error = %v, want an auth error for the protocol", err)
	}
}

func TestPushThenPull(t *testing.T) {
	srv, ts := setupTestServer(t)
	client := NewClient(ts.Client())
	ctx := context.Background()

	session, err := client.Authenticate(ctx, ts.URL, testEmail, testPassword)
	if err != nil {
		t.Fatalf("Authenticate() failed: %v", err)
	}

	rec := schema.NewRecord(schema.KindContent, schema.NewID())
	rec.Fields["en"] = schema.FieldValue{Value: "Bekaa", Version: 100}
	pusher, reader := schema.NewID(), schema.NewID()

	pushed, err := client.Push(ctx, session, schema.PushRequest{DeviceID: pusher, Records: []schema.Record{*rec}})
	if err != nil {
		t.Fatalf("Push() failed: %v", err)
	}
	if len(pushed.Acknowledged) != 1 || pushed.Acknowledged[0] != rec.Ref() {
		t.Errorf("Acknowledged = %v, want [%s]", pushed.Acknowledged, rec.Ref())
	}

	// The pusher does not get its own record back; another device does.
	own, err := client.Pull(ctx, session, schema.PullRequest{DeviceID: pusher, Since: pushed.Cursor - 1})
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if len(own.Records) != 0 {
		t.Errorf("pusher pulled %d records, want 0", len(own.Records))
	}
	other, err := client.Pull(ctx, session, schema.PullRequest{DeviceID: reader})
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	found := false
	for _, r := range other.Records {
		if r.ID == rec.ID && r.Fields["en"].Value == "Bekaa" {
			found = true
		}
	}
	if !found {
		t.Errorf("pulled records %v lack %s", other.Records, rec.Ref())
	}
	if other.Cursor != srv.Store().Cursor() {
		t.Errorf("Cursor = %d, want %d", other.Cursor, srv.Store().Cursor())
	}
}

// TestTwoDevicesConverge runs the full sync engine of two devices against
// one instance over HTTP.
func TestTwoDevicesConverge(t *testing.T) {
	_, ts := setupTestServer(t)
	ctx := context.Background()
	quiet := log.New(io.Discard, "", 0)

	deviceA := setupTestDB(t, "a")
	deviceB := setupTestDB(t, "b")
	syncA := sync.New(deviceA, NewClient(ts.Client()), quiet)
	syncB := sync.New(deviceB, NewClient(ts.Client()), quiet)

	mustSync := func(s sync.Syncer) {
		t.Helper()
		if r := s.PerformSync(ctx, ts.URL, testEmail, testPassword); !r.Success {
			t.Fatalf("PerformSync() failed at %s: %v", r.Stage, r.Cause)
		}
	}

	p, err := deviceA.AddPatient(ctx, &schema.Patient{
		GivenName:   schema.Text(schema.LanguageEnglish, "Yara"),
		Surname:     schema.Text(schema.LanguageEnglish, "Daher"),
		DateOfBirth: "2001-09-14",
		Sex:         schema.SexFemale,
		Camp:        "Wavel",
	})
	if err != nil {
		t.Fatalf("AddPatient() failed: %v", err)
	}
	mustSync(syncA)
	mustSync(syncB)

	got, err := deviceB.GetPatient(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPatient() on B failed: %v", err)
	}
	if got.GivenName.Get(schema.LanguageEnglish) != "Yara" || got.Camp != "Wavel" {
		t.Errorf("patient on B = %+v", got)
	}
	camp, err := deviceB.GetLatestPatientEventByType(ctx, p.ID, schema.EventCamp)
	if err != nil || camp == nil {
		t.Fatalf("GetLatestPatientEventByType(Camp) on B = %v, %v", camp, err)
	}

	// Seeded accounts arrive as provider records.
	users, err := deviceB.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers() failed: %v", err)
	}
	if len(users) != 1 || users[0].Email != testEmail || users[0].Name.Get(schema.LanguageEnglish) != "Nour" {
		t.Errorf("users on B = %+v", users)
	}

	// Arabic on A, English on B: both languages survive.
	arabic := "ضاهر"
	if _, err := deviceA.EditPatient(ctx, schema.LanguageArabic, &schema.PatientPatch{ID: p.ID, Surname: &arabic}); err != nil {
		t.Fatalf("EditPatient() on A failed: %v", err)
	}
	english := "Daher-Khoury"
	if _, err := deviceB.EditPatient(ctx, schema.LanguageEnglish, &schema.PatientPatch{ID: p.ID, Surname: &english}); err != nil {
		t.Fatalf("EditPatient() on B failed: %v", err)
	}
	mustSync(syncA)
	mustSync(syncB)
	mustSync(syncA)

	for name, device := range map[string]*db.DB{"A": deviceA, "B": deviceB} {
		got, err := device.GetPatient(ctx, p.ID)
		if err != nil {
			t.Fatalf("GetPatient() on %s failed: %v", name, err)
		}
		if s := got.Surname.Get(schema.LanguageArabic); s != arabic {
			t.Errorf("device %s Arabic surname = %q, want %q", name, s, arabic)
		}
		if s := got.Surname.Get(schema.LanguageEnglish); s != english {
			t.Errorf("device %s English surname = %q, want %q", name, s, english)
		}
	}
}
