package export

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pointcare/clinicsync/internal/clinic"
	"github.com/pointcare/clinicsync/internal/clinic/db"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
)

func setupTestDB(t *testing.T, name string) *db.DB {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), name+".db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	source := setupTestDB(t, "source")

	p, err := source.AddPatient(ctx, &schema.Patient{
		GivenName:   schema.Text(schema.LanguageArabic, "سلمى"),
		Surname:     schema.Text(schema.LanguageEnglish, "Hajj"),
		DateOfBirth: "1960-01-20",
		Sex:         schema.SexFemale,
		Camp:        "Burj",
	})
	if err != nil {
		t.Fatalf("AddPatient() failed: %v", err)
	}
	v, err := source.AddVisit(ctx, &schema.Visit{PatientID: p.ID, ClinicID: schema.NewID(), ProviderID: schema.NewID()})
	if err != nil {
		t.Fatalf("AddVisit() failed: %v", err)
	}
	_, err = source.AddEvent(ctx, &schema.Event{PatientID: p.ID, VisitID: v.ID, Type: schema.EventNotes, Metadata: "follow up in two weeks"})
	if err != nil {
		t.Fatalf("AddEvent() failed: %v", err)
	}

	var buf bytes.Buffer
	exported, err := Export(ctx, source, &buf)
	if err != nil {
		t.Fatalf("Export() failed: %v", err)
	}
	if lines := strings.Count(buf.String(), "\n"); lines != exported.Records {
		t.Errorf("wrote %d lines for %d records", lines, exported.Records)
	}
	if exported.ByKind[schema.KindEvent] != 2 {
		t.Errorf("exported %d events, want 2 (camp + notes)", exported.ByKind[schema.KindEvent])
	}

	target := setupTestDB(t, "target")
	imported, err := Import(ctx, target, &buf, nil)
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if imported.Records != exported.Records || imported.Applied != exported.Records || len(imported.Rejected) != 0 {
		t.Errorf("import summary = %+v, export summary = %+v", imported, exported)
	}

	want, err := source.GetPatient(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPatient() on source failed: %v", err)
	}
	got, err := target.GetPatient(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPatient() on target failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("imported patient (-want +got):\n%s", diff)
	}
	events, err := target.ListPatientEvents(ctx, p.ID)
	if err != nil {
		t.Fatalf("ListPatientEvents() failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("imported %d events, want 2", len(events))
	}

	// Nothing was synced, so every write is still owed to the instance.
	sourcePending, err := source.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() on source failed: %v", err)
	}
	if sourcePending == 0 || exported.Pending != sourcePending || imported.Pending != sourcePending {
		t.Errorf("pending: source=%d exported=%d imported=%d", sourcePending, exported.Pending, imported.Pending)
	}
	if n, err := target.PendingCount(ctx); err != nil || n != sourcePending {
		t.Errorf("target PendingCount() = %d, %v; want %d", n, err, sourcePending)
	}
}

func TestImportKeepsPushedRecordsClean(t *testing.T) {
	ctx := context.Background()
	source := setupTestDB(t, "source")

	synced, err := source.AddPatient(ctx, &schema.Patient{
		GivenName: schema.Text(schema.LanguageEnglish, "Omar"),
		Surname:   schema.Text(schema.LanguageEnglish, "Khalil"),
	})
	if err != nil {
		t.Fatalf("AddPatient() failed: %v", err)
	}
	for ref, err := range source.PendingChanges(ctx) {
		if err != nil {
			t.Fatalf("PendingChanges() failed: %v", err)
		}
		if err := source.MarkPushed(ctx, ref.Kind, ref.ID, ref.Version); err != nil {
			t.Fatalf("MarkPushed() failed: %v", err)
		}
	}

	offline, err := source.AddPatient(ctx, &schema.Patient{
		GivenName: schema.Text(schema.LanguageEnglish, "Lina"),
		Surname:   schema.Text(schema.LanguageEnglish, "Saad"),
	})
	if err != nil {
		t.Fatalf("AddPatient() failed: %v", err)
	}

	var buf bytes.Buffer
	if _, err := Export(ctx, source, &buf); err != nil {
		t.Fatalf("Export() failed: %v", err)
	}
	target := setupTestDB(t, "target")
	if _, err := Import(ctx, target, &buf, nil); err != nil {
		t.Fatalf("Import() failed: %v", err)
	}

	for _, tt := range []struct {
		id      string
		pending bool
	}{
		{synced.ID, false},
		{offline.ID, true},
	} {
		entry, err := target.JournalEntry(ctx, schema.KindPatient, tt.id)
		if err != nil {
			t.Fatalf("JournalEntry() failed: %v", err)
		}
		if entry == nil || entry.Pending != tt.pending {
			t.Errorf("JournalEntry(%s) = %+v, want pending=%v", tt.id, entry, tt.pending)
		}
	}
}

func TestImportRejectsMalformedLine(t *testing.T) {
	target := setupTestDB(t, "target")
	input := "\n{\"kind\":\"content\"\n"

	_, err := Import(context.Background(), target, strings.NewReader(input), nil)
	if !errors.Is(err, clinic.ErrValidation) || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("Import() error = %v, want a validation error on line 2", err)
	}
}

func TestImportReportsInvalidRecords(t *testing.T) {
	target := setupTestDB(t, "target")
	input := `{"kind":"ward","id":"` + schema.NewID() + `","fields":{"x":{"value":"1","version":1}}}` + "\n"

	sum, err := Import(context.Background(), target, strings.NewReader(input), nil)
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if len(sum.Rejected) != 1 || sum.Applied != 0 {
		t.Errorf("summary = %+v, want one rejection", sum)
	}
}
