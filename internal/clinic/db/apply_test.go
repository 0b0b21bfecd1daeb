package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pointcare/clinicsync/internal/clinic"
	"github.com/pointcare/clinicsync/internal/clinic/merge"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
)

func remotePatient(id string, version int64, fields map[string]string) schema.Record {
	rec := schema.NewRecord(schema.KindPatient, id)
	rec.Origin = "remote-device"
	for k, v := range fields {
		rec.Fields[k] = schema.FieldValue{Value: v, Null: v == "", Version: version}
	}
	return *rec
}

func TestApplyRemoteInsertsWithoutPending(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	patientID := schema.NewID()
	nameID := schema.NewID()
	content := schema.NewRecord(schema.KindContent, nameID)
	content.Fields["en"] = schema.FieldValue{Value: "Layla", Version: 500}

	// Patient listed first; content must still be applied before it.
	records := []schema.Record{
		remotePatient(patientID, 500, map[string]string{
			schema.FieldGivenName:    nameID,
			schema.FieldSurname:      "",
			schema.FieldPhone:        "555",
			schema.FieldRegisteredAt: schema.FormatTime(time.Now()),
		}),
		*content,
	}

	res, err := store.ApplyRemote(ctx, records, merge.LastWriterWins{})
	if err != nil {
		t.Fatalf("ApplyRemote() failed: %v", err)
	}
	if res.Applied != 2 || len(res.Rejected) != 0 {
		t.Errorf("ApplyRemote() = %+v", res)
	}

	p, err := store.GetPatient(ctx, patientID)
	if err != nil {
		t.Fatalf("GetPatient() failed: %v", err)
	}
	if p.GivenName.Get("en") != "Layla" || p.Phone != "555" {
		t.Errorf("applied patient = %+v", p)
	}

	if n, _ := store.PendingCount(ctx); n != 0 {
		t.Errorf("remote changes must not be pending, PendingCount() = %d", n)
	}
	clock, _ := store.Clock(ctx)
	if clock < 500 {
		t.Errorf("clock %d did not observe remote version 500", clock)
	}

	// Re-applying is a no-op.
	res, err = store.ApplyRemote(ctx, records, merge.LastWriterWins{})
	if err != nil {
		t.Fatalf("ApplyRemote() again failed: %v", err)
	}
	if res.Applied != 0 || res.Unchanged != 2 {
		t.Errorf("second ApplyRemote() = %+v, want all unchanged", res)
	}
}

func TestApplyRemoteKeepsNewerLocalFields(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	p := addTestPatient(t, store, "Rana", "Haddad")
	local, err := store.Record(ctx, schema.KindPatient, p.ID)
	if err != nil {
		t.Fatalf("Record() failed: %v", err)
	}
	localVersion := local.Version()

	// Remote carries an older phone and a newer serial number.
	incoming := schema.NewRecord(schema.KindPatient, p.ID)
	incoming.Fields[schema.FieldPhone] = schema.FieldValue{Value: "old", Version: localVersion - 1}
	incoming.Fields[schema.FieldSerialNumber] = schema.FieldValue{Value: "SN-9", Version: localVersion + 1000}

	res, err := store.ApplyRemote(ctx, []schema.Record{*incoming}, merge.LastWriterWins{})
	if err != nil {
		t.Fatalf("ApplyRemote() failed: %v", err)
	}
	if len(res.Superseded) != 0 {
		t.Errorf("local patient is ahead, nothing should be superseded: %v", res.Superseded)
	}

	got, _ := store.GetPatient(ctx, p.ID)
	if got.Phone != p.Phone || got.SerialNumber != "SN-9" {
		t.Errorf("merged patient phone=%q serial=%q", got.Phone, got.SerialNumber)
	}
	entry, _ := store.JournalEntry(ctx, schema.KindPatient, p.ID)
	if !entry.Pending {
		t.Error("local change lost its pending flag after merge")
	}
}

func TestApplyRemoteReportsSuperseded(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	p := addTestPatient(t, store, "Rana", "Haddad")
	local, _ := store.Record(ctx, schema.KindPatient, p.ID)

	// The remote already has every local field, some of them newer.
	incoming := schema.NewRecord(schema.KindPatient, p.ID)
	for name, f := range local.Fields {
		incoming.Fields[name] = f
	}
	incoming.Fields[schema.FieldPhone] = schema.FieldValue{Value: "newer", Version: local.Version() + 10}

	res, err := store.ApplyRemote(ctx, []schema.Record{*incoming}, merge.LastWriterWins{})
	if err != nil {
		t.Fatalf("ApplyRemote() failed: %v", err)
	}
	if len(res.Superseded) != 1 || res.Superseded[0].Key() != schema.RecordKey(schema.KindPatient, p.ID) {
		t.Errorf("Superseded = %v, want the patient", res.Superseded)
	}
}

func TestApplyRemoteIsAllOrNothing(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	p := addTestPatient(t, store, "Rana", "Haddad")
	local, _ := store.Record(ctx, schema.KindPatient, p.ID)
	phone := local.Fields[schema.FieldPhone]

	fresh := remotePatient(schema.NewID(), 900, map[string]string{schema.FieldPhone: "1"})
	conflicting := schema.NewRecord(schema.KindPatient, p.ID)
	conflicting.Fields[schema.FieldPhone] = schema.FieldValue{Value: "different", Version: phone.Version}

	_, err := store.ApplyRemote(ctx, []schema.Record{fresh, *conflicting}, merge.Strict{})
	if !errors.Is(err, clinic.ErrConflict) {
		t.Fatalf("ApplyRemote(strict tie) = %v, want conflict", err)
	}
	if _, err := store.GetPatient(ctx, fresh.ID); !errors.Is(err, clinic.ErrNotFound) {
		t.Errorf("records before the conflict were committed: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := store.ApplyRemote(cancelled, []schema.Record{fresh}, merge.LastWriterWins{}); err == nil {
		t.Error("ApplyRemote() with a cancelled context should fail")
	}
	if _, err := store.GetPatient(ctx, fresh.ID); !errors.Is(err, clinic.ErrNotFound) {
		t.Errorf("cancelled apply was committed: %v", err)
	}
}

func TestApplyRemoteRejectsInvalidRecords(t *testing.T) {
	store := setupTestDB(t)

	bad := schema.NewRecord(schema.KindPatient, "not-a-uuid")
	bad.Fields[schema.FieldPhone] = schema.FieldValue{Value: "1", Version: 1}
	good := remotePatient(schema.NewID(), 5, map[string]string{schema.FieldPhone: "2"})

	res, err := store.ApplyRemote(context.Background(), []schema.Record{*bad, good}, merge.LastWriterWins{})
	if err != nil {
		t.Fatalf("ApplyRemote() failed: %v", err)
	}
	if len(res.Rejected) != 1 || res.Applied != 1 {
		t.Errorf("ApplyRemote() = %+v, want 1 rejected and 1 applied", res)
	}
}

func TestRecordsIteratesEveryKind(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	p := addTestPatient(t, store, "Rana", "Haddad")
	addTestVisit(t, store, p.ID, time.Now())

	counts := map[schema.EntityKind]int{}
	for _, kind := range schema.Kinds {
		for rec, err := range store.Records(ctx, kind) {
			if err != nil {
				t.Fatalf("Records(%s) failed: %v", kind, err)
			}
			if rec.Kind != kind {
				t.Errorf("Records(%s) yielded %s", kind, rec.Kind)
			}
			counts[kind]++
		}
	}
	if counts[schema.KindPatient] != 1 || counts[schema.KindVisit] != 1 || counts[schema.KindContent] != 3 {
		t.Errorf("Records() counts = %v", counts)
	}
}
