package merge

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pointcare/clinicsync/internal/clinic"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
)

const patientID = "0d6f5f0e-6f0b-4b8e-9f62-5a3c1d6c2a10"

func record(kind schema.EntityKind, fields map[string]schema.FieldValue) *schema.Record {
	r := schema.NewRecord(kind, patientID)
	for k, v := range fields {
		r.Fields[k] = v
	}
	return r
}

func fv(value string, version int64) schema.FieldValue {
	return schema.FieldValue{Value: value, Version: version}
}

func TestRecordsNewRecord(t *testing.T) {
	in := record(schema.KindPatient, map[string]schema.FieldValue{
		schema.FieldPhone: fv("111", 5),
	})
	in.Origin = "device-b"

	res, err := Records(nil, in, LastWriterWins{})
	if err != nil {
		t.Fatalf("Records() failed: %v", err)
	}
	if !res.Changed || res.CurrentAhead {
		t.Errorf("Changed=%v CurrentAhead=%v, want true/false", res.Changed, res.CurrentAhead)
	}
	if diff := cmp.Diff(in, res.Merged); diff != "" {
		t.Errorf("merged record mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordsFieldLevelMerge(t *testing.T) {
	// Device A changed the surname, device B changed the phone later.
	local := record(schema.KindPatient, map[string]schema.FieldValue{
		schema.FieldSurname: fv("surname-khalil", 100),
		schema.FieldPhone:   fv("000", 10),
	})
	remote := record(schema.KindPatient, map[string]schema.FieldValue{
		schema.FieldSurname: fv("surname-old", 10),
		schema.FieldPhone:   fv("+961 3 123456", 200),
	})

	res, err := Records(local, remote, LastWriterWins{})
	if err != nil {
		t.Fatalf("Records() failed: %v", err)
	}
	want := map[string]schema.FieldValue{
		schema.FieldSurname: fv("surname-khalil", 100),
		schema.FieldPhone:   fv("+961 3 123456", 200),
	}
	if diff := cmp.Diff(want, res.Merged.Fields); diff != "" {
		t.Errorf("merged fields mismatch (-want +got):\n%s", diff)
	}
	if !res.CurrentAhead {
		t.Error("local surname is newer, CurrentAhead should be true")
	}
	if diff := cmp.Diff([]string{schema.FieldPhone}, res.Taken); diff != "" {
		t.Errorf("Taken mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordsTies(t *testing.T) {
	local := record(schema.KindPatient, map[string]schema.FieldValue{schema.FieldPhone: fv("local", 50)})
	remote := record(schema.KindPatient, map[string]schema.FieldValue{schema.FieldPhone: fv("remote", 50)})

	res, err := Records(local, remote, LastWriterWins{})
	if err != nil {
		t.Fatalf("Records() failed: %v", err)
	}
	if got := res.Merged.Fields[schema.FieldPhone].Value; got != "remote" {
		t.Errorf("device tie = %q, want remote", got)
	}

	res, err = Records(local, remote, LastWriterWins{PreferCurrent: true})
	if err != nil {
		t.Fatalf("Records() failed: %v", err)
	}
	if got := res.Merged.Fields[schema.FieldPhone].Value; got != "local" {
		t.Errorf("server tie = %q, want current", got)
	}
	if res.Changed {
		t.Error("keeping current on a tie should not report a change")
	}

	_, err = Records(local, remote, Strict{})
	if !errors.Is(err, clinic.ErrConflict) {
		t.Errorf("Strict tie = %v, want conflict", err)
	}
}

func TestRecordsServerWins(t *testing.T) {
	local := record(schema.KindPatient, map[string]schema.FieldValue{schema.FieldPhone: fv("local", 90)})
	remote := record(schema.KindPatient, map[string]schema.FieldValue{schema.FieldPhone: fv("remote", 10)})

	res, err := Records(local, remote, ServerWins{})
	if err != nil {
		t.Fatalf("Records() failed: %v", err)
	}
	if got := res.Merged.Fields[schema.FieldPhone]; got != fv("remote", 10) {
		t.Errorf("ServerWins = %+v", got)
	}
	if res.CurrentAhead {
		t.Error("merged equals incoming, CurrentAhead should be false")
	}
}

func TestRecordsIdempotent(t *testing.T) {
	r := record(schema.KindEvent, map[string]schema.FieldValue{
		schema.FieldEventType:     fv("Vitals", 5),
		schema.FieldEventMetadata: fv(`{"heartRate":"70"}`, 5),
	})

	res, err := Records(r, r, LastWriterWins{})
	if err != nil {
		t.Fatalf("Records() failed: %v", err)
	}
	if res.Changed || res.CurrentAhead {
		t.Errorf("merging a record with itself: Changed=%v CurrentAhead=%v", res.Changed, res.CurrentAhead)
	}
}

func TestRecordsImmutableFields(t *testing.T) {
	local := record(schema.KindEvent, map[string]schema.FieldValue{
		schema.FieldEventType:     fv("Vitals", 5),
		schema.FieldEventMetadata: fv(`{"heartRate":"70"}`, 5),
	})
	remote := record(schema.KindEvent, map[string]schema.FieldValue{
		schema.FieldEventType:     fv("Notes", 9),
		schema.FieldEventMetadata: fv(`{"heartRate":"75"}`, 9),
	})

	res, err := Records(local, remote, LastWriterWins{})
	if err != nil {
		t.Fatalf("Records() failed: %v", err)
	}
	if got := res.Merged.Fields[schema.FieldEventType].Value; got != "Vitals" {
		t.Errorf("event_type = %q, want Vitals preserved", got)
	}
	if got := res.Merged.Fields[schema.FieldEventMetadata].Value; got != `{"heartRate":"75"}` {
		t.Errorf("event_metadata = %q, want later version", got)
	}
}

func TestContentPerLanguageMerge(t *testing.T) {
	local := record(schema.KindContent, map[string]schema.FieldValue{
		"en": fv("Khalil", 10),
		"ar": fv("خليل", 30),
	})
	remote := record(schema.KindContent, map[string]schema.FieldValue{
		"en": fv("Khaleel", 20),
		"ar": fv("خ", 5),
	})

	res, err := Records(local, remote, LastWriterWins{})
	if err != nil {
		t.Fatalf("Records() failed: %v", err)
	}
	if res.Merged.Fields["en"].Value != "Khaleel" || res.Merged.Fields["ar"].Value != "خليل" {
		t.Errorf("per-language merge = %+v", res.Merged.Fields)
	}
}

func TestParsePolicy(t *testing.T) {
	for name, want := range map[string]string{
		"":            PolicyLastWriterWins,
		"lww":         PolicyLastWriterWins,
		"server-wins": PolicyServerWins,
		"strict":      PolicyStrict,
	} {
		p, err := ParsePolicy(name)
		if err != nil {
			t.Fatalf("ParsePolicy(%q) failed: %v", name, err)
		}
		if p.Name() != want {
			t.Errorf("ParsePolicy(%q).Name() = %q, want %q", name, p.Name(), want)
		}
	}
	if _, err := ParsePolicy("newest"); err == nil {
		t.Error("ParsePolicy(newest) should fail")
	}
}
