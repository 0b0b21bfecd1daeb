package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pointcare/clinicsync/internal/clinic"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
)

// visibleEvent matches events that are not tombstoned and whose visit, if
// any, is not tombstoned. A visit that has not been pulled yet does not
// hide its events.
const visibleEvent = `COALESCE(e.deleted, '') != '1'
	AND (e.visit_id IS NULL OR COALESCE(v.deleted, '') != '1')`

// nonDraft matches events with metadata.
const nonDraft = `trim(COALESCE(e.event_metadata, '')) != ''`

// AddEvent records a clinical event. An empty ID is generated and a zero
// timestamp means now. The patient must exist; a visit, if set, must be a
// live visit of the same patient.
func (db *DB) AddEvent(ctx context.Context, e *schema.Event) (*schema.Event, error) {
	in := *e
	if in.ID == "" {
		in.ID = schema.NewID()
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = db.cfg.Now()
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	err := db.withTx(ctx, "add event", func(tx *sql.Tx) error {
		patient, err := readRecord(ctx, tx, schema.KindPatient, in.PatientID)
		if err != nil {
			return err
		}
		if patient == nil {
			return clinic.NotFoundf("patient %s", in.PatientID)
		}
		if in.VisitID != "" {
			visit, err := readLiveVisit(ctx, tx, in.VisitID)
			if err != nil {
				return err
			}
			if owner, _ := visit.Get(schema.FieldPatientID); owner != in.PatientID {
				return clinic.Validationf("visit %s does not belong to patient %s", in.VisitID, in.PatientID)
			}
		}
		existing, err := readRecord(ctx, tx, schema.KindEvent, in.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return clinic.Validationf("event %s already exists", in.ID)
		}

		_, err = db.commitLocal(ctx, tx, schema.NewRecord(schema.KindEvent, in.ID), map[string]schema.FieldValue{
			schema.FieldPatientID:      value(in.PatientID),
			schema.FieldVisitID:        value(in.VisitID),
			schema.FieldEventType:      value(string(in.Type)),
			schema.FieldEventMetadata:  value(in.Metadata),
			schema.FieldEventTimestamp: value(schema.FormatTime(in.Timestamp)),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return db.getEvent(ctx, in.ID)
}

// EditEvent replaces the metadata of an event. The id and event type are
// preserved and the metadata must decode for that type.
func (db *DB) EditEvent(ctx context.Context, id, metadata string) (*schema.Event, error) {
	err := db.withTx(ctx, "edit event", func(tx *sql.Tx) error {
		rec, err := readRecord(ctx, tx, schema.KindEvent, id)
		if err != nil {
			return err
		}
		if rec == nil || rec.IsDeleted() {
			return clinic.NotFoundf("event %s", id)
		}
		typ, _ := rec.Get(schema.FieldEventType)
		if _, err := schema.DecodeMetadata(schema.EventType(typ), metadata); err != nil {
			return err
		}
		_, err = db.commitLocal(ctx, tx, rec, map[string]schema.FieldValue{
			schema.FieldEventMetadata: value(metadata),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return db.getEvent(ctx, id)
}

// GetEvent returns a visible event, drafts included.
func (db *DB) GetEvent(ctx context.Context, id string) (*schema.Event, error) {
	return db.getEvent(ctx, id)
}

func (db *DB) getEvent(ctx context.Context, id string) (*schema.Event, error) {
	events, err := db.queryEvents(ctx, `WHERE e.id = ? AND `+visibleEvent, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, clinic.NotFoundf("event %s", id)
	}
	return &events[0], nil
}

// GetEvents returns the events of a visit, newest first. Drafts (events
// with empty metadata) are left out but stay stored. Patient-level events
// never appear here.
func (db *DB) GetEvents(ctx context.Context, visitID string) ([]schema.Event, error) {
	return db.queryEvents(ctx, `WHERE e.visit_id = ? AND `+visibleEvent+` AND `+nonDraft+`
	ORDER BY e.event_timestamp DESC, e.id DESC`, visitID)
}

// ListPatientEvents returns every non-draft event of a patient, visit
// events and patient-level events alike, newest first.
func (db *DB) ListPatientEvents(ctx context.Context, patientID string) ([]schema.Event, error) {
	return db.queryEvents(ctx, `WHERE e.patient_id = ? AND `+visibleEvent+` AND `+nonDraft+`
	ORDER BY e.event_timestamp DESC, e.id DESC`, patientID)
}

// GetLatestPatientEventByType returns the event of type t with the greatest
// timestamp for the patient, ties broken by the greatest id. Drafts (events
// with empty metadata) are skipped, so an older answer beats a newer blank
// form. It returns nil and no error when there is none.
func (db *DB) GetLatestPatientEventByType(ctx context.Context, patientID string, t schema.EventType) (*schema.Event, error) {
	events, err := db.queryEvents(ctx, `WHERE e.patient_id = ? AND e.event_type = ? AND `+visibleEvent+` AND `+nonDraft+`
	ORDER BY e.event_timestamp DESC, e.id DESC
	LIMIT 1`, patientID, string(t))
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

func (db *DB) queryEvents(ctx context.Context, where string, args ...any) ([]schema.Event, error) {
	query := fmt.Sprintf(`
	SELECT e.id, e.patient_id, e.visit_id, e.event_type, e.event_metadata, e.event_timestamp
	FROM events e
	LEFT JOIN visits v ON v.id = e.visit_id
	%s
	`, where)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, clinic.Storage("query events", err)
	}
	defer rows.Close()

	var events []schema.Event
	for rows.Next() {
		var e schema.Event
		var patientID, visitID, typ, metadata, ts sql.NullString
		if err := rows.Scan(&e.ID, &patientID, &visitID, &typ, &metadata, &ts); err != nil {
			return nil, clinic.Storage("scan event", err)
		}
		e.PatientID = patientID.String
		e.VisitID = visitID.String
		e.Type = schema.EventType(typ.String)
		e.Metadata = metadata.String
		if ts.Valid {
			if e.Timestamp, err = parseTime("event_timestamp", ts.String); err != nil {
				return nil, err
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, clinic.Storage("query events", err)
	}
	return events, nil
}
