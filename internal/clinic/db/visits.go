package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pointcare/clinicsync/internal/clinic"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
)

// liveVisit matches visits that are not tombstoned.
const liveVisit = `COALESCE(v.deleted, '') != '1'`

// AddVisit starts an encounter for an existing patient. An empty ID is
// generated and a zero check-in time means now.
func (db *DB) AddVisit(ctx context.Context, v *schema.Visit) (*schema.Visit, error) {
	in := *v
	if in.ID == "" {
		in.ID = schema.NewID()
	}
	if in.CheckInTimestamp.IsZero() {
		in.CheckInTimestamp = db.cfg.Now()
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	err := db.withTx(ctx, "add visit", func(tx *sql.Tx) error {
		patient, err := readRecord(ctx, tx, schema.KindPatient, in.PatientID)
		if err != nil {
			return err
		}
		if patient == nil {
			return clinic.NotFoundf("patient %s", in.PatientID)
		}
		existing, err := readRecord(ctx, tx, schema.KindVisit, in.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return clinic.Validationf("visit %s already exists", in.ID)
		}

		_, err = db.commitLocal(ctx, tx, schema.NewRecord(schema.KindVisit, in.ID), map[string]schema.FieldValue{
			schema.FieldPatientID:        value(in.PatientID),
			schema.FieldClinicID:         value(in.ClinicID),
			schema.FieldProviderID:       value(in.ProviderID),
			schema.FieldCheckInTimestamp: value(schema.FormatTime(in.CheckInTimestamp)),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return db.GetVisit(ctx, in.ID)
}

// GetVisit returns a visit that has not been deleted.
func (db *DB) GetVisit(ctx context.Context, id string) (*schema.Visit, error) {
	visits, err := db.queryVisits(ctx, `WHERE v.id = ? AND `+liveVisit, id)
	if err != nil {
		return nil, err
	}
	if len(visits) == 0 {
		return nil, clinic.NotFoundf("visit %s", id)
	}
	return &visits[0], nil
}

// GetVisits returns the visits of a patient, latest check-in first.
func (db *DB) GetVisits(ctx context.Context, patientID string) ([]schema.Visit, error) {
	return db.queryVisits(ctx, `WHERE v.patient_id = ? AND `+liveVisit+`
	ORDER BY v.check_in_timestamp DESC, v.id DESC`, patientID)
}

// EditVisitDate moves the check-in time of a visit, the only mutable
// visit field.
func (db *DB) EditVisitDate(ctx context.Context, id string, checkIn time.Time) (*schema.Visit, error) {
	if checkIn.IsZero() {
		return nil, clinic.Validationf("check_in_timestamp is required")
	}
	err := db.withTx(ctx, "edit visit date", func(tx *sql.Tx) error {
		rec, err := readLiveVisit(ctx, tx, id)
		if err != nil {
			return err
		}
		_, err = db.commitLocal(ctx, tx, rec, map[string]schema.FieldValue{
			schema.FieldCheckInTimestamp: value(schema.FormatTime(checkIn)),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return db.GetVisit(ctx, id)
}

// DeleteVisit tombstones a visit of patientID and returns the patient's
// remaining visits. With DeleteCascade the visit's events are tombstoned
// too; with DeleteOrphan they stay stored but are hidden from reads.
func (db *DB) DeleteVisit(ctx context.Context, id, patientID string) ([]schema.Visit, error) {
	err := db.withTx(ctx, "delete visit", func(tx *sql.Tx) error {
		rec, err := readLiveVisit(ctx, tx, id)
		if err != nil {
			return err
		}
		if owner, _ := rec.Get(schema.FieldPatientID); owner != patientID {
			return clinic.NotFoundf("visit %s of patient %s", id, patientID)
		}
		if _, err := db.commitLocal(ctx, tx, rec, map[string]schema.FieldValue{
			schema.FieldDeleted: value("1"),
		}); err != nil {
			return err
		}

		if db.cfg.VisitDeletion != DeleteCascade {
			return nil
		}
		return db.tombstoneEventsTx(ctx, tx, id)
	})
	if err != nil {
		return nil, err
	}
	return db.GetVisits(ctx, patientID)
}

func (db *DB) tombstoneEventsTx(ctx context.Context, tx *sql.Tx, visitID string) error {
	rows, err := tx.QueryContext(ctx, `
	SELECT id FROM events WHERE visit_id = ? AND COALESCE(deleted, '') != '1'
	`, visitID)
	if err != nil {
		return clinic.Storage("list visit events", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return clinic.Storage("scan visit event", err)
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return clinic.Storage("list visit events", err)
	}

	for _, id := range ids {
		rec, err := readRecord(ctx, tx, schema.KindEvent, id)
		if err != nil {
			return err
		}
		if _, err := db.commitLocal(ctx, tx, rec, map[string]schema.FieldValue{
			schema.FieldDeleted: value("1"),
		}); err != nil {
			return err
		}
	}
	return nil
}

func readLiveVisit(ctx context.Context, ex executor, id string) (*schema.Record, error) {
	rec, err := readRecord(ctx, ex, schema.KindVisit, id)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.IsDeleted() {
		return nil, clinic.NotFoundf("visit %s", id)
	}
	return rec, nil
}

func (db *DB) queryVisits(ctx context.Context, where string, args ...any) ([]schema.Visit, error) {
	query := fmt.Sprintf(`
	SELECT v.id, v.patient_id, v.clinic_id, v.provider_id, v.check_in_timestamp
	FROM visits v
	%s
	`, where)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, clinic.Storage("query visits", err)
	}
	defer rows.Close()

	var visits []schema.Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		visits = append(visits, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, clinic.Storage("query visits", err)
	}
	return visits, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVisit(s scanner) (*schema.Visit, error) {
	var v schema.Visit
	var patientID, clinicID, providerID, checkIn sql.NullString
	if err := s.Scan(&v.ID, &patientID, &clinicID, &providerID, &checkIn); err != nil {
		return nil, clinic.Storage("scan visit", err)
	}
	v.PatientID = patientID.String
	v.ClinicID = clinicID.String
	v.ProviderID = providerID.String
	if checkIn.Valid {
		ts, err := parseTime("check_in_timestamp", checkIn.String)
		if err != nil {
			return nil, err
		}
		v.CheckInTimestamp = ts
	}
	return &v, nil
}
