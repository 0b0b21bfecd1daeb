package db

import (
	"context"
	"time"

	"github.com/pointcare/clinicsync/internal/clinic"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
)

// Stats counts the rows of the store.
type Stats struct {
	Patients int `json:"patients"`
	Visits   int `json:"visits"`
	Events   int `json:"events"`
	Drafts   int `json:"drafts"`
	Contents int `json:"contents"`
	Users    int `json:"users"`
	Pending  int `json:"pending"`
}

// GetStats returns row counts. Tombstoned visits and events are not
// counted.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := db.conn.QueryRowContext(ctx, `
	SELECT
		(SELECT COUNT(*) FROM patients),
		(SELECT COUNT(*) FROM visits WHERE COALESCE(deleted, '') != '1'),
		(SELECT COUNT(*) FROM events WHERE COALESCE(deleted, '') != '1'),
		(SELECT COUNT(*) FROM events WHERE COALESCE(deleted, '') != '1'
			AND trim(COALESCE(event_metadata, '')) = ''),
		(SELECT COUNT(*) FROM contents),
		(SELECT COUNT(*) FROM users),
		(SELECT COUNT(*) FROM change_journal WHERE pending = 1)
	`).Scan(&s.Patients, &s.Visits, &s.Events, &s.Drafts, &s.Contents, &s.Users, &s.Pending)
	if err != nil {
		return nil, clinic.Storage("read stats", err)
	}
	return &s, nil
}

// GetPatientsVisitedInDateRange returns each live visit checked in within
// [start, end) together with its patient, latest check-in first.
func (db *DB) GetPatientsVisitedInDateRange(ctx context.Context, start, end time.Time) ([]schema.PatientVisit, error) {
	if !end.After(start) {
		return nil, clinic.Validationf("end %s must be after start %s", schema.FormatTime(end), schema.FormatTime(start))
	}

	rows, err := db.conn.QueryContext(ctx, `
	SELECT v.id, v.patient_id, v.clinic_id, v.provider_id, v.check_in_timestamp
	FROM visits v
	JOIN patients p ON p.id = v.patient_id
	WHERE `+liveVisit+` AND v.check_in_timestamp >= ? AND v.check_in_timestamp < ?
	ORDER BY v.check_in_timestamp DESC, v.id DESC
	`, schema.FormatTime(start), schema.FormatTime(end))
	if err != nil {
		return nil, clinic.Storage("query visits in range", err)
	}
	var visits []schema.Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		visits = append(visits, *v)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, clinic.Storage("query visits in range", err)
	}

	patients := map[string]*schema.Patient{}
	out := make([]schema.PatientVisit, 0, len(visits))
	for _, v := range visits {
		p, ok := patients[v.PatientID]
		if !ok {
			p, err = db.GetPatient(ctx, v.PatientID)
			if err != nil {
				return nil, err
			}
			patients[v.PatientID] = p
		}
		out = append(out, schema.PatientVisit{Patient: *p, Visit: v})
	}
	return out, nil
}

