package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pointcare/clinicsync/internal/clinic"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
)

// patientText pairs each multilingual patient field with its accessor.
var patientText = []struct {
	field string
	get   func(p *schema.Patient) *schema.LanguageString
	patch func(p *schema.PatientPatch) *string
}{
	{schema.FieldGivenName, func(p *schema.Patient) *schema.LanguageString { return &p.GivenName }, func(p *schema.PatientPatch) *string { return p.GivenName }},
	{schema.FieldSurname, func(p *schema.Patient) *schema.LanguageString { return &p.Surname }, func(p *schema.PatientPatch) *string { return p.Surname }},
	{schema.FieldCountry, func(p *schema.Patient) *schema.LanguageString { return &p.Country }, func(p *schema.PatientPatch) *string { return p.Country }},
	{schema.FieldHometown, func(p *schema.Patient) *schema.LanguageString { return &p.Hometown }, func(p *schema.PatientPatch) *string { return p.Hometown }},
	{schema.FieldSection, func(p *schema.Patient) *schema.LanguageString { return &p.Section }, func(p *schema.PatientPatch) *string { return p.Section }},
}

// AddPatient registers a new patient and returns it as stored. An empty
// ID is generated. Multilingual fields become new content records; a
// LanguageString.ID, if given, must not already be in use. A non-empty
// camp is also recorded as a patient-level Camp event.
func (db *DB) AddPatient(ctx context.Context, p *schema.Patient) (*schema.Patient, error) {
	in := *p
	if in.ID == "" {
		in.ID = schema.NewID()
	}
	if in.RegisteredAt.IsZero() {
		in.RegisteredAt = db.cfg.Now()
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	err := db.withTx(ctx, "add patient", func(tx *sql.Tx) error {
		existing, err := readRecord(ctx, tx, schema.KindPatient, in.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return clinic.Validationf("patient %s already exists", in.ID)
		}

		seen := map[string]bool{}
		changes := map[string]schema.FieldValue{}
		for _, f := range patientText {
			ls := f.get(&in)
			if ls.IsBlank() {
				changes[f.field] = value("")
				continue
			}
			if ls.ID != "" {
				if seen[ls.ID] {
					return clinic.Validationf("content %s is used by more than one field", ls.ID)
				}
				seen[ls.ID] = true
			}
			id, err := db.createContentTx(ctx, tx, *ls)
			if err != nil {
				return err
			}
			changes[f.field] = value(id)
		}

		changes[schema.FieldDateOfBirth] = value(in.DateOfBirth)
		changes[schema.FieldSex] = value(in.Sex)
		changes[schema.FieldPhone] = value(in.Phone)
		changes[schema.FieldSerialNumber] = value(in.SerialNumber)
		changes[schema.FieldCamp] = value(in.Camp)
		changes[schema.FieldRegisteredByProviderID] = value(in.RegisteredByProviderID)
		changes[schema.FieldRegisteredAt] = value(schema.FormatTime(in.RegisteredAt))

		rec := schema.NewRecord(schema.KindPatient, in.ID)
		if _, err := db.commitLocal(ctx, tx, rec, changes); err != nil {
			return err
		}

		if in.Camp != "" {
			return db.addCampEventTx(ctx, tx, in.ID, in.Camp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return db.GetPatient(ctx, in.ID)
}

// EditPatient merges the set fields of patch into the patient. Text fields
// are written in lang: the content record of the field gets its lang entry
// replaced (other languages are kept), or a new content record is
// allocated if the field had none. A patch that changes nothing writes
// nothing.
func (db *DB) EditPatient(ctx context.Context, lang string, patch *schema.PatientPatch) (*schema.Patient, error) {
	if err := schema.ValidateLanguage(lang); err != nil {
		return nil, err
	}
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	err := db.withTx(ctx, "edit patient", func(tx *sql.Tx) error {
		rec, err := readRecord(ctx, tx, schema.KindPatient, patch.ID)
		if err != nil {
			return err
		}
		if rec == nil {
			return clinic.NotFoundf("patient %s", patch.ID)
		}

		changes := map[string]schema.FieldValue{}
		for _, f := range patientText {
			text := f.patch(patch)
			if text == nil {
				continue
			}
			contentID, ok := rec.Get(f.field)
			if ok {
				if _, err := db.setContentTx(ctx, tx, contentID, lang, *text); err != nil {
					return err
				}
				continue
			}
			if *text == "" {
				continue
			}
			id, err := db.createContentTx(ctx, tx, schema.Text(lang, *text))
			if err != nil {
				return err
			}
			changes[f.field] = value(id)
		}

		scalars := []struct {
			field string
			value *string
		}{
			{schema.FieldDateOfBirth, patch.DateOfBirth},
			{schema.FieldSex, patch.Sex},
			{schema.FieldPhone, patch.Phone},
			{schema.FieldSerialNumber, patch.SerialNumber},
			{schema.FieldCamp, patch.Camp},
		}
		for _, s := range scalars {
			if s.value != nil {
				changes[s.field] = value(*s.value)
			}
		}

		oldCamp, _ := rec.Get(schema.FieldCamp)
		if _, err := db.commitLocal(ctx, tx, rec, changes); err != nil {
			return err
		}
		if patch.Camp != nil && *patch.Camp != "" && *patch.Camp != oldCamp {
			return db.addCampEventTx(ctx, tx, patch.ID, *patch.Camp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return db.GetPatient(ctx, patch.ID)
}

func (db *DB) addCampEventTx(ctx context.Context, tx *sql.Tx, patientID, camp string) error {
	rec := schema.NewRecord(schema.KindEvent, schema.NewID())
	_, err := db.commitLocal(ctx, tx, rec, map[string]schema.FieldValue{
		schema.FieldPatientID:      value(patientID),
		schema.FieldVisitID:        value(""),
		schema.FieldEventType:      value(string(schema.EventCamp)),
		schema.FieldEventMetadata:  value(camp),
		schema.FieldEventTimestamp: value(schema.FormatTime(db.cfg.Now())),
	})
	return err
}

// GetPatient returns one patient with its text fields resolved.
func (db *DB) GetPatient(ctx context.Context, id string) (*schema.Patient, error) {
	patients, err := db.queryPatients(ctx, `WHERE p.id = ?`, []any{id}, "")
	if err != nil {
		return nil, err
	}
	if len(patients) == 0 {
		return nil, clinic.NotFoundf("patient %s", id)
	}
	return &patients[0], nil
}

// GetPatients returns every patient, most recently registered first.
func (db *DB) GetPatients(ctx context.Context) ([]schema.Patient, error) {
	return db.SearchPatients(ctx, schema.PatientFilter{})
}

// GetPatientCount returns the number of registered patients.
func (db *DB) GetPatientCount(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM patients`).Scan(&n); err != nil {
		return 0, clinic.Storage("count patients", err)
	}
	return n, nil
}

// SearchPatients returns the patients matching every set filter, most
// recently registered first. Name filters match any language of the name.
func (db *DB) SearchPatients(ctx context.Context, filter schema.PatientFilter) ([]schema.Patient, error) {
	var conditions []string
	var args []any

	textFilter := func(column, term string) {
		if term == "" {
			return
		}
		conditions = append(conditions, fmt.Sprintf(`EXISTS (
			SELECT 1 FROM content_entries ce
			WHERE ce.content_id = p.%s AND lower(ce.text) LIKE ? ESCAPE '\'
		)`, column))
		args = append(args, likePattern(term))
	}
	textFilter(schema.FieldGivenName, filter.GivenName)
	textFilter(schema.FieldSurname, filter.Surname)
	textFilter(schema.FieldCountry, filter.Country)
	textFilter(schema.FieldHometown, filter.Hometown)

	if filter.Camp != "" {
		conditions = append(conditions, `lower(p.camp) LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(filter.Camp))
	}
	if filter.Phone != "" {
		conditions = append(conditions, `p.phone LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(filter.Phone))
	}
	if minYear, maxYear, ok := filter.BirthYearRange(); ok {
		conditions = append(conditions, `CAST(substr(p.date_of_birth, 1, 4) AS INTEGER) BETWEEN ? AND ?`)
		args = append(args, minYear, maxYear)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return db.queryPatients(ctx, where, args, `ORDER BY p.registered_at DESC, p.id DESC`)
}

// likePattern turns a search term into a case-folded substring pattern.
func likePattern(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(strings.TrimSpace(term))) + "%"
}

func (db *DB) queryPatients(ctx context.Context, where string, args []any, order string) ([]schema.Patient, error) {
	query := fmt.Sprintf(`
	SELECT p.id, p.given_name, p.surname, p.country, p.hometown, p.section,
		p.date_of_birth, p.sex, p.phone, p.serial_number, p.camp,
		p.registered_by_provider_id, p.registered_at
	FROM patients p
	%s
	%s
	`, where, order)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, clinic.Storage("query patients", err)
	}
	defer rows.Close()

	type row struct {
		p    schema.Patient
		text [5]sql.NullString
	}
	var scanned []row
	var contentIDs []string
	for rows.Next() {
		var r row
		var dob, sex, phone, serial, camp, provider, registered sql.NullString
		if err := rows.Scan(&r.p.ID, &r.text[0], &r.text[1], &r.text[2], &r.text[3], &r.text[4],
			&dob, &sex, &phone, &serial, &camp, &provider, &registered); err != nil {
			return nil, clinic.Storage("scan patient", err)
		}
		r.p.DateOfBirth = dob.String
		r.p.Sex = sex.String
		r.p.Phone = phone.String
		r.p.SerialNumber = serial.String
		r.p.Camp = camp.String
		r.p.RegisteredByProviderID = provider.String
		if registered.Valid {
			if r.p.RegisteredAt, err = parseTime("registered_at", registered.String); err != nil {
				return nil, err
			}
		}
		for _, t := range r.text {
			contentIDs = append(contentIDs, t.String)
		}
		scanned = append(scanned, r)
	}
	if err := rows.Err(); err != nil {
		return nil, clinic.Storage("query patients", err)
	}
	rows.Close()

	contents, err := loadContents(ctx, db.conn, contentIDs)
	if err != nil {
		return nil, err
	}

	patients := make([]schema.Patient, 0, len(scanned))
	for _, r := range scanned {
		p := r.p
		for i, f := range patientText {
			*f.get(&p) = languageString(contents, r.text[i].String)
		}
		patients = append(patients, p)
	}
	return patients, nil
}
