package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/pointcare/clinicsync/internal/clinic"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
)

// table maps an entity kind onto its row table. Column names equal the
// record field names.
type table struct {
	name    string
	columns []string
}

var tables = map[schema.EntityKind]table{
	schema.KindUser: {
		name: "users",
		columns: []string{
			schema.FieldName, schema.FieldRole, schema.FieldEmail,
			schema.FieldUserPhone, schema.FieldInstanceURL,
		},
	},
	schema.KindPatient: {
		name: "patients",
		columns: []string{
			schema.FieldGivenName, schema.FieldSurname, schema.FieldCountry,
			schema.FieldHometown, schema.FieldSection, schema.FieldDateOfBirth,
			schema.FieldSex, schema.FieldPhone, schema.FieldSerialNumber,
			schema.FieldCamp, schema.FieldRegisteredByProviderID, schema.FieldRegisteredAt,
		},
	},
	schema.KindVisit: {
		name: "visits",
		columns: []string{
			schema.FieldPatientID, schema.FieldClinicID, schema.FieldProviderID,
			schema.FieldCheckInTimestamp, schema.FieldDeleted,
		},
	},
	schema.KindEvent: {
		name: "events",
		columns: []string{
			schema.FieldPatientID, schema.FieldVisitID, schema.FieldEventType,
			schema.FieldEventMetadata, schema.FieldEventTimestamp, schema.FieldDeleted,
		},
	},
}

func (t table) hasColumn(name string) bool {
	for _, c := range t.columns {
		if c == name {
			return true
		}
	}
	return false
}

// Record returns the sync representation of one entity, or a NotFound
// error.
func (db *DB) Record(ctx context.Context, kind schema.EntityKind, id string) (*schema.Record, error) {
	rec, err := readRecord(ctx, db.conn, kind, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, clinic.NotFoundf("%s %s", kind, id)
	}
	return rec, nil
}

// readRecord loads a record. It returns nil, nil when the entity is absent.
func readRecord(ctx context.Context, ex executor, kind schema.EntityKind, id string) (*schema.Record, error) {
	if kind == schema.KindContent {
		return readContentRecord(ctx, ex, id)
	}
	t, ok := tables[kind]
	if !ok {
		return nil, clinic.Validationf("unknown entity kind %q", kind)
	}

	query := fmt.Sprintf(`SELECT %s, versions, origin FROM %s WHERE id = ?`,
		strings.Join(t.columns, ", "), t.name)

	values := make([]sql.NullString, len(t.columns))
	dest := make([]any, 0, len(t.columns)+2)
	for i := range values {
		dest = append(dest, &values[i])
	}
	var versionsJSON string
	var origin sql.NullString
	dest = append(dest, &versionsJSON, &origin)

	err := ex.QueryRowContext(ctx, query, id).Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, clinic.Storage(fmt.Sprintf("read %s %s", kind, id), err)
	}

	versions := map[string]int64{}
	if err := json.Unmarshal([]byte(versionsJSON), &versions); err != nil {
		return nil, clinic.Storage(fmt.Sprintf("parse versions of %s %s", kind, id), err)
	}

	rec := schema.NewRecord(kind, id)
	rec.Origin = origin.String
	for i, col := range t.columns {
		version, ok := versions[col]
		if !ok {
			continue
		}
		rec.Fields[col] = schema.FieldValue{
			Value:   values[i].String,
			Null:    !values[i].Valid,
			Version: version,
		}
	}
	return rec, nil
}

// writeRecord upserts a record. Fields the table has no column for are
// dropped.
func writeRecord(ctx context.Context, ex executor, rec *schema.Record) error {
	if rec.Kind == schema.KindContent {
		return writeContentRecord(ctx, ex, rec)
	}
	t, ok := tables[rec.Kind]
	if !ok {
		return clinic.Validationf("unknown entity kind %q", rec.Kind)
	}

	versions := map[string]int64{}
	args := []any{rec.ID}
	for _, col := range t.columns {
		f, ok := rec.Fields[col]
		if !ok {
			args = append(args, nil)
			continue
		}
		versions[col] = f.Version
		if f.Null {
			args = append(args, nil)
		} else {
			args = append(args, f.Value)
		}
	}
	versionsJSON, err := json.Marshal(versions)
	if err != nil {
		return fmt.Errorf("failed to marshal versions: %w", err)
	}
	args = append(args, string(versionsJSON), nullString(rec.Origin))

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(t.columns)+3), ", ")
	updates := make([]string, 0, len(t.columns)+2)
	for _, col := range t.columns {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
	}
	updates = append(updates, "versions = excluded.versions", "origin = excluded.origin")

	query := fmt.Sprintf(`
	INSERT INTO %s (id, %s, versions, origin) VALUES (%s)
	ON CONFLICT(id) DO UPDATE SET %s
	`, t.name, strings.Join(t.columns, ", "), placeholders, strings.Join(updates, ", "))

	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return clinic.Storage(fmt.Sprintf("write %s %s", rec.Kind, rec.ID), err)
	}
	return nil
}

// Records yields every stored record of kind, ordered by id. Each page is
// read with its own query so that no read transaction is held open between
// pages.
func (db *DB) Records(ctx context.Context, kind schema.EntityKind) iter.Seq2[*schema.Record, error] {
	return func(yield func(*schema.Record, error) bool) {
		tableName := "contents"
		if kind != schema.KindContent {
			t, ok := tables[kind]
			if !ok {
				yield(nil, clinic.Validationf("unknown entity kind %q", kind))
				return
			}
			tableName = t.name
		}

		after := ""
		for {
			ids, err := db.pageIDs(ctx, tableName, after)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(ids) == 0 {
				return
			}
			for _, id := range ids {
				rec, err := readRecord(ctx, db.conn, kind, id)
				if err != nil {
					yield(nil, err)
					return
				}
				if rec == nil {
					continue
				}
				if !yield(rec, nil) {
					return
				}
			}
			after = ids[len(ids)-1]
		}
	}
}

const pageSize = 256

func (db *DB) pageIDs(ctx context.Context, tableName, after string) ([]string, error) {
	query := fmt.Sprintf(`SELECT id FROM %s WHERE id > ? ORDER BY id LIMIT ?`, tableName)
	rows, err := db.conn.QueryContext(ctx, query, after, pageSize)
	if err != nil {
		return nil, clinic.Storage("list "+tableName, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, clinic.Storage("scan "+tableName, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, clinic.Storage("list "+tableName, err)
	}
	return ids, nil
}

// commitLocal writes the fields in changes that differ from rec, stamps
// them with a fresh version, and journals the change as pending. It
// reports whether anything was written. rec is updated in place.
func (db *DB) commitLocal(ctx context.Context, tx *sql.Tx, rec *schema.Record, changes map[string]schema.FieldValue) (bool, error) {
	changed := make(map[string]schema.FieldValue, len(changes))
	for name, v := range changes {
		if cur, ok := rec.Fields[name]; ok && cur.Equal(v) {
			continue
		}
		changed[name] = v
	}
	if len(changed) == 0 {
		return false, nil
	}

	version, err := db.nextVersion(ctx, tx)
	if err != nil {
		return false, err
	}
	for name, v := range changed {
		v.Version = version
		rec.Fields[name] = v
	}
	rec.Origin = db.deviceID

	if err := writeRecord(ctx, tx, rec); err != nil {
		return false, err
	}
	if err := recordChange(ctx, tx, schema.ChangeRef{Kind: rec.Kind, ID: rec.ID, Version: version}, true, db.cfg.Now()); err != nil {
		return false, err
	}
	return true, nil
}

// value returns a field value; an empty string is stored as NULL.
func value(s string) schema.FieldValue {
	return schema.FieldValue{Value: s, Null: s == ""}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// parseTime reads a stored timestamp column. A value that does not parse
// means the file was written by something else.
func parseTime(column, s string) (time.Time, error) {
	t, err := schema.ParseTime(s)
	if err != nil {
		return time.Time{}, clinic.Storage("parse "+column, err)
	}
	return t, nil
}
