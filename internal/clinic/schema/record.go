package schema

import (
	"fmt"

	"github.com/pointcare/clinicsync/internal/clinic"
)

// EntityKind identifies the table a record belongs to.
type EntityKind string

const (
	KindContent EntityKind = "content"
	KindUser    EntityKind = "user"
	KindPatient EntityKind = "patient"
	KindVisit   EntityKind = "visit"
	KindEvent   EntityKind = "event"
)

// Kinds lists entity kinds in apply order: referenced records before the
// records that reference them.
var Kinds = []EntityKind{KindContent, KindUser, KindPatient, KindVisit, KindEvent}

// Valid reports whether k is a known kind.
func (k EntityKind) Valid() bool {
	return k.Order() >= 0
}

// Order returns the position of k in Kinds, or -1.
func (k EntityKind) Order() int {
	for i, kind := range Kinds {
		if kind == k {
			return i
		}
	}
	return -1
}

// Field names shared by several kinds.
const (
	FieldDeleted = "deleted"
)

// Fields of a patient record. Name and place fields hold content record ids.
const (
	FieldGivenName              = "given_name"
	FieldSurname                = "surname"
	FieldCountry                = "country"
	FieldHometown               = "hometown"
	FieldSection                = "section"
	FieldDateOfBirth            = "date_of_birth"
	FieldSex                    = "sex"
	FieldPhone                  = "phone"
	FieldSerialNumber           = "serial_number"
	FieldCamp                   = "camp"
	FieldRegisteredByProviderID = "registered_by_provider_id"
	FieldRegisteredAt           = "registered_at"
)

// Fields of a visit record.
const (
	FieldPatientID        = "patient_id"
	FieldClinicID         = "clinic_id"
	FieldProviderID       = "provider_id"
	FieldCheckInTimestamp = "check_in_timestamp"
)

// Fields of an event record.
const (
	FieldVisitID        = "visit_id"
	FieldEventType      = "event_type"
	FieldEventMetadata  = "event_metadata"
	FieldEventTimestamp = "event_timestamp"
)

// Fields of a user record.
const (
	FieldName        = "name"
	FieldRole        = "role"
	FieldEmail       = "email"
	FieldUserPhone   = "phone"
	FieldInstanceURL = "instance_url"
)

// FieldValue is one field of a record with the logical version at which it
// was last written. Null distinguishes an unset field from an empty string.
type FieldValue struct {
	Value   string `json:"value"`
	Null    bool   `json:"null,omitempty"`
	Version int64  `json:"version"`
}

// Equal reports whether two values carry the same data, ignoring versions.
func (v FieldValue) Equal(o FieldValue) bool {
	if v.Null || o.Null {
		return v.Null == o.Null
	}
	return v.Value == o.Value
}

// Record is the sync representation of one entity. For content records the
// field names are language codes.
type Record struct {
	Kind   EntityKind            `json:"kind"`
	ID     string                `json:"id"`
	Origin string                `json:"origin,omitempty"`
	Fields map[string]FieldValue `json:"fields"`
}

// NewRecord returns an empty record.
func NewRecord(kind EntityKind, id string) *Record {
	return &Record{Kind: kind, ID: id, Fields: map[string]FieldValue{}}
}

// Version returns the highest field version.
func (r *Record) Version() int64 {
	var max int64
	for _, f := range r.Fields {
		if f.Version > max {
			max = f.Version
		}
	}
	return max
}

// Get returns the value of field name and whether it is set (present and
// not null).
func (r *Record) Get(name string) (string, bool) {
	f, ok := r.Fields[name]
	if !ok || f.Null {
		return "", false
	}
	return f.Value, true
}

// IsDeleted reports whether the record carries a tombstone.
func (r *Record) IsDeleted() bool {
	v, ok := r.Get(FieldDeleted)
	return ok && v == "1"
}

// Ref returns the change reference for the record at its current version.
func (r *Record) Ref() ChangeRef {
	return ChangeRef{Kind: r.Kind, ID: r.ID, Version: r.Version()}
}

// Validate checks the record envelope.
func (r *Record) Validate() error {
	if !r.Kind.Valid() {
		return clinic.Validationf("unknown entity kind %q", r.Kind)
	}
	if err := ValidateID(r.ID); err != nil {
		return err
	}
	if len(r.Fields) == 0 {
		return clinic.Validationf("%s %s has no fields", r.Kind, r.ID)
	}
	for name, f := range r.Fields {
		if name == "" {
			return clinic.Validationf("%s %s has an unnamed field", r.Kind, r.ID)
		}
		if f.Version <= 0 {
			return clinic.Validationf("%s %s field %s has no version", r.Kind, r.ID, name)
		}
		if r.Kind != KindContent && timestampFields[name] && !f.Null {
			if _, err := ParseTime(f.Value); err != nil {
				return clinic.Validationf("%s %s field %s: %v", r.Kind, r.ID, name, err)
			}
		}
	}
	return nil
}

// timestampFields hold FormatTime values.
var timestampFields = map[string]bool{
	FieldRegisteredAt:     true,
	FieldCheckInTimestamp: true,
	FieldEventTimestamp:   true,
}

// ChangeRef names one version of one entity.
type ChangeRef struct {
	Kind    EntityKind `json:"kind"`
	ID      string     `json:"id"`
	Version int64      `json:"version"`
}

// Key returns "kind/id".
func (c ChangeRef) Key() string {
	return RecordKey(c.Kind, c.ID)
}

func (c ChangeRef) String() string {
	return fmt.Sprintf("%s/%s@%d", c.Kind, c.ID, c.Version)
}

// RecordKey returns the map key used for an entity.
func RecordKey(kind EntityKind, id string) string {
	return string(kind) + "/" + id
}
