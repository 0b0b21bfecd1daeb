package schema

import (
	"strings"
	"time"

	"github.com/pointcare/clinicsync/internal/clinic"
)

// EventType is the closed set of clinical event kinds.
type EventType string

const (
	EventVitals             EventType = "Vitals"
	EventExaminationFull    EventType = "ExaminationFull"
	EventMedicine           EventType = "Medicine"
	EventMedicalHistoryFull EventType = "MedicalHistoryFull"
	EventPhysiotherapy      EventType = "Physiotherapy"
	EventComplaint          EventType = "Complaint"
	EventDentalTreatment    EventType = "DentalTreatment"
	EventNotes              EventType = "Notes"
	EventCovid19Screening   EventType = "Covid19Screening"
	EventVisitType          EventType = "VisitType"
	EventCamp               EventType = "Camp"
	EventPatientSummary     EventType = "PatientSummary"
)

// EventTypes lists every known event type.
var EventTypes = []EventType{
	EventVitals, EventExaminationFull, EventMedicine, EventMedicalHistoryFull,
	EventPhysiotherapy, EventComplaint, EventDentalTreatment, EventNotes,
	EventCovid19Screening, EventVisitType, EventCamp, EventPatientSummary,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsText reports whether metadata of this type is free text.
func (t EventType) IsText() bool {
	switch t {
	case EventComplaint, EventDentalTreatment, EventNotes, EventCamp, EventVisitType, EventPatientSummary:
		return true
	}
	return false
}

// ParseEventType returns the event type named s.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", clinic.Validationf("unknown event type %q", s)
	}
	return t, nil
}

// Event is a clinical record. VisitID is empty for patient-level events
// such as a camp assignment or the running patient summary.
type Event struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patient_id"`
	VisitID   string    `json:"visit_id,omitempty"`
	Type      EventType `json:"event_type"`
	Metadata  string    `json:"event_metadata"`
	Timestamp time.Time `json:"event_timestamp"`
}

// Validate checks the event and that its metadata decodes for its type.
// Empty metadata is allowed: it marks a draft.
func (e *Event) Validate() error {
	if err := ValidateID(e.ID); err != nil {
		return err
	}
	if err := ValidateID(e.PatientID); err != nil {
		return clinic.Validationf("patient_id: %v", err)
	}
	if e.VisitID != "" {
		if err := ValidateID(e.VisitID); err != nil {
			return clinic.Validationf("visit_id: %v", err)
		}
	}
	if !e.Type.Valid() {
		return clinic.Validationf("unknown event type %q", e.Type)
	}
	if e.Timestamp.IsZero() {
		return clinic.Validationf("event_timestamp is required")
	}
	if _, err := DecodeMetadata(e.Type, e.Metadata); err != nil {
		return err
	}
	return nil
}

// IsDraft reports whether the event has no metadata yet.
func (e *Event) IsDraft() bool {
	return strings.TrimSpace(e.Metadata) == ""
}

// IsPatientLevel reports whether the event is not tied to a visit.
func (e *Event) IsPatientLevel() bool {
	return e.VisitID == ""
}

// Decode returns the typed metadata of the event.
func (e *Event) Decode() (Metadata, error) {
	return DecodeMetadata(e.Type, e.Metadata)
}
