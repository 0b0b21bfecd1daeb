package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pointcare/clinicsync/internal/clinic"
)

// Metadata is the decoded payload of an event. The concrete type depends
// on the event type:
//
//	Vitals                                    -> *VitalsMetadata
//	Physiotherapy                             -> *PhysiotherapyMetadata
//	ExaminationFull, Medicine,
//	MedicalHistoryFull, Covid19Screening      -> *FormMetadata
//	Complaint, DentalTreatment, Notes, Camp,
//	VisitType, PatientSummary                 -> *TextMetadata
type Metadata interface {
	EventType() EventType
}

// TextMetadata is free text.
type TextMetadata struct {
	Type EventType
	Text string
}

func (m *TextMetadata) EventType() EventType { return m.Type }

// VitalsMetadata holds vital signs as entered on the form.
type VitalsMetadata struct {
	HeartRate       string `json:"heartRate,omitempty"`
	Systolic        string `json:"systolic,omitempty"`
	Diastolic       string `json:"diastolic,omitempty"`
	Sats            string `json:"sats,omitempty"`
	Temp            string `json:"temp,omitempty"`
	RespiratoryRate string `json:"respiratoryRate,omitempty"`
	Weight          string `json:"weight,omitempty"`
	BloodGlucose    string `json:"bloodGlucose,omitempty"`
}

func (m *VitalsMetadata) EventType() EventType { return EventVitals }

// PhysiotherapyMetadata holds a physiotherapy session.
type PhysiotherapyMetadata struct {
	Doctor                string `json:"doctor,omitempty"`
	PreviousTreatment     bool   `json:"previousTreatment,omitempty"`
	PreviousTreatmentText string `json:"previousTreatmentText,omitempty"`
	Complaint             string `json:"complaint,omitempty"`
	Findings              string `json:"findings,omitempty"`
	TreatmentPlan         string `json:"treatmentPlan,omitempty"`
	TreatmentSession      string `json:"treatmentSession,omitempty"`
	Recommendations       string `json:"recommendations,omitempty"`
	Referral              bool   `json:"referral,omitempty"`
	ReferralText          string `json:"referralText,omitempty"`
}

func (m *PhysiotherapyMetadata) EventType() EventType { return EventPhysiotherapy }

// FormMetadata holds a structured form whose fields are not interpreted by
// the store. It must be a JSON object.
type FormMetadata struct {
	Type   EventType
	Fields map[string]any
}

func (m *FormMetadata) EventType() EventType { return m.Type }

// DecodeMetadata decodes raw according to t. An empty raw string decodes to
// nil metadata (a draft).
func DecodeMetadata(t EventType, raw string) (Metadata, error) {
	if !t.Valid() {
		return nil, clinic.Validationf("unknown event type %q", t)
	}
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	if t.IsText() {
		return &TextMetadata{Type: t, Text: raw}, nil
	}

	switch t {
	case EventVitals:
		var m VitalsMetadata
		if err := decodeStrict(raw, &m); err != nil {
			return nil, clinic.Validationf("invalid %s metadata: %v", t, err)
		}
		return &m, nil
	case EventPhysiotherapy:
		var m PhysiotherapyMetadata
		if err := decodeStrict(raw, &m); err != nil {
			return nil, clinic.Validationf("invalid %s metadata: %v", t, err)
		}
		return &m, nil
	default:
		fields := map[string]any{}
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return nil, clinic.Validationf("invalid %s metadata: must be a JSON object: %v", t, err)
		}
		return &FormMetadata{Type: t, Fields: fields}, nil
	}
}

// EncodeMetadata renders m in the string form stored on an event.
func EncodeMetadata(m Metadata) (string, error) {
	switch v := m.(type) {
	case nil:
		return "", nil
	case *TextMetadata:
		return v.Text, nil
	case *FormMetadata:
		data, err := json.Marshal(v.Fields)
		if err != nil {
			return "", fmt.Errorf("failed to marshal %s metadata: %w", v.Type, err)
		}
		return string(data), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to marshal %s metadata: %w", m.EventType(), err)
		}
		return string(data), nil
	}
}

func decodeStrict(raw string, v any) error {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
