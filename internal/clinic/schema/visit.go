package schema

import (
	"time"

	"github.com/pointcare/clinicsync/internal/clinic"
)

// Visit is one encounter of a patient at a clinic.
type Visit struct {
	ID               string    `json:"id"`
	PatientID        string    `json:"patient_id"`
	ClinicID         string    `json:"clinic_id,omitempty"`
	ProviderID       string    `json:"provider_id,omitempty"`
	CheckInTimestamp time.Time `json:"check_in_timestamp"`
}

// Validate checks the visit before it is stored.
func (v *Visit) Validate() error {
	if err := ValidateID(v.ID); err != nil {
		return err
	}
	if err := ValidateID(v.PatientID); err != nil {
		return clinic.Validationf("patient_id: %v", err)
	}
	if v.ProviderID != "" {
		if err := ValidateID(v.ProviderID); err != nil {
			return clinic.Validationf("provider_id: %v", err)
		}
	}
	if v.CheckInTimestamp.IsZero() {
		return clinic.Validationf("check_in_timestamp is required")
	}
	return nil
}

// PatientVisit pairs a patient with one of its visits, for date-range
// summaries.
type PatientVisit struct {
	Patient Patient `json:"patient"`
	Visit   Visit   `json:"visit"`
}
