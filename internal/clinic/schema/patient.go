package schema

import (
	"strconv"
	"strings"
	"time"

	"github.com/pointcare/clinicsync/internal/clinic"
)

// Sex values recorded at registration.
const (
	SexMale   = "M"
	SexFemale = "F"
)

// Patient is a registered patient. Name and place fields are multilingual.
type Patient struct {
	ID string `json:"id"`

	GivenName LanguageString `json:"given_name"`
	Surname   LanguageString `json:"surname"`
	Country   LanguageString `json:"country"`
	Hometown  LanguageString `json:"hometown"`
	Section   LanguageString `json:"section"`

	DateOfBirth            string `json:"date_of_birth,omitempty"` // YYYY-MM-DD
	Sex                    string `json:"sex,omitempty"`           // M or F
	Phone                  string `json:"phone,omitempty"`
	SerialNumber           string `json:"serial_number,omitempty"`
	Camp                   string `json:"camp,omitempty"`
	RegisteredByProviderID string `json:"registered_by_provider_id,omitempty"`

	RegisteredAt time.Time `json:"registered_at"`
}

// Validate checks the fields required to register a patient.
func (p *Patient) Validate() error {
	if err := ValidateID(p.ID); err != nil {
		return err
	}
	if p.GivenName.IsBlank() {
		return clinic.Validationf("given_name is required")
	}
	if p.Surname.IsBlank() {
		return clinic.Validationf("surname is required")
	}
	if err := validateDate(p.DateOfBirth); err != nil {
		return err
	}
	if err := validateSex(p.Sex); err != nil {
		return err
	}
	if p.RegisteredByProviderID != "" {
		if err := ValidateID(p.RegisteredByProviderID); err != nil {
			return err
		}
	}
	return nil
}

// BirthYear returns the year part of DateOfBirth.
func (p *Patient) BirthYear() (int, bool) {
	if len(p.DateOfBirth) < 4 {
		return 0, false
	}
	year, err := strconv.Atoi(p.DateOfBirth[:4])
	if err != nil {
		return 0, false
	}
	return year, true
}

func validateSex(sex string) error {
	switch sex {
	case "", SexMale, SexFemale:
		return nil
	default:
		return clinic.Validationf("sex must be %q or %q (got %q)", SexMale, SexFemale, sex)
	}
}

// PatientPatch is a partial update of a patient. Nil fields are left
// unchanged. Multilingual fields carry the text for the editing language
// only; the other languages of the content record are preserved.
type PatientPatch struct {
	ID string

	GivenName *string
	Surname   *string
	Country   *string
	Hometown  *string
	Section   *string

	DateOfBirth  *string
	Sex          *string
	Phone        *string
	SerialNumber *string
	Camp         *string
}

// Validate checks the values being set.
func (p *PatientPatch) Validate() error {
	if err := ValidateID(p.ID); err != nil {
		return err
	}
	if p.GivenName != nil && strings.TrimSpace(*p.GivenName) == "" {
		return clinic.Validationf("given_name cannot be cleared")
	}
	if p.Surname != nil && strings.TrimSpace(*p.Surname) == "" {
		return clinic.Validationf("surname cannot be cleared")
	}
	if p.DateOfBirth != nil {
		if err := validateDate(*p.DateOfBirth); err != nil {
			return err
		}
	}
	if p.Sex != nil {
		if err := validateSex(*p.Sex); err != nil {
			return err
		}
	}
	return nil
}

// PatientFilter selects patients. All set filters must match. Text
// filters are case-insensitive substrings; the age pair is turned into an
// inclusive birth-year range.
type PatientFilter struct {
	GivenName string
	Surname   string
	Country   string
	Hometown  string
	Camp      string
	Phone     string

	MinAge int
	MaxAge int

	// Now anchors the age range. Zero means time.Now().
	Now time.Time
}

// BirthYearRange returns the inclusive birth-year range for the age
// filter. The range applies only when MaxAge > 0 and MaxAge >= MinAge.
func (f PatientFilter) BirthYearRange() (minYear, maxYear int, ok bool) {
	if f.MaxAge <= 0 || f.MaxAge < f.MinAge {
		return 0, 0, false
	}
	now := f.Now
	if now.IsZero() {
		now = time.Now()
	}
	year := now.Year()
	return year - f.MaxAge, year - f.MinAge, true
}

// IsEmpty reports whether no filter is set.
func (f PatientFilter) IsEmpty() bool {
	_, _, ages := f.BirthYearRange()
	return !ages && f.GivenName == "" && f.Surname == "" && f.Country == "" &&
		f.Hometown == "" && f.Camp == "" && f.Phone == ""
}
