package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pointcare/clinicsync/internal/clinic"
)

// NewID returns a fresh canonical id (lowercase hyphenated UUID).
func NewID() string {
	return uuid.NewString()
}

// ValidateID checks that id is a canonical UUID string. Ids are never
// reformatted, so anything but the canonical form is rejected.
func ValidateID(id string) error {
	if id == "" {
		return clinic.Validationf("id is required")
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return clinic.Validationf("invalid id %q: %v", id, err)
	}
	if parsed.String() != id {
		return clinic.Validationf("id %q is not in canonical form", id)
	}
	return nil
}

// TimeLayout is the fixed-width UTC layout used for stored timestamps.
// Values in this layout sort lexically in chronological order.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a timestamp written by FormatTime. RFC 3339 values are
// also accepted.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// DateLayout is the layout of a date of birth.
const DateLayout = "2006-01-02"

func validateDate(s string) error {
	if s == "" {
		return nil
	}
	if _, err := time.Parse(DateLayout, strings.TrimSpace(s)); err != nil {
		return clinic.Validationf("date_of_birth %q must be YYYY-MM-DD", s)
	}
	return nil
}
