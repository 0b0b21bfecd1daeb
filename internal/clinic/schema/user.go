package schema

import (
	"strings"

	"github.com/pointcare/clinicsync/internal/clinic"
)

// User roles.
const (
	RoleProvider = "provider"
	RoleAdmin    = "admin"
)

// User is a provider account, authenticated against InstanceURL.
type User struct {
	ID          string         `json:"id"`
	Name        LanguageString `json:"name"`
	Role        string         `json:"role"`
	Email       string         `json:"email"`
	Phone       string         `json:"phone,omitempty"`
	InstanceURL string         `json:"instance_url,omitempty"`
}

// Validate checks the user before it is stored.
func (u *User) Validate() error {
	if err := ValidateID(u.ID); err != nil {
		return err
	}
	if u.Name.IsBlank() {
		return clinic.Validationf("name is required")
	}
	if !strings.Contains(u.Email, "@") {
		return clinic.Validationf("email %q is invalid", u.Email)
	}
	if u.Role == "" {
		return clinic.Validationf("role is required")
	}
	return nil
}
