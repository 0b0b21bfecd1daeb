package schema

import (
	"time"

	"golang.org/x/mod/semver"

	"github.com/pointcare/clinicsync/internal/clinic"
)

// ProtocolVersion is the sync protocol spoken by this build. Devices and
// instances interoperate while the major version matches.
const ProtocolVersion = "v1.1.0"

// CompatibleProtocol checks the protocol version announced by a remote.
// An empty version comes from an instance predating the announcement and
// is accepted.
func CompatibleProtocol(remote string) error {
	if remote == "" {
		return nil
	}
	if !semver.IsValid(remote) {
		return clinic.Validationf("instance announced invalid protocol version %q", remote)
	}
	if semver.Major(remote) != semver.Major(ProtocolVersion) {
		return clinic.Validationf("instance speaks protocol %s, device speaks %s", remote, ProtocolVersion)
	}
	return nil
}

// LoginRequest is the body of an authentication call.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse carries the session token and the authenticated user.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      User      `json:"user"`
	Protocol  string    `json:"protocol,omitempty"`
}

// PullRequest asks for the records changed after Since, excluding changes
// that originated on DeviceID. Limit bounds the page size; zero lets the
// remote choose.
type PullRequest struct {
	DeviceID string `json:"device_id"`
	Since    int64  `json:"since"`
	Limit    int    `json:"limit,omitempty"`
}

// PullResponse returns full records and the cursor to resume from. More is
// set when another page follows.
type PullResponse struct {
	Records []Record `json:"records"`
	Cursor  int64    `json:"cursor"`
	More    bool     `json:"more,omitempty"`
}

// PushRequest uploads locally changed records.
type PushRequest struct {
	DeviceID string   `json:"device_id"`
	Records  []Record `json:"records"`
}

// Rejection explains why a pushed record was not acknowledged.
type Rejection struct {
	Ref    ChangeRef `json:"ref"`
	Reason string    `json:"reason"`
}

// PushResponse lists the records the remote stored.
type PushResponse struct {
	Acknowledged []ChangeRef `json:"acknowledged"`
	Rejected     []Rejection `json:"rejected,omitempty"`
	Cursor       int64       `json:"cursor"`
}
