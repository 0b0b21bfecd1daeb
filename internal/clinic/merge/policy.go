// Package merge reconciles two versions of a record field by field.
//
// The same code runs on a device (current = local row, incoming = pulled
// record) and on the reference server (current = stored record, incoming =
// pushed record). Which side wins a field is decided by a Policy.
package merge

import (
	"fmt"

	"github.com/pointcare/clinicsync/internal/clinic"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
)

// Policy decides, for one field present on both sides with different
// data, whether the incoming value replaces the current one.
type Policy interface {
	Name() string
	Resolve(ref schema.ChangeRef, field string, current, incoming schema.FieldValue) (takeIncoming bool, err error)
}

// Policy names accepted by ParsePolicy.
const (
	PolicyLastWriterWins = "lww"
	PolicyServerWins     = "server-wins"
	PolicyStrict         = "strict"
)

// ParsePolicy returns the device-side policy called name.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", PolicyLastWriterWins:
		return LastWriterWins{}, nil
	case PolicyServerWins:
		return ServerWins{}, nil
	case PolicyStrict:
		return Strict{}, nil
	default:
		return nil, fmt.Errorf("unknown conflict policy %q (want %s, %s or %s)",
			name, PolicyLastWriterWins, PolicyServerWins, PolicyStrict)
	}
}

// LastWriterWins keeps the value with the greater version. Exact ties go
// to the incoming value unless PreferCurrent is set; a device pulls with
// ties going to the server, and the server stores pushes with
// PreferCurrent so its own value stays.
type LastWriterWins struct {
	PreferCurrent bool
}

func (p LastWriterWins) Name() string { return PolicyLastWriterWins }

func (p LastWriterWins) Resolve(_ schema.ChangeRef, _ string, current, incoming schema.FieldValue) (bool, error) {
	switch {
	case incoming.Version > current.Version:
		return true, nil
	case incoming.Version < current.Version:
		return false, nil
	default:
		return !p.PreferCurrent, nil
	}
}

// ServerWins always takes the incoming (server) value.
type ServerWins struct{}

func (ServerWins) Name() string { return PolicyServerWins }

func (ServerWins) Resolve(schema.ChangeRef, string, schema.FieldValue, schema.FieldValue) (bool, error) {
	return true, nil
}

// Strict behaves like LastWriterWins but refuses to pick between two
// different values written at the same version.
type Strict struct{}

func (Strict) Name() string { return PolicyStrict }

func (Strict) Resolve(ref schema.ChangeRef, field string, current, incoming schema.FieldValue) (bool, error) {
	if incoming.Version == current.Version {
		return false, clinic.Conflictf("%s field %s written concurrently at version %d", ref, field, current.Version)
	}
	return incoming.Version > current.Version, nil
}
