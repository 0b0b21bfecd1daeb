package merge

import (
	"sort"

	"github.com/pointcare/clinicsync/internal/clinic/schema"
)

// immutable lists fields that keep their first value once stored.
var immutable = map[schema.EntityKind]map[string]bool{
	schema.KindPatient: {schema.FieldRegisteredAt: true},
	schema.KindVisit:   {schema.FieldPatientID: true},
	schema.KindEvent:   {schema.FieldPatientID: true, schema.FieldEventType: true},
}

// IsImmutable reports whether field of kind can no longer change once set.
func IsImmutable(kind schema.EntityKind, field string) bool {
	return immutable[kind][field]
}

// Result is the outcome of merging one record.
type Result struct {
	// Merged is the record to store. It is a new value; inputs are not
	// modified.
	Merged *schema.Record

	// Changed reports whether Merged differs from current (data or
	// versions) and must be written.
	Changed bool

	// CurrentAhead reports whether Merged holds anything incoming does not:
	// a field incoming lacks, or a value incoming has older or different.
	// When false, a pending local change of this record would only echo
	// incoming back to its origin.
	CurrentAhead bool

	// Taken lists, sorted, the fields whose data came from incoming.
	Taken []string
}

// Records merges incoming into current field by field. current may be nil
// for a record unknown on this side.
func Records(current, incoming *schema.Record, policy Policy) (*Result, error) {
	merged := schema.NewRecord(incoming.Kind, incoming.ID)
	res := &Result{Merged: merged}

	if current == nil {
		for name, f := range incoming.Fields {
			merged.Fields[name] = f
			res.Taken = append(res.Taken, name)
		}
		merged.Origin = incoming.Origin
		res.Changed = len(merged.Fields) > 0
		sort.Strings(res.Taken)
		return res, nil
	}

	merged.Origin = current.Origin
	ref := schema.ChangeRef{Kind: current.Kind, ID: current.ID, Version: current.Version()}

	for _, name := range sortedFields(current) {
		cur := current.Fields[name]
		in, ok := incoming.Fields[name]
		if !ok {
			merged.Fields[name] = cur
			continue
		}

		if in.Equal(cur) {
			f := cur
			if in.Version > f.Version {
				f.Version = in.Version
				res.Changed = true
			}
			merged.Fields[name] = f
			continue
		}

		if IsImmutable(current.Kind, name) && !cur.Null {
			merged.Fields[name] = cur
			continue
		}

		take, err := policy.Resolve(ref, name, cur, in)
		if err != nil {
			return nil, err
		}
		if take {
			merged.Fields[name] = in
			res.Taken = append(res.Taken, name)
			res.Changed = true
		} else {
			merged.Fields[name] = cur
		}
	}

	for name, in := range incoming.Fields {
		if _, ok := current.Fields[name]; ok {
			continue
		}
		merged.Fields[name] = in
		res.Taken = append(res.Taken, name)
		res.Changed = true
	}

	if len(res.Taken) > 0 {
		merged.Origin = incoming.Origin
	}
	res.CurrentAhead = !Covers(incoming, merged)
	sort.Strings(res.Taken)
	return res, nil
}

// Covers reports whether every field of r is present in by with the same
// data at the same or a newer version.
func Covers(by, r *schema.Record) bool {
	for name, f := range r.Fields {
		o, ok := by.Fields[name]
		if !ok || !o.Equal(f) || o.Version < f.Version {
			return false
		}
	}
	return true
}

func sortedFields(r *schema.Record) []string {
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
