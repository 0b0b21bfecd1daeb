// Package schema defines the clinic entities and the records exchanged
// with a remote instance.
//
// # Entities
//
// Patient, Visit, Event and User are the rows of the entity store. Text
// that needs translation (names, places) is held in a LanguageString, a
// view of one content record: an opaque id plus a language-code to text
// mapping.
//
// # Records
//
// Every entity travels between devices and the remote as a Record: kind,
// id and a set of fields, each carrying its own logical version. Merging
// two records is done field by field (for content records, language by
// language), so independent edits to different fields never overwrite each
// other:
//
//	{
//	  "kind": "patient",
//	  "id": "0d6f5f0e-6f0b-4b8e-9f62-5a3c1d6c2a10",
//	  "version": 1735689600123,
//	  "fields": {
//	    "surname": {"value": "6c1f...", "version": 1735689600123},
//	    "phone":   {"value": "+961 70 000000", "version": 1735689500000}
//	  }
//	}
//
// # Event Metadata
//
// Event metadata is stored as a string whose interpretation depends on the
// event type. DecodeMetadata turns it into one of the typed variants
// (TextMetadata, VitalsMetadata, PhysiotherapyMetadata, FormMetadata).
package schema
