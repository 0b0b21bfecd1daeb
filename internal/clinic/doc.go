// Package clinic holds the error taxonomy shared by the clinic data store,
// the sync engine and the remote transport.
//
// The subpackages are layered leaf-first:
//
//   - schema: entity types, canonical ids, event metadata and wire records
//   - merge: conflict policies applied to pulled and pushed records
//   - db: the embedded SQLite store (content, entities, change journal, checkpoints)
//   - sync: the sync engine state machine
//   - remote: HTTP client and reference server for a remote instance
//   - daemon, dashboard, export: background sync, live status and backups
package clinic
