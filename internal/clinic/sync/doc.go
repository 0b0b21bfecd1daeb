// Package sync reconciles a device's clinic store with a remote instance.
//
// # Overview
//
// One call to PerformSync runs a state machine:
//
//	Idle → Authenticating → Pulling → Merging → Pushing → Committing → Idle
//	                 ↘          ↘         ↘          ↘           ↘
//	                                 Failed
//
//   - Authenticating exchanges (instance_url, email, password) for a session.
//     A failure aborts with an AuthError and the state returns to Idle.
//   - Pulling reads every remote record changed after the checkpoint cursor.
//   - Merging applies the pulled records in one transaction, field by field,
//     with the configured conflict policy (last writer wins by default).
//   - Pushing uploads the pending journal entries the pull did not already
//     cover, in batches.
//   - Committing marks acknowledged entries pushed and advances the
//     checkpoint, but only when the remote acknowledged everything.
//
// Any failure leaves the checkpoint where it was. Pulling and merging are
// idempotent and pending entries stay pending until acknowledged, so the
// next PerformSync is always safe to issue.
//
// # Concurrency
//
// At most one sync per instance URL runs at a time; a concurrent request
// returns a failed Result whose cause is clinic.ErrSyncInProgress. Local
// reads and writes are never blocked by a running sync.
//
// # Usage
//
//	store, err := db.Open("clinic.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	syncer := sync.New(store, remote.NewClient(nil), nil)
//	result := syncer.PerformSync(ctx, "https://clinic.example.org", email, password)
//	if !result.Success {
//	    log.Printf("sync failed at %s: %v", result.Stage, result.Cause)
//	}
package sync
