package db

import (
	"context"
	"database/sql"
	"sort"

	"github.com/pointcare/clinicsync/internal/clinic/merge"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
)

// ApplyResult summarizes one ApplyRemote call.
type ApplyResult struct {
	// Applied counts records whose local row changed.
	Applied int

	// Unchanged counts records that were already up to date.
	Unchanged int

	// Rejected lists records that failed validation and were skipped.
	Rejected []schema.Rejection

	// Superseded lists pending local changes that the pulled records fully
	// cover. Pushing them would echo the remote's own data back.
	Superseded []schema.ChangeRef
}

// ApplyRemote merges pulled records into the store in a single
// transaction: either every record is merged or, on error or context
// cancellation, none is. Records are applied in kind order (content and
// users before patients, visits and events). Merged changes are journaled
// as non-pending and advance the device clock.
func (db *DB) ApplyRemote(ctx context.Context, records []schema.Record, policy merge.Policy) (*ApplyResult, error) {
	ordered := make([]schema.Record, len(records))
	copy(ordered, records)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Kind.Order() < ordered[j].Kind.Order()
	})

	result := &ApplyResult{}
	err := db.withTx(ctx, "apply remote records", func(tx *sql.Tx) error {
		var maxVersion int64
		for i := range ordered {
			incoming := &ordered[i]
			if err := incoming.Validate(); err != nil {
				result.Rejected = append(result.Rejected, schema.Rejection{Ref: incoming.Ref(), Reason: err.Error()})
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			current, err := readRecord(ctx, tx, incoming.Kind, incoming.ID)
			if err != nil {
				return err
			}
			res, err := merge.Records(current, incoming, policy)
			if err != nil {
				return err
			}
			maxVersion = max(maxVersion, incoming.Version())

			if res.Changed {
				if err := writeRecord(ctx, tx, res.Merged); err != nil {
					return err
				}
				ref := schema.ChangeRef{Kind: incoming.Kind, ID: incoming.ID, Version: res.Merged.Version()}
				if err := recordChange(ctx, tx, ref, false, db.cfg.Now()); err != nil {
					return err
				}
				result.Applied++
			} else {
				result.Unchanged++
			}

			if res.CurrentAhead {
				continue
			}
			entry, err := journalEntry(ctx, tx, incoming.Kind, incoming.ID)
			if err != nil {
				return err
			}
			if entry != nil && entry.Pending {
				result.Superseded = append(result.Superseded, entry.Ref)
			}
		}
		return observeVersion(ctx, tx, maxVersion)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
