package db

import (
	"context"
	"database/sql"
	"iter"
	"time"

	"github.com/pointcare/clinicsync/internal/clinic"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
)

// JournalEntry is one row of the change journal.
type JournalEntry struct {
	Ref           schema.ChangeRef `json:"ref"`
	Pending       bool             `json:"pending"`
	PushedVersion int64            `json:"pushed_version"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// RecordChange journals a local change of (kind, id) at version and marks
// it pending. It is monotonic: if the entry already has a version >= the
// given one the call does nothing.
func (db *DB) RecordChange(ctx context.Context, kind schema.EntityKind, id string, version int64) error {
	if !kind.Valid() {
		return clinic.Validationf("unknown entity kind %q", kind)
	}
	return recordChange(ctx, db.conn, schema.ChangeRef{Kind: kind, ID: id, Version: version}, true, db.cfg.Now())
}

// recordChange upserts a journal entry when version is newer than the
// stored one. A non-pending write (a merged remote change) raises the
// version but never clears a pending flag.
func recordChange(ctx context.Context, ex executor, ref schema.ChangeRef, pending bool, now time.Time) error {
	_, err := ex.ExecContext(ctx, `
	INSERT INTO change_journal (entity_kind, entity_id, version, pending, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(entity_kind, entity_id) DO UPDATE SET
		version = excluded.version,
		pending = MAX(change_journal.pending, excluded.pending),
		updated_at = excluded.updated_at
	WHERE excluded.version > change_journal.version
	`, string(ref.Kind), ref.ID, ref.Version, boolToInt(pending), schema.FormatTime(now))
	if err != nil {
		return clinic.Storage("journal "+ref.String(), err)
	}
	return nil
}

// PendingChanges yields the entries waiting to be pushed, oldest version
// first. The sequence is lazy and does not consume anything: iterating it
// again starts over, so a failed sync can simply retry.
func (db *DB) PendingChanges(ctx context.Context) iter.Seq2[schema.ChangeRef, error] {
	return func(yield func(schema.ChangeRef, error) bool) {
		var last schema.ChangeRef
		first := true
		for {
			page, err := db.pendingPage(ctx, last, first)
			if err != nil {
				yield(schema.ChangeRef{}, err)
				return
			}
			for _, ref := range page {
				if !yield(ref, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			last = page[len(page)-1]
			first = false
		}
	}
}

func (db *DB) pendingPage(ctx context.Context, after schema.ChangeRef, first bool) ([]schema.ChangeRef, error) {
	var rows *sql.Rows
	var err error
	if first {
		rows, err = db.conn.QueryContext(ctx, `
		SELECT entity_kind, entity_id, version FROM change_journal
		WHERE pending = 1
		ORDER BY version, entity_kind, entity_id
		LIMIT ?
		`, pageSize)
	} else {
		rows, err = db.conn.QueryContext(ctx, `
		SELECT entity_kind, entity_id, version FROM change_journal
		WHERE pending = 1 AND (version, entity_kind, entity_id) > (?, ?, ?)
		ORDER BY version, entity_kind, entity_id
		LIMIT ?
		`, after.Version, string(after.Kind), after.ID, pageSize)
	}
	if err != nil {
		return nil, clinic.Storage("list pending changes", err)
	}
	defer rows.Close()

	var page []schema.ChangeRef
	for rows.Next() {
		var ref schema.ChangeRef
		var kind string
		if err := rows.Scan(&kind, &ref.ID, &ref.Version); err != nil {
			return nil, clinic.Storage("scan pending change", err)
		}
		ref.Kind = schema.EntityKind(kind)
		page = append(page, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, clinic.Storage("list pending changes", err)
	}
	return page, nil
}

// PendingCount returns the number of entries waiting to be pushed.
func (db *DB) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM change_journal WHERE pending = 1`).Scan(&n); err != nil {
		return 0, clinic.Storage("count pending changes", err)
	}
	return n, nil
}

// MarkPushed clears the pending flag of (kind, id) if its journaled
// version is not newer than version. A change made while the push was in
// flight therefore stays pending. The call is idempotent.
func (db *DB) MarkPushed(ctx context.Context, kind schema.EntityKind, id string, version int64) error {
	return markPushed(ctx, db.conn, schema.ChangeRef{Kind: kind, ID: id, Version: version})
}

func markPushed(ctx context.Context, ex executor, ref schema.ChangeRef) error {
	_, err := ex.ExecContext(ctx, `
	UPDATE change_journal
	SET pending = 0, pushed_version = MAX(pushed_version, ?)
	WHERE entity_kind = ? AND entity_id = ? AND version <= ?
	`, ref.Version, string(ref.Kind), ref.ID, ref.Version)
	if err != nil {
		return clinic.Storage("mark pushed "+ref.String(), err)
	}
	return nil
}

// MarkPending journals refs as pending local changes, raising each entry's
// version to at least the given one. Import uses it to restore the unsynced
// writes of a device backup.
func (db *DB) MarkPending(ctx context.Context, refs []schema.ChangeRef) error {
	if len(refs) == 0 {
		return nil
	}
	now := schema.FormatTime(db.cfg.Now())
	return db.withTx(ctx, "mark pending", func(tx *sql.Tx) error {
		for _, ref := range refs {
			if !ref.Kind.Valid() {
				return clinic.Validationf("unknown entity kind %q", ref.Kind)
			}
			_, err := tx.ExecContext(ctx, `
			INSERT INTO change_journal (entity_kind, entity_id, version, pending, updated_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT(entity_kind, entity_id) DO UPDATE SET
				version = MAX(change_journal.version, excluded.version),
				pending = 1,
				updated_at = excluded.updated_at
			`, string(ref.Kind), ref.ID, ref.Version, now)
			if err != nil {
				return clinic.Storage("mark pending "+ref.String(), err)
			}
		}
		return nil
	})
}

// JournalEntry returns the journal entry of (kind, id), or nil if the
// entity was never journaled.
func (db *DB) JournalEntry(ctx context.Context, kind schema.EntityKind, id string) (*JournalEntry, error) {
	return journalEntry(ctx, db.conn, kind, id)
}

func journalEntry(ctx context.Context, ex executor, kind schema.EntityKind, id string) (*JournalEntry, error) {
	var e JournalEntry
	var pending int
	var updatedAt string
	err := ex.QueryRowContext(ctx, `
	SELECT version, pending, pushed_version, updated_at FROM change_journal
	WHERE entity_kind = ? AND entity_id = ?
	`, string(kind), id).Scan(&e.Ref.Version, &pending, &e.PushedVersion, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, clinic.Storage("read journal entry", err)
	}
	e.Ref.Kind = kind
	e.Ref.ID = id
	e.Pending = pending == 1
	if e.UpdatedAt, err = parseTime("journal updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListJournal returns journal entries, most recent first.
func (db *DB) ListJournal(ctx context.Context, pendingOnly bool, limit int) ([]JournalEntry, error) {
	query := `
	SELECT entity_kind, entity_id, version, pending, pushed_version, updated_at
	FROM change_journal`
	if pendingOnly {
		query += ` WHERE pending = 1`
	}
	query += ` ORDER BY version DESC, entity_kind, entity_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, clinic.Storage("list journal", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var kind, updatedAt string
		var pending int
		if err := rows.Scan(&kind, &e.Ref.ID, &e.Ref.Version, &pending, &e.PushedVersion, &updatedAt); err != nil {
			return nil, clinic.Storage("scan journal entry", err)
		}
		e.Ref.Kind = schema.EntityKind(kind)
		e.Pending = pending == 1
		if e.UpdatedAt, err = parseTime("journal updated_at", updatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, clinic.Storage("list journal", err)
	}
	return entries, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
