package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pointcare/clinicsync/internal/clinic"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
)

// Checkpoint records how far this device has reconciled with one remote
// instance.
type Checkpoint struct {
	InstanceURL string `json:"instance_url"`

	// Cursor is the remote position of the last fully applied pull.
	Cursor int64 `json:"cursor"`

	// PushedWatermark is the highest local version acknowledged by the
	// remote in a completed sync.
	PushedWatermark int64 `json:"pushed_watermark"`

	LastSyncAt time.Time `json:"last_sync_at,omitzero"`
	UpdatedAt  time.Time `json:"updated_at,omitzero"`
}

// GetCheckpoint returns the checkpoint of instanceURL. An instance never
// synced with has an empty checkpoint.
func (db *DB) GetCheckpoint(ctx context.Context, instanceURL string) (*Checkpoint, error) {
	return getCheckpoint(ctx, db.conn, instanceURL)
}

func getCheckpoint(ctx context.Context, ex executor, instanceURL string) (*Checkpoint, error) {
	cp := &Checkpoint{InstanceURL: instanceURL}
	var lastSync sql.NullString
	var updatedAt string
	err := ex.QueryRowContext(ctx, `
	SELECT cursor, pushed_watermark, last_sync_at, updated_at
	FROM sync_checkpoints WHERE instance_url = ?
	`, instanceURL).Scan(&cp.Cursor, &cp.PushedWatermark, &lastSync, &updatedAt)
	if err == sql.ErrNoRows {
		return cp, nil
	}
	if err != nil {
		return nil, clinic.Storage("read checkpoint", err)
	}
	if err := cp.parseTimes(lastSync, updatedAt); err != nil {
		return nil, err
	}
	return cp, nil
}

func (cp *Checkpoint) parseTimes(lastSync sql.NullString, updatedAt string) error {
	var err error
	if lastSync.Valid {
		if cp.LastSyncAt, err = parseTime("checkpoint last_sync_at", lastSync.String); err != nil {
			return err
		}
	}
	cp.UpdatedAt, err = parseTime("checkpoint updated_at", updatedAt)
	return err
}

// ListCheckpoints returns every stored checkpoint.
func (db *DB) ListCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT instance_url, cursor, pushed_watermark, last_sync_at, updated_at
	FROM sync_checkpoints ORDER BY instance_url
	`)
	if err != nil {
		return nil, clinic.Storage("list checkpoints", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var lastSync sql.NullString
		var updatedAt string
		if err := rows.Scan(&cp.InstanceURL, &cp.Cursor, &cp.PushedWatermark, &lastSync, &updatedAt); err != nil {
			return nil, clinic.Storage("scan checkpoint", err)
		}
		if err := cp.parseTimes(lastSync, updatedAt); err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, clinic.Storage("list checkpoints", err)
	}
	return out, nil
}

// CommitSync finishes a sync cycle in one transaction: marks acked as
// pushed and, when advance is set, moves the checkpoint of instanceURL
// forward to cursor. The checkpoint never moves backwards.
func (db *DB) CommitSync(ctx context.Context, instanceURL string, cursor int64, acked []schema.ChangeRef, advance bool) error {
	return db.withTx(ctx, "commit sync", func(tx *sql.Tx) error {
		var watermark int64
		for _, ref := range acked {
			if err := markPushed(ctx, tx, ref); err != nil {
				return err
			}
			watermark = max(watermark, ref.Version)
		}
		if !advance {
			return nil
		}

		now := schema.FormatTime(db.cfg.Now())
		_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (instance_url, cursor, pushed_watermark, last_sync_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(instance_url) DO UPDATE SET
			cursor = MAX(sync_checkpoints.cursor, excluded.cursor),
			pushed_watermark = MAX(sync_checkpoints.pushed_watermark, excluded.pushed_watermark),
			last_sync_at = excluded.last_sync_at,
			updated_at = excluded.updated_at
		`, instanceURL, cursor, watermark, now, now)
		if err != nil {
			return clinic.Storage("advance checkpoint", err)
		}
		return nil
	})
}

// ResetCheckpoint forgets the checkpoint of instanceURL so that the next
// sync pulls everything again. Pulling is idempotent, so this is safe.
func (db *DB) ResetCheckpoint(ctx context.Context, instanceURL string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM sync_checkpoints WHERE instance_url = ?`, instanceURL)
	if err != nil {
		return clinic.Storage("reset checkpoint", err)
	}
	return nil
}
