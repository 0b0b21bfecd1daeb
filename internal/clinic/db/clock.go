package db

import (
	"context"
	"strconv"
	"time"

	"github.com/pointcare/clinicsync/internal/clinic"
)

// nextVersion returns the next logical version of this device:
// max(wall clock in ms, last version + 1). It must run inside a write
// transaction so that two writers never hand out the same version.
func (db *DB) nextVersion(ctx context.Context, ex executor) (int64, error) {
	last, err := readClock(ctx, ex)
	if err != nil {
		return 0, err
	}
	next := db.cfg.Now().UnixMilli()
	if next <= last {
		next = last + 1
	}
	if err := setMeta(ctx, ex, metaClock, strconv.FormatInt(next, 10)); err != nil {
		return 0, err
	}
	return next, nil
}

// observeVersion moves the clock forward to v if v is ahead of it.
func observeVersion(ctx context.Context, ex executor, v int64) error {
	last, err := readClock(ctx, ex)
	if err != nil {
		return err
	}
	if v <= last {
		return nil
	}
	return setMeta(ctx, ex, metaClock, strconv.FormatInt(v, 10))
}

func readClock(ctx context.Context, ex executor) (int64, error) {
	raw, err := getMeta(ctx, ex, metaClock)
	if err != nil || raw == "" {
		return 0, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, clinic.Storage("parse clock", err)
	}
	return v, nil
}

// Clock returns the last version handed out or observed.
func (db *DB) Clock(ctx context.Context) (int64, error) {
	return readClock(ctx, db.conn)
}

// timeNow stamps bookkeeping columns that take no part in merging.
var timeNow = time.Now
