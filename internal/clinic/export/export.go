// Package export writes a device store as JSON lines of sync records and
// reads such a file back.
//
// A line is one schema.Record. Records are written in apply order, so a
// file can be imported into an empty store or merged into a populated one
// with the usual conflict policy. A record the device had not pushed yet
// carries "pending": true and is journaled as a local change on import, so
// restoring a backup does not lose unsynced writes.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pointcare/clinicsync/internal/clinic"
	"github.com/pointcare/clinicsync/internal/clinic/db"
	"github.com/pointcare/clinicsync/internal/clinic/merge"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
)

// maxLine bounds a single record line.
const maxLine = 16 << 20

// importBatch is the number of records merged per transaction.
const importBatch = 1000

// Line is one exported record.
type Line struct {
	schema.Record
	Pending bool `json:"pending,omitempty"`
}

// Summary counts what an export or import touched, per kind.
type Summary struct {
	Records  int
	ByKind   map[schema.EntityKind]int
	Pending  int
	Applied  int
	Rejected []schema.Rejection
}

func newSummary() *Summary {
	return &Summary{ByKind: make(map[schema.EntityKind]int)}
}

// Export writes every record of database to w, one JSON object per line.
func Export(ctx context.Context, database *db.DB, w io.Writer) (*Summary, error) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	sum := newSummary()

	pending := make(map[string]bool)
	for ref, err := range database.PendingChanges(ctx) {
		if err != nil {
			return nil, err
		}
		pending[schema.RecordKey(ref.Kind, ref.ID)] = true
	}

	for _, kind := range schema.Kinds {
		for rec, err := range database.Records(ctx, kind) {
			if err != nil {
				return nil, err
			}
			line := Line{Record: *rec, Pending: pending[schema.RecordKey(rec.Kind, rec.ID)]}
			if line.Pending {
				sum.Pending++
			}
			if err := enc.Encode(line); err != nil {
				return nil, fmt.Errorf("failed to write %s: %w", rec.Ref(), err)
			}
			sum.Records++
			sum.ByKind[kind]++
		}
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush export: %w", err)
	}
	return sum, nil
}

// Import merges the records read from r into database with policy. Each
// batch is applied atomically; a malformed line stops the import with a
// ValidationError naming the line. Accepted records marked pending are
// journaled as pending local changes.
func Import(ctx context.Context, database *db.DB, r io.Reader, policy merge.Policy) (*Summary, error) {
	if policy == nil {
		policy = merge.LastWriterWins{}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	sum := newSummary()

	var batch []schema.Record
	var pending []schema.ChangeRef
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		res, err := database.ApplyRemote(ctx, batch, policy)
		if err != nil {
			return err
		}
		sum.Applied += res.Applied
		sum.Rejected = append(sum.Rejected, res.Rejected...)

		rejected := make(map[string]bool, len(res.Rejected))
		for _, rej := range res.Rejected {
			rejected[rej.Ref.Key()] = true
		}
		var restore []schema.ChangeRef
		for _, ref := range pending {
			if !rejected[ref.Key()] {
				restore = append(restore, ref)
			}
		}
		if err := database.MarkPending(ctx, restore); err != nil {
			return err
		}
		sum.Pending += len(restore)
		batch = batch[:0]
		pending = pending[:0]
		return nil
	}

	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var l Line
		if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
			return sum, clinic.Validationf("line %d: %v", line, err)
		}
		batch = append(batch, l.Record)
		if l.Pending {
			pending = append(pending, l.Ref())
		}
		sum.Records++
		sum.ByKind[l.Kind]++

		if len(batch) >= importBatch {
			if err := flush(); err != nil {
				return sum, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return sum, fmt.Errorf("failed to read import: %w", err)
	}
	if err := flush(); err != nil {
		return sum, err
	}
	return sum, nil
}
