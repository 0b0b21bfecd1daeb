package server

import (
	"sort"
	"sync"
	"time"

	"github.com/pointcare/clinicsync/internal/clinic/merge"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
)

// DefaultPageSize bounds a pull page when the request sets no limit.
const DefaultPageSize = 500

// change is one entry of the store's change log.
type change struct {
	seq    int64
	key    string
	origin string
}

// Store is the in-memory record store of a remote instance. Every stored
// change gets a sequence number; pull cursors are sequence numbers.
type Store struct {
	mu      sync.RWMutex
	records map[string]*schema.Record
	log     []change
	seq     int64
	clock   int64
	policy  merge.Policy
	now     func() time.Time
}

// NewStore returns an empty store that merges pushes with policy. A nil
// policy keeps the stored value on version ties.
func NewStore(policy merge.Policy) *Store {
	if policy == nil {
		policy = merge.LastWriterWins{PreferCurrent: true}
	}
	return &Store{
		records: make(map[string]*schema.Record),
		policy:  policy,
		now:     time.Now,
	}
}

// Cursor returns the latest sequence number.
func (s *Store) Cursor() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Get returns a copy of a stored record, or nil.
func (s *Store) Get(kind schema.EntityKind, id string) *schema.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[schema.RecordKey(kind, id)]
	if !ok {
		return nil
	}
	return cloneRecord(rec)
}

// Put stores a record written by the instance itself, stamping every field
// with a fresh version.
func (s *Store) Put(kind schema.EntityKind, id string, fields map[string]string) schema.ChangeRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clock = max(s.now().UnixMilli(), s.clock+1)
	incoming := schema.NewRecord(kind, id)
	for name, v := range fields {
		incoming.Fields[name] = schema.FieldValue{Value: v, Null: v == "", Version: s.clock}
	}
	ref, _ := s.storeLocked(incoming, "")
	return ref
}

// Pull returns the records changed after req.Since. A record is left out
// when every change to it in that range came from req.DeviceID: the device
// already holds it.
func (s *Store) Pull(req schema.PullRequest) schema.PullResponse {
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Log entries are in seq order, so the scan can start at the cursor.
	start := sort.Search(len(s.log), func(i int) bool { return s.log[i].seq > req.Since })

	// An anonymous pull sees every change, including the instance's own.
	delivered := func(c change) bool {
		return req.DeviceID == "" || c.origin != req.DeviceID
	}

	foreign := make(map[string]bool)
	var order []string
	cursor := req.Since
	for _, c := range s.log[start:] {
		if delivered(c) {
			if _, seen := foreign[c.key]; !seen {
				order = append(order, c.key)
			}
			foreign[c.key] = true
		}
		cursor = c.seq
	}

	resp := schema.PullResponse{Records: []schema.Record{}, Cursor: cursor}
	if len(order) <= limit {
		for _, key := range order {
			resp.Records = append(resp.Records, *cloneRecord(s.records[key]))
		}
		return resp
	}

	// Cut the page at the first change of the record after the limit so
	// that the next page resumes exactly there.
	cut := order[limit]
	for _, c := range s.log[start:] {
		if c.key == cut && delivered(c) {
			resp.Cursor = c.seq - 1
			break
		}
	}
	for _, key := range order[:limit] {
		resp.Records = append(resp.Records, *cloneRecord(s.records[key]))
	}
	resp.More = true
	return resp
}

// Push merges records into the store and acknowledges each valid one.
// Pushing the same record twice is harmless.
func (s *Store) Push(req schema.PushRequest) schema.PushResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := schema.PushResponse{Acknowledged: []schema.ChangeRef{}}
	for i := range req.Records {
		rec := &req.Records[i]
		if err := rec.Validate(); err != nil {
			resp.Rejected = append(resp.Rejected, schema.Rejection{Ref: rec.Ref(), Reason: err.Error()})
			continue
		}
		if _, err := s.storeLocked(rec, req.DeviceID); err != nil {
			resp.Rejected = append(resp.Rejected, schema.Rejection{Ref: rec.Ref(), Reason: err.Error()})
			continue
		}
		s.clock = max(s.clock, rec.Version())
		resp.Acknowledged = append(resp.Acknowledged, rec.Ref())
	}
	resp.Cursor = s.seq
	return resp
}

// storeLocked merges incoming and logs a change if the stored record
// changed. The caller holds s.mu.
func (s *Store) storeLocked(incoming *schema.Record, origin string) (schema.ChangeRef, error) {
	key := schema.RecordKey(incoming.Kind, incoming.ID)
	res, err := merge.Records(s.records[key], incoming, s.policy)
	if err != nil {
		return schema.ChangeRef{}, err
	}
	if !res.Changed {
		return res.Merged.Ref(), nil
	}
	res.Merged.Origin = origin
	s.records[key] = res.Merged
	s.seq++
	s.log = append(s.log, change{seq: s.seq, key: key, origin: origin})
	return res.Merged.Ref(), nil
}

func cloneRecord(r *schema.Record) *schema.Record {
	out := schema.NewRecord(r.Kind, r.ID)
	out.Origin = r.Origin
	for name, f := range r.Fields {
		out.Fields[name] = f
	}
	return out
}
