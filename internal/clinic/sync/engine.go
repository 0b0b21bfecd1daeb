package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	stdsync "sync"
	"time"

	"github.com/pointcare/clinicsync/internal/clinic"
	"github.com/pointcare/clinicsync/internal/clinic/db"
	"github.com/pointcare/clinicsync/internal/clinic/merge"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
)

// DefaultBatchSize is the number of records pushed per request.
const DefaultBatchSize = 100

// Config tunes a Syncer.
type Config struct {
	// Policy resolves field conflicts while merging pulled records.
	Policy merge.Policy

	// BatchSize bounds both pull pages and push batches.
	BatchSize int

	// Observer, if set, receives every state transition.
	Observer Observer

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns last-writer-wins merging with default batches.
func DefaultConfig() Config {
	return Config{
		Policy:    merge.LastWriterWins{},
		BatchSize: DefaultBatchSize,
		Now:       time.Now,
	}
}

// instance tracks the sync state of one instance URL.
type instance struct {
	state   State
	running bool
	last    *Result
}

// engine implements the Syncer interface.
type engine struct {
	db     *db.DB
	remote Remote
	cfg    Config
	logger *log.Logger

	mu        stdsync.Mutex
	instances map[string]*instance
}

// New creates a Syncer with the default configuration.
//
// If logger is nil, a default logger writing to stderr is used.
func New(database *db.DB, remote Remote, logger *log.Logger) Syncer {
	return NewWithConfig(database, remote, logger, DefaultConfig())
}

// NewWithConfig creates a Syncer. Zero fields of cfg fall back to
// DefaultConfig.
func NewWithConfig(database *db.DB, remote Remote, logger *log.Logger, cfg Config) Syncer {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	def := DefaultConfig()
	if cfg.Policy == nil {
		cfg.Policy = def.Policy
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	return &engine{
		db:        database,
		remote:    remote,
		cfg:       cfg,
		logger:    logger,
		instances: make(map[string]*instance),
	}
}

// State implements Syncer.State.
func (e *engine) State(instanceURL string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if inst, ok := e.instances[instanceURL]; ok {
		return inst.state
	}
	return StateIdle
}

// LastResult implements Syncer.LastResult.
func (e *engine) LastResult(instanceURL string) (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[instanceURL]
	if !ok || inst.last == nil {
		return Result{}, false
	}
	return *inst.last, true
}

// acquire marks instanceURL as running. It returns false if a sync for it
// is already in flight.
func (e *engine) acquire(instanceURL string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[instanceURL]
	if !ok {
		inst = &instance{state: StateIdle}
		e.instances[instanceURL] = inst
	}
	if inst.running {
		return false
	}
	inst.running = true
	return true
}

func (e *engine) transition(instanceURL string, to State, result *Result) {
	e.mu.Lock()
	inst := e.instances[instanceURL]
	from := inst.state
	inst.state = to
	if result != nil {
		r := *result
		inst.last = &r
		inst.running = false
	}
	e.mu.Unlock()

	if e.cfg.Observer != nil {
		e.cfg.Observer(Transition{
			InstanceURL: instanceURL,
			From:        from,
			To:          to,
			At:          e.cfg.Now(),
			Result:      result,
		})
	}
}

// run tracks the progress of one PerformSync call.
type run struct {
	e      *engine
	url    string
	result Result
}

func (r *run) enter(s State) {
	r.result.Stage = s
	r.e.transition(r.url, s, nil)
}

func (r *run) fail(err error) Result {
	r.result.Success = false
	r.result.Cause = err
	r.result.Duration = r.e.cfg.Now().Sub(r.result.StartedAt)

	// A rejected login leaves nothing to recover from.
	final := StateFailed
	if errors.Is(err, clinic.ErrAuth) && r.result.Stage == StateAuthenticating {
		final = StateIdle
	}
	r.e.logger.Printf("Sync with %s failed at %s: %v", r.url, r.result.Stage, err)
	r.e.transition(r.url, final, &r.result)
	return r.result
}

func (r *run) succeed() Result {
	r.result.Success = true
	r.result.Duration = r.e.cfg.Now().Sub(r.result.StartedAt)
	r.e.logger.Printf("Sync with %s complete: pulled=%d applied=%d pushed=%d acked=%d",
		r.url, r.result.Pulled, r.result.Applied, r.result.Pushed, r.result.Acknowledged)
	r.e.transition(r.url, StateIdle, &r.result)
	return r.result
}

// PerformSync implements Syncer.PerformSync.
func (e *engine) PerformSync(ctx context.Context, instanceURL, email, password string) Result {
	start := e.cfg.Now()
	if !e.acquire(instanceURL) {
		return Result{
			Stage:     e.State(instanceURL),
			Cause:     fmt.Errorf("%w: %s", clinic.ErrSyncInProgress, instanceURL),
			StartedAt: start,
		}
	}

	r := &run{e: e, url: instanceURL, result: Result{StartedAt: start}}
	e.logger.Printf("Starting sync with %s", instanceURL)

	// Authenticating
	r.enter(StateAuthenticating)
	session, err := e.remote.Authenticate(ctx, instanceURL, email, password)
	if err != nil {
		if ctx.Err() != nil {
			return r.fail(cancelled(ctx))
		}
		if !errors.Is(err, clinic.ErrAuth) {
			err = clinic.Auth("cannot authenticate with "+instanceURL, err)
		}
		return r.fail(err)
	}

	checkpoint, err := e.db.GetCheckpoint(ctx, instanceURL)
	if err != nil {
		return r.fail(err)
	}

	// Pulling
	r.enter(StatePulling)
	pulled, cursor, err := e.pull(ctx, session, checkpoint.Cursor)
	if err != nil {
		return r.fail(err)
	}
	r.result.Pulled = len(pulled)
	r.result.Cursor = cursor

	// Merging
	r.enter(StateMerging)
	applied, err := e.db.ApplyRemote(ctx, pulled, e.cfg.Policy)
	if err != nil {
		if ctx.Err() != nil {
			err = cancelled(ctx)
		}
		return r.fail(err)
	}
	r.result.Applied = applied.Applied
	r.result.Rejected = len(applied.Rejected)
	r.result.Superseded = len(applied.Superseded)
	for _, rej := range applied.Rejected {
		e.logger.Printf("Rejected pulled record %s: %s", rej.Ref, rej.Reason)
	}

	// Pushing
	r.enter(StatePushing)
	acked, complete, err := e.push(ctx, session, applied.Superseded, &r.result)
	done := append(acked, applied.Superseded...)
	if err != nil {
		// Keep whatever the remote stored; the checkpoint stays put.
		e.keepAcknowledged(ctx, instanceURL, cursor, done)
		return r.fail(err)
	}

	// Committing
	r.enter(StateCommitting)
	if !complete {
		e.keepAcknowledged(ctx, instanceURL, cursor, done)
		return r.fail(fmt.Errorf("%w: %d of %d records acknowledged",
			clinic.ErrPartialAck, r.result.Acknowledged, r.result.Pushed))
	}
	if err := e.db.CommitSync(ctx, instanceURL, cursor, done, true); err != nil {
		return r.fail(err)
	}
	return r.succeed()
}

// pull reads every page after since and returns the records and the last
// cursor seen.
func (e *engine) pull(ctx context.Context, session *Session, since int64) ([]schema.Record, int64, error) {
	deviceID := e.db.DeviceID()
	cursor := since
	var records []schema.Record
	for {
		if ctx.Err() != nil {
			return nil, since, cancelled(ctx)
		}
		resp, err := e.remote.Pull(ctx, session, schema.PullRequest{
			DeviceID: deviceID,
			Since:    cursor,
			Limit:    e.cfg.BatchSize,
		})
		if err != nil {
			return nil, since, clinic.Network("pull changes", err)
		}
		if resp.Cursor < cursor {
			return nil, since, clinic.Network("pull changes",
				fmt.Errorf("remote cursor moved backwards from %d to %d", cursor, resp.Cursor))
		}
		records = append(records, resp.Records...)
		if !resp.More || resp.Cursor == cursor {
			cursor = resp.Cursor
			break
		}
		cursor = resp.Cursor
	}
	return records, cursor, nil
}

// push uploads every pending change not in skip. It returns the refs the
// remote acknowledged and whether everything pushed was acknowledged.
func (e *engine) push(ctx context.Context, session *Session, skip []schema.ChangeRef, result *Result) ([]schema.ChangeRef, bool, error) {
	skipped := make(map[string]bool, len(skip))
	for _, ref := range skip {
		skipped[ref.Key()] = true
	}

	var pending []schema.ChangeRef
	for ref, err := range e.db.PendingChanges(ctx) {
		if err != nil {
			return nil, false, err
		}
		if !skipped[ref.Key()] {
			pending = append(pending, ref)
		}
	}
	if len(pending) == 0 {
		return nil, true, nil
	}

	var acked []schema.ChangeRef
	complete := true
	for start := 0; start < len(pending); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(pending))
		batch, err := e.loadBatch(ctx, pending[start:end])
		if err != nil {
			return acked, false, err
		}
		if len(batch) == 0 {
			continue
		}
		if ctx.Err() != nil {
			return acked, false, cancelled(ctx)
		}

		result.Pushed += len(batch)
		resp, err := e.remote.Push(ctx, session, schema.PushRequest{
			DeviceID: e.db.DeviceID(),
			Records:  batch,
		})
		if err != nil {
			return acked, false, clinic.Network("push changes", err)
		}

		sent := make(map[string]schema.ChangeRef, len(batch))
		for i := range batch {
			sent[batch[i].Ref().Key()] = batch[i].Ref()
		}
		for _, ref := range resp.Acknowledged {
			// Only what was sent, at the version that was sent.
			if mine, ok := sent[ref.Key()]; ok && ref.Version >= mine.Version {
				acked = append(acked, mine)
				delete(sent, ref.Key())
			}
		}
		for _, rej := range resp.Rejected {
			e.logger.Printf("Remote rejected %s: %s", rej.Ref, rej.Reason)
		}
		result.Acknowledged = len(acked)
		if len(sent) > 0 {
			complete = false
		}
	}
	return acked, complete, nil
}

// loadBatch reads the current record behind each pending ref.
func (e *engine) loadBatch(ctx context.Context, refs []schema.ChangeRef) ([]schema.Record, error) {
	batch := make([]schema.Record, 0, len(refs))
	for _, ref := range refs {
		rec, err := e.db.Record(ctx, ref.Kind, ref.ID)
		if errors.Is(err, clinic.ErrNotFound) {
			e.logger.Printf("Warning: pending change %s has no record, skipping", ref)
			continue
		}
		if err != nil {
			return nil, err
		}
		batch = append(batch, *rec)
	}
	return batch, nil
}

// keepAcknowledged marks refs pushed without advancing the checkpoint. It
// runs even if ctx was cancelled: the remote already stored these records.
func (e *engine) keepAcknowledged(ctx context.Context, instanceURL string, cursor int64, refs []schema.ChangeRef) {
	if len(refs) == 0 {
		return
	}
	if err := e.db.CommitSync(context.WithoutCancel(ctx), instanceURL, cursor, refs, false); err != nil {
		e.logger.Printf("Warning: failed to mark acknowledged changes: %v", err)
	}
}

func cancelled(ctx context.Context) error {
	return clinic.Network("sync cancelled", context.Cause(ctx))
}
