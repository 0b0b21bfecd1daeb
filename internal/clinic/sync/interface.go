package sync

import (
	"context"
	"time"

	"github.com/pointcare/clinicsync/internal/clinic/schema"
)

// Session is an authenticated connection to a remote instance.
type Session struct {
	InstanceURL string
	Token       string
	User        schema.User
	ExpiresAt   time.Time
}

// Remote is the transport to a remote instance.
//
// Implementations must honor ctx cancellation on every call and classify
// failures: clinic.ErrAuth for rejected credentials or an unreachable host
// during Authenticate, clinic.ErrNetwork for transient failures elsewhere.
type Remote interface {
	// Authenticate exchanges credentials for a session.
	Authenticate(ctx context.Context, instanceURL, email, password string) (*Session, error)

	// Pull returns the records changed after req.Since. It is read-only
	// and idempotent.
	Pull(ctx context.Context, s *Session, req schema.PullRequest) (*schema.PullResponse, error)

	// Push uploads records and returns the subset the remote stored.
	Push(ctx context.Context, s *Session, req schema.PushRequest) (*schema.PushResponse, error)
}

// Syncer runs sync cycles against remote instances.
type Syncer interface {
	// PerformSync runs one full cycle against instanceURL and reports how
	// it ended. It never panics on remote misbehavior and never returns a
	// partially committed merge.
	//
	// Example:
	//   result := syncer.PerformSync(ctx, "https://clinic.example.org", "dr@clinic.org", "secret")
	PerformSync(ctx context.Context, instanceURL, email, password string) Result

	// State returns the current state for instanceURL (Idle if never synced).
	State(instanceURL string) State

	// LastResult returns the result of the last finished sync with
	// instanceURL.
	LastResult(instanceURL string) (Result, bool)
}

// Transition is reported to an Observer on every state change.
type Transition struct {
	InstanceURL string
	From        State
	To          State
	At          time.Time

	// Result is set when the sync finished (To is Idle or Failed).
	Result *Result
}

// Observer receives state transitions. It is called synchronously from
// the sync goroutine and must not block.
type Observer func(Transition)
