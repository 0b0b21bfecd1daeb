// Package daemon keeps a device in sync in the background.
//
// The daemon:
//  1. Syncs once at startup
//  2. Syncs periodically
//  3. Watches the database file and syncs shortly after local writes
//     that left changes pending
//  4. Retries retryable failures with backoff
//  5. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/pointcare/clinicsync/internal/clinic"
	"github.com/pointcare/clinicsync/internal/clinic/db"
	"github.com/pointcare/clinicsync/internal/clinic/sync"
)

// Config holds configuration for the daemon.
type Config struct {
	// InstanceURL, Email and Password are the sync credentials.
	InstanceURL string
	Email       string
	Password    string

	// Interval is how often to sync when nothing else triggers one
	Interval time.Duration

	// DebounceInterval is how long to wait after a local write before
	// syncing. This batches rapid updates together
	DebounceInterval time.Duration

	// RetryDelay is the first delay after a retryable failure. It doubles
	// on every consecutive failure, up to Interval
	RetryDelay time.Duration

	// Timeout bounds a single sync (0 means no bound)
	Timeout time.Duration

	// Watch enables syncing after local writes
	Watch bool

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:         5 * time.Minute,
		DebounceInterval: 2 * time.Second,
		RetryDelay:       10 * time.Second,
		Timeout:          2 * time.Minute,
		Watch:            true,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon runs sync cycles for one instance.
type Daemon struct {
	db     *db.DB
	syncer sync.Syncer
	config *Config

	// changed is signalled by the watcher, manual by SyncNow.
	changed chan struct{}
	manual  chan struct{}
}

// New creates a daemon with the default configuration and the given
// credentials.
func New(database *db.DB, syncer sync.Syncer, instanceURL, email, password string) (*Daemon, error) {
	cfg := DefaultConfig()
	cfg.InstanceURL = instanceURL
	cfg.Email = email
	cfg.Password = password
	return NewWithConfig(database, syncer, cfg)
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(database *db.DB, syncer sync.Syncer, config *Config) (*Daemon, error) {
	if database == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.InstanceURL == "" {
		return nil, fmt.Errorf("instance url cannot be empty")
	}
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = def.DebounceInterval
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = def.RetryDelay
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	return &Daemon{
		db:      database,
		syncer:  syncer,
		config:  config,
		changed: make(chan struct{}, 1),
		manual:  make(chan struct{}, 1),
	}, nil
}

// SyncNow asks the running daemon for an immediate sync. Requests made
// while one is queued are coalesced.
func (d *Daemon) SyncNow() {
	select {
	case d.manual <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled or the watcher fails to start.
func (d *Daemon) Run(ctx context.Context) error {
	d.config.Logger.Printf("Starting daemon for %s (interval %s)", d.config.InstanceURL, d.config.Interval)

	g, ctx := errgroup.WithContext(ctx)
	if d.config.Watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create watcher: %w", err)
		}
		dir := filepath.Dir(d.db.Path())
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		d.config.Logger.Printf("Watching: %s", d.db.Path())

		g.Go(func() error {
			defer watcher.Close()
			return d.watch(ctx, watcher)
		})
	}
	g.Go(func() error {
		return d.loop(ctx)
	})

	err := g.Wait()
	d.config.Logger.Println("Daemon stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watch turns writes to the database or its WAL into change signals.
func (d *Daemon) watch(ctx context.Context, watcher *fsnotify.Watcher) error {
	base := filepath.Base(d.db.Path())
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if name != base && name != base+"-wal" && !strings.HasPrefix(name, base+"-journal") {
				continue
			}
			select {
			case d.changed <- struct{}{}:
			default:
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// loop schedules syncs until ctx is cancelled.
func (d *Daemon) loop(ctx context.Context) error {
	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	var (
		debounce <-chan time.Time
		retry    <-chan time.Time
		backoff  = d.config.RetryDelay
	)

	attempt := func(reason string) {
		result := d.syncOnce(ctx, reason)
		switch {
		case result.Success:
			retry = nil
			backoff = d.config.RetryDelay
		case clinic.IsRetryable(result.Cause) && ctx.Err() == nil:
			d.config.Logger.Printf("Retrying in %s", backoff)
			retry = time.After(backoff)
			backoff = min(backoff*2, d.config.Interval)
		default:
			// Credentials or the store need attention; wait for the
			// next interval.
			retry = nil
		}
	}

	attempt("startup")
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			attempt("interval")

		case <-retry:
			attempt("retry")

		case <-d.manual:
			attempt("manual")

		case <-d.changed:
			if debounce == nil {
				debounce = time.After(d.config.DebounceInterval)
			}

		case <-debounce:
			debounce = nil
			// The sync's own writes also touch the file; only pending
			// local changes are worth a sync.
			n, err := d.db.PendingCount(ctx)
			if err != nil {
				d.config.Logger.Printf("Warning: failed to count pending changes: %v", err)
				continue
			}
			if n > 0 {
				attempt(fmt.Sprintf("%d local changes", n))
			}
		}
	}
}

// syncOnce runs one sync, bounded by the configured timeout.
func (d *Daemon) syncOnce(ctx context.Context, reason string) sync.Result {
	if d.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.Timeout)
		defer cancel()
	}

	d.config.Logger.Printf("Sync triggered (%s)", reason)
	result := d.syncer.PerformSync(ctx, d.config.InstanceURL, d.config.Email, d.config.Password)
	if result.Success {
		d.config.Logger.Println(result)
	} else if errors.Is(result.Cause, clinic.ErrSyncInProgress) {
		d.config.Logger.Printf("Sync already running, skipping")
	} else {
		d.config.Logger.Printf("Warning: %s", result)
	}
	return result
}
