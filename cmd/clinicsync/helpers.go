package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/pointcare/clinicsync/internal/clinic"
	"github.com/pointcare/clinicsync/internal/clinic/db"
	"github.com/pointcare/clinicsync/internal/clinic/remote"
	"github.com/pointcare/clinicsync/internal/clinic/sync"
	"github.com/pointcare/clinicsync/internal/ui"
)

// openDB opens the configured device database or exits.
func openDB() *db.DB {
	database, err := db.OpenWithConfig(cfg.Database.Path, cfg.DBConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database %s: %v\n", cfg.Database.Path, err)
		os.Exit(1)
	}
	return database
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newSyncer builds a sync engine over HTTP with the configured policy.
func newSyncer(database *db.DB, observer sync.Observer) sync.Syncer {
	client := remote.NewClient(&http.Client{Timeout: cfg.Sync.Timeout})
	return sync.NewWithConfig(database, client, logs.New("sync"), sync.Config{
		Policy:    cfg.Policy(),
		BatchSize: cfg.Sync.BatchSize,
		Observer:  observer,
	})
}

// credentials returns the instance URL, email and password to sync with.
// Flags win over config. A missing password is read from the terminal.
func credentials(url, email string) (string, string, string, error) {
	if url == "" {
		url = cfg.Sync.InstanceURL
	}
	if email == "" {
		email = cfg.Sync.Email
	}
	if url == "" {
		return "", "", "", fmt.Errorf("no instance URL (set sync.instance_url or pass --url)")
	}
	if email == "" {
		return "", "", "", fmt.Errorf("no email (set sync.email or pass --email)")
	}

	password := cfg.Sync.Password
	if password != "" {
		return url, email, password, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", "", "", fmt.Errorf("no password (set sync.password or CLINICSYNC_SYNC_PASSWORD)")
	}
	fmt.Fprintf(os.Stderr, "Password for %s: ", email)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to read password: %w", err)
	}
	return url, email, string(raw), nil
}

// printResult prints a sync result and a hint on what to do next.
func printResult(r sync.Result) {
	if r.Success {
		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), r.Duration.Round(time.Millisecond))
		fmt.Printf("   Pulled: %d (applied %d, rejected %d)\n", r.Pulled, r.Applied, r.Rejected)
		fmt.Printf("   Pushed: %d (acknowledged %d)\n", r.Pushed, r.Acknowledged)
		fmt.Printf("   Cursor: %d\n", r.Cursor)
		return
	}

	fmt.Fprintf(os.Stderr, "%s Sync failed while %s: %v\n", ui.RenderFail("✗"), r.Stage, r.Cause)
	switch {
	case clinic.IsUserActionRequired(r.Cause):
		fmt.Fprintf(os.Stderr, "   Check the instance URL and credentials, then sync again\n")
	case clinic.IsRetryable(r.Cause):
		fmt.Fprintf(os.Stderr, "   Local changes are kept and will be pushed on the next sync\n")
	case clinic.IsFatal(r.Cause):
		fmt.Fprintf(os.Stderr, "   The local database reported an error; see %s\n", cfg.Database.Path)
	}
	if r.Acknowledged > 0 {
		fmt.Fprintf(os.Stderr, "   %d of %d pushed records were stored remotely\n", r.Acknowledged, r.Pushed)
	}
}

// maskSecret hides all but the first character of s.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return s[:1] + strings.Repeat("*", 7)
}
