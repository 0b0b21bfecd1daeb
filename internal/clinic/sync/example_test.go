package sync_test

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/pointcare/clinicsync/internal/clinic"
	"github.com/pointcare/clinicsync/internal/clinic/db"
	"github.com/pointcare/clinicsync/internal/clinic/merge"
	"github.com/pointcare/clinicsync/internal/clinic/remote"
	"github.com/pointcare/clinicsync/internal/clinic/sync"
)

// This example demonstrates one sync cycle against a remote instance.
// Note: This is for documentation only and won't run as a test.
func ExampleNew() {
	database, err := db.Open("clinic.db")
	if err != nil {
		log.Fatal(err)
	}
	defer database.Close()

	syncer := sync.New(database, remote.NewClient(nil), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result := syncer.PerformSync(ctx, "https://clinic.example.org", "dr@clinic.org", "secret")
	switch {
	case result.Success:
		fmt.Println(result)
	case errors.Is(result.Cause, clinic.ErrAuth):
		fmt.Println("check your email and password")
	case clinic.IsRetryable(result.Cause):
		fmt.Println("will retry later:", result.Cause)
	default:
		log.Fatal(result.Cause)
	}
}

// This example demonstrates a stricter conflict policy and a transition
// observer.
func ExampleNewWithConfig() {
	database, err := db.Open("clinic.db")
	if err != nil {
		log.Fatal(err)
	}
	defer database.Close()

	cfg := sync.DefaultConfig()
	cfg.Policy = merge.Strict{}
	cfg.BatchSize = 50
	cfg.Observer = func(t sync.Transition) {
		fmt.Printf("%s: %s -> %s\n", t.InstanceURL, t.From, t.To)
	}

	syncer := sync.NewWithConfig(database, remote.NewClient(nil), nil, cfg)
	_ = syncer.PerformSync(context.Background(), "https://clinic.example.org", "dr@clinic.org", "secret")
}
