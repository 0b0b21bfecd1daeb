package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pointcare/clinicsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Sync the device with its remote instance",
	Long: `Run one sync with the remote instance.

A sync:
  1. Authenticates with email and password
  2. Pulls every remote change since the last checkpoint
  3. Merges them into the local store field by field
  4. Pushes local changes still pending
  5. Advances the checkpoint once everything was acknowledged

If the connection drops at any point, local changes stay pending and the
checkpoint stays where it was, so the next sync picks up safely.`,
	Run: func(cmd *cobra.Command, args []string) {
		url, _ := cmd.Flags().GetString("url")
		email, _ := cmd.Flags().GetString("email")
		url, email, password, err := credentials(url, email)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		database := openDB()
		defer database.Close()

		ctx, cancel := signalContext()
		defer cancel()
		if cfg.Sync.Timeout > 0 {
			var stop context.CancelFunc
			ctx, stop = context.WithTimeout(ctx, cfg.Sync.Timeout)
			defer stop()
		}

		fmt.Printf("%s Syncing %s with %s...\n", ui.RenderAccent("🔄"), cfg.Database.Path, url)
		result := newSyncer(database, nil).PerformSync(ctx, url, email, password)
		printResult(result)
		if !result.Success {
			database.Close()
			os.Exit(1)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local store and sync status",
	Long: `Display the state of the device database.

Shows:
  - Database location and size
  - Device id
  - Record counts and pending changes
  - Checkpoint of every instance synced with`,
	Run: func(cmd *cobra.Command, args []string) {
		info, err := os.Stat(cfg.Database.Path)
		if os.IsNotExist(err) {
			fmt.Printf("\n%s No database at %s\n", ui.RenderWarn("⚠"), cfg.Database.Path)
			fmt.Printf("   Run 'clinicsync sync' to create it from a remote instance\n\n")
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking database: %v\n", err)
			os.Exit(1)
		}

		database := openDB()
		defer database.Close()
		ctx := context.Background()

		stats, err := database.GetStats(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error getting stats: %v\n", err)
			os.Exit(1)
		}
		checkpoints, err := database.ListCheckpoints(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing checkpoints: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s Clinic Store Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Location: %s\n", cfg.Database.Path)
		fmt.Printf("Size: %s\n", ui.FormatSize(info.Size()))
		fmt.Printf("Device: %s\n", database.DeviceID())
		fmt.Printf("Patients: %d\n", stats.Patients)
		fmt.Printf("Visits: %d\n", stats.Visits)
		fmt.Printf("Events: %d (%d drafts)\n", stats.Events, stats.Drafts)
		fmt.Printf("Providers: %d\n", stats.Users)
		if stats.Pending > 0 {
			fmt.Printf("Pending: %s\n", ui.RenderWarn(fmt.Sprintf("%d changes", stats.Pending)))
		} else {
			fmt.Printf("Pending: %s\n", ui.RenderPass("none"))
		}

		if len(checkpoints) == 0 {
			fmt.Printf("\n%s\n\n", ui.RenderMuted("Never synced"))
			return
		}
		fmt.Printf("\nInstances:\n")
		for _, cp := range checkpoints {
			last := "never"
			if !cp.LastSyncAt.IsZero() {
				last = cp.LastSyncAt.Local().Format("2006-01-02 15:04:05")
			}
			fmt.Printf("  %s\n", ui.RenderBold(cp.InstanceURL))
			fmt.Printf("     Cursor: %d  Last sync: %s\n", cp.Cursor, last)
		}
		fmt.Println()
	},
}

var checkpointCmd = &cobra.Command{
	Use:     "checkpoint",
	GroupID: "sync",
	Short:   "Inspect or reset sync checkpoints",
}

var checkpointResetCmd = &cobra.Command{
	Use:   "reset <instance-url>",
	Short: "Forget how far the device has pulled from an instance",
	Long: `Reset the checkpoint of an instance so that the next sync pulls
everything again. Pulled records merge idempotently, so this is safe;
it only costs bandwidth. Pending local changes are not touched.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		database := openDB()
		defer database.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := database.ResetCheckpoint(ctx, args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error resetting checkpoint: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Checkpoint of %s reset\n", ui.RenderPass("✓"), args[0])
	},
}

func init() {
	syncCmd.Flags().String("url", "", "Instance URL (default sync.instance_url)")
	syncCmd.Flags().String("email", "", "Provider email (default sync.email)")

	checkpointCmd.AddCommand(checkpointResetCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkpointCmd)
}
