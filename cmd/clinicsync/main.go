// Command clinicsync manages the local clinic store of a device and keeps
// it in sync with a remote instance.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pointcare/clinicsync/internal/config"
	"github.com/pointcare/clinicsync/internal/logging"
	"github.com/pointcare/clinicsync/internal/ui"
)

var (
	configPath string
	dbPath     string
	noColor    bool

	// Set by the root command before any subcommand runs.
	cfg  *config.Config
	logs *logging.Factory
)

// skipConfigAnnotation marks commands that must run without a loadable
// config, such as the one creating it.
const skipConfigAnnotation = "clinicsync/skip-config"

var rootCmd = &cobra.Command{
	Use:   "clinicsync",
	Short: "Local-first clinic records with sync to a remote instance",
	Long: `clinicsync keeps patient records on the device and reconciles them with
a remote clinic instance whenever a connection is available.

Every local edit is stored first and journaled as a pending change. A sync
pulls remote changes, merges them field by field, then pushes what is
still pending. Records are never lost when the network drops mid-sync.

Settings come from ~/.clinicsync/config.yaml (or --config) and from
CLINICSYNC_* environment variables. Run 'clinicsync config init' to
create a starter file.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			ui.DisableColor()
		}
		if cmd.Annotations[skipConfigAnnotation] != "" {
			return
		}

		loaded, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		if dbPath != "" {
			loaded.Database.Path = dbPath
		}
		cfg = loaded
		logs = logging.NewFactory(cfg.Logging())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.clinicsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Device database path (overrides database.path)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
