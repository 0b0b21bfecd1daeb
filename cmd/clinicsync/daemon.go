package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pointcare/clinicsync/internal/clinic/daemon"
	"github.com/pointcare/clinicsync/internal/clinic/dashboard"
	"github.com/pointcare/clinicsync/internal/clinic/sync"
	"github.com/pointcare/clinicsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep the device in sync (foreground)",
	Long: `Run the sync daemon in the foreground.

The daemon will:
  1. Sync once at startup
  2. Sync every sync.interval
  3. Watch the database and sync shortly after local edits
  4. Retry network failures with backoff

With --dashboard, sync progress is also broadcast over WebSocket:
  ws://localhost:<port>/ws

Messages include:
- sync_state: Sync moved to another stage
- sync_result: Sync finished (counts, error)
- stats: Record counts of the store`,
	Run: func(cmd *cobra.Command, args []string) {
		url, _ := cmd.Flags().GetString("url")
		email, _ := cmd.Flags().GetString("email")
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		port, _ := cmd.Flags().GetInt("dashboard-port")
		noWatch, _ := cmd.Flags().GetBool("no-watch")

		url, email, password, err := credentials(url, email)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		database := openDB()
		defer database.Close()

		var observer sync.Observer
		var board *dashboard.Server
		if withDashboard {
			if !cmd.Flags().Changed("dashboard-port") {
				port = cfg.Dashboard.Port
			}
			board = dashboard.NewServer(&dashboard.Config{
				Port:   port,
				Logger: logs.New("dashboard"),
			})
			observer = dashboard.NewHandler(board, database, logs.New("dashboard")).Observer()
			if err := board.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
				os.Exit(1)
			}
			defer board.Stop()
		}

		config := daemon.DefaultConfig()
		config.InstanceURL = url
		config.Email = email
		config.Password = password
		config.Interval = cfg.Sync.Interval
		config.Timeout = cfg.Sync.Timeout
		config.Watch = !noWatch
		config.Logger = logs.New("daemon")

		d, err := daemon.NewWithConfig(database, newSyncer(database, observer), config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Instance: %s\n", url)
		fmt.Printf("   Database: %s\n", cfg.Database.Path)
		fmt.Printf("   Interval: %s\n", config.Interval)
		if board != nil {
			fmt.Printf("   Dashboard: ws://%s/ws\n", board.Addr())
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signalContext()
		defer cancel()

		if err := d.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	daemonCmd.Flags().String("url", "", "Instance URL (default sync.instance_url)")
	daemonCmd.Flags().String("email", "", "Provider email (default sync.email)")
	daemonCmd.Flags().Bool("dashboard", false, "Broadcast sync progress over WebSocket")
	daemonCmd.Flags().IntP("dashboard-port", "p", 8080, "Dashboard port (default dashboard.port)")
	daemonCmd.Flags().Bool("no-watch", false, "Only sync on the interval, not after local edits")

	rootCmd.AddCommand(daemonCmd)
}
