package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pointcare/clinicsync/internal/clinic/remote/server"
	"github.com/pointcare/clinicsync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "advanced",
	Short:   "Run a reference remote instance",
	Long: `Start an in-memory remote instance that devices can sync with.

Providers come from server.users in the config file; each one is also
published as a user record so devices learn about it on their first pull.
Tokens are signed with server.jwt_secret.

Endpoints:
  POST /api/v1/auth/login
  GET  /api/v1/sync/changes?since=<cursor>&limit=<n>&device_id=<id>
  POST /api/v1/sync/changes

Records are kept in memory only; stopping the server discards them.`,
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") {
			port = cfg.Server.Port
		}
		if len(cfg.Server.Users) == 0 {
			fmt.Fprintf(os.Stderr, "%s No providers configured (server.users); nobody can log in\n", ui.RenderWarn("⚠"))
		}

		srv, err := server.New(&server.Config{
			Port:        port,
			InstanceURL: fmt.Sprintf("http://localhost:%d", port),
			JWTSecret:   cfg.Server.JWTSecret,
			TokenTTL:    cfg.Server.TokenTTL,
			Accounts:    cfg.Server.Users,
			Logger:      logs.New("server"),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start server: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Instance started on http://localhost:%d\n", port)
		fmt.Printf("Providers: %d\n", len(cfg.Server.Users))
		fmt.Printf("Health check: http://localhost:%d/health\n", port)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signalContext()
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down instance...")
		if err := srv.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Instance stopped")
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8090, "Port to listen on (default server.port)")

	rootCmd.AddCommand(serveCmd)
}
