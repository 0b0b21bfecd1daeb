package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/pointcare/clinicsync/internal/clinic/loadtest"
	"github.com/pointcare/clinicsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Simulate several devices syncing with one instance",
	Long: `Run an in-process instance and several simulated devices.

In each round every device registers patients (with a visit and a vitals
event each) and syncs, all devices at once. Two final passes let every
device catch up, then the device stores are compared record by record.

Device databases are written to a temporary directory that is removed
afterwards unless --keep is set.

Examples:
  # Default: 4 devices, 20 patients each, 3 rounds
  clinicsync loadtest

  # 10 devices with small pages to exercise paging
  clinicsync loadtest --devices 10 --batch-size 5

  # Output the report as JSON
  clinicsync loadtest --json
`,
	Run:     runLoadtest,
	GroupID: "advanced",
}

func init() {
	loadtestCmd.Flags().Int("devices", 4, "Number of simulated devices")
	loadtestCmd.Flags().Int("patients", 20, "Patients registered per device")
	loadtestCmd.Flags().Int("rounds", 3, "Write-then-sync rounds")
	loadtestCmd.Flags().Int("batch-size", 0, "Pull page and push batch size (default sync.batch_size)")
	loadtestCmd.Flags().Bool("keep", false, "Keep the device databases")
	loadtestCmd.Flags().Bool("json", false, "Output results as JSON")
	loadtestCmd.Flags().Bool("verbose", false, "Log every sync")
	rootCmd.AddCommand(loadtestCmd)
}

func runLoadtest(cmd *cobra.Command, args []string) {
	devices, _ := cmd.Flags().GetInt("devices")
	patients, _ := cmd.Flags().GetInt("patients")
	rounds, _ := cmd.Flags().GetInt("rounds")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	keep, _ := cmd.Flags().GetBool("keep")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	verbose, _ := cmd.Flags().GetBool("verbose")

	if devices <= 0 || patients <= 0 || rounds <= 0 {
		fmt.Fprintf(os.Stderr, "Error: --devices, --patients and --rounds must be positive\n")
		os.Exit(1)
	}
	if batchSize <= 0 {
		batchSize = cfg.Sync.BatchSize
	}

	dir, err := os.MkdirTemp("", "clinicsync-loadtest-")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directory: %v\n", err)
		os.Exit(1)
	}
	if !keep {
		defer os.RemoveAll(dir)
	}

	if !jsonOutput {
		fmt.Printf("%s Simulating %d devices, %d patients each, %d rounds...\n",
			ui.RenderAccent("🔄"), devices, patients, rounds)
	}

	var logger *log.Logger
	if verbose {
		logger = logs.New("loadtest")
	}

	ctx, cancel := signalContext()
	defer cancel()
	report, err := loadtest.Run(ctx, loadtest.Options{
		Dir:       dir,
		Devices:   devices,
		Patients:  patients,
		Rounds:    rounds,
		BatchSize: batchSize,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		printJSON(report)
	} else {
		fmt.Printf("\nInstance records: %d\n", report.Records)
		fmt.Printf("Failed syncs: %d\n\n", report.Failures)
		report.Writes.Print(os.Stdout, "Local writes")
		report.Syncs.Print(os.Stdout, "Syncs")
		fmt.Println()
		if keep {
			fmt.Printf("Databases kept in %s\n", dir)
		}
	}

	if !report.Converged {
		fmt.Fprintf(os.Stderr, "%s Devices did not converge:\n", ui.RenderFail("✗"))
		for _, m := range report.Mismatches {
			fmt.Fprintf(os.Stderr, "   %s\n", m)
		}
		os.Exit(1)
	}
	if !jsonOutput {
		fmt.Printf("%s All %d devices converged in %v\n", ui.RenderPass("✓"), report.Devices, report.Elapsed)
	}
}
