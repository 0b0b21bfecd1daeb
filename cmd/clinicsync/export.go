package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/pointcare/clinicsync/internal/clinic/export"
	"github.com/pointcare/clinicsync/internal/clinic/merge"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
	"github.com/pointcare/clinicsync/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "records",
	Short:   "Export the store as JSON lines",
	Long: `Write every record of the device store as one JSON object per line.

Without a file the records go to stdout. The file can be imported into
another device with 'clinicsync import'.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		database := openDB()
		defer database.Close()

		var out io.Writer = os.Stdout
		var file *os.File
		if len(args) == 1 {
			f, err := os.OpenFile(args[0], os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", args[0], err)
				os.Exit(1)
			}
			file = f
			out = f
		}

		ctx, cancel := signalContext()
		defer cancel()
		summary, err := export.Export(ctx, database, out)
		if file != nil {
			if cerr := file.Close(); err == nil {
				err = cerr
			}
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
			os.Exit(1)
		}

		if file != nil {
			fmt.Printf("%s Exported %d records to %s\n", ui.RenderPass("✓"), summary.Records, args[0])
			printKinds(summary.ByKind)
		}
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "records",
	Short:   "Merge an exported JSON lines file into the store",
	Long: `Read records written by 'clinicsync export' and merge them into the
device store with the configured conflict policy (or --policy).

Records the exporting device had not pushed yet are journaled as pending
local changes and go out with the next sync. Everything else is treated
as already synced.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		policy := cfg.Policy()
		if name, _ := cmd.Flags().GetString("policy"); name != "" {
			p, err := merge.ParsePolicy(name)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			policy = p
		}

		f, err := os.Open(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening %s: %v\n", args[0], err)
			os.Exit(1)
		}
		defer f.Close()

		database := openDB()
		defer database.Close()

		ctx, cancel := signalContext()
		defer cancel()
		summary, err := export.Import(ctx, database, f, policy)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Imported %d records (%d changed the store, %d pending push)\n",
			ui.RenderPass("✓"), summary.Records, summary.Applied, summary.Pending)
		printKinds(summary.ByKind)
		if len(summary.Rejected) > 0 {
			fmt.Printf("\n%s %d records rejected:\n", ui.RenderWarn("⚠"), len(summary.Rejected))
			for _, rej := range summary.Rejected {
				fmt.Printf("   %s: %s\n", rej.Ref, rej.Reason)
			}
		}
	},
}

func printKinds(byKind map[schema.EntityKind]int) {
	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Printf("   %s: %d\n", k, byKind[schema.EntityKind(k)])
	}
}

func init() {
	importCmd.Flags().String("policy", "", "Conflict policy: lww, server-wins or strict (default sync.conflict_policy)")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
