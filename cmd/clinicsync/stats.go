package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pointcare/clinicsync/internal/ui"
)

var statsCmd = &cobra.Command{
	Use:     "stats",
	GroupID: "records",
	Short:   "Summarize records and visits in a date range",
	Long: `Show record counts and the patients seen in a date range.

Dates accept YYYY-MM-DD or plain English such as "yesterday" or
"last monday". Both bounds are whole days; --to is inclusive.

Examples:
  clinicsync stats
  clinicsync stats --from "last monday"
  clinicsync stats --from 2026-03-01 --to 2026-03-31 --json`,
	Run: func(cmd *cobra.Command, args []string) {
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		asJSON, _ := cmd.Flags().GetBool("json")
		lang := language(cmd)

		start, end, err := dayRange(from, to, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
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
		visits, err := database.GetPatientsVisitedInDateRange(ctx, start, end)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error querying visits: %v\n", err)
			os.Exit(1)
		}

		seen := make(map[string]bool)
		for _, pv := range visits {
			seen[pv.Patient.ID] = true
		}

		if asJSON {
			printJSON(map[string]any{
				"stats":    stats,
				"from":     start,
				"to":       end,
				"visits":   len(visits),
				"patients": len(seen),
			})
			return
		}

		fmt.Printf("\n%s Clinic Statistics\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Patients: %d\n", stats.Patients)
		fmt.Printf("Visits: %d\n", stats.Visits)
		fmt.Printf("Events: %d\n", stats.Events)
		fmt.Printf("Pending changes: %d\n", stats.Pending)

		last := end.AddDate(0, 0, -1)
		fmt.Printf("\n%s to %s: %d visits, %d patients\n",
			start.Format("2006-01-02"), last.Format("2006-01-02"), len(visits), len(seen))
		for _, pv := range visits {
			fmt.Printf("  %s  %s %s\n",
				pv.Visit.CheckInTimestamp.Local().Format("2006-01-02 15:04"),
				pv.Patient.GivenName.Get(lang), pv.Patient.Surname.Get(lang))
		}
		fmt.Println()
	},
}

func init() {
	statsCmd.Flags().String("from", "", "First day (default 30 days ago)")
	statsCmd.Flags().String("to", "", "Last day, inclusive (default today)")
	statsCmd.Flags().String("lang", "", "Display language (default store.language)")
	statsCmd.Flags().Bool("json", false, "Output JSON")

	rootCmd.AddCommand(statsCmd)
}
