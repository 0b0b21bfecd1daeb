package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pointcare/clinicsync/internal/clinic"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
	"github.com/pointcare/clinicsync/internal/ui"
)

var patientsCmd = &cobra.Command{
	Use:     "patients",
	GroupID: "records",
	Short:   "List or search patients",
	Long: `List registered patients, newest first.

Any search flag switches to a search: all given filters must match, text
filters match case-insensitive substrings in any language.

Examples:
  clinicsync patients
  clinicsync patients --surname khal --camp "Camp 3"
  clinicsync patients --min-age 60 --max-age 80 --json`,
	Run: func(cmd *cobra.Command, args []string) {
		filter := schema.PatientFilter{}
		filter.GivenName, _ = cmd.Flags().GetString("given-name")
		filter.Surname, _ = cmd.Flags().GetString("surname")
		filter.Country, _ = cmd.Flags().GetString("country")
		filter.Hometown, _ = cmd.Flags().GetString("hometown")
		filter.Camp, _ = cmd.Flags().GetString("camp")
		filter.Phone, _ = cmd.Flags().GetString("phone")
		filter.MinAge, _ = cmd.Flags().GetInt("min-age")
		filter.MaxAge, _ = cmd.Flags().GetInt("max-age")
		asJSON, _ := cmd.Flags().GetBool("json")
		lang := language(cmd)

		database := openDB()
		defer database.Close()
		ctx := context.Background()

		var patients []schema.Patient
		var err error
		if filter.IsEmpty() {
			patients, err = database.GetPatients(ctx)
		} else {
			patients, err = database.SearchPatients(ctx, filter)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing patients: %v\n", err)
			os.Exit(1)
		}

		if asJSON {
			printJSON(patients)
			return
		}
		if len(patients) == 0 {
			fmt.Printf("%s No patients found\n", ui.RenderWarn("⚠"))
			return
		}
		for _, p := range patients {
			fmt.Printf("%s  %-30s %-4s %-10s %s\n",
				ui.RenderMuted(p.ID),
				p.GivenName.Get(lang)+" "+p.Surname.Get(lang),
				p.Sex,
				p.DateOfBirth,
				p.Camp)
		}
		fmt.Printf("\n%d patients\n", len(patients))
	},
}

var patientsShowCmd = &cobra.Command{
	Use:   "show <patient-id>",
	Short: "Show a patient with visits and events",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		lang := language(cmd)
		asJSON, _ := cmd.Flags().GetBool("json")

		database := openDB()
		defer database.Close()
		ctx := context.Background()

		patient, err := database.GetPatient(ctx, args[0])
		if errors.Is(err, clinic.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "Error: patient %s not found\n", args[0])
			os.Exit(1)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading patient: %v\n", err)
			os.Exit(1)
		}
		visits, err := database.GetVisits(ctx, patient.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading visits: %v\n", err)
			os.Exit(1)
		}
		events, err := database.ListPatientEvents(ctx, patient.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading events: %v\n", err)
			os.Exit(1)
		}

		if asJSON {
			printJSON(struct {
				Patient *schema.Patient `json:"patient"`
				Visits  []schema.Visit  `json:"visits"`
				Events  []schema.Event  `json:"events"`
			}{patient, visits, events})
			return
		}

		fmt.Printf("\n%s %s %s\n\n", ui.RenderAccent("👤"),
			ui.RenderBold(patient.GivenName.Get(lang)), ui.RenderBold(patient.Surname.Get(lang)))
		fmt.Printf("ID: %s\n", patient.ID)
		fmt.Printf("Born: %s  Sex: %s\n", patient.DateOfBirth, patient.Sex)
		fmt.Printf("From: %s, %s\n", patient.Hometown.Get(lang), patient.Country.Get(lang))
		if patient.Phone != "" {
			fmt.Printf("Phone: %s\n", patient.Phone)
		}
		if patient.Camp != "" {
			fmt.Printf("Camp: %s\n", patient.Camp)
		}
		fmt.Printf("Registered: %s\n", patient.RegisteredAt.Local().Format("2006-01-02 15:04"))

		fmt.Printf("\nVisits (%d):\n", len(visits))
		for _, v := range visits {
			fmt.Printf("  %s  %s\n", v.CheckInTimestamp.Local().Format("2006-01-02 15:04"), ui.RenderMuted(v.ID))
			for _, e := range events {
				if e.VisitID == v.ID {
					fmt.Printf("     %-18s %s\n", e.Type, summarize(e.Metadata))
				}
			}
		}
		for _, e := range events {
			if e.VisitID == "" {
				fmt.Printf("  %-21s %-18s %s\n", e.Timestamp.Local().Format("2006-01-02 15:04"), e.Type, summarize(e.Metadata))
			}
		}
		fmt.Println()
	},
}

// language returns the --lang flag or store.language.
func language(cmd *cobra.Command) string {
	if lang, _ := cmd.Flags().GetString("lang"); lang != "" {
		return lang
	}
	return cfg.Store.Language
}

// summarize shortens event metadata to one line.
func summarize(metadata string) string {
	const limit = 60
	runes := []rune(metadata)
	for i, r := range runes {
		if r == '\n' {
			runes[i] = ' '
		}
	}
	if len(runes) > limit {
		return string(runes[:limit-1]) + "…"
	}
	return string(runes)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	patientsCmd.Flags().String("given-name", "", "Match given name")
	patientsCmd.Flags().String("surname", "", "Match surname")
	patientsCmd.Flags().String("country", "", "Match country")
	patientsCmd.Flags().String("hometown", "", "Match hometown")
	patientsCmd.Flags().String("camp", "", "Match camp")
	patientsCmd.Flags().String("phone", "", "Match phone")
	patientsCmd.Flags().Int("min-age", 0, "Minimum age in years")
	patientsCmd.Flags().Int("max-age", 0, "Maximum age in years")
	patientsCmd.PersistentFlags().String("lang", "", "Display language (default store.language)")
	patientsCmd.PersistentFlags().Bool("json", false, "Output JSON")

	patientsCmd.AddCommand(patientsShowCmd)
	rootCmd.AddCommand(patientsCmd)
}
