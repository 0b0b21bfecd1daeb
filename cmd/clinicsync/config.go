package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pointcare/clinicsync/internal/clinic/merge"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
	"github.com/pointcare/clinicsync/internal/config"
	"github.com/pointcare/clinicsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Create or show the configuration",
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write a starter config file",
	Annotations: map[string]string{skipConfigAnnotation: "true"},
	Long: `Write a config file with default values to --config, or to
~/.clinicsync/config.yaml. A path ending in .toml is written as TOML.
A fresh random server.jwt_secret is generated.

With --interactive the instance, email, conflict policy and language are
asked for. Otherwise fill in sync.instance_url and sync.email before
running 'clinicsync sync'. Leave sync.password empty to be prompted for it.`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		interactive, _ := cmd.Flags().GetBool("interactive")
		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}

		starter := config.Default()
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			fmt.Fprintf(os.Stderr, "Error generating secret: %v\n", err)
			os.Exit(1)
		}
		starter.Server.JWTSecret = hex.EncodeToString(secret)

		if interactive {
			if err := askSettings(starter); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Println("Aborted, nothing written")
					return
				}
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		if err := starter.Write(path, force); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			if !force {
				fmt.Fprintf(os.Stderr, "Use --force to overwrite it\n")
			}
			os.Exit(1)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging the config file, environment
and defaults. Secrets are masked.`,
	Run: func(cmd *cobra.Command, args []string) {
		shown := *cfg
		shown.Sync.Password = maskSecret(shown.Sync.Password)
		shown.Server.JWTSecret = maskSecret(shown.Server.JWTSecret)
		shown.Server.Users = append(shown.Server.Users[:0:0], shown.Server.Users...)
		for i := range shown.Server.Users {
			shown.Server.Users[i].Password = maskSecret(shown.Server.Users[i].Password)
		}

		data, err := yaml.Marshal(&shown)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding config: %v\n", err)
			os.Exit(1)
		}
		if file := cfg.File(); file != "" {
			fmt.Printf("# %s\n", file)
		} else {
			fmt.Printf("# no config file, defaults and environment only\n")
		}
		fmt.Print(string(data))
	},
}

// askSettings fills the connection settings of c from a terminal form.
func askSettings(c *config.Config) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Instance URL").
				Placeholder("https://clinic.example.org").
				Value(&c.Sync.InstanceURL).
				Validate(validateInstanceURL),
			huh.NewInput().
				Title("Provider email").
				Value(&c.Sync.Email),
			huh.NewSelect[string]().
				Title("When the device and the instance both changed a field").
				Options(
					huh.NewOption("Keep the newest edit", merge.PolicyLastWriterWins),
					huh.NewOption("Keep the instance's value", merge.PolicyServerWins),
					huh.NewOption("Stop the sync and report it", merge.PolicyStrict),
				).
				Value(&c.Sync.ConflictPolicy),
			huh.NewSelect[string]().
				Title("Display language").
				Options(
					huh.NewOption("English", schema.LanguageEnglish),
					huh.NewOption("العربية", schema.LanguageArabic),
				).
				Value(&c.Store.Language),
		),
	)
	return form.Run()
}

func validateInstanceURL(s string) error {
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("enter an http or https URL")
	}
	return nil
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configInitCmd.Flags().BoolP("interactive", "i", false, "Ask for the connection settings")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
