// Package cmd defines and implements the CLI commands for the
// jobharvest executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	envFile string
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobharvest",
		Short: "Harvests job postings from careers pages into a shared sheet.",
		Long: `jobharvest turns company careers pages into deduplicated rows of a
job-postings table. It scrapes each page through an extraction service,
asks a language model which links are job postings, extracts structured
fields from every posting, and appends only never-before-seen jobs.`,

		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if envFile == "" {
				return nil
			}
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("load env file %s: %w", envFile, err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "env file to load before reading configuration")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
