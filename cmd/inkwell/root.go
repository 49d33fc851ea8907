package main

import (
	"github.com/spf13/cobra"

	"github.com/inkwellhq/inkwell/internal/api"
	"github.com/inkwellhq/inkwell/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "inkwell",
	Short: "Coloring book builder with background export and generation jobs",
	Long: `Inkwell assembles printable coloring books from line-art pages.

Books hold ordered pages; background jobs do the heavy lifting:
  - Export jobs package a book's pages into a ZIP or PDF artifact
  - Generation jobs turn text prompts into pages via image providers

Jobs advance one unit per queue delivery, so a restart never loses
more than the unit in flight.`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ~/.inkwell/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "inkwell home directory (default: ~/.inkwell)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}
