package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/inkwellhq/inkwell/internal/api"
	"github.com/inkwellhq/inkwell/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the inkwell home directory and default config",
	Long: `Create the inkwell home directory and write a default config file.

The config file is annotated with every available key. Values using
${ENV_VAR} syntax are resolved from the environment at load time, so
secrets never have to live in the file.

Running init on an existing home is safe; an existing config file is
left alone.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := getHome()
		if err != nil {
			return err
		}

		if h.ConfigExists() {
			fmt.Printf("Config already exists at %s\n", h.ConfigPath())
			return nil
		}

		if err := config.WriteDefault(h.ConfigPath()); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}

		fmt.Printf("Created %s\n", h.ConfigPath())
		fmt.Println("\nNext steps:")
		fmt.Println("  inkwell infra up    # start Postgres and Redis")
		fmt.Println("  inkwell serve       # start the server")
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration the server would run with.

Values using ${ENV_VAR} syntax are shown unresolved, so this output
is safe to share.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath := cfgFile
		if cfgPath == "" {
			h, err := getHome()
			if err != nil {
				return err
			}
			cfgPath = h.ConfigPath()
		}

		mgr, err := config.NewManager(cfgPath)
		if err != nil {
			return err
		}
		return api.Output(mgr.Get())
	},
}

var configDefaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "List all config keys with their defaults",
	Run: func(cmd *cobra.Command, args []string) {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tDEFAULT\tDESCRIPTION")
		for _, entry := range config.DefaultEntries() {
			fmt.Fprintf(w, "%s\t%v\t%s\n", entry.Key, entry.Value, entry.Description)
		}
		w.Flush()
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configDefaultsCmd)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(configCmd)
}
