package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/inkwellhq/inkwell/internal/devstack"
	"github.com/inkwellhq/inkwell/internal/home"
)

var infraCmd = &cobra.Command{
	Use:   "infra",
	Short: "Manage the local Postgres and Redis containers",
	Long: `Manage the Docker containers backing a local Inkwell server.

Postgres holds books, pages and jobs; Redis carries the job queue.
Both persist their data under the inkwell home directory, so stopping
or removing the containers loses nothing.

The containers listen on 127.0.0.1:5433 (Postgres) and 127.0.0.1:6380
(Redis), matching the default configuration.

Examples:
  inkwell infra up       # Start both containers
  inkwell infra down     # Stop them (data preserved)
  inkwell infra status   # Check container status
  inkwell infra logs postgres`,
}

var infraUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the Postgres and Redis containers",
	Long: `Start the Postgres and Redis containers.

Missing containers are created, stopped ones restarted, running ones
left alone. The command waits until both pass their healthchecks.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := getStackManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Starting Postgres and Redis...")
		if err := mgr.Up(ctx); err != nil {
			return fmt.Errorf("failed to start containers: %w", err)
		}

		statuses, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			fmt.Printf("%s is running at %s\n", s.Name, s.Addr)
		}
		return nil
	},
}

var infraDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop the containers",
	Long: `Stop the Postgres and Redis containers.

Data is preserved. Use 'inkwell infra up' to restart them later.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getStackManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Stopping containers...")
		if err := mgr.Down(cmd.Context()); err != nil {
			return fmt.Errorf("failed to stop containers: %w", err)
		}

		fmt.Println("Containers stopped")
		return nil
	},
}

var infraStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show container status",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getStackManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		statuses, err := mgr.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}

		for _, s := range statuses {
			switch s.Status {
			case devstack.StatusRunning:
				fmt.Printf("%-18s %s (%s)\n", s.Name, s.Status, s.Addr)
			case devstack.StatusNotFound:
				fmt.Printf("%-18s %s (use 'inkwell infra up' to create)\n", s.Name, s.Status)
			default:
				fmt.Printf("%-18s %s\n", s.Name, s.Status)
			}
		}
		return nil
	},
}

var infraLogsTail string

var infraLogsCmd = &cobra.Command{
	Use:   "logs <postgres|redis>",
	Short: "Show container logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getStackManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		logs, err := mgr.Logs(cmd.Context(), args[0], infraLogsTail)
		if err != nil {
			return fmt.Errorf("failed to get logs: %w", err)
		}

		fmt.Print(logs)
		return nil
	},
}

var infraRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove the containers",
	Long: `Stop and remove the Postgres and Redis containers.

Data under the inkwell home directory is NOT deleted; only the
containers are removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getStackManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Removing containers...")
		if err := mgr.Remove(cmd.Context()); err != nil {
			return fmt.Errorf("failed to remove containers: %w", err)
		}

		fmt.Println("Containers removed (data preserved)")
		return nil
	},
}

func init() {
	infraCmd.AddCommand(infraUpCmd)
	infraCmd.AddCommand(infraDownCmd)
	infraCmd.AddCommand(infraStatusCmd)
	infraCmd.AddCommand(infraLogsCmd)
	infraCmd.AddCommand(infraRemoveCmd)

	infraLogsCmd.Flags().StringVar(&infraLogsTail, "tail", "100", "Number of lines to show from the end")

	rootCmd.AddCommand(infraCmd)
}

// getHome returns the home directory manager.
func getHome() (*home.Dir, error) {
	h, err := home.New(homeDir)
	if err != nil {
		return nil, err
	}
	if err := h.EnsureExists(); err != nil {
		return nil, fmt.Errorf("failed to create home directory: %w", err)
	}
	return h, nil
}

// getStackManager creates a devstack Manager with data directories
// under the inkwell home.
func getStackManager() (*devstack.Manager, error) {
	h, err := getHome()
	if err != nil {
		return nil, err
	}

	for _, dir := range []string{h.PostgresPath(), h.RedisPath()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	return devstack.NewManager(devstack.Config{
		PostgresDataPath: h.PostgresPath(),
		RedisDataPath:    h.RedisPath(),
	})
}
