package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/inkwellhq/inkwell/internal/blob"
	"github.com/inkwellhq/inkwell/internal/config"
	"github.com/inkwellhq/inkwell/internal/export"
	"github.com/inkwellhq/inkwell/internal/store"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove staged export files left by failed jobs",
	Long: `Remove staged page files whose export jobs are finished or gone.

Exports stage one file per page under storage before packaging them
into the final artifact. Failed or interrupted jobs can leave those
stage files behind; sweep deletes them. Active jobs keep their
staging areas untouched.

Safe to run while the server is up, or from cron.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		h, err := getHome()
		if err != nil {
			return err
		}
		cfgPath := cfgFile
		if cfgPath == "" {
			cfgPath = h.ConfigPath()
		}
		mgr, err := config.NewManager(cfgPath)
		if err != nil {
			return err
		}
		cfg := mgr.Get()

		logger := slog.New(slog.NewTextHandler(io.Discard, nil))

		st, err := store.NewPostgresStore(ctx, config.ResolveEnvVars(cfg.Database.URL), logger)
		if err != nil {
			return fmt.Errorf("database not reachable: %w", err)
		}
		defer st.Close()

		dir := cfg.Storage.Dir
		if dir == "" {
			dir = h.StoragePath()
		}
		blobs, err := blob.NewFSStore(dir)
		if err != nil {
			return err
		}

		// SweepStaging never enqueues, so no queue is wired.
		proc := export.New(export.Config{
			Store:  st,
			Blobs:  blobs,
			Logger: logger,
		})

		removed, err := proc.SweepStaging(ctx)
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}

		fmt.Printf("Removed %d staged file(s)\n", removed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
