package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/inkwellhq/inkwell/internal/config"
	"github.com/inkwellhq/inkwell/internal/home"
	"github.com/inkwellhq/inkwell/internal/server"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Inkwell server",
	Long: `Start the Inkwell HTTP server.

The server connects to Postgres and Redis (start them with
'inkwell infra up') and processes export and generation jobs in the
background. Configuration is re-read on change without a restart.

The server provides:
  - /health - Basic server health check
  - /ready  - Readiness check (database and queue status)
  - /docs   - Interactive API documentation

Examples:
  inkwell serve                    # Start on default port 8080
  inkwell serve --port 3000        # Start on custom port
  inkwell serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		// A missing config file is fine; defaults cover everything.
		cfgPath := cfgFile
		if cfgPath == "" {
			cfgPath = h.ConfigPath()
		}
		mgr, err := config.NewManager(cfgPath)
		if err != nil {
			return err
		}
		mgr.WatchConfig()

		logger := buildLogger(mgr.Get().Logging)

		srv, err := server.New(server.Config{
			Host:          serveHost,
			Port:          servePort,
			Home:          h,
			ConfigManager: mgr,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		// Start blocks until shutdown
		return srv.Start(ctx)
	},
}

func buildLogger(cfg config.LoggingCfg) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (default from config)")
	serveCmd.Flags().StringVar(&servePort, "port", "", "Port to listen on (default from config)")

	rootCmd.AddCommand(serveCmd)
}
