package main

import (
	"os"

	"github.com/inkwellhq/inkwell/internal/api"
	"github.com/inkwellhq/inkwell/internal/server/endpoints"
)

var (
	serverURL string
	apiToken  string
)

// getClient builds the HTTP client at runtime, after flag parsing. The
// token falls back to INKWELL_TOKEN so scripts don't have to pass
// --token on every call.
func getClient() *api.Client {
	c := api.NewClient(serverURL)
	token := apiToken
	if token == "" {
		token = os.Getenv("INKWELL_TOKEN")
	}
	if token != "" {
		c.SetToken(token)
	}
	return c
}

func init() {
	registry := api.NewRegistry()
	for _, ep := range endpoints.All(endpoints.Config{}) {
		registry.Register(ep)
	}

	apiCmd := registry.BuildCommands(getClient)
	apiCmd.PersistentFlags().StringVar(
		&serverURL, "server", "http://localhost:8080", "Server URL",
	)
	apiCmd.PersistentFlags().StringVar(
		&apiToken, "token", "", "Bearer token (default: $INKWELL_TOKEN)",
	)

	// watch is CLI-only polling sugar over jobs get, so the registry
	// doesn't know about it.
	if jobsCmd, _, err := apiCmd.Find([]string{"jobs"}); err == nil && jobsCmd != apiCmd {
		jobsCmd.AddCommand(endpoints.WatchJobCommand(getClient))
	}

	rootCmd.AddCommand(apiCmd)
}
