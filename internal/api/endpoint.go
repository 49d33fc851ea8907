package api

import (
	"net/http"

	"github.com/spf13/cobra"
)

// Endpoint defines both an HTTP route and its corresponding CLI command.
// This provides a single source of truth for API operations.
type Endpoint interface {
	// Route returns the HTTP method, path, and handler for this endpoint.
	Route() (method, path string, handler http.HandlerFunc)

	// RequiresInit returns true if this endpoint requires the server
	// to be fully initialized (store reachable, queue consumer running).
	RequiresInit() bool

	// Command returns a Cobra command that calls this endpoint via HTTP.
	// getClient is called at runtime so the server URL and token flags are
	// read after flag parsing.
	Command(getClient func() *Client) *cobra.Command
}
