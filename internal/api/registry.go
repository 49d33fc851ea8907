package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

// Registry holds all registered endpoints.
type Registry struct {
	endpoints []Endpoint
}

// NewRegistry creates a new endpoint registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds an endpoint to the registry.
func (r *Registry) Register(ep Endpoint) {
	r.endpoints = append(r.endpoints, ep)
}

// RegisterRoutes registers all endpoint HTTP routes with the given mux.
// initMiddleware wraps handlers that require full server initialization.
func (r *Registry) RegisterRoutes(mux *http.ServeMux, initMiddleware func(http.HandlerFunc) http.HandlerFunc) {
	for _, ep := range r.endpoints {
		method, path, handler := ep.Route()
		if ep.RequiresInit() {
			handler = initMiddleware(handler)
		}
		mux.HandleFunc(method+" "+path, handler)
	}
}

// BuildCommands returns a cobra.Command tree for all registered endpoints.
// Commands are organized by their URL path structure.
// getClient is called at runtime to build the HTTP client.
func (r *Registry) BuildCommands(getClient func() *Client) *cobra.Command {
	apiCmd := &cobra.Command{
		Use:   "api",
		Short: "Commands that call the running server",
		Long: `API commands call the running Inkwell server via HTTP.

These commands require a running server (inkwell serve).
Use --server to specify a custom server URL and --token to authenticate.

Examples:
  inkwell api health              # Check server health
  inkwell api books list          # List your books
  inkwell api jobs get <id>       # Get a specific job`,
	}

	groupShort := map[string]string{
		"books": "Manage books",
		"pages": "Manage pages",
		"jobs":  "Inspect and watch jobs",
	}

	groups := make(map[string]*cobra.Command)
	for _, ep := range r.endpoints {
		// Endpoints without a CLI form return nil.
		c := ep.Command(getClient)
		if c == nil {
			continue
		}

		_, path, _ := ep.Route()
		segment := firstPathSegment(path)
		if c.Name() == segment {
			apiCmd.AddCommand(c)
			continue
		}

		group, ok := groups[segment]
		if !ok {
			short := groupShort[segment]
			if short == "" {
				short = fmt.Sprintf("Operations on /%s", segment)
			}
			group = &cobra.Command{Use: segment, Short: short}
			groups[segment] = group
			apiCmd.AddCommand(group)
		}
		group.AddCommand(c)
	}

	return apiCmd
}

func firstPathSegment(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	return path
}

// Endpoints returns all registered endpoints.
func (r *Registry) Endpoints() []Endpoint {
	return r.endpoints
}
