package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/inkwellhq/inkwell/internal/api"
	"github.com/inkwellhq/inkwell/internal/svcctx"
)

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
	Queue    string `json:"queue,omitempty"`
}

// HealthEndpoint handles GET /health.
type HealthEndpoint struct{}

func (e *HealthEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/health", e.handler
}

func (e *HealthEndpoint) RequiresInit() bool { return false }

func (e *HealthEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (e *HealthEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp HealthResponse
			if err := getClient().Get(cmd.Context(), "/health", &resp); err != nil {
				return err
			}
			fmt.Printf("Status: %s\n", resp.Status)
			return nil
		},
	}
}

// ReadyEndpoint handles GET /ready.
type ReadyEndpoint struct{}

func (e *ReadyEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/ready", e.handler
}

func (e *ReadyEndpoint) RequiresInit() bool { return false }

func (e *ReadyEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Database: "ok", Queue: "ok"}

	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		resp.Status = "degraded"
		resp.Database = "not_initialized"
		resp.Queue = "not_initialized"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	if err := st.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Database = "unhealthy"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *ReadyEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Check server readiness (includes the database)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp HealthResponse
			if err := getClient().Get(cmd.Context(), "/ready", &resp); err != nil {
				return err
			}
			fmt.Printf("Status:   %s\n", resp.Status)
			fmt.Printf("Database: %s\n", resp.Database)
			fmt.Printf("Queue:    %s\n", resp.Queue)
			return nil
		},
	}
}

// StatusResponse is the detailed status response.
type StatusResponse struct {
	Server    string         `json:"server"`
	Database  DatabaseStatus `json:"database"`
	Queue     QueueStatus    `json:"queue"`
	Providers []string       `json:"providers"`
}

// DatabaseStatus shows database health.
type DatabaseStatus struct {
	Health string `json:"health"`
}

// QueueStatus shows the continuation transport.
type QueueStatus struct {
	Backend string `json:"backend"`
}

// StatusEndpoint handles GET /status.
type StatusEndpoint struct {
	// QueueBackend is set by the server; the backend cannot change while
	// the process runs, so it is not read from live config.
	QueueBackend string
}

func (e *StatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/status", e.handler
}

func (e *StatusEndpoint) RequiresInit() bool { return false }

func (e *StatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Server: "running",
		Queue:  QueueStatus{Backend: e.QueueBackend},
	}

	registry := svcctx.RegistryFrom(r.Context())
	if registry != nil {
		resp.Providers = registry.List()
	}

	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		resp.Database.Health = "not_initialized"
	} else if err := st.Ping(r.Context()); err != nil {
		resp.Database.Health = "unhealthy"
	} else {
		resp.Database.Health = "healthy"
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *StatusEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Get detailed server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp StatusResponse
			if err := getClient().Get(cmd.Context(), "/status", &resp); err != nil {
				return err
			}
			fmt.Printf("Server:    %s\n", resp.Server)
			fmt.Printf("Database:  %s\n", resp.Database.Health)
			fmt.Printf("Queue:     %s\n", resp.Queue.Backend)
			fmt.Printf("Providers: %v\n", resp.Providers)
			return nil
		},
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// requireOwner resolves the authenticated owner or writes a 401.
func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := svcctx.OwnerFrom(r.Context())
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return owner, true
}

// requireInternal verifies the service credential or writes a 403.
func requireInternal(w http.ResponseWriter, r *http.Request) bool {
	if !svcctx.IsInternal(r.Context()) {
		writeError(w, http.StatusForbidden, "service credential required")
		return false
	}
	return true
}
