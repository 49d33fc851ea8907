package endpoints

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/inkwellhq/inkwell/internal/api"
	"github.com/inkwellhq/inkwell/internal/jobs"
	"github.com/inkwellhq/inkwell/internal/poll"
	"github.com/inkwellhq/inkwell/internal/store"
	"github.com/inkwellhq/inkwell/internal/svcctx"
)

// GetJobEndpoint handles GET /jobs/{job_id}.
type GetJobEndpoint struct{}

func (e *GetJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/jobs/{job_id}", e.handler
}

func (e *GetJobEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Get a job
//	@Description	Returns the unified view of an export or generation job: status, progress counters, artifact reference, error.
//	@Tags			jobs
//	@Produce		json
//	@Param			job_id	path		string	true	"Job ID"
//	@Success		200		{object}	jobs.View
//	@Failure		404		{object}	ErrorResponse
//	@Router			/jobs/{job_id} [get]
func (e *GetJobEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("job_id")

	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	view, err := st.FindJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	// Owners only see their own jobs; the service credential sees all.
	if owner := svcctx.OwnerFrom(r.Context()); owner != "" && view.OwnerID != owner {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (e *GetJobEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var view jobs.View
			if err := getClient().Get(cmd.Context(), "/jobs/"+url.PathEscape(args[0]), &view); err != nil {
				return err
			}
			return api.Output(view)
		},
	}
}

// ListJobsResponse is the response for listing jobs.
type ListJobsResponse struct {
	Jobs []*jobs.View `json:"jobs"`
}

// ListJobsEndpoint handles GET /jobs.
type ListJobsEndpoint struct{}

func (e *ListJobsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/jobs", e.handler
}

func (e *ListJobsEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		List jobs
//	@Description	Lists the caller's jobs, newest first. Filter with type, status, and book query parameters.
//	@Tags			jobs
//	@Produce		json
//	@Param			type	query		string	false	"Job kind: export or generation"
//	@Param			status	query		string	false	"Job status: pending, processing, completed, failed"
//	@Param			book	query		string	false	"Book ID"
//	@Success		200		{object}	ListJobsResponse
//	@Failure		500		{object}	ErrorResponse
//	@Router			/jobs [get]
func (e *ListJobsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	owner := svcctx.OwnerFrom(r.Context())
	if owner == "" {
		// Internal callers name the owner they are asking about.
		owner = r.URL.Query().Get("owner")
		if owner == "" {
			writeError(w, http.StatusBadRequest, "owner is required")
			return
		}
	}

	views, err := st.ListJobs(r.Context(), owner, r.URL.Query().Get("book"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	kind := r.URL.Query().Get("type")
	status := r.URL.Query().Get("status")
	filtered := make([]*jobs.View, 0, len(views))
	for _, v := range views {
		if kind != "" && string(v.Kind) != kind {
			continue
		}
		if status != "" && string(v.Status) != status {
			continue
		}
		filtered = append(filtered, v)
	}

	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: filtered})
}

func (e *ListJobsEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	var kind, status, book string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if kind != "" {
				query.Set("type", kind)
			}
			if status != "" {
				query.Set("status", status)
			}
			if book != "" {
				query.Set("book", book)
			}
			path := "/jobs"
			if len(query) > 0 {
				path += "?" + query.Encode()
			}

			var resp ListJobsResponse
			if err := getClient().Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&kind, "type", "", "Filter by kind: export or generation")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&book, "book", "", "Filter by book ID")
	return cmd
}

// WatchJobCommand polls a job until it reaches a terminal status. It has no
// HTTP route of its own; the root command grafts it onto the jobs group.
func WatchJobCommand(getClient func() *api.Client) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Poll a job until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := poll.Watch(cmd.Context(), jobReader(getClient(), args[0]), poll.Options{
				Interval: interval,
				OnPoll:   printJobProgress,
			})
			if err != nil {
				return err
			}
			return printJobResult(view)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", poll.DefaultInterval, "Poll interval")
	return cmd
}

// jobReader adapts the HTTP client to poll.Watch.
func jobReader(client *api.Client, jobID string) poll.ReadFunc {
	return func(ctx context.Context) (*jobs.View, error) {
		var view jobs.View
		if err := client.Get(ctx, "/jobs/"+url.PathEscape(jobID), &view); err != nil {
			return nil, err
		}
		return &view, nil
	}
}

func printJobProgress(view *jobs.View) {
	line := fmt.Sprintf("%s %d/%d", view.Status, view.Progress.Processed, view.Progress.Total)
	if view.Progress.Failed > 0 {
		line += fmt.Sprintf(" (%d failed)", view.Progress.Failed)
	}
	fmt.Println(line)
}

func printJobResult(view *jobs.View) error {
	switch view.Status {
	case jobs.StatusCompleted:
		if view.ArtifactKey != "" {
			fmt.Printf("Artifact: %s\n", view.ArtifactKey)
			fmt.Printf("Download with: inkwell api artifacts %s\n", view.ArtifactKey)
		}
		return nil
	case jobs.StatusFailed:
		return fmt.Errorf("job %s failed: %s", view.ID, view.Error)
	default:
		return fmt.Errorf("job %s stopped in status %s", view.ID, view.Status)
	}
}
