package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/inkwellhq/inkwell/internal/api"
	"github.com/inkwellhq/inkwell/internal/export"
	"github.com/inkwellhq/inkwell/internal/poll"
	"github.com/inkwellhq/inkwell/internal/store"
	"github.com/inkwellhq/inkwell/internal/svcctx"
)

// ExportRequest is the request body for POST /export. External callers send
// bookId (and optionally bookTitle/format); the queue-driven internal shape
// sends jobId with isInternalCall set. Field names match the wire contract
// of existing callers, hence the camelCase.
type ExportRequest struct {
	BookID    string `json:"bookId,omitempty"`
	BookTitle string `json:"bookTitle,omitempty"`
	Format    string `json:"format,omitempty"`

	JobID          string `json:"jobId,omitempty"`
	IsInternalCall bool   `json:"isInternalCall,omitempty"`
}

// ExportResponse is the response for the external export shape.
type ExportResponse struct {
	JobID      string `json:"jobId"`
	Status     string `json:"status"`
	TotalUnits int    `json:"totalUnits"`
}

// ExportProcessResponse is the response for the internal export shape.
type ExportProcessResponse struct {
	Success bool `json:"success"`
}

// ExportEndpoint handles POST /export.
type ExportEndpoint struct{}

var _ api.Endpoint = (*ExportEndpoint)(nil)

func (e *ExportEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/export", e.handler
}

func (e *ExportEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Start or advance a book export
//	@Description	External shape creates an export job for a book (or attaches to the active one). Internal shape processes exactly one unit of an existing job.
//	@Tags			export
//	@Accept			json
//	@Produce		json
//	@Param			request	body		ExportRequest	true	"Export request"
//	@Success		200		{object}	ExportResponse
//	@Success		202		{object}	ExportResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Router			/export [post]
func (e *ExportEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.IsInternalCall {
		e.processOne(w, r, req)
		return
	}

	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	if req.BookID == "" {
		writeError(w, http.StatusBadRequest, "bookId is required")
		return
	}

	proc := svcctx.ExportFrom(r.Context())
	if proc == nil {
		writeError(w, http.StatusServiceUnavailable, "export processor not initialized")
		return
	}

	job, created, err := proc.Create(r.Context(), export.CreateRequest{
		OwnerID: owner,
		BookID:  req.BookID,
		Title:   req.BookTitle,
		Format:  req.Format,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "book not found")
		case errors.Is(err, export.ErrNoPages):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	writeJSON(w, status, ExportResponse{
		JobID:      job.ID,
		Status:     string(job.Status),
		TotalUnits: job.TotalPages,
	})
}

// processOne runs one unit of the job synchronously. The continuation queue
// is the normal driver; this shape exists so operators and the original
// HTTP-chaining callers can nudge a job by hand.
func (e *ExportEndpoint) processOne(w http.ResponseWriter, r *http.Request, req ExportRequest) {
	if !requireInternal(w, r) {
		return
	}
	if req.JobID == "" {
		writeError(w, http.StatusBadRequest, "jobId is required")
		return
	}

	proc := svcctx.ExportFrom(r.Context())
	if proc == nil {
		writeError(w, http.StatusServiceUnavailable, "export processor not initialized")
		return
	}

	if err := proc.ProcessOne(r.Context(), req.JobID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ExportProcessResponse{Success: true})
}

func (e *ExportEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	var (
		format   string
		title    string
		watch    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "export <book-id>",
		Short: "Export a book to a downloadable archive",
		Long: `Export stages every page of the book into object storage and
assembles them into a single artifact (zip or pdf).

The export runs in the background. Use --watch to poll until it
finishes, or check later with 'inkwell api jobs get <job-id>'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := getClient()

			var resp ExportResponse
			err := client.Post(ctx, "/export", ExportRequest{
				BookID:    args[0],
				BookTitle: title,
				Format:    format,
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Printf("Job:    %s\n", resp.JobID)
			fmt.Printf("Status: %s\n", resp.Status)
			fmt.Printf("Pages:  %d\n", resp.TotalUnits)

			if !watch {
				fmt.Printf("\nWatch with: inkwell api jobs watch %s\n", resp.JobID)
				return nil
			}

			view, err := poll.Watch(ctx, jobReader(client, resp.JobID), poll.Options{
				Interval: interval,
				OnPoll:   printJobProgress,
			})
			if err != nil {
				return err
			}
			return printJobResult(view)
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "Artifact format: zip (default) or pdf")
	cmd.Flags().StringVar(&title, "title", "", "Override the artifact filename stem")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Poll the job until it finishes")
	cmd.Flags().DurationVar(&interval, "interval", poll.DefaultInterval, "Poll interval with --watch")
	return cmd
}
