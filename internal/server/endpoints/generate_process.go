package endpoints

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/inkwellhq/inkwell/internal/api"
	"github.com/inkwellhq/inkwell/internal/store"
	"github.com/inkwellhq/inkwell/internal/svcctx"
)

// GenerateProcessRequest is the request body for POST /generate/process.
type GenerateProcessRequest struct {
	JobID       string `json:"jobId"`
	PromptIndex int    `json:"promptIndex"`
}

// GenerateProcessResponse reports the outcome of one generation unit.
// NextPromptIndex is null once every prompt is resolved or the job is
// terminal.
type GenerateProcessResponse struct {
	Success         bool `json:"success"`
	PromptIndex     int  `json:"promptIndex"`
	NextPromptIndex *int `json:"nextPromptIndex"`
	ImageGenerated  bool `json:"imageGenerated"`
}

// GenerateProcessEndpoint handles POST /generate/process. The continuation
// queue is the normal driver; this shape exists for operators and the
// original HTTP-chaining callers.
type GenerateProcessEndpoint struct{}

func (e *GenerateProcessEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/generate/process", e.handler
}

func (e *GenerateProcessEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Process one generation unit
//	@Description	Resolves a single prompt of an existing generation job. Requires the service credential. Unknown or finished jobs are a no-op.
//	@Tags			generate
//	@Accept			json
//	@Produce		json
//	@Param			request	body		GenerateProcessRequest	true	"Unit to process"
//	@Success		200		{object}	GenerateProcessResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		403		{object}	ErrorResponse
//	@Router			/generate/process [post]
func (e *GenerateProcessEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	if !requireInternal(w, r) {
		return
	}

	var req GenerateProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.JobID == "" {
		writeError(w, http.StatusBadRequest, "jobId is required")
		return
	}
	if req.PromptIndex < 0 {
		writeError(w, http.StatusBadRequest, "promptIndex must not be negative")
		return
	}

	st := svcctx.StoreFrom(r.Context())
	proc := svcctx.GenerationFrom(r.Context())
	if st == nil || proc == nil {
		writeError(w, http.StatusServiceUnavailable, "generation processor not initialized")
		return
	}

	before, err := st.GetGenerationJob(r.Context(), req.JobID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := proc.ProcessIndex(r.Context(), req.JobID, req.PromptIndex); err != nil {
		// Unit outcomes land on the job row; an error here is an
		// infrastructure fault, not a failed prompt.
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := GenerateProcessResponse{Success: true, PromptIndex: req.PromptIndex}
	after, err := st.GetGenerationJob(r.Context(), req.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Unknown job: the invocation was a no-op.
			writeJSON(w, http.StatusOK, resp)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp.ImageGenerated = before != nil && after.CompletedCount > before.CompletedCount
	if !after.Status.IsTerminal() && after.Consumed() < len(after.Prompts) {
		next := after.Consumed()
		resp.NextPromptIndex = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

// Command returns nil: the internal shape is not exposed as a CLI command.
func (e *GenerateProcessEndpoint) Command(func() *api.Client) *cobra.Command {
	return nil
}
