package endpoints

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/inkwellhq/inkwell/internal/api"
	"github.com/inkwellhq/inkwell/internal/generate"
	"github.com/inkwellhq/inkwell/internal/jobs"
	"github.com/inkwellhq/inkwell/internal/poll"
	"github.com/inkwellhq/inkwell/internal/store"
	"github.com/inkwellhq/inkwell/internal/svcctx"
)

// GenerateRequest is the request body for POST /generate. Field names match
// the wire contract of existing callers.
type GenerateRequest struct {
	BookID        string   `json:"bookId"`
	Prompts       []string `json:"prompts"`
	Provider      string   `json:"provider,omitempty"`
	Model         string   `json:"model,omitempty"`
	Style         string   `json:"style,omitempty"`
	Size          string   `json:"size,omitempty"`
	BorderStyle   string   `json:"borderStyle,omitempty"`
	Bleed         bool     `json:"bleed,omitempty"`
	NotifyAddress string   `json:"notifyAddress,omitempty"`
}

// GenerateResponse is the response for POST /generate.
type GenerateResponse struct {
	JobID       string `json:"jobId"`
	Status      string `json:"status"`
	PromptCount int    `json:"promptCount"`
}

// GenerateEndpoint handles POST /generate.
type GenerateEndpoint struct{}

func (e *GenerateEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/generate", e.handler
}

func (e *GenerateEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Start a page generation job
//	@Description	Creates a generation job that resolves one prompt per queue delivery into a new page, or attaches to the book's active generation.
//	@Tags			generate
//	@Accept			json
//	@Produce		json
//	@Param			request	body		GenerateRequest	true	"Generation request"
//	@Success		200		{object}	GenerateResponse
//	@Success		202		{object}	GenerateResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Router			/generate [post]
func (e *GenerateEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
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

	proc := svcctx.GenerationFrom(r.Context())
	if proc == nil {
		writeError(w, http.StatusServiceUnavailable, "generation processor not initialized")
		return
	}

	job, created, err := proc.Create(r.Context(), generate.CreateRequest{
		OwnerID: owner,
		BookID:  req.BookID,
		Prompts: req.Prompts,
		Options: jobs.GenerationOptions{
			Provider:    req.Provider,
			Model:       req.Model,
			Style:       req.Style,
			Size:        req.Size,
			BorderStyle: req.BorderStyle,
			Bleed:       req.Bleed,
		},
		NotifyAddress: req.NotifyAddress,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "book not found")
		case errors.Is(err, generate.ErrNoPrompts),
			errors.Is(err, generate.ErrTooManyPrompts),
			errors.Is(err, generate.ErrEmptyPrompt),
			errors.Is(err, generate.ErrUnknownProvider):
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
	writeJSON(w, status, GenerateResponse{
		JobID:       job.ID,
		Status:      string(job.Status),
		PromptCount: len(job.Prompts),
	})
}

func (e *GenerateEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	var (
		provider   string
		model      string
		style      string
		size       string
		border     string
		bleed      bool
		notify     string
		promptFile string
		watch      bool
		interval   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "generate <book-id> [prompt...]",
		Short: "Generate coloring book pages from prompts",
		Long: `Generate creates one page per prompt using the configured image
provider. Prompts are taken from the arguments, or one per line from
--file.

The job runs in the background, one prompt at a time. Use --watch to
poll until it finishes.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := getClient()

			prompts := args[1:]
			if promptFile != "" {
				fromFile, err := readPromptFile(promptFile)
				if err != nil {
					return err
				}
				prompts = append(prompts, fromFile...)
			}
			if len(prompts) == 0 {
				return fmt.Errorf("no prompts given: pass them as arguments or via --file")
			}

			var resp GenerateResponse
			err := client.Post(ctx, "/generate", GenerateRequest{
				BookID:        args[0],
				Prompts:       prompts,
				Provider:      provider,
				Model:         model,
				Style:         style,
				Size:          size,
				BorderStyle:   border,
				Bleed:         bleed,
				NotifyAddress: notify,
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Printf("Job:     %s\n", resp.JobID)
			fmt.Printf("Status:  %s\n", resp.Status)
			fmt.Printf("Prompts: %d\n", resp.PromptCount)

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
	cmd.Flags().StringVar(&provider, "provider", "", "Image provider (default from server config)")
	cmd.Flags().StringVar(&model, "model", "", "Model override for the provider")
	cmd.Flags().StringVar(&style, "style", "", "Style directive prepended to every prompt")
	cmd.Flags().StringVar(&size, "size", "", "Image size, e.g. 1024x1024")
	cmd.Flags().StringVar(&border, "border", "", "Decorative frame style, e.g. rounded")
	cmd.Flags().BoolVar(&bleed, "bleed", false, "Extend artwork to the page edges")
	cmd.Flags().StringVar(&notify, "notify", "", "Webhook URL for the completion event")
	cmd.Flags().StringVarP(&promptFile, "file", "f", "", "Read prompts from a file, one per line")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Poll the job until it finishes")
	cmd.Flags().DurationVar(&interval, "interval", poll.DefaultInterval, "Poll interval with --watch")
	return cmd
}

// readPromptFile loads prompts one per line, skipping blanks and # comments.
func readPromptFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading prompts: %w", err)
	}
	defer f.Close()

	var prompts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		prompts = append(prompts, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading prompts: %w", err)
	}
	return prompts, nil
}
