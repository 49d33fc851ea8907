package endpoints

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inkwellhq/inkwell/internal/api"
	"github.com/inkwellhq/inkwell/internal/svcctx"
	"github.com/inkwellhq/inkwell/internal/types"
)

// AddPageRequest is the request body for adding a page by hand. Data is the
// image payload, either a data URL or bare base64.
type AddPageRequest struct {
	Prompt string `json:"prompt,omitempty"`
	Format string `json:"format,omitempty"`
	Data   string `json:"data"`
}

// AddPageEndpoint handles POST /books/{book_id}/pages.
type AddPageEndpoint struct{}

var _ api.Endpoint = (*AddPageEndpoint)(nil)

func (e *AddPageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/books/{book_id}/pages", e.handler
}

func (e *AddPageEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Add a page
//	@Description	Adds a page to the end of the book. The position comes from the book's atomic counter.
//	@Tags			pages
//	@Accept			json
//	@Produce		json
//	@Param			book_id	path		string			true	"Book ID"
//	@Param			request	body		AddPageRequest	true	"Page to add"
//	@Success		201		{object}	types.Page
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Router			/books/{book_id}/pages [post]
func (e *AddPageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req AddPageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	book, ok := ownedBook(w, r, r.PathValue("book_id"))
	if !ok {
		return
	}

	data, format, err := decodeImagePayload(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Format != "" {
		format = req.Format
	}

	st := svcctx.StoreFrom(r.Context())
	page := &types.Page{
		BookID: book.ID,
		Prompt: req.Prompt,
		Format: format,
		Data:   data,
	}
	if err := st.AddPage(r.Context(), page); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, page)
}

func (e *AddPageEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	var prompt string
	cmd := &cobra.Command{
		Use:   "add-page <book-id> <image-file>",
		Short: "Add a page from an image file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("reading image: %w", err)
			}

			req := AddPageRequest{
				Prompt: prompt,
				Format: formatForFile(args[1]),
				Data:   base64.StdEncoding.EncodeToString(data),
			}
			var page types.Page
			if err := getClient().Post(cmd.Context(), "/books/"+url.PathEscape(args[0])+"/pages", req, &page); err != nil {
				return err
			}
			return api.Output(page)
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "Prompt text to record with the page")
	return cmd
}

// ListPagesResponse is the response for listing pages.
type ListPagesResponse struct {
	Pages []*types.Page `json:"pages"`
}

// ListPagesEndpoint handles GET /books/{book_id}/pages.
type ListPagesEndpoint struct{}

func (e *ListPagesEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/books/{book_id}/pages", e.handler
}

func (e *ListPagesEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		List pages
//	@Description	Lists the book's pages in position order, without image data.
//	@Tags			pages
//	@Produce		json
//	@Param			book_id	path		string	true	"Book ID"
//	@Success		200		{object}	ListPagesResponse
//	@Failure		404		{object}	ErrorResponse
//	@Router			/books/{book_id}/pages [get]
func (e *ListPagesEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	book, ok := ownedBook(w, r, r.PathValue("book_id"))
	if !ok {
		return
	}

	st := svcctx.StoreFrom(r.Context())
	pages, err := st.ListPages(r.Context(), book.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ListPagesResponse{Pages: pages})
}

func (e *ListPagesEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "pages <book-id>",
		Short: "List a book's pages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp ListPagesResponse
			if err := getClient().Get(cmd.Context(), "/books/"+url.PathEscape(args[0])+"/pages", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// decodeImagePayload accepts a data URL ("data:image/png;base64,...") or
// bare base64 and returns the raw bytes plus the format implied by the
// MIME type, defaulting to png.
func decodeImagePayload(payload string) ([]byte, string, error) {
	if payload == "" {
		return nil, "", fmt.Errorf("data is required")
	}

	format := "png"
	if strings.HasPrefix(payload, "data:") {
		rest, found := strings.CutPrefix(payload, "data:image/")
		if !found {
			return nil, "", fmt.Errorf("unsupported data URL")
		}
		mime, encoded, found := strings.Cut(rest, ";base64,")
		if !found {
			return nil, "", fmt.Errorf("data URL must be base64 encoded")
		}
		if mime == "jpeg" || mime == "jpg" {
			format = "jpeg"
		}
		payload = encoded
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("invalid base64 image data: %w", err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("image data is empty")
	}
	return data, format, nil
}

// formatForFile guesses the page format from a filename extension.
func formatForFile(name string) string {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".jpg") || strings.HasSuffix(lower, ".jpeg") {
		return "jpeg"
	}
	return "png"
}
