package endpoints

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inkwellhq/inkwell/internal/api"
	"github.com/inkwellhq/inkwell/internal/svcctx"
	"github.com/inkwellhq/inkwell/internal/types"
)

// CreateBookRequest is the request body for creating a book.
type CreateBookRequest struct {
	Title string `json:"title"`
}

// CreateBookEndpoint handles POST /books.
type CreateBookEndpoint struct{}

func (e *CreateBookEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/books", e.handler
}

func (e *CreateBookEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Create a book
//	@Description	Creates an empty coloring book owned by the caller.
//	@Tags			books
//	@Accept			json
//	@Produce		json
//	@Param			request	body		CreateBookRequest	true	"Book to create"
//	@Success		201		{object}	types.Book
//	@Failure		400		{object}	ErrorResponse
//	@Router			/books [post]
func (e *CreateBookEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req CreateBookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	book := &types.Book{OwnerID: owner, Title: title}
	if err := st.CreateBook(r.Context(), book); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, book)
}

func (e *CreateBookEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "create <title>",
		Short: "Create a new book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var book types.Book
			if err := getClient().Post(cmd.Context(), "/books", CreateBookRequest{Title: args[0]}, &book); err != nil {
				return err
			}
			return api.Output(book)
		},
	}
}

// ListBooksResponse is the response for listing books.
type ListBooksResponse struct {
	Books []*types.Book `json:"books"`
}

// ListBooksEndpoint handles GET /books.
type ListBooksEndpoint struct{}

func (e *ListBooksEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/books", e.handler
}

func (e *ListBooksEndpoint) RequiresInit() bool { return true }

func (e *ListBooksEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	books, err := st.ListBooks(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ListBooksResponse{Books: books})
}

func (e *ListBooksEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your books",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp ListBooksResponse
			if err := getClient().Get(cmd.Context(), "/books", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
