package endpoints

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/inkwellhq/inkwell/internal/api"
	"github.com/inkwellhq/inkwell/internal/store"
	"github.com/inkwellhq/inkwell/internal/svcctx"
	"github.com/inkwellhq/inkwell/internal/types"
)

// GetBookEndpoint handles GET /books/{book_id}.
type GetBookEndpoint struct{}

func (e *GetBookEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/books/{book_id}", e.handler
}

func (e *GetBookEndpoint) RequiresInit() bool { return true }

func (e *GetBookEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	book, ok := ownedBook(w, r, r.PathValue("book_id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (e *GetBookEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get a book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var book types.Book
			if err := getClient().Get(cmd.Context(), "/books/"+url.PathEscape(args[0]), &book); err != nil {
				return err
			}
			return api.Output(book)
		},
	}
}

// DeleteBookResponse confirms a deletion.
type DeleteBookResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

// DeleteBookEndpoint handles DELETE /books/{book_id}.
type DeleteBookEndpoint struct{}

func (e *DeleteBookEndpoint) Route() (string, string, http.HandlerFunc) {
	return "DELETE", "/books/{book_id}", e.handler
}

func (e *DeleteBookEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Delete a book
//	@Description	Deletes a book and all of its pages.
//	@Tags			books
//	@Produce		json
//	@Param			book_id	path		string	true	"Book ID"
//	@Success		200		{object}	DeleteBookResponse
//	@Failure		404		{object}	ErrorResponse
//	@Router			/books/{book_id} [delete]
func (e *DeleteBookEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	book, ok := ownedBook(w, r, r.PathValue("book_id"))
	if !ok {
		return
	}

	st := svcctx.StoreFrom(r.Context())
	if err := st.DeleteBook(r.Context(), book.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, DeleteBookResponse{Status: "deleted", ID: book.ID})
}

func (e *DeleteBookEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a book and its pages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getClient().Delete(cmd.Context(), "/books/"+url.PathEscape(args[0]))
		},
	}
}

// ownedBook loads a book and enforces ownership. External callers get a 404
// for books they do not own, so foreign IDs are indistinguishable from
// missing ones. The service credential may reach any book.
func ownedBook(w http.ResponseWriter, r *http.Request, id string) (*types.Book, bool) {
	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return nil, false
	}

	book, err := st.GetBook(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "book not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}

	if owner := svcctx.OwnerFrom(r.Context()); owner != "" && book.OwnerID != owner {
		writeError(w, http.StatusNotFound, "book not found")
		return nil, false
	}
	return book, true
}
