package endpoints

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/inkwellhq/inkwell/internal/api"
	"github.com/inkwellhq/inkwell/internal/svcctx"
	"github.com/inkwellhq/inkwell/internal/types"
)

// MovePageRequest is the request body for reordering a page.
type MovePageRequest struct {
	Position int `json:"position"`
}

// MovePageEndpoint handles POST /pages/{page_id}/move.
type MovePageEndpoint struct{}

func (e *MovePageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/pages/{page_id}/move", e.handler
}

func (e *MovePageEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Move a page
//	@Description	Reorders a page to the given position. Pages at or past the target shift up by one.
//	@Tags			pages
//	@Accept			json
//	@Produce		json
//	@Param			page_id	path		string			true	"Page ID"
//	@Param			request	body		MovePageRequest	true	"Target position"
//	@Success		200		{object}	types.Page
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Router			/pages/{page_id}/move [post]
func (e *MovePageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req MovePageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Position < 0 {
		writeError(w, http.StatusBadRequest, "position must not be negative")
		return
	}

	page, ok := ownedPage(w, r, r.PathValue("page_id"))
	if !ok {
		return
	}

	st := svcctx.StoreFrom(r.Context())
	if err := st.MovePage(r.Context(), page.ID, req.Position); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	moved, err := st.GetPage(r.Context(), page.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, moved)
}

func (e *MovePageEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "move <page-id> <position>",
		Short: "Move a page to a new position",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			position, err := strconv.Atoi(args[1])
			if err != nil {
				return err
			}

			var page types.Page
			path := "/pages/" + url.PathEscape(args[0]) + "/move"
			if err := getClient().Post(cmd.Context(), path, MovePageRequest{Position: position}, &page); err != nil {
				return err
			}
			return api.Output(page)
		},
	}
}

// DeletePageResponse confirms a page deletion.
type DeletePageResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

// DeletePageEndpoint handles DELETE /pages/{page_id}.
type DeletePageEndpoint struct{}

func (e *DeletePageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "DELETE", "/pages/{page_id}", e.handler
}

func (e *DeletePageEndpoint) RequiresInit() bool { return true }

func (e *DeletePageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	page, ok := ownedPage(w, r, r.PathValue("page_id"))
	if !ok {
		return
	}

	st := svcctx.StoreFrom(r.Context())
	if err := st.DeletePage(r.Context(), page.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, DeletePageResponse{Status: "deleted", ID: page.ID})
}

func (e *DeletePageEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <page-id>",
		Short: "Delete a page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getClient().Delete(cmd.Context(), "/pages/"+url.PathEscape(args[0]))
		},
	}
}
