package endpoints

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/inkwellhq/inkwell/internal/api"
	"github.com/inkwellhq/inkwell/internal/blob"
	"github.com/inkwellhq/inkwell/internal/store"
	"github.com/inkwellhq/inkwell/internal/svcctx"
	"github.com/inkwellhq/inkwell/internal/types"
)

// maxImageBytes bounds page image uploads.
const maxImageBytes = 32 << 20

// PageImageEndpoint handles GET /pages/{page_id}/image.
type PageImageEndpoint struct{}

var _ api.Endpoint = (*PageImageEndpoint)(nil)

func (e *PageImageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/pages/{page_id}/image", e.handler
}

func (e *PageImageEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Get page image
//	@Description	Returns the page's image payload. Falls back to the object-storage copy when the row holds only a reference.
//	@Tags			pages
//	@Produce		image/png
//	@Param			page_id	path		string	true	"Page ID"
//	@Success		200		{file}		binary
//	@Failure		404		{object}	ErrorResponse
//	@Router			/pages/{page_id}/image [get]
func (e *PageImageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	page, ok := ownedPage(w, r, r.PathValue("page_id"))
	if !ok {
		return
	}

	data := page.Data
	if len(data) == 0 && page.ArtifactKey != "" {
		blobs := svcctx.BlobsFrom(r.Context())
		if blobs == nil {
			writeError(w, http.StatusServiceUnavailable, "blob store not initialized")
			return
		}
		var err error
		data, err = blobs.Get(r.Context(), page.ArtifactKey)
		if err != nil && !errors.Is(err, blob.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if len(data) == 0 {
		writeError(w, http.StatusNotFound, "page has no image")
		return
	}

	w.Header().Set("Content-Type", page.MIME())
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	w.Write(data)
}

func (e *PageImageEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "image <page-id>",
		Short: "Download a page image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, contentType, err := getClient().GetRaw(cmd.Context(), "/pages/"+url.PathEscape(args[0])+"/image")
			if err != nil {
				return err
			}

			if output == "" {
				output = args[0] + extForContentType(contentType)
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s (%d bytes)\n", output, len(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default <page-id>.<ext>)")
	return cmd
}

// UploadPageImageEndpoint handles PUT /pages/{page_id}/image. The request
// body is the raw image; the Content-Type header names the format.
type UploadPageImageEndpoint struct{}

func (e *UploadPageImageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "PUT", "/pages/{page_id}/image", e.handler
}

func (e *UploadPageImageEndpoint) RequiresInit() bool { return true }

func (e *UploadPageImageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	page, ok := ownedPage(w, r, r.PathValue("page_id"))
	if !ok {
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImageBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading image body: "+err.Error())
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "image body is empty")
		return
	}

	format := ""
	switch r.Header.Get("Content-Type") {
	case "image/png":
		format = "png"
	case "image/jpeg", "image/jpg":
		format = "jpeg"
	case "":
		// Keep the page's current format.
	default:
		writeError(w, http.StatusUnsupportedMediaType, "content type must be image/png or image/jpeg")
		return
	}

	st := svcctx.StoreFrom(r.Context())
	if err := st.SetPageData(r.Context(), page.ID, data, format); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	updated, err := st.GetPage(r.Context(), page.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (e *UploadPageImageEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <page-id> <image-file>",
		Short: "Replace a page's image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			contentType := "image/png"
			if formatForFile(args[1]) == "jpeg" {
				contentType = "image/jpeg"
			}

			var page types.Page
			path := "/pages/" + url.PathEscape(args[0]) + "/image"
			if err := getClient().PutRaw(cmd.Context(), path, contentType, f, &page); err != nil {
				return err
			}
			return api.Output(page)
		},
	}
}

// ownedPage loads a page and enforces ownership through its book.
func ownedPage(w http.ResponseWriter, r *http.Request, id string) (*types.Page, bool) {
	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return nil, false
	}

	page, err := st.GetPage(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "page not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}

	book, err := st.GetBook(r.Context(), page.BookID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if owner := svcctx.OwnerFrom(r.Context()); owner != "" && book.OwnerID != owner {
		writeError(w, http.StatusNotFound, "page not found")
		return nil, false
	}
	return page, true
}

// extForContentType maps an image content type to a file extension.
func extForContentType(contentType string) string {
	switch contentType {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	default:
		return ".png"
	}
}
