package endpoints

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inkwellhq/inkwell/internal/api"
	"github.com/inkwellhq/inkwell/internal/blob"
	"github.com/inkwellhq/inkwell/internal/svcctx"
)

// ArtifactEndpoint handles GET /artifacts/{key...}. It streams finished
// export archives; external callers can only reach keys under their own
// exports/ prefix.
type ArtifactEndpoint struct{}

func (e *ArtifactEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/artifacts/{key...}", e.handler
}

func (e *ArtifactEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Download an artifact
//	@Description	Streams an export artifact from object storage as an attachment.
//	@Tags			artifacts
//	@Produce		application/octet-stream
//	@Param			key	path		string	true	"Artifact key"
//	@Success		200	{file}		binary
//	@Failure		404	{object}	ErrorResponse
//	@Router			/artifacts/{key} [get]
func (e *ArtifactEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	if owner := svcctx.OwnerFrom(r.Context()); owner != "" {
		if !strings.HasPrefix(key, "exports/"+owner+"/") {
			writeError(w, http.StatusNotFound, "artifact not found")
			return
		}
	}

	blobs := svcctx.BlobsFrom(r.Context())
	if blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "blob store not initialized")
		return
	}

	data, err := blobs.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			writeError(w, http.StatusNotFound, "artifact not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	filename := path.Base(key)
	w.Header().Set("Content-Type", contentTypeForKey(key))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.Write(data)
}

func (e *ArtifactEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "artifacts <key>",
		Short: "Download an export artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, _, err := getClient().GetRaw(cmd.Context(), "/artifacts/"+args[0])
			if err != nil {
				return err
			}

			if output == "" {
				output = path.Base(args[0])
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s (%d bytes)\n", output, len(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default artifact basename)")
	return cmd
}

func contentTypeForKey(key string) string {
	switch path.Ext(key) {
	case ".zip":
		return "application/zip"
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
