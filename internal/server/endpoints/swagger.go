package endpoints

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/inkwellhq/inkwell/internal/api"
)

// SwaggerSpecEndpoint serves the OpenAPI spec.
type SwaggerSpecEndpoint struct {
	// SpecPath is the path to the swagger.json file
	SpecPath string
}

func (e *SwaggerSpecEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/docs/swagger.json", e.handler
}

func (e *SwaggerSpecEndpoint) RequiresInit() bool { return false }

func (e *SwaggerSpecEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	specPath := e.SpecPath
	if specPath == "" {
		specPath = DefaultSwaggerSpecPath()
	}

	data, err := os.ReadFile(specPath)
	if err != nil {
		writeError(w, http.StatusNotFound, "swagger.json not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Write(data)
}

func (e *SwaggerSpecEndpoint) Command(getClient func() *api.Client) *cobra.Command {
	var outputFile string
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "Fetch the OpenAPI spec from the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, _, err := getClient().GetRaw(cmd.Context(), "/docs/swagger.json")
			if err != nil {
				return err
			}

			if outputFile != "" {
				return os.WriteFile(outputFile, data, 0o644)
			}

			var spec map[string]any
			if err := json.Unmarshal(data, &spec); err != nil {
				return err
			}
			return api.Output(spec)
		},
	}
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file path")
	return cmd
}

// DocsUIEndpoint serves Swagger UI.
type DocsUIEndpoint struct{}

func (e *DocsUIEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/docs", e.handler
}

func (e *DocsUIEndpoint) RequiresInit() bool { return false }

func (e *DocsUIEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	html := `<!DOCTYPE html>
<html>
<head>
  <title>Inkwell API</title>
  <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({
      url: '/docs/swagger.json',
      dom_id: '#swagger-ui',
      presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
      layout: 'BaseLayout'
    });
  </script>
</body>
</html>`
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(html))
}

// Command returns nil: the UI is only useful in a browser.
func (e *DocsUIEndpoint) Command(func() *api.Client) *cobra.Command {
	return nil
}

// DefaultSwaggerSpecPath returns the path to swagger.json based on the
// executable location, falling back to the working directory.
func DefaultSwaggerSpecPath() string {
	if exe, err := os.Executable(); err == nil {
		specPath := filepath.Join(filepath.Dir(exe), "docs", "swagger", "swagger.json")
		if _, err := os.Stat(specPath); err == nil {
			return specPath
		}
	}
	return "docs/swagger/swagger.json"
}
