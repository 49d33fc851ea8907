package endpoints

import (
	"github.com/inkwellhq/inkwell/internal/api"
)

// Config holds dependencies needed by some endpoints.
type Config struct {
	// QueueBackend names the continuation transport shown by /status.
	QueueBackend string

	// SwaggerSpecPath is the path to the generated swagger.json.
	SwaggerSpecPath string
}

// All returns all endpoint instances.
func All(cfg Config) []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&StatusEndpoint{QueueBackend: cfg.QueueBackend},

		// Job trigger endpoints
		&ExportEndpoint{},
		&GenerateEndpoint{},
		&GenerateProcessEndpoint{},

		// Job view endpoints
		&GetJobEndpoint{},
		&ListJobsEndpoint{},

		// Book endpoints
		&CreateBookEndpoint{},
		&ListBooksEndpoint{},
		&GetBookEndpoint{},
		&DeleteBookEndpoint{},

		// Page endpoints
		&AddPageEndpoint{},
		&ListPagesEndpoint{},
		&PageImageEndpoint{},
		&UploadPageImageEndpoint{},
		&MovePageEndpoint{},
		&DeletePageEndpoint{},

		// Artifact and usage endpoints
		&ArtifactEndpoint{},
		&UsageSummaryEndpoint{},

		// Docs endpoints
		&SwaggerSpecEndpoint{SpecPath: cfg.SwaggerSpecPath},
		&DocsUIEndpoint{},
	}
}
