// Package svcctx provides service context for dependency injection via context.
// This package is separate from server to avoid import cycles with endpoints.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/inkwellhq/inkwell/internal/blob"
	"github.com/inkwellhq/inkwell/internal/config"
	"github.com/inkwellhq/inkwell/internal/export"
	"github.com/inkwellhq/inkwell/internal/generate"
	"github.com/inkwellhq/inkwell/internal/home"
	"github.com/inkwellhq/inkwell/internal/notify"
	"github.com/inkwellhq/inkwell/internal/providers"
	"github.com/inkwellhq/inkwell/internal/queue"
	"github.com/inkwellhq/inkwell/internal/store"
	"github.com/inkwellhq/inkwell/internal/usage"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Store      store.Store
	Blobs      blob.Store
	Queue      queue.Queue
	Registry   *providers.Registry
	Config     *config.Manager
	Notifier   notify.Notifier
	Usage      *usage.Recorder
	Export     *export.Processor
	Generation *generate.Processor
	Logger     *slog.Logger
	Home       *home.Dir
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// StoreFrom extracts the persistence store from context.
func StoreFrom(ctx context.Context) store.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Store
	}
	return nil
}

// BlobsFrom extracts the blob store from context.
func BlobsFrom(ctx context.Context) blob.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Blobs
	}
	return nil
}

// QueueFrom extracts the job queue from context.
func QueueFrom(ctx context.Context) queue.Queue {
	if s := ServicesFrom(ctx); s != nil {
		return s.Queue
	}
	return nil
}

// RegistryFrom extracts the provider registry from context.
func RegistryFrom(ctx context.Context) *providers.Registry {
	if s := ServicesFrom(ctx); s != nil {
		return s.Registry
	}
	return nil
}

// ConfigFrom extracts the config manager from context.
func ConfigFrom(ctx context.Context) *config.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.Config
	}
	return nil
}

// NotifierFrom extracts the webhook notifier from context.
func NotifierFrom(ctx context.Context) notify.Notifier {
	if s := ServicesFrom(ctx); s != nil {
		return s.Notifier
	}
	return nil
}

// UsageFrom extracts the usage recorder from context.
func UsageFrom(ctx context.Context) *usage.Recorder {
	if s := ServicesFrom(ctx); s != nil {
		return s.Usage
	}
	return nil
}

// ExportFrom extracts the export processor from context.
func ExportFrom(ctx context.Context) *export.Processor {
	if s := ServicesFrom(ctx); s != nil {
		return s.Export
	}
	return nil
}

// GenerationFrom extracts the generation processor from context.
func GenerationFrom(ctx context.Context) *generate.Processor {
	if s := ServicesFrom(ctx); s != nil {
		return s.Generation
	}
	return nil
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil {
		return s.Logger
	}
	return nil
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}

type ownerKey struct{}

// WithOwner attaches the authenticated owner ID to the context. The auth
// middleware sets it; endpoint handlers read it back with OwnerFrom.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFrom extracts the authenticated owner ID from context.
// Returns the empty string if the request is unauthenticated.
func OwnerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

type internalKey struct{}

// WithInternal marks the request as coming from trusted infrastructure,
// authenticated by the service token rather than a user credential.
func WithInternal(ctx context.Context) context.Context {
	return context.WithValue(ctx, internalKey{}, true)
}

// IsInternal reports whether the request carries the service credential.
func IsInternal(ctx context.Context) bool {
	internal, _ := ctx.Value(internalKey{}).(bool)
	return internal
}
