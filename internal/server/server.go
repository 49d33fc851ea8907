// Package server assembles the Inkwell HTTP server: persistence, object
// storage, the continuation queue, the provider registry, and the runner
// that drives jobs, all exposed through the endpoint registry.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/redis/go-redis/v9"

	"github.com/inkwellhq/inkwell/internal/api"
	"github.com/inkwellhq/inkwell/internal/blob"
	"github.com/inkwellhq/inkwell/internal/config"
	"github.com/inkwellhq/inkwell/internal/export"
	"github.com/inkwellhq/inkwell/internal/generate"
	"github.com/inkwellhq/inkwell/internal/home"
	"github.com/inkwellhq/inkwell/internal/notify"
	"github.com/inkwellhq/inkwell/internal/providers"
	"github.com/inkwellhq/inkwell/internal/queue"
	"github.com/inkwellhq/inkwell/internal/runner"
	"github.com/inkwellhq/inkwell/internal/schema"
	"github.com/inkwellhq/inkwell/internal/server/endpoints"
	"github.com/inkwellhq/inkwell/internal/store"
	"github.com/inkwellhq/inkwell/internal/svcctx"
	"github.com/inkwellhq/inkwell/internal/usage"
)

// connectAttempts bounds the startup waits for Postgres and Redis. Paired
// with the 1s delay this gives dependencies half a minute to come up.
const connectAttempts = 30

// Server is the main Inkwell HTTP server.
type Server struct {
	httpServer *http.Server
	configMgr  *config.Manager
	home       *home.Dir
	registry   *providers.Registry
	logger     *slog.Logger

	store    store.Store
	blobs    blob.Store
	queue    queue.Queue
	notifier notify.Notifier
	usageRec *usage.Recorder
	runner   *runner.Runner

	// services holds all core services for context enrichment. Set once
	// Start has connected everything; nil means "not ready yet".
	services atomic.Pointer[svcctx.Services]

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	auth authState

	mu      sync.Mutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to. Empty falls back to the config file.
	Host string
	// Port is the port to listen on. Empty falls back to the config file.
	Port string
	// Home is the inkwell home directory, used for default storage paths.
	Home *home.Dir
	// ConfigManager provides configuration with hot-reload support.
	ConfigManager *config.Manager
	// SwaggerSpecPath points at the generated OpenAPI document.
	SwaggerSpecPath string
	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// New creates a new Server with the given configuration. Dependencies are
// connected later in Start; until then every job endpoint answers 503.
func New(cfg Config) (*Server, error) {
	if cfg.ConfigManager == nil {
		return nil, errors.New("config manager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	fileCfg := cfg.ConfigManager.Get()
	host := cfg.Host
	if host == "" {
		host = fileCfg.Server.Host
	}
	port := cfg.Port
	if port == "" {
		port = fileCfg.Server.Port
	}

	registry := providers.NewRegistryFromConfig(fileCfg.ToProviderRegistryConfig(), cfg.Logger)

	s := &Server{
		configMgr: cfg.ConfigManager,
		home:      cfg.Home,
		registry:  registry,
		logger:    cfg.Logger,
	}
	s.auth.update(fileCfg)

	// Config rewrites re-register providers and refresh credentials
	// without a restart.
	cfg.ConfigManager.OnChange(func(c *config.Config) {
		registry.Reload(c.ToProviderRegistryConfig())
		s.auth.update(c)
		cfg.Logger.Info("provider registry and credentials reloaded from config")
	})

	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All(endpoints.Config{
		QueueBackend:    fileCfg.Queue.Backend,
		SwaggerSpecPath: cfg.SwaggerSpecPath,
	}) {
		s.endpointRegistry.Register(ep)
	}

	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)

	var handler http.Handler = mux
	handler = s.withServices(handler)
	handler = s.authenticate(handler)
	handler = rateLimit(fileCfg.Server.RateLimitRPS, fileCfg.Server.RateLimitBurst)(handler)
	handler = requestLog(cfg.Logger)(handler)
	handler = requestID(handler)

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(host, port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Start connects the store, queue, and object storage, launches the job
// runner, and serves HTTP. It blocks until the context is cancelled or an
// error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	cfg := s.configMgr.Get()

	st, err := s.connectStore(ctx, cfg)
	if err != nil {
		s.setNotRunning()
		return err
	}
	s.store = st

	if err := schema.Initialize(ctx, st.Pool(), s.logger); err != nil {
		st.Close()
		s.setNotRunning()
		return fmt.Errorf("schema initialization failed: %w", err)
	}

	q, err := s.openQueue(ctx, cfg)
	if err != nil {
		st.Close()
		s.setNotRunning()
		return err
	}
	s.queue = q

	blobs, err := s.openBlobs(cfg)
	if err != nil {
		_ = q.Close()
		st.Close()
		s.setNotRunning()
		return err
	}
	s.blobs = blobs

	s.notifier, err = s.buildNotifier(cfg)
	if err != nil {
		_ = q.Close()
		st.Close()
		s.setNotRunning()
		return err
	}

	s.usageRec = usage.NewRecorder(usage.RecorderConfig{
		Writer:        s.store,
		BatchSize:     cfg.Usage.BatchSize,
		FlushInterval: time.Duration(cfg.Usage.FlushIntervalSeconds) * time.Second,
		Logger:        s.logger,
	})
	s.usageRec.Start(ctx)

	exportProc := export.New(export.Config{
		Store:    s.store,
		Blobs:    s.blobs,
		Queue:    s.queue,
		Notifier: s.notifier,
		Logger:   s.logger,
	})
	generateProc := generate.New(generate.Config{
		Store:           s.store,
		Blobs:           s.blobs,
		Queue:           s.queue,
		Providers:       s.registry,
		Notifier:        s.notifier,
		Usage:           s.usageRec,
		Logger:          s.logger,
		DefaultProvider: cfg.Generation.DefaultProvider,
		InterUnitDelay:  time.Duration(cfg.Generation.InterUnitDelaySeconds) * time.Second,
	})

	s.runner = runner.New(runner.Config{
		Consumer:   s.queue,
		Export:     exportProc,
		Generation: generateProc,
		Logger:     s.logger,
	})

	s.services.Store(&svcctx.Services{
		Store:      s.store,
		Blobs:      s.blobs,
		Queue:      s.queue,
		Registry:   s.registry,
		Config:     s.configMgr,
		Notifier:   s.notifier,
		Usage:      s.usageRec,
		Export:     exportProc,
		Generation: generateProc,
		Logger:     s.logger,
		Home:       s.home,
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		if err := s.runner.Run(runCtx); err != nil {
			s.logger.Error("job runner exited", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			s.shutdown(cancelRun, runnerDone)
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	s.shutdown(cancelRun, runnerDone)
	return nil
}

func (s *Server) connectStore(ctx context.Context, cfg *config.Config) (*store.PostgresStore, error) {
	dsn := config.ResolveEnvVars(cfg.Database.URL)
	var st *store.PostgresStore
	err := retry.Do(
		func() error {
			var err error
			st, err = store.NewPostgresStore(ctx, dsn, s.logger)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(connectAttempts),
		retry.Delay(1*time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("database not reachable: %w", err)
	}
	s.logger.Info("connected to database")
	return st, nil
}

func (s *Server) openQueue(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	if cfg.Queue.Backend == "local" {
		s.logger.Info("using in-process queue")
		return queue.NewLocalQueue(256, s.logger), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: config.ResolveEnvVars(cfg.Redis.Password),
		DB:       cfg.Redis.DB,
	})
	err := retry.Do(
		func() error { return client.Ping(ctx).Err() },
		retry.Context(ctx),
		retry.Attempts(connectAttempts),
		retry.Delay(1*time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis not reachable: %w", err)
	}
	s.logger.Info("connected to redis", "addr", cfg.Redis.Addr)

	return queue.NewStreamsQueue(ctx, client, queue.StreamsConfig{
		Stream:      cfg.Queue.Stream,
		Group:       cfg.Queue.Group,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Visibility:  time.Duration(cfg.Queue.VisibilitySeconds) * time.Second,
		RetryDelay:  time.Duration(cfg.Queue.RetryDelaySeconds) * time.Second,
	}, s.logger)
}

func (s *Server) openBlobs(cfg *config.Config) (blob.Store, error) {
	dir := cfg.Storage.Dir
	if dir == "" && s.home != nil {
		dir = s.home.StoragePath()
	}
	if dir == "" {
		return nil, errors.New("no storage directory configured")
	}
	blobs, err := blob.NewFSStore(dir)
	if err != nil {
		return nil, fmt.Errorf("object storage: %w", err)
	}
	s.logger.Info("object storage ready", "dir", dir)
	return blobs, nil
}

// buildNotifier always includes the webhook notifier even without a
// configured URL, because jobs may carry their own notify address.
func (s *Server) buildNotifier(cfg *config.Config) (notify.Notifier, error) {
	webhook, err := notify.NewWebhook(notify.WebhookConfig{
		URL:          cfg.Notify.WebhookURL,
		Timeout:      time.Duration(cfg.Notify.TimeoutSeconds) * time.Second,
		AllowPrivate: cfg.Notify.AllowPrivate,
		Logger:       s.logger,
	})
	if err != nil {
		return nil, err
	}
	return notify.Multi{&notify.LogNotifier{Logger: s.logger}, webhook}, nil
}

// shutdown stops intake first, then drains the moving parts in dependency
// order: HTTP, runner, queue, usage recorder, store.
func (s *Server) shutdown(cancelRun context.CancelFunc, runnerDone <-chan struct{}) {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	cancelRun()
	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			s.logger.Error("queue close error", "error", err)
		}
	}
	select {
	case <-runnerDone:
	case <-shutdownCtx.Done():
		s.logger.Error("job runner did not stop in time")
	}

	if s.usageRec != nil {
		s.usageRec.Stop()
	}
	if s.store != nil {
		s.store.Close()
	}

	s.services.Store(nil)
	s.setNotRunning()
	s.logger.Info("server stopped")
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Registry returns the provider registry.
func (s *Server) Registry() *providers.Registry {
	return s.registry
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if services := s.services.Load(); services != nil {
			ctx = svcctx.WithServices(ctx, services)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that ensures the server is fully initialized.
// Returns 503 Service Unavailable until Start has connected everything.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.services.Load() == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}
