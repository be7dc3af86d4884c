package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"mercator-hq/tokengate/pkg/admission"
	"mercator-hq/tokengate/pkg/config"
	"mercator-hq/tokengate/pkg/limits/quota"
	"mercator-hq/tokengate/pkg/limits/tier"
	"mercator-hq/tokengate/pkg/saga"
	"mercator-hq/tokengate/pkg/telemetry/health"
	"mercator-hq/tokengate/pkg/telemetry/metrics"
	"mercator-hq/tokengate/pkg/telemetry/tracing"
)

// ReadinessRequestsPerSecond caps readiness probes.
const ReadinessRequestsPerSecond = 10

// Deps are the services the server routes to.
type Deps struct {
	Consumer *admission.Consumer
	Sagas    *saga.Service
	Quotas   *quota.Service
	Tiers    *tier.Resolver
	Health   *health.Checker
	Metrics  *metrics.Collector

	// Features returns the current feature flags. Nil enables everything.
	Features func() config.FeaturesConfig

	Logger *slog.Logger

	Version   string
	Commit    string
	BuildTime string
}

// Server is the tokengate HTTP server.
type Server struct {
	config       *config.ServerConfig
	telemetry    *config.TelemetryConfig
	deps         Deps
	logger       *slog.Logger
	httpServer   *http.Server
	shutdownOnce sync.Once
	mu           sync.RWMutex
	isRunning    bool
}

// NewServer creates a server. cfg must already have defaults applied.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Features == nil {
		deps.Features = func() config.FeaturesConfig { return config.FeaturesConfig{} }
	}
	return &Server{
		config:    &cfg.Server,
		telemetry: &cfg.Telemetry,
		deps:      deps,
		logger:    deps.Logger.With("component", "server"),
	}
}

// Start serves until ctx is cancelled or the listener fails, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddress,
		Handler:        s.Handler(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}
	if s.config.TLS.Enabled {
		reloader := newCertReloader(s.config.TLS, s.logger)
		if err := reloader.Start(ctx); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		s.httpServer.TLSConfig = newTLSConfig(s.config.TLS, reloader)
	}
	s.isRunning = true
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting tokengate server",
			"address", s.config.ListenAddress,
			"tls_enabled", s.config.TLS.Enabled,
		)
		var err error
		if s.config.TLS.Enabled {
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, initiating shutdown")
		return s.Shutdown(context.Background())
	case err := <-errChan:
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		return err
	}
}

// Shutdown gracefully stops the server within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		running := s.isRunning
		s.mu.Unlock()
		if !running {
			return
		}

		s.logger.Info("initiating graceful shutdown", "timeout", s.config.ShutdownTimeout.String())

		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error during server shutdown", "error", err)
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}

		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()

		s.logger.Info("tokengate server stopped")
	})

	return shutdownErr
}

// Handler returns the routed handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	api := router.PathPrefix("/api/v1/tokens").Subrouter()
	api.HandleFunc("/consume", s.handleConsume).Methods(http.MethodPost)
	api.HandleFunc("/purchase", s.handlePurchase).Methods(http.MethodPost)
	api.HandleFunc("/purchase/{sagaId}", s.handleGetSaga).Methods(http.MethodGet)
	api.HandleFunc("/quota", s.handleQuota).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	if s.deps.Health != nil {
		router.HandleFunc(s.telemetry.Health.LivenessPath, s.deps.Health.LivenessHandler()).
			Methods(http.MethodGet, http.MethodHead)
		router.HandleFunc(s.telemetry.Health.ReadinessPath,
			health.RateLimitedHandler(s.deps.Health.ReadinessHandler(), ReadinessRequestsPerSecond)).
			Methods(http.MethodGet, http.MethodHead)
	}
	router.HandleFunc("/version", health.VersionHandler(s.deps.Version, s.deps.Commit, s.deps.BuildTime)).
		Methods(http.MethodGet)
	if s.deps.Metrics != nil && config.Bool(s.telemetry.Metrics.Enabled, true) {
		router.Handle(s.telemetry.Metrics.Path, s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	var handler http.Handler = router
	handler = loggingMiddleware(s.logger)(handler)
	handler = requestIDMiddleware(handler)
	handler = tracing.HTTPMiddleware(handler)
	handler = recoveryMiddleware(s.logger)(handler)
	return handler
}

// IsRunning reports whether Start is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
