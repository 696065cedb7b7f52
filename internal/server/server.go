package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/maltehedderich/admission-control-go/internal/config"
	"github.com/maltehedderich/admission-control-go/internal/health"
	"github.com/maltehedderich/admission-control-go/internal/logger"
	"github.com/maltehedderich/admission-control-go/internal/metrics"
	"github.com/maltehedderich/admission-control-go/internal/middleware"
	"github.com/maltehedderich/admission-control-go/internal/ratelimit"
)

// Server hosts the admission-controlled API surface plus the
// observability and administrative endpoints.
type Server struct {
	config        *config.Config
	service       *ratelimit.Service
	healthManager *health.Manager
	httpServer    *http.Server
	metricsServer *http.Server
	logger        *logger.ComponentLogger
}

// New creates a new server instance
func New(cfg *config.Config, service *ratelimit.Service, healthMgr *health.Manager) *Server {
	return &Server{
		config:        cfg,
		service:       service,
		healthManager: healthMgr,
		logger:        logger.Get().WithComponent("server"),
	}
}

// Start starts the server and blocks until shutdown
func (s *Server) Start() error {
	router := s.setupRouter()

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", s.config.Server.HTTPPort),
		Handler:        router,
		ReadTimeout:    s.config.Server.ReadTimeout,
		WriteTimeout:   s.config.Server.WriteTimeout,
		IdleTimeout:    s.config.Server.IdleTimeout,
		MaxHeaderBytes: s.config.Server.MaxHeaderBytes,
	}

	errChan := make(chan error, 2)

	go func() {
		s.logger.Info("starting HTTP server", logger.Fields{
			"port": s.config.Server.HTTPPort,
		})
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	if s.config.Observability.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(s.config.Observability.MetricsPath, metrics.Handler())

		s.metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", s.config.Observability.MetricsPort),
			Handler: metricsMux,
		}

		go func() {
			s.logger.Info("starting metrics server", logger.Fields{
				"port": s.config.Observability.MetricsPort,
				"path": s.config.Observability.MetricsPath,
			})
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	go s.handleShutdown(errChan)

	return <-errChan
}

// setupRouter sets up the HTTP router with the middleware chain.
// Order: Recovery -> CorrelationID -> Logging -> RateLimit -> Handler.
func (s *Server) setupRouter() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(s.config.Observability.HealthPath, s.healthManager.HealthHandler())
	mux.HandleFunc(s.config.Observability.ReadinessPath, s.healthManager.ReadinessHandler())
	mux.HandleFunc(s.config.Observability.LivenessPath, s.healthManager.LivenessHandler())

	if s.config.Server.AdminEnabled {
		mux.HandleFunc("DELETE /admin/buckets/{key...}", s.adminResetHandler)
	}

	mux.HandleFunc("/", s.defaultHandler())

	chain := middleware.NewChain(
		middleware.Recovery(),
		middleware.CorrelationID(),
		middleware.Logging(),
		ratelimit.Middleware(s.service, s.config.Server.TrustedProxies...),
	)

	return chain.Then(mux)
}

// adminResetHandler deletes bucket state for a key. Operator tooling and
// test harnesses only; it is not reachable from normal request paths.
func (s *Server) adminResetHandler(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		w.WriteHeader(http.StatusBadRequest)
		_ = middleware.WriteJSON(w, map[string]string{"error": "missing bucket key"})
		return
	}

	s.service.Reset(r.Context(), key)
	s.logger.Info("bucket reset", logger.Fields{
		"key": key,
	})

	w.WriteHeader(http.StatusNoContent)
}

// defaultHandler answers everything the admission middleware lets through.
// Deployments embed the engine as a library; this surface exists so the
// binary is usable end to end.
func (s *Server) defaultHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := map[string]interface{}{
			"message": "ok",
			"path":    r.URL.Path,
		}
		if id := logger.GetCorrelationID(r.Context()); id != "" {
			response["correlation_id"] = id
		}

		_ = middleware.WriteJSON(w, response)
	}
}

// handleShutdown handles graceful shutdown
func (s *Server) handleShutdown(errChan chan error) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	s.logger.Info("shutdown signal received", logger.Fields{
		"signal": sig.String(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", logger.Fields{
			"error": err.Error(),
		})
	}

	s.logger.Info("server shutdown complete")
	errChan <- nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown metrics server: %w", err)
		}
	}

	return nil
}
