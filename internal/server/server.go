// File: internal/server/server.go
// Description: HTTP server hosting the sync API. Builds the chi router,
// registers capabilities from configuration and handles graceful shutdown on
// SIGINT/SIGTERM or context cancellation.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/taxokit/kwsync/internal/config"
)

// Server hosts the sync HTTP API.
type Server struct {
	cfg        *config.Config
	log        *zap.Logger
	httpServer *http.Server
}

// NewServer builds the router and registers the capability set derived from
// configuration.
func NewServer(cfg *config.Config, handlers *Handlers, caps *CapabilityRegistry, logger *zap.Logger) *Server {
	caps.Set(CapDashboardFallback, cfg.Dashboard.FallbackEnabled)
	caps.Set(CapSubcategoryPruning, cfg.Sync.PruneSubcategories)
	caps.Set(CapOutboundSync, len(cfg.Sync.Targets) > 0)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	handlers.RegisterRoutes(r)

	return &Server{
		cfg: cfg,
		log: logger.Named("server"),
		httpServer: &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start serves until the context is canceled or a termination signal arrives,
// then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening.", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		s.log.Info("Shutdown signal received.", zap.String("signal", sig.String()))
	case <-ctx.Done():
		s.log.Info("Context canceled, shutting down.")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Error("Graceful shutdown failed.", zap.Error(err))
		return err
	}
	return <-errCh
}
