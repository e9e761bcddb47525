// Package server assembles the router and runs the HTTP listener
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"oidc-server/internal/handlers"
	"oidc-server/internal/metrics"
	"oidc-server/internal/middleware"
	"oidc-server/pkg/config"
)

const defaultShutdownTimeout = 30 * time.Second

// Server is the authorization server's HTTP front end
type Server struct {
	cfg     config.ServerConfig
	router  chi.Router
	logger  *logrus.Logger
	httpSrv *http.Server
}

// New builds the router with the middleware chain and every route
func New(cfg config.ServerConfig, h *handlers.Handler, origins middleware.OriginChecker, mc *metrics.MetricsCollector, gatherer prometheus.Gatherer, logger *logrus.Logger) *Server {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.ProxyAware(cfg.TrustProxyHeaders))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Logger(logger))
	r.Use(mc.Middleware)
	r.Use(middleware.CORS(origins))
	if cfg.RateLimitPerMinute > 0 {
		r.Use(middleware.NewRateLimiter(cfg.RateLimitPerMinute).Middleware)
	}

	h.Routes(r)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return &Server{cfg: cfg, router: r, logger: logger}
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadTimeout:       seconds(s.cfg.ReadTimeout, 15*time.Second),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      seconds(s.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("🌐 OIDC server listening on %s", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Println("🛑 Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), seconds(s.cfg.ShutdownTimeout, defaultShutdownTimeout))
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	s.logger.Println("✅ Server shutdown complete")
	return nil
}

func seconds(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}
