package ingress

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vilenarios/ar-io-bundler/internal/logger"
	"github.com/vilenarios/ar-io-bundler/pkg/config"
	"github.com/vilenarios/ar-io-bundler/pkg/metrics"
)

// Server is the ingress HTTP server: the upload API, status and offset
// lookups, health and metrics.
type Server struct {
	server       *http.Server
	cfg          config.ServerConfig
	shutdownOnce sync.Once
}

// NewServer creates the ingress server around a handler set.
func NewServer(cfg config.ServerConfig, h *Handlers, m *metrics.Metrics, metricsEnabled bool) *Server {
	router := NewRouter(h, m, metricsEnabled)
	return &Server{
		server: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           router,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
		cfg: cfg,
	}
}

// NewRouter configures the chi router with middleware and all routes.
// Upload bodies stream, so there is no request timeout middleware; the
// read-header timeout on the server bounds slow-loris attempts instead.
func NewRouter(h *Handlers, m *metrics.Metrics, metricsEnabled bool) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tx", h.PostTx)
		r.Post("/tx/{id}", h.PostTxWithSignature)
		r.Get("/tx/{id}/status", h.TxStatus)
		r.Get("/tx/{id}/offset", h.TxOffset)

		r.Post("/upload", h.MultipartCreate)
		r.Put("/upload/{id}/{chunkIndex}", h.MultipartChunk)
		r.Post("/upload/{id}", h.MultipartFinalize)
		r.Delete("/upload/{id}", h.MultipartAbort)
		r.Get("/upload/{id}", h.MultipartStatus)

		r.Get("/info", h.Info)
	})

	r.Get("/healthz", h.Health)
	if metricsEnabled {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("ingress server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("ingress server shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("ingress server failed: %w", err)
	}
}

// Stop shuts the server down. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("ingress server shutdown error: %w", err)
		} else {
			logger.Info("ingress server stopped gracefully")
		}
	})
	return shutdownErr
}

// requestLogger logs request completion with the request id attached.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Info("request completed",
			logger.KeyRequestID, requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}
