// Package httpapi exposes search, rating and maintenance over HTTP.
//
//	GET  /api/v1/search?mode=author&q=tolkien
//	POST /api/v1/ratings   {"user_id": 7, "isbn": "0345339681", "score": 9}
//	POST /api/v1/backfill  {"batch_size": 256, "max_batches": 0}
//	GET  /api/v1/status
//	GET  /healthz
//	GET  /metrics
//
// Search results carry "year_label" next to "year" ("unknown" when the year
// is 0). POST /api/v1/backfill runs synchronously and clears the write
// deadline for its own response, so a full run is not cut off by
// WriteTimeout; it still stops when the client disconnects.
//
// Errors map to 400 (invalid input), 422 (unknown user or book),
// 503 (store or provider unavailable), 409 (backfill already running)
// and 500 (anything else).
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dshills/bookfinder/internal/app"
	"github.com/dshills/bookfinder/internal/config"
	"github.com/dshills/bookfinder/internal/logging"
)

// RequestIDHeader carries the request ID in both directions
const RequestIDHeader = "X-Request-ID"

// Server serves the HTTP API
type Server struct {
	app    *app.App
	cfg    config.HTTPConfig
	logger zerolog.Logger
}

// NewServer creates an HTTP server over the application services
func NewServer(a *app.App, cfg config.HTTPConfig) *Server {
	return &Server{app: a, cfg: cfg, logger: logging.Component("http")}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/search", s.handleSearch)
		r.Post("/ratings", s.handleRate)
		r.Post("/backfill", s.handleBackfill)
		r.Get("/status", s.handleStatus)
	})

	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// requestID honours an incoming X-Request-ID or generates one, and carries
// it in the logging context and the response header.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := logging.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger := logging.Ctx(r.Context(), s.logger)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
