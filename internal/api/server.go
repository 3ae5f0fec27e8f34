package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/spidercrawl/internal/crawler"
	"github.com/JakeFAU/spidercrawl/internal/metrics"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Crawl is the view of the running crawl the server needs.
type Crawl interface {
	State() crawler.StateSnapshot
	Resubmit(ctx context.Context, spiderID string, job crawler.Job) error
}

// Server wires HTTP handlers to the crawl and its progress summary.
type Server struct {
	router   chi.Router
	crawl    Crawl
	progress *ProgressHandler
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. progress may be
// nil, in which case the spider routes answer 503.
func NewServer(crawl Crawl, progress SpiderProgressSource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		crawl:    crawl,
		progress: NewProgressHandler(progress, logger),
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(metrics.Middleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/state", s.state)
		r.Route("/spiders", func(r chi.Router) {
			r.Get("/", s.progress.ListSpiders)
			r.Get("/{spider}", s.progress.GetSpider)
			r.Post("/{spider}/jobs", s.submitJob)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Status server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.crawl == nil || !s.crawl.State().Started {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) state(w http.ResponseWriter, _ *http.Request) {
	if s.crawl == nil {
		writeError(w, http.StatusServiceUnavailable, "crawl unavailable")
		return
	}
	snap := s.crawl.State()
	writeJSON(w, http.StatusOK, stateDTO{StateSnapshot: snap, Pending: snap.Pending()})
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	if s.crawl == nil {
		writeError(w, http.StatusServiceUnavailable, "crawl unavailable")
		return
	}
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" || req.Level < 0 {
		writeError(w, http.StatusBadRequest, "url required and level must be >= 0")
		return
	}
	normalized, err := crawler.NormalizeURL(req.URL)
	if err != nil || !absoluteHTTP(normalized) {
		writeError(w, http.StatusBadRequest, "invalid url")
		return
	}
	spider := chi.URLParam(r, "spider")
	job := crawler.Job{URL: normalized, Level: req.Level}
	if err := s.crawl.Resubmit(r.Context(), spider, job); err != nil {
		switch {
		case errors.Is(err, crawler.ErrUnknownSpider):
			writeError(w, http.StatusNotFound, "spider not found")
		case errors.Is(err, crawler.ErrQueueClosed):
			writeError(w, http.StatusConflict, "crawl finished")
		default:
			s.logger.Error("Submit job failed", zap.String("spider", spider), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"spider": spider, "job": job})
}

func absoluteHTTP(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Host != "" && (u.Scheme == "http" || u.Scheme == "https")
}

type stateDTO struct {
	crawler.StateSnapshot
	Pending int `json:"jobs_pending"`
}

type jobRequest struct {
	URL   string `json:"url"`
	Level int    `json:"level"`
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Debug("Request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("Panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
