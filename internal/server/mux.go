// Package server provides the control HTTP API for drive-sync.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/drive-sync/internal/auth"
	"github.com/alexjbarnes/drive-sync/internal/metrics"
	"github.com/alexjbarnes/drive-sync/internal/models"
	"github.com/alexjbarnes/drive-sync/internal/state"
	"github.com/alexjbarnes/drive-sync/internal/upload"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Uploads is the queue surface the API drives. *upload.Queue satisfies it.
type Uploads interface {
	Enqueue(ctx context.Context, f *models.UploadFile, opts ...upload.EnqueueOption) (*upload.Handle, error)
	Retry(ctx context.Context, id string) (*upload.Handle, error)
	RetryAll(ctx context.Context, parentID int64, userID, driveID int) (int, error)
	Cancel(ctx context.Context, id string) error
	CancelAll(ctx context.Context, parentID int64, userID, driveID int, except ...string) ([]string, error)
	Pending(parentID int64, userID, driveID int) int
	Subscribe() (<-chan upload.Event, func())
}

// Records reads persisted upload records. *state.State satisfies it.
type Records interface {
	GetUpload(id string) (*models.UploadFile, error)
	ListUploads(filter state.UploadFilter) ([]*models.UploadFile, error)
}

// Refresher schedules a directory refresh. *activity.Poller satisfies it.
type Refresher interface {
	Trigger(driveID int, dirID int64)
}

// MuxConfig holds dependencies for building the control router.
type MuxConfig struct {
	Uploads   Uploads
	Records   Records
	Refresher Refresher
	Keys      *auth.Store
	Logger    *slog.Logger

	// UserID and DriveID fill requests that do not name them.
	UserID  int
	DriveID int
}

// NewMux builds the control router. /health and /metrics are public;
// everything else requires an API key.
func NewMux(cfg MuxConfig) http.Handler {
	h := &handlers{cfg: cfg}

	r := chi.NewRouter()
	r.Use(observe)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Keys, cfg.Logger))

		r.Route("/uploads", func(r chi.Router) {
			r.Get("/", h.list)
			r.Post("/", h.enqueue)
			r.Get("/pending", h.pending)
			r.Post("/retry", h.retryAll)
			r.Post("/cancel", h.cancelAll)
			r.Get("/{id}", h.get)
			r.Post("/{id}/retry", h.retry)
			r.Delete("/{id}", h.cancel)
		})

		r.Post("/refresh", h.refresh)
		r.Get("/events", h.events)
	})

	return r
}

// NewMCPMux serves an MCP handler at /mcp behind API-key auth.
func NewMCPMux(keys *auth.Store, logger *slog.Logger, mcpHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(observe)
	r.With(auth.Middleware(keys, logger)).Handle("/mcp", mcpHandler)

	return r
}

// NewHTTPServer wraps h with the timeouts used for every listener. Write
// timeout is left unset so event streams stay open.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// observe records request counts and latency by route pattern.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := metrics.NewStatusRecorder(w)

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}

		metrics.ObserveHTTP(r.Method, route, rec.Status, time.Since(start))
	})
}
