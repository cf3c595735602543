package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/m-mizutani/goerr/v2"

	"github.com/deckflow-lab/deckflow/pkg/observability"
	"github.com/deckflow-lab/deckflow/pkg/utils/errutil"
	"github.com/deckflow-lab/deckflow/pkg/utils/logging"
	"github.com/deckflow-lab/deckflow/pkg/utils/safe"
)

// Server exposes the webhook ingestion surface plus the operational
// endpoints. Everything stateful lives behind the webhook handler; the
// server itself only wires routes.
type Server struct {
	router  *chi.Mux
	metrics *observability.Registry
}

type Options func(*Server)

// WithMetrics serves the given registry on /metrics instead of the default.
func WithMetrics(r *observability.Registry) Options {
	return func(s *Server) {
		s.metrics = r
	}
}

func New(webhooks *WebhookHandler, opts ...Options) *Server {
	r := chi.NewRouter()

	s := &Server{
		router:  r,
		metrics: observability.Default,
	}
	for _, opt := range opts {
		opt(s)
	}

	r.Use(middleware.RequestID)
	r.Use(accessLogger)
	r.Use(middleware.Recoverer)

	r.Post("/webhooks/{provider}", webhooks.ServeHTTP)
	r.Get("/health", healthHandler)
	r.Get("/metrics", metricsHandler(s.metrics))

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// accessLogger is a middleware that logs HTTP requests
func accessLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			logging.Default().Info("access",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote", r.RemoteAddr,
				"user_agent", r.UserAgent(),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	safe.Write(r.Context(), w, []byte(`{"status":"ok"}`))
}

// metricsHandler serves the counter snapshot as JSON.
func metricsHandler(registry *observability.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := json.Marshal(registry.Snapshot())
		if err != nil {
			errutil.HandleHTTP(r.Context(), w, goerr.Wrap(err, "failed to marshal metrics"), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		safe.Write(r.Context(), w, data)
	}
}
