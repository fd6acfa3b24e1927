// Package api exposes the compliance service over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/monitor"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/store"
)

// Options configures the HTTP layer.
type Options struct {
	AllowOrigins  []string
	MaxBodyBytes  int64
	DefaultSite   string
	DefaultCamera string
	// MaxWait caps ?wait= and the detect request's wait_ms.
	MaxWait time.Duration
}

// Server holds the handlers' dependencies.
type Server struct {
	svc      *monitor.Service
	store    store.Store
	gatherer prometheus.Gatherer
	opts     Options
	log      *zap.Logger
	nowFunc  func() time.Time
}

// New creates a Server. gatherer may be nil, which disables /metrics.
func New(svc *monitor.Service, st store.Store, gatherer prometheus.Gatherer, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 20 << 20
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 30 * time.Second
	}
	if len(opts.AllowOrigins) == 0 {
		opts.AllowOrigins = []string{"*"}
	}
	return &Server{
		svc:      svc,
		store:    st,
		gatherer: gatherer,
		opts:     opts,
		log:      zap.L().With(zap.String("component", "api")),
		nowFunc:  time.Now,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/detect", s.handleDetect)
		r.Get("/jobs/{id}", s.handleJob)

		r.Get("/tracking/stats", s.handleTrackingStats)
		r.Post("/tracking/reset", s.handleReset)
		r.Get("/verification/stats", s.handleVerificationStats)
		r.Post("/sessions/close", s.handleCloseSessions)

		r.Get("/history", s.handleHistory)
		r.Get("/history/summary", s.handleSummary)
		r.Get("/history/{id}", s.handleSession)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
