// Package api provides the HTTP API server for Site Kit.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/blogkit/sitekit/internal/core"
	"github.com/blogkit/sitekit/internal/logging"
	"github.com/blogkit/sitekit/internal/metrics"
	"github.com/blogkit/sitekit/internal/reports"
	"github.com/blogkit/sitekit/internal/status"
)

// StatusSource produces integration status reports
type StatusSource interface {
	Status(ctx context.Context) (*status.Report, error)
}

// ReportSource serves provider reports through the response cache
type ReportSource interface {
	Report(ctx context.Context, provider core.Provider, params core.ReportParams) (*reports.Result, error)
}

// Pinger checks backing storage for /healthz
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	status  StatusSource
	reports ReportSource
	health  Pinger

	adminSecret    []byte
	streamInterval time.Duration
	now            func() time.Time
}

// Config for the server
type Config struct {
	Host    string
	Port    int
	Status  StatusSource
	Reports ReportSource
	Health  Pinger

	// AdminJWTSecret enables bearer token checks on /api/v1 when set
	AdminJWTSecret string

	// StreamInterval is how often the status stream re-reads state
	StreamInterval time.Duration
}

// New creates a new API server
func New(cfg Config) *Server {
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = 5 * time.Second
	}

	s := &Server{
		status:         cfg.Status,
		reports:        cfg.Reports,
		health:         cfg.Health,
		streamInterval: cfg.StreamInterval,
		now:            time.Now,
	}
	if cfg.AdminJWTSecret != "" {
		s.adminSecret = []byte(cfg.AdminJWTSecret)
	}

	s.setupRouter()

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// Report fetches may spend a refresh plus two provider calls
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRouter configures all routes
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(requestID)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(countRequests)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.adminSecret != nil {
			r.Use(requireAdmin(s.adminSecret))
		}

		// The stream is long-lived and must not inherit the request timeout
		r.Get("/status/stream", s.handleStatusStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(45 * time.Second))
			r.Get("/status", s.handleGetStatus)
			r.Get("/reports/{provider}", s.handleGetReport)
		})
	})

	s.router = r
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestID seeds the chi request id with a UUID unless the caller sent one
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(middleware.RequestIDHeader, id)
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	})
}

// --- Response helpers ---

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondFailure maps domain errors onto HTTP statuses
func (s *Server) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	var ae *core.AdapterError
	switch {
	case errors.Is(err, core.ErrInvalidParams), errors.Is(err, core.ErrUnknownProvider):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrNotConfigured):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &ae):
		code := http.StatusBadGateway
		if ae.Kind == core.AdapterDisabled {
			code = http.StatusForbidden
		}
		s.respondJSON(w, code, map[string]string{
			"error":    err.Error(),
			"kind":     string(ae.Kind),
			"provider": string(ae.Provider),
		})
	default:
		log := logging.WithError(err).WithField("request_id", middleware.GetReqID(r.Context()))
		if claims, ok := ClaimsFrom(r.Context()); ok {
			log = log.WithField("subject", claims.Subject)
		}
		log.Error("request failed")
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.status.Status(r.Context())
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	provider, err := core.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}

	params, err := s.reportParams(r)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}

	result, err := s.reports.Report(r.Context(), provider, params)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// reportParams reads the query string. Missing dates fall back to the default window.
func (s *Server) reportParams(r *http.Request) (core.ReportParams, error) {
	q := r.URL.Query()

	params := core.DefaultReportParams(s.now())
	if v := q.Get("start"); v != "" {
		params.StartDate = v
	}
	if v := q.Get("end"); v != "" {
		params.EndDate = v
	}
	params.Metrics = splitList(q.Get("metrics"))
	params.Dimensions = splitList(q.Get("dimensions"))

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return params, fmt.Errorf("%w: limit %q", core.ErrInvalidParams, v)
		}
		params.Limit = limit
	}
	return params, params.Validate()
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
