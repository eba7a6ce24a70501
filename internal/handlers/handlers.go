// Package handlers exposes a connection pool over HTTP.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gluk-w/claworc/sessionpool/internal/audit"
	"github.com/gluk-w/claworc/sessionpool/internal/pool"
)

// OwnerHeader names the caller on whose behalf the pool is used.
const OwnerHeader = "X-Pool-Owner"

// Server serves the pool API.
type Server struct {
	pool     *pool.Manager
	auditor  *audit.Auditor
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithAuditor enables GET /api/v1/audit.
func WithAuditor(a *audit.Auditor) Option {
	return func(s *Server) { s.auditor = a }
}

// WithGatherer enables GET /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func New(m *pool.Manager, opts ...Option) *Server {
	s := &Server{
		pool:   m,
		logger: log.With().Str("component", "http").Str("pool", m.Name()).Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi router for s.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.Health)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/pool", s.GetPool)
		r.Post("/pool/sweep", s.SweepPool)
		r.Post("/pool/release", s.ReleaseConnection)
		r.Post("/pool/close", s.CloseConnection)
		r.Post("/exec", s.Exec)
		r.Post("/files/list", s.ListFiles)
		r.Get("/audit", s.GetAuditLogs)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("request")
	})
}

// ownerContext carries the X-Pool-Owner header into the pool. Requests
// without the header all act as pool.DefaultOwner, so a second anonymous
// request for a target whose default-owner connection is still borrowed gets
// 409 Conflict. Clients that run requests in parallel should send distinct
// owners.
func ownerContext(r *http.Request) context.Context {
	return pool.WithOwner(r.Context(), pool.Owner(r.Header.Get(OwnerHeader)))
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"pool":    s.pool.Name(),
		"entries": len(s.pool.Snapshot()),
		"audit":   s.auditor != nil,
	})
}
