// Package server implements the HTTP transport layer for the Palantir
// backend.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	km "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/app"
	"github.com/eugener/palantir/internal/ratelimit"
	"github.com/eugener/palantir/internal/session"
	"github.com/eugener/palantir/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// EventRecorder records application events asynchronously.
type EventRecorder interface {
	Record(name string, payload any)
}

// QuotaChecker verifies and tracks daily message quotas.
type QuotaChecker interface {
	Check(userID string, limit int64) bool
	Consume(userID string)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth        km.Authenticator
	Chat        *app.ChatService
	Chart       *app.ChartService
	SQL         *app.SQLService
	History     *app.HistoryService
	Sessions    *session.Cache      // needed for debug endpoints; nil disables them
	ReadyCheck  ReadyChecker        // nil = always ready (for tests)
	HistoryPing ReadyChecker        // nil = /history/ensure reports not configured
	Events      EventRecorder       // nil = no event recording
	RateLimiter *ratelimit.Registry // nil = no rate limiting
	RateRPM     int64               // requests per minute per user
	Quota       QuotaChecker        // nil = no quota enforcement
	DailyLimit  int64               // messages per user per day; 0 = unlimited
	Metrics     *telemetry.Metrics  // nil = no metrics middleware
	MetricsPage http.Handler        // mounted at /metrics when non-nil
	AgentNames  []string            // registered agents, reported by /debug/status
	Debug       bool
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsPage != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsPage)
	}

	// Client-facing API (auth + rate limit required)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Post("/api/conversation", s.handleConversation)
		r.Post("/api/chart", s.handleChart)

		r.Route("/history", func(r chi.Router) {
			r.Post("/generate", s.handleHistoryGenerate)
			r.Post("/update", s.handleHistoryUpdate)
			r.Post("/message_feedback", s.handleMessageFeedback)
			r.Delete("/delete", s.handleHistoryDelete)
			r.Get("/list", s.handleHistoryList)
			r.Post("/read", s.handleHistoryRead)
			r.Post("/rename", s.handleHistoryRename)
			r.Delete("/delete_all", s.handleHistoryDeleteAll)
			r.Post("/clear", s.handleHistoryClear)
			r.Get("/ensure", s.handleHistoryEnsure)
		})

		r.Get("/historyfab/list_table_data", s.handleListTableData)
	})

	// Debug endpoints, enabled only with server.debug
	if deps.Debug {
		r.Get("/debug/status", s.handleDebugStatus)
		r.Get("/debug/cache", s.handleDebugCache)
	}

	return r
}

type server struct {
	deps Deps
}

// record forwards to the event recorder when one is configured.
func (s *server) record(name string, payload any) {
	if s.deps.Events != nil {
		s.deps.Events.Record(name, payload)
	}
}
