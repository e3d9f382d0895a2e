// Package gateway exposes the run engine, the usage ledger, trust records and
// workflow tasks over HTTP.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/tollgate/internal/agent"
	"github.com/haasonsaas/tollgate/internal/auth"
	"github.com/haasonsaas/tollgate/internal/observability"
	"github.com/haasonsaas/tollgate/internal/ratelimit"
	"github.com/haasonsaas/tollgate/internal/runs"
	"github.com/haasonsaas/tollgate/internal/trust"
	"github.com/haasonsaas/tollgate/internal/workflow"
)

const defaultHeartbeat = 15 * time.Second

// Config wires the server to the engine and its stores. Tasks is optional;
// without it the task routes answer 404.
type Config struct {
	Engine  *agent.Engine
	Runs    runs.Store
	Trust   trust.Store
	Limiter *ratelimit.Limiter
	Tasks   *workflow.Bridge

	Auth     *auth.Service
	Requests *ratelimit.RequestLimiter

	// Gatherer backs /metrics. Default: prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer

	// Ready reports whether dependencies are reachable; nil means always ready.
	Ready func(ctx context.Context) error

	// Heartbeat is the idle interval between keepalive frames. Default: 15s
	Heartbeat time.Duration

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	engine   *agent.Engine
	runs     runs.Store
	trust    trust.Store
	limiter  *ratelimit.Limiter
	tasks    *workflow.Bridge
	auth     *auth.Service
	requests *ratelimit.RequestLimiter
	gatherer prometheus.Gatherer
	ready    func(ctx context.Context) error

	heartbeat time.Duration
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    *slog.Logger

	handler    http.Handler
	httpServer *http.Server
}

// New validates cfg and builds the route table.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil || cfg.Runs == nil || cfg.Trust == nil || cfg.Limiter == nil {
		return nil, errors.New("gateway: engine, runs, trust and limiter are required")
	}
	s := &Server{
		engine:    cfg.Engine,
		runs:      cfg.Runs,
		trust:     cfg.Trust,
		limiter:   cfg.Limiter,
		tasks:     cfg.Tasks,
		auth:      cfg.Auth,
		requests:  cfg.Requests,
		gatherer:  cfg.Gatherer,
		ready:     cfg.Ready,
		heartbeat: cfg.Heartbeat,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		logger:    cfg.Logger,
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.heartbeat <= 0 {
		s.heartbeat = defaultHeartbeat
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.auth == nil {
		s.auth = auth.NewService(auth.Config{})
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.handle(mux, "POST /v1/threads", s.handleCreateThread)
	s.handle(mux, "GET /v1/threads/{id}", s.handleGetThread)
	s.handle(mux, "GET /v1/threads/{id}/messages", s.handleThreadMessages)

	s.handle(mux, "POST /v1/runs", s.handleStartRun)
	s.handle(mux, "GET /v1/runs", s.handleListRuns)
	s.handle(mux, "GET /v1/runs/{id}", s.handleGetRun)
	s.handle(mux, "GET /v1/runs/{id}/events", s.handleRunEvents)
	s.handle(mux, "GET /v1/runs/{id}/ws", s.handleRunWebSocket)
	s.handle(mux, "POST /v1/runs/{id}/resume", s.handleResumeRun)
	s.handle(mux, "POST /v1/runs/{id}/cancel", s.handleCancelRun)

	s.handle(mux, "GET /v1/usage", s.handleUsage)
	s.handle(mux, "GET /v1/usage/events", s.handleUsageEvents)

	s.handle(mux, "GET /v1/trust", s.handleListTrust)
	s.handle(mux, "POST /v1/trust", s.handleGrantTrust)
	s.handle(mux, "DELETE /v1/trust", s.handleRevokeTrust)

	s.handle(mux, "POST /v1/tasks", s.handleCreateTask)
	s.handle(mux, "GET /v1/tasks", s.handleListTasks)
	s.handle(mux, "GET /v1/tasks/{id}", s.handleGetTask)

	return recoverMiddleware(s.logger)(loggingMiddleware(s.logger)(mux))
}

// handle registers an authenticated, throttled and instrumented route.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	var handler http.Handler = h
	handler = s.instrument(pattern, handler)
	handler = s.throttle(handler)
	handler = auth.Middleware(s.auth, s.logger)(handler)
	mux.Handle(pattern, handler)
}
