package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/tollgate/internal/agent"
	"github.com/haasonsaas/tollgate/internal/agent/providers"
	"github.com/haasonsaas/tollgate/internal/auth"
	"github.com/haasonsaas/tollgate/internal/config"
	"github.com/haasonsaas/tollgate/internal/gateway"
	"github.com/haasonsaas/tollgate/internal/observability"
	"github.com/haasonsaas/tollgate/internal/ratelimit"
	"github.com/haasonsaas/tollgate/internal/runs"
	"github.com/haasonsaas/tollgate/internal/storage"
	"github.com/haasonsaas/tollgate/internal/trust"
	"github.com/haasonsaas/tollgate/internal/usage"
	"github.com/haasonsaas/tollgate/internal/workflow"
)

const reconcileInterval = 30 * time.Second

// runServe loads configuration, wires the application and serves until a
// shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug, watch bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.Redact,
	})
	slog.SetDefault(logger)

	logger.Info("starting tollgate",
		"version", version,
		"commit", commit,
		"config", configPath,
		"database", cfg.Database.Driver,
		"http_port", cfg.Server.HTTPPort,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	a.startBackground(ctx)
	if watch {
		go func() {
			if err := config.Watch(ctx, configPath, 0, logger, a.reload); err != nil {
				logger.Warn("config watch stopped", "error", err)
			}
		}()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	if err := a.server.Serve(ctx, addr, cfg.Server.ShutdownTimeout); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// app holds the wired components of a running server.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *storage.DB
	registry *prometheus.Registry

	budget  *budgetLimits
	limiter *ratelimit.Limiter
	engine  *agent.Engine
	bridge  *workflow.Bridge
	server  *gateway.Server

	shutdownTracer func(context.Context) error
	cron           *cron.Cron
}

type stores struct {
	runs   runs.Store
	trust  trust.Store
	budget ratelimit.Store
	tasks  workflow.TaskStore
}

// newApp builds every component from cfg. It does not start background work.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	var metrics *observability.Metrics
	if !cfg.Observability.Metrics.Disabled {
		metrics = observability.NewMetrics(a.registry)
	}

	tracing := cfg.Observability.Tracing
	traceCfg := observability.TraceConfig{
		ServiceName:    tracing.ServiceName,
		ServiceVersion: tracing.ServiceVersion,
		Environment:    tracing.Environment,
		SamplingRate:   tracing.SamplingRate,
		Attributes:     tracing.Attributes,
		EnableInsecure: tracing.Insecure,
	}
	if traceCfg.ServiceVersion == "" {
		traceCfg.ServiceVersion = version
	}
	if tracing.Enabled {
		traceCfg.Endpoint = tracing.Endpoint
	}
	tracer, shutdownTracer := observability.NewTracer(traceCfg)
	a.shutdownTracer = shutdownTracer

	st, err := a.openStores(ctx, metrics)
	if err != nil {
		return nil, err
	}

	schedule, err := usage.NewWindowSchedule(cfg.Budget.ResetSchedule, cfg.Budget.Timezone)
	if err != nil {
		return nil, fmt.Errorf("budget schedule: %w", err)
	}
	a.budget = newBudgetLimits(cfg.Budget)
	a.limiter = ratelimit.NewLimiter(ratelimit.Config{
		Store:    st.budget,
		Schedule: schedule,
		Limits:   a.budget.limitFor,
		Metrics:  metrics,
		Logger:   logger,
	})

	tools := agent.NewToolRegistry()
	if err := agent.RegisterHTTPTools(tools, cfg.Tools, &http.Client{Timeout: cfg.Runs.ToolTimeout}); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	llms, err := providers.FromConfig(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("build providers: %w", err)
	}
	if len(llms) == 0 {
		return nil, errors.New("no llm providers configured")
	}

	a.engine, err = agent.NewEngine(agent.EngineConfig{
		Runs:              st.runs,
		Trust:             st.trust,
		Limiter:           a.limiter,
		Tools:             tools,
		Agents:            agent.AgentsFromConfig(cfg.Agents),
		Providers:         llms,
		Pricing:           pricingFromConfig(cfg.LLM.Pricing),
		RoundLimit:        cfg.Runs.RecursionLimit,
		TurnTimeout:       cfg.Runs.TurnTimeout,
		EstimatedTurnCost: cfg.Runs.EstimatedTurnCost,
		Executor: agent.ExecutorConfig{
			MaxConcurrency: cfg.Runs.ToolParallelism,
			Timeout:        cfg.Runs.ToolTimeout,
			Retries:        cfg.Runs.ToolRetries,
		},
		Metrics: metrics,
		Tracer:  tracer,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}

	a.bridge, err = workflow.NewBridge(workflow.BridgeConfig{
		Runner:    a.engine,
		Threads:   st.runs,
		Tasks:     st.tasks,
		Workflows: cfg.Workflows,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build workflow bridge: %w", err)
	}

	a.server, err = gateway.New(gateway.Config{
		Engine:    a.engine,
		Runs:      st.runs,
		Trust:     st.trust,
		Limiter:   a.limiter,
		Tasks:     a.bridge,
		Auth:      auth.NewService(auth.FromConfig(cfg.Auth)),
		Requests:  ratelimit.NewRequestLimiter(cfg.Server.RateLimit),
		Gatherer:  a.registry,
		Ready:     a.ready,
		Heartbeat: cfg.Server.HeartbeatInterval,
		Metrics:   metrics,
		Tracer:    tracer,
		Logger:    logger.With("component", "gateway"),
	})
	if err != nil {
		return nil, fmt.Errorf("build gateway: %w", err)
	}

	ok = true
	return a, nil
}

func (a *app) openStores(ctx context.Context, metrics *observability.Metrics) (stores, error) {
	var st stores
	if a.cfg.Database.Driver == config.DriverMemory {
		a.logger.Warn("using in-memory stores; state is lost on restart")
		st = stores{
			runs:   runs.NewMemoryStore(),
			trust:  trust.NewMemoryStore(),
			budget: ratelimit.NewMemoryStore(),
			tasks:  workflow.NewMemoryStore(),
		}
	} else {
		pool := storage.DefaultPoolConfig()
		pool.MaxOpenConns = a.cfg.Database.MaxConnections
		pool.ConnMaxLifetime = a.cfg.Database.ConnMaxLifetime
		db, err := storage.Open(ctx, a.cfg.Database.Driver, a.cfg.Database.URL, pool)
		if err != nil {
			return st, err
		}
		a.db = db
		if a.cfg.Database.AutoMigrate {
			if err := storage.Migrate(ctx, db); err != nil {
				return st, fmt.Errorf("migrate: %w", err)
			}
		}
		st = stores{
			runs:   runs.NewSQLStore(db),
			trust:  trust.NewSQLStore(db),
			budget: ratelimit.NewSQLStore(db),
			tasks:  workflow.NewSQLStore(db),
		}
	}
	if a.cfg.Trust.CacheTTL > 0 {
		st.trust = trust.NewCachedStore(st.trust, a.cfg.Trust.CacheTTL, metrics)
	}
	return st, nil
}

// startBackground schedules budget pruning on the reset schedule and the
// workflow reconciler. Both stop with ctx.
func (a *app) startBackground(ctx context.Context) {
	loc, err := time.LoadLocation(a.cfg.Budget.Timezone)
	if err != nil {
		loc = time.UTC
	}
	a.cron = cron.New(cron.WithLocation(loc))
	if _, err := a.cron.AddFunc(a.cfg.Budget.ResetSchedule, func() { a.prune(ctx) }); err != nil {
		a.logger.Warn("budget pruning disabled", "schedule", a.cfg.Budget.ResetSchedule, "error", err)
	}
	a.cron.Start()

	go a.bridge.RunReconciler(ctx, reconcileInterval)
}

// reload applies budget limits from a changed config file. Everything else
// needs a restart.
func (a *app) reload(next *config.Config) {
	prev := a.budget.swap(next.Budget)
	if prev.ResetSchedule != next.Budget.ResetSchedule || prev.Timezone != next.Budget.Timezone {
		a.logger.Warn("budget reset schedule changes apply after restart")
	}
	a.logger.Info("budget limits reloaded", "daily_limit", next.Budget.DailyLimit, "overrides", len(next.Budget.Overrides))
}

// budgetLimits serves per-owner limits from the latest loaded config.
type budgetLimits struct {
	current atomic.Pointer[config.BudgetConfig]
}

func newBudgetLimits(cfg config.BudgetConfig) *budgetLimits {
	b := &budgetLimits{}
	b.current.Store(&cfg)
	return b
}

func (b *budgetLimits) limitFor(ownerID string) float64 {
	return b.current.Load().LimitFor(ownerID)
}

func (b *budgetLimits) swap(cfg config.BudgetConfig) config.BudgetConfig {
	return *b.current.Swap(&cfg)
}

func (a *app) prune(ctx context.Context) {
	n, err := a.limiter.Prune(ctx)
	if err != nil {
		a.logger.Warn("budget prune failed", "error", err)
		return
	}
	if n > 0 {
		a.logger.Info("pruned expired budget windows", "count", n)
	}
}

func (a *app) ready(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.PingContext(ctx)
}

// close stops background work, waits for in-flight runs and releases
// resources. It is safe on a partially built app.
func (a *app) close() {
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	if a.bridge != nil {
		a.bridge.Close()
	}
	if a.engine != nil {
		a.engine.Close()
	}
	if a.shutdownTracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.shutdownTracer(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", "error", err)
		}
		cancel()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("database close failed", "error", err)
		}
	}
}

func pricingFromConfig(table map[string]config.PricingConfig) *usage.Pricing {
	costs := make(map[string]usage.Cost, len(table))
	for key, p := range table {
		costs[key] = usage.Cost{Input: p.Input, Output: p.Output}
	}
	return usage.NewPricing(costs, usage.Cost{})
}
