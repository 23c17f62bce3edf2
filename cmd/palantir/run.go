package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	km "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/agent"
	"github.com/eugener/palantir/internal/app"
	"github.com/eugener/palantir/internal/auth"
	"github.com/eugener/palantir/internal/cache"
	"github.com/eugener/palantir/internal/circuitbreaker"
	"github.com/eugener/palantir/internal/cloudauth"
	"github.com/eugener/palantir/internal/config"
	"github.com/eugener/palantir/internal/ratelimit"
	"github.com/eugener/palantir/internal/server"
	"github.com/eugener/palantir/internal/session"
	"github.com/eugener/palantir/internal/storage"
	"github.com/eugener/palantir/internal/storage/postgres"
	"github.com/eugener/palantir/internal/storage/sqlite"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/warehouse"
	"github.com/eugener/palantir/internal/worker"
)

const chartCacheSize = 512

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Server.Debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	slog.Info("starting palantir", "version", version, "addr", cfg.Server.Addr)

	// History store
	var store storage.Store
	switch cfg.Database.Driver {
	case "postgres":
		store, err = postgres.New(cfg.Database.DSN)
	default:
		store, err = sqlite.New(cfg.Database.DSN)
	}
	if err != nil {
		return err
	}
	defer store.Close()

	// Analytics warehouse (optional)
	var wh *warehouse.Warehouse
	if cfg.Warehouse.Driver != "" {
		wh, err = warehouse.Open(cfg.Warehouse.Driver, cfg.Warehouse.DSN, cfg.Warehouse.Table)
		if err != nil {
			return err
		}
		defer wh.Close()
	}

	// Telemetry
	var metrics *telemetry.Metrics
	var metricsPage http.Handler
	var promReg *prometheus.Registry
	if cfg.Telemetry.Metrics.Enabled {
		promReg = prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(promReg)
		metricsPage = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(context.Background(),
			cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(ctx)
		}()
	}

	// Agent platform client
	resolver := &dnscache.Resolver{}
	transport := agent.NewTransport(resolver)
	var rt http.RoundTripper = transport
	switch {
	case cfg.Agents.Auth.Token != "":
		rt = &cloudauth.StaticTokenTransport{Token: cfg.Agents.Auth.Token, Base: transport}
	case cfg.Agents.Auth.ClientID != "":
		rt = cloudauth.NewOAuthTransport(transport,
			cfg.Agents.Auth.TokenURL, cfg.Agents.Auth.ClientID,
			cfg.Agents.Auth.ClientSecret, cfg.Agents.Auth.Scope)
	}
	client := agent.NewClient(cfg.Agents.Endpoint, cfg.Agents.APIVersion, &http.Client{
		Transport: rt,
		Timeout:   time.Duration(cfg.Agents.TimeoutMs) * time.Millisecond,
	})

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	agents := agent.NewRegistry()
	if metrics != nil {
		agents.Observe(metrics)
	}
	agents.Register(agent.Orchestrator, cfg.Agents.IDs.Orchestrator, client, breakers)
	agents.Register(agent.SQL, cfg.Agents.IDs.SQL, client, breakers)
	agents.Register(agent.Chart, cfg.Agents.IDs.Chart, client, breakers)
	agents.Register(agent.Search, cfg.Agents.IDs.Search, client, breakers)
	agents.Register(agent.Fabric, cfg.Agents.IDs.Fabric, client, breakers)

	orchestrator, err := agents.Get(agent.Orchestrator)
	if err != nil {
		return errors.New("agents.ids.orchestrator is required")
	}

	// Session cache: evicted threads are deleted on the remote platform.
	sessions := session.New(cfg.SessionCache.MaxSize, cfg.SessionCache.TTL)
	sessions.BindDeleter(client)
	if promReg != nil {
		telemetry.RegisterSessionCache(promReg, sessions)
	}

	// Services
	chartCache, err := cache.NewMemory(chartCacheSize, 10*time.Minute)
	if err != nil {
		return err
	}
	chatSvc := app.NewChatService(orchestrator, sessions)
	historySvc := app.NewHistoryService(store, orchestrator, cfg.History.Enabled)

	chartSvc := app.NewChartService(nil, chartCache)
	if chartAgent, err := agents.Get(agent.Chart); err == nil {
		chartSvc = app.NewChartService(chartAgent, chartCache)
	} else {
		slog.Warn("chart agent not configured, chart generation disabled")
	}

	sqlSvc := app.NewSQLService(nil, wh)
	if sqlAgent, err := agents.Get(agent.SQL); err == nil {
		sqlSvc = app.NewSQLService(sqlAgent, wh)
	} else {
		slog.Warn("sql agent not configured, table answers disabled")
	}

	searchSvc := app.NewSearchService(nil)
	if searchAgent, err := agents.Get(agent.Search); err == nil {
		searchSvc = app.NewSearchService(searchAgent)
	} else {
		slog.Warn("search agent not configured, transcript answers disabled")
	}

	fabricSvc := app.NewFabricService(nil)
	if fabricAgent, err := agents.Get(agent.Fabric); err == nil {
		fabricSvc = app.NewFabricService(fabricAgent)
	} else {
		slog.Warn("fabric agent not configured, sales answers disabled")
	}

	// The orchestrator pauses mid-run to call these; answers are submitted
	// back as tool outputs and the stream resumes.
	orchestrator.BindTools(app.ChatTools(sqlSvc, searchSvc, fabricSvc))

	// Rate limiting and quotas
	limiters := ratelimit.NewRegistry()
	quota := ratelimit.NewQuotaTracker()

	// Background workers
	recorder := worker.NewEventRecorder(store)
	if promReg != nil {
		telemetry.RegisterEventQueue(promReg, recorder.QueueLen)
	}
	runner := worker.NewRunner(
		recorder,
		worker.NewQuotaSyncWorker(quota, store),
		worker.NewLimiterSweeper(limiters),
	)
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	workersDone := make(chan error, 1)
	go func() { workersDone <- runner.Run(workerCtx) }()

	// Identity: EasyAuth headers in deployments, a fallback principal in debug.
	var authn km.Authenticator = auth.NewHeaderAuth()
	if cfg.Server.Debug {
		authn = auth.NewHeaderAuthWithFallback("", "")
	}

	handler := server.New(server.Deps{
		Auth:        authn,
		Chat:        chatSvc,
		Chart:       chartSvc,
		SQL:         sqlSvc,
		History:     historySvc,
		Sessions:    sessions,
		ReadyCheck:  store.Ping,
		HistoryPing: store.Ping,
		Events:      recorder,
		RateLimiter: limiters,
		RateRPM:     cfg.RateLimits.DefaultRPM,
		Quota:       quota,
		DailyLimit:  cfg.RateLimits.DailyMessages,
		Metrics:     metrics,
		MetricsPage: metricsPage,
		AgentNames:  agents.List(),
		Debug:       cfg.Server.Debug,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("palantir ready", "addr", cfg.Server.Addr, "agents", agents.List())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Stop workers after the server quiesces so in-flight events still flush.
	stopWorkers()
	if err := <-workersDone; err != nil {
		slog.Error("worker shutdown", "error", err)
	}

	slog.Info("palantir stopped")
	return nil
}
