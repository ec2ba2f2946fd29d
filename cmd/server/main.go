// Package main is the entrypoint for the analysis worker server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/analysisworker/internal/analysis"
	"github.com/kiranshivaraju/analysisworker/internal/api"
	"github.com/kiranshivaraju/analysisworker/internal/api/handler"
	mw "github.com/kiranshivaraju/analysisworker/internal/api/middleware"
	"github.com/kiranshivaraju/analysisworker/internal/cache"
	"github.com/kiranshivaraju/analysisworker/internal/config"
	"github.com/kiranshivaraju/analysisworker/internal/executor"
	"github.com/kiranshivaraju/analysisworker/internal/jobs"
	"github.com/kiranshivaraju/analysisworker/internal/metrics"
	"github.com/kiranshivaraju/analysisworker/internal/registration"
	"github.com/kiranshivaraju/analysisworker/internal/registry"
	"github.com/kiranshivaraju/analysisworker/internal/workspace"
	"github.com/kiranshivaraju/analysisworker/pkg/models"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded, using process environment", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// 1. Load config, fail fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"service_name", cfg.Service.Name,
		"data_dir", cfg.Jobs.DataDir,
		"orchestrator_enabled", cfg.Orchestrator.Enabled,
	)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.serve(ctx, ln)
}

// app is the wired process: HTTP server, job manager and registration loop.
type app struct {
	cfg       *config.Config
	server    *http.Server
	manager   *jobs.Manager
	registrar *registration.Client
	redis     *cache.RedisCache
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	// 1. Workspace and declarations
	ws, err := workspace.New(cfg.Jobs.DataDir)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	reg := registry.Default()
	m := metrics.New()

	// 2. Optional Redis: job status mirror and shared rate-limit counters
	var statusCache cache.Cache
	var redisCache *cache.RedisCache
	if cfg.Redis.URL != "" {
		redisCache, err = cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("create redis cache: %w", err)
		}
		if err := redisCache.Ping(ctx); err != nil {
			slog.Warn("redis unreachable, continuing without it until it recovers", "error", err)
		} else {
			slog.Info("redis connected")
		}
		statusCache = redisCache
	}

	// 3. Job manager
	exec := executor.New(reg, ws, analysis.Run, cfg.Jobs.EnforceRequiredOutputs)
	opts := []jobs.Option{jobs.WithTimeout(cfg.Jobs.Timeout), jobs.WithMetrics(m)}
	if statusCache != nil {
		opts = append(opts, jobs.WithStatusCache(statusCache, cfg.Jobs.StatusTTL))
	}
	manager := jobs.NewManager(exec, reg, ws, opts...)

	// 4. Registration client
	record := serviceRecord(cfg, reg)
	registrar := registration.New(record, registration.Config{
		Enabled:          cfg.Orchestrator.Enabled,
		OrchestratorURL:  cfg.Orchestrator.URL,
		APIPrefix:        cfg.Orchestrator.APIPrefix,
		Interval:         cfg.Orchestrator.HeartbeatInterval,
		RegisterTimeout:  cfg.Orchestrator.RegisterTimeout,
		HeartbeatTimeout: cfg.Orchestrator.HeartbeatTimeout,
		Retries:          cfg.Orchestrator.RegisterRetries,
	}, m)

	// 5. Router
	var rateLimit *mw.RateLimit
	if cfg.RateLimit.RequestsPerMinute > 0 {
		rateLimit = mw.NewRateLimit(statusCache, cfg.RateLimit.RequestsPerMinute)
	}
	var pinger handler.Pinger
	if statusCache != nil {
		pinger = statusCache
	}

	router := api.NewRouter(api.Dependencies{
		RateLimit: rateLimit,

		RootHandler:     handler.NewRootHandler(record),
		HealthHandler:   handler.NewHealthHandler(record, pinger, time.Now()),
		InfoHandler:     handler.NewInfoHandler(record),
		MetricsHandler:  m.Handler(),
		AnalyzeHandler:  handler.NewAnalyzeHandler(manager, reg, cfg.Server.MaxUploadBytes),
		StatusHandler:   handler.NewStatusHandler(manager),
		ResultsHandler:  handler.NewResultsHandler(manager),
		DownloadHandler: handler.NewDownloadHandler(manager),
		CancelHandler:   handler.NewCancelHandler(manager),
		ListJobsHandler: handler.NewListHandler(manager),
	})

	return &app{
		cfg: cfg,
		server: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		manager:   manager,
		registrar: registrar,
		redis:     redisCache,
	}, nil
}

func serviceRecord(cfg *config.Config, reg *registry.Registry) models.ServiceRecord {
	return models.ServiceRecord{
		ServiceName:    cfg.Service.Name,
		ServiceType:    "analysis",
		BaseURL:        cfg.Server.BaseURL,
		HealthEndpoint: "/health",
		InfoEndpoint:   "/info",
		Version:        cfg.Service.Version,
		Description:    cfg.Service.Description,
		Metadata:       reg.Metadata(cfg.Service.Capabilities, cfg.Service.MaxFileSize),
	}
}

// serve runs the HTTP server and the registration loop until ctx is done or
// one of them fails, then drains requests and jobs within the shutdown timeout.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server listening", "addr", ln.Addr().String())
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.registrar.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		if err := a.manager.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("job manager shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			slog.Warn("closing redis failed", "error", err)
		}
	}
}
