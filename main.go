package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agentmesh/orchestrator/internal/agents"
	"github.com/agentmesh/orchestrator/internal/bus"
	"github.com/agentmesh/orchestrator/internal/config"
	"github.com/agentmesh/orchestrator/internal/decision"
	"github.com/agentmesh/orchestrator/internal/events"
	"github.com/agentmesh/orchestrator/internal/handoff"
	"github.com/agentmesh/orchestrator/internal/health"
	"github.com/agentmesh/orchestrator/internal/httpapi"
	_ "github.com/agentmesh/orchestrator/internal/metrics" // register collectors
	"github.com/agentmesh/orchestrator/internal/orchestrator"
	"github.com/agentmesh/orchestrator/internal/tracing"
	"github.com/agentmesh/orchestrator/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Observability.Tracing.Enabled,
		ServiceName:  cfg.Observability.Tracing.ServiceName,
		OTLPEndpoint: cfg.Observability.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Tracing initialization failed, continuing without", zap.Error(err))
	}

	// Template registry with optional hot reload.
	registry := workflow.NewRegistry(logger)
	if dir := cfg.Templates.Dir; dir != "" {
		if err := registry.LoadDirectory(dir); err != nil {
			logger.Warn("Template directory load failed", zap.String("dir", dir), zap.Error(err))
		}
		if cfg.Templates.Watch {
			if err := registry.Watch(dir); err != nil {
				logger.Warn("Template watch failed", zap.String("dir", dir), zap.Error(err))
			}
		}
	}
	defer registry.Close()

	// Handoff sink: structured log always, Redis Streams when configured.
	var sink handoff.Sink = handoff.NewLogSink(logger)
	var redisClient *redis.Client
	if addr := cfg.Audit.RedisAddr; addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: addr})
		defer redisClient.Close()
		sink = handoff.MultiSink{
			handoff.NewLogSink(logger),
			handoff.NewRedisSink(redisClient, cfg.Audit.Stream, cfg.Audit.MaxLen),
		}
		logger.Info("Handoff audit stream enabled",
			zap.String("redis_addr", addr),
			zap.String("stream", cfg.Audit.Stream))
	}

	messageBus := bus.New(bus.Config{
		QueueCapacity:   cfg.Bus.QueueCapacity,
		ProcessingRate:  cfg.Bus.ProcessingRate,
		DeliveryRetries: cfg.Bus.DeliveryRetries,
	}, logger)

	engine := orchestrator.New(orchestrator.Options{
		Logger:         logger,
		Agents:         agents.NewManager(logger),
		Bus:            messageBus,
		Decisions:      decision.NewEngine(logger),
		Sink:           sink,
		Events:         events.Get(),
		IdleYield:      cfg.IdleYield(),
		DefaultTimeout: cfg.DefaultWorkflowTimeout(),
	})

	apiServer := httpapi.StartServer(cfg.Server.Port,
		httpapi.NewHandler(engine, registry, logger), logger)

	// Admin mux: health and Prometheus metrics.
	healthManager := health.NewManager(logger)
	healthManager.Register(&health.FuncChecker{
		ComponentName: "templates",
		Probe: func(context.Context) (health.Status, string) {
			if cfg.Templates.Dir != "" && len(registry.List()) == 0 {
				return health.StatusDegraded, "no templates loaded"
			}
			return health.StatusHealthy, ""
		},
	})
	if redisClient != nil {
		healthManager.Register(&health.RedisChecker{Client: redisClient})
	}

	adminMux := http.NewServeMux()
	health.NewHTTPHandler(healthManager, logger).RegisterRoutes(adminMux)
	if cfg.Observability.Metrics.Enabled {
		adminMux.Handle("/metrics", promhttp.Handler())
	}
	adminServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.AdminPort),
		Handler:      adminMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Starting admin server", zap.Int("port", cfg.Server.AdminPort))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin server failed", zap.Error(err))
		}
	}()

	logger.Info("Orchestrator ready",
		zap.Int("api_port", cfg.Server.Port),
		zap.Int("admin_port", cfg.Server.AdminPort),
		zap.Int("templates", len(registry.List())))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Engine shutdown incomplete", zap.Error(err))
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown error", zap.Error(err))
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown error", zap.Error(err))
	}
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if raw := cfg.Observability.Logging.Level; raw != "" {
		if err := level.Set(raw); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", raw, err)
		}
	}
	zapCfg := zap.NewProductionConfig()
	if cfg.Observability.Logging.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
