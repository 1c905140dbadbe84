package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/irgordon/rulesync/api/internal/adapters"
	"github.com/irgordon/rulesync/api/internal/agenthub"
	"github.com/irgordon/rulesync/api/internal/api/handlers"
	"github.com/irgordon/rulesync/api/internal/api/middleware"
	"github.com/irgordon/rulesync/api/internal/api/router"
	"github.com/irgordon/rulesync/api/internal/config"
	"github.com/irgordon/rulesync/api/internal/core/domain"
	"github.com/irgordon/rulesync/api/internal/core/services"
	"github.com/irgordon/rulesync/api/internal/db/memory"
	"github.com/irgordon/rulesync/api/internal/db/postgres"
	"github.com/irgordon/rulesync/api/internal/db/sqlstore"
	"github.com/irgordon/rulesync/api/internal/discovery"
	"github.com/irgordon/rulesync/api/internal/telemetry"
)

// NewServeCommand runs the HTTP API.
func NewServeCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the rule synchronization API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.ConfigPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	// --- 1. Core Telemetry ---
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	logger.Info("🚀 Booting rulesync",
		zap.String("version", version),
		zap.String("rule_store", cfg.RuleStore),
		zap.String("publisher", cfg.Publisher),
		zap.String("push_transport", cfg.PushTransport))

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTelEndpoint, version)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("Flushing traces failed", zap.Error(err))
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(registry)

	// --- 2. Outbound Infrastructure ---
	repo, checker, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	store, err := openRuleStore(cfg)
	if err != nil {
		return err
	}

	var (
		pusher domain.MachinePusher
		hub    *agenthub.Hub
	)
	switch cfg.PushTransport {
	case config.TransportGRPC:
		grpcPusher := adapters.NewGRPCAgentPusher(logger.Named("grpc-pusher"))
		defer grpcPusher.Close()
		pusher = grpcPusher
	case config.TransportWebSocket:
		hub = agenthub.NewHub(logger.Named("agenthub"), cfg.AgentSigningKey, metrics)
		defer hub.Close()
		pusher = hub
	default:
		pusher = adapters.NewHTTPCommandPusher(nil, logger.Named("http-pusher"))
	}

	// --- 3. Dependency Injection ---
	engine := services.NewSystemRuleService(repo, store, pusher, logger.Named("engine"),
		services.WithMetrics(metrics),
		services.WithSinkTimeout(cfg.SinkTimeout),
		services.WithPublishScope(services.PublishScope(cfg.PublishScope)),
	)

	authMiddleware := middleware.NewAuthMiddleware(services.NewTokenService(cfg.JWTSecret), logger.Named("auth"))
	defer authMiddleware.Close()

	var agentHandler *handlers.AgentHandler
	if hub != nil {
		agentHandler = handlers.NewAgentHandler(hub, logger.Named("agents"))
	}

	// --- 4. HTTP Gateway ---
	mux := router.NewRouter(router.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		RuleHandler:    handlers.NewSystemRuleHandler(engine),
		MachineHandler: handlers.NewMachineHandler(discovery.NewRegistry(cfg.MachineTTL), hub),
		AgentHandler:   agentHandler,
		HealthHandler:  handlers.NewHealthHandler(checker, logger.Named("health")),
		AuthMiddleware: authMiddleware,
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Logger:         logger.Named("http"),
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// --- 5. Graceful Exit ---
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("🌐 rulesync API active", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("🛑 Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Forced shutdown", zap.Error(err))
	}
	logger.Info("✅ rulesync shutdown complete")
	return nil
}

// openRepository returns the authoritative rule repository, an optional health
// checker and a close function.
func openRepository(ctx context.Context, cfg *config.Config) (domain.RuleRepository, domain.HealthChecker, func(), error) {
	switch cfg.RuleStore {
	case config.StorePostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		repo := postgres.NewRuleRepository(pool)
		if err := repo.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return repo, repo, pool.Close, nil

	case config.StoreSQLite, config.StoreMySQL:
		driver := sqlstore.DriverSQLite
		if cfg.RuleStore == config.StoreMySQL {
			driver = sqlstore.DriverMySQL
		}
		repo, err := sqlstore.Open(ctx, driver, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		return repo, repo, func() { _ = repo.Close() }, nil

	default:
		return memory.NewRuleRepository(), nil, func() {}, nil
	}
}

func openRuleStore(cfg *config.Config) (domain.RuleStore, error) {
	if cfg.Publisher != config.PublisherConfigMap {
		return adapters.NewMemoryRuleStore(), nil
	}

	client, err := adapters.NewKubernetesClient(cfg.Kubeconfig)
	if err != nil {
		return nil, err
	}
	return adapters.NewConfigMapRuleStore(client, cfg.ConfigMapNamespace, cfg.ConfigMapPrefix), nil
}
