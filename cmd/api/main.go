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

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/enrichswarm/internal/adapters/coordination"
	"github.com/zatekoja/enrichswarm/internal/adapters/database"
	"github.com/zatekoja/enrichswarm/internal/adapters/events"
	"github.com/zatekoja/enrichswarm/internal/adapters/gateway"
	memqueue "github.com/zatekoja/enrichswarm/internal/adapters/queue"
	"github.com/zatekoja/enrichswarm/internal/adapters/search"
	"github.com/zatekoja/enrichswarm/internal/api/handlers"
	"github.com/zatekoja/enrichswarm/internal/api/routes"
	"github.com/zatekoja/enrichswarm/internal/application/services"
	"github.com/zatekoja/enrichswarm/internal/domain/providers"
	"github.com/zatekoja/enrichswarm/internal/domain/repositories"
	"github.com/zatekoja/enrichswarm/internal/infrastructure/clients/anthropic"
	"github.com/zatekoja/enrichswarm/internal/infrastructure/clients/openai"
	"github.com/zatekoja/enrichswarm/internal/infrastructure/clients/postgres"
	"github.com/zatekoja/enrichswarm/internal/infrastructure/clients/redis"
	"github.com/zatekoja/enrichswarm/internal/infrastructure/clients/typesense"
	"github.com/zatekoja/enrichswarm/internal/infrastructure/observability"
	"github.com/zatekoja/enrichswarm/pkg/config"
	"github.com/zatekoja/enrichswarm/pkg/secrets"
)

const (
	schemaBatchWait      = 2 * time.Millisecond
	failurePurgeInterval = 10 * time.Minute
)

func main() {
	// Vault values land in the environment before config reads it.
	vaultRes, vaultErr := secrets.NewLoader(secrets.VaultConfigFromEnv(), nil).Apply(context.Background())

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	exportLogs := cfg.OTEL.Enabled && cfg.OTEL.Endpoint != ""
	observability.InitLogger(cfg.OTEL.ServiceName, cfg.Server.Env, exportLogs)

	if vaultErr != nil {
		log.Warn().Err(vaultErr).Msg("Failed to load secrets from Vault")
	} else if len(vaultRes.Loaded) > 0 {
		log.Info().Strs("keys", vaultRes.Loaded).Msg("Secrets loaded from Vault")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry if enabled
	if exportLogs {
		shutdown, err := observability.Setup(ctx, cfg.OTEL.ServiceName, cfg.OTEL.ServiceVersion, cfg.OTEL.Endpoint)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to set up OpenTelemetry")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					log.Error().Err(err).Msg("Error shutting down OpenTelemetry")
				}
			}()
			log.Info().Str("endpoint", cfg.OTEL.Endpoint).Msg("OpenTelemetry initialized")
		}
	}

	metrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize metrics")
	}

	checks := make(map[string]handlers.HealthCheck)

	// Coordination backend: breakers, failures and locks
	var (
		store providers.CoordinationStore
		bus   providers.EventBus
	)
	switch cfg.Engine.CoordinationBackend {
	case "redis":
		redisClient, err := redis.NewClient(&cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.RedisAddr()).Msg("Failed to initialize Redis client")
		}
		defer redisClient.Close()
		checks["redis"] = redisClient.Ping
		store = coordination.NewRedisStore(redisClient)
		bus = events.NewRedisEventBus(redisClient)
		log.Info().Str("addr", cfg.Redis.RedisAddr()).Msg("Redis coordination initialized")
	default:
		store = coordination.NewMemoryStore()
		bus = events.NewMemoryEventBus()
		log.Warn().Msg("Using in-process coordination; breakers and locks are not shared")
	}

	// Dataset store
	var repo repositories.DatasetRepository
	switch cfg.Engine.DatasetBackend {
	case "postgres":
		pgClient, err := postgres.NewClient(&cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize PostgreSQL client")
		}
		defer pgClient.Close()
		checks["postgres"] = pgClient.Ping
		repo = database.NewSchemaLoader(database.NewDatasetAdapter(pgClient, metrics), schemaBatchWait)
		log.Info().Str("database", cfg.Database.Database).Msg("PostgreSQL dataset store initialized")
	default:
		repo = database.NewSchemaLoader(database.NewMemoryDatasetAdapter(), schemaBatchWait)
		log.Warn().Msg("Using in-memory dataset store")
	}

	gw, defaults := buildGateway(ctx, cfg, checks)

	// Engine services
	queue := memqueue.NewMemoryQueue()
	registry := services.NewAgentRegistry(cfg.Engine.MaxAgentWorkload, cfg.Engine.HeartbeatTimeout)
	locks := services.NewLockManager(store, metrics)
	resolver := services.NewConflictResolver(repo)

	resilienceCfg := services.DefaultResilienceConfig()
	resilienceCfg.Threshold = cfg.Engine.BreakerThreshold
	resilienceCfg.Cooldown = cfg.Engine.BreakerCooldown
	resilienceCfg.MaxRetries = cfg.Engine.MaxRetries
	resilienceCfg.Retention = cfg.Engine.FailureRetention
	resilience := services.NewResilienceCoordinator(store, queue, registry, bus, metrics, resilienceCfg)

	writer := services.NewCellWriter(repo, locks, resolver, gw, resilience, bus, metrics)
	partitioner := services.NewJobPartitioner(queue, metrics)
	planner := services.NewOrchestrationPlanner(services.NewLLMAdvisor(gw, resilience), services.HeuristicAdvisor{})
	monitor := services.NewMonitoringService(queue, registry, bus, cfg.Engine.Workers)
	enrichment := services.NewEnrichmentService(repo, queue, partitioner, planner, registry, defaults)

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	pool := services.NewWorkerPool(queue, writer, resilience, registry, monitor, bus, metrics, services.WorkerPoolConfig{
		Workers:            cfg.Engine.Workers,
		AgentPrefix:        hostname,
		ParentPollInterval: cfg.Engine.ParentPollInterval,
		RowTimeout:         cfg.Engine.RowTimeout,
	})
	if err := pool.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start worker pool")
	}

	tasks := []*services.PeriodicTask{
		services.NewPeriodicTask("heartbeat-sweep", cfg.Engine.HeartbeatSweepInterval, func(ctx context.Context) {
			if n := registry.SweepUnresponsive(ctx); n > 0 {
				log.Warn().Int("agents", n).Msg("Agents marked unresponsive")
			}
		}),
		services.NewPeriodicTask("metrics-sample", cfg.Engine.MetricsInterval, func(ctx context.Context) {
			if _, err := monitor.Sample(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to sample metrics")
			}
		}),
		services.NewPeriodicTask("lock-cleanup", cfg.Engine.LockCleanupInterval, func(ctx context.Context) {
			if n := locks.CleanupExpired(); n > 0 {
				log.Debug().Int("locks", n).Msg("Expired local locks pruned")
			}
		}),
		services.NewPeriodicTask("failure-purge", failurePurgeInterval, func(ctx context.Context) {
			n, err := resilience.PurgeExpired(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Failed to purge failure records")
				return
			}
			if n > 0 {
				log.Info().Int("records", n).Msg("Expired failure records purged")
			}
		}),
	}
	for _, task := range tasks {
		task.Start(ctx)
	}

	router := routes.NewRouter(
		handlers.NewEnrichmentHandler(enrichment),
		handlers.NewAgentHandler(registry),
		handlers.NewSwarmHandler(monitor, resilience),
		handlers.NewDatasetHandler(resolver),
		handlers.NewSSEHandler(bus, handlers.DefaultHeartbeatInterval),
		cfg.Server.AllowedOrigins,
		metrics,
	).WithHealth(handlers.NewHealthHandler(checks, 2*time.Second))

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:        serverAddr,
		Handler:     router.SetupRoutes(),
		ReadTimeout: 15 * time.Second,
		// Event streams stay open, so writes are not bounded here.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", serverAddr).Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Close the bus first so open event streams end and Shutdown can drain.
	if err := bus.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing event bus")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during server shutdown")
	}

	for _, task := range tasks {
		task.Stop()
	}
	pool.Stop(shutdownCtx)

	log.Info().Msg("Server stopped")
}

// buildGateway registers the configured providers plus the offline mocks.
// Reachable backends add themselves to checks.
// A configured default that cannot be built falls back to the mock.
func buildGateway(ctx context.Context, cfg *config.Config, checks map[string]handlers.HealthCheck) (*gateway.Gateway, services.EnrichmentDefaults) {
	gw := gateway.NewGateway()
	gw.RegisterLanguageModel(gateway.NewMockLanguageModel(gateway.MockID))
	gw.RegisterSearchProvider(gateway.NewMockSearchProvider(gateway.MockID))

	defaults := services.EnrichmentDefaults{
		LanguageProviderID: cfg.Engine.LanguageProviderID,
		SearchProviderID:   cfg.Engine.SearchProviderID,
	}

	if client, err := openai.NewClient(&cfg.OpenAI); err != nil {
		log.Warn().Err(err).Msg("OpenAI language model unavailable")
		if defaults.LanguageProviderID == openai.ProviderID {
			defaults.LanguageProviderID = gateway.MockID
		}
	} else {
		gw.RegisterLanguageModel(client)
		log.Info().Str("model", cfg.OpenAI.Model).Msg("OpenAI language model registered")
	}

	if client, err := anthropic.NewClient(&cfg.Anthropic); err != nil {
		log.Debug().Err(err).Msg("Anthropic language model unavailable")
		if defaults.LanguageProviderID == anthropic.ProviderID {
			defaults.LanguageProviderID = gateway.MockID
		}
	} else {
		gw.RegisterLanguageModel(client)
		log.Info().Str("model", cfg.Anthropic.Model).Msg("Anthropic language model registered")
	}

	if client, err := typesense.NewClient(&cfg.Typesense); err != nil {
		log.Warn().Err(err).Msg("Typesense search provider unavailable")
		if defaults.SearchProviderID == search.ProviderID {
			defaults.SearchProviderID = gateway.MockID
		}
	} else {
		if err := client.InitSchema(ctx); err != nil {
			log.Warn().Err(err).Str("collection", client.Collection()).Msg("Failed to init Typesense collection")
		}
		checks["typesense"] = client.Ping
		gw.RegisterSearchProvider(search.NewTypesenseSearch(client))
		log.Info().Str("url", cfg.Typesense.URL).Msg("Typesense search provider registered")
	}

	return gw, defaults
}
