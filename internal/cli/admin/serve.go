package admin

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloo-solutions/ragline/internal/api/handlers"
	"github.com/cloo-solutions/ragline/internal/cache"
	"github.com/cloo-solutions/ragline/internal/config"
	"github.com/cloo-solutions/ragline/internal/database"
	"github.com/cloo-solutions/ragline/internal/jobs"
	"github.com/cloo-solutions/ragline/internal/llm"
	"github.com/cloo-solutions/ragline/internal/openai"
	"github.com/cloo-solutions/ragline/internal/pipeline"
	"github.com/cloo-solutions/ragline/internal/repository"
	"github.com/cloo-solutions/ragline/internal/retrieval"
	"github.com/cloo-solutions/ragline/internal/server"
	"github.com/cloo-solutions/ragline/internal/telemetry"
	"github.com/cloo-solutions/ragline/internal/tenant"
	"github.com/cloo-solutions/ragline/internal/vectorstore"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
)

// ServeCmd returns the serve command
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the query API server",
		Long:  "Start the ragline query API server on the specified port",
		RunE:  runServe,
	}

	cmd.Flags().StringP("port", "p", "8080", "Port to listen on")
	cmd.Flags().Bool("no-migrate", false, "Skip automatic database migrations on startup")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.HasSentry() {
		// Default to 10% sampling in production, 100% in development
		sampleRate := 0.1
		if cfg.Environment == "development" {
			sampleRate = 1.0
		}

		shutdownTelemetry, err := telemetry.Init(telemetry.Config{
			DSN:              cfg.SentryDSN,
			Environment:      cfg.Environment,
			TracesSampleRate: sampleRate,
			Debug:            cfg.Debug,
		})
		if err != nil {
			log.Printf("telemetry init failed (continuing without tracing): %v", err)
		} else {
			defer shutdownTelemetry()
		}
	}

	portFlag, _ := cmd.Flags().GetString("port")
	if portFlag != "" && portFlag != "8080" {
		cfg.Port = portFlag
	}

	pool, err := database.NewPool(ctx, database.Config{URL: cfg.DatabaseURL})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()
	log.Println("connected to database")

	noMigrate, _ := cmd.Flags().GetBool("no-migrate")
	if !noMigrate {
		if err := runMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	var store cache.Store = cache.NewNopStore()
	var cachePinger handlers.CachePinger = cache.NewNopStore()
	if cfg.HasRedis() {
		redisStore, err := cache.NewRedisStore(ctx, cfg.RedisURL, "", 0)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisStore.Close()
		store = redisStore
		cachePinger = redisStore
		log.Println("connected to redis")
	}

	var embeddingClient vectorstore.EmbeddingClient
	var chatAPI openai.ChatAPI
	if cfg.HasOpenAI() {
		embeddingClient = openai.NewClient(cfg.OpenAIAPIKey)
		chatAPI = openai.NewChatAdapter(cfg.OpenAIAPIKey, cfg.ChatModel)
	} else {
		log.Println("OPENAI_API_KEY not set; queries will fail until a provider is configured")
	}

	events := telemetry.NewLogEvents()

	docStore := vectorstore.NewDocumentStore(pool, embeddingClient)
	chunkStore := vectorstore.NewChunkStore(pool, embeddingClient)
	selector := vectorstore.NewSelector(docStore, chunkStore, cfg.ChunkStorePercent)

	guard := tenant.NewGuard()
	retriever := retrieval.NewRetriever(selector, store, guard, events, retrieval.Config{
		TopK:                cfg.TopK,
		SimilarityThreshold: cfg.SimilarityThreshold,
		CacheTTL:            cfg.RetrievalCacheTTL,
		MaxAttempts:         cfg.RetrievalMaxAttempts,
		InitialBackoff:      cfg.RetrievalBackoff,
	})
	batchRetriever := retrieval.NewBatchRetriever(retriever, cfg.BatchWorkers, cfg.BatchCacheTTL)

	llmClient := llm.NewClient(chatAPI, llm.Config{
		MaxConcurrent: cfg.LLMMaxConcurrent,
		Breaker:       llm.DefaultBreakerConfig(),
	}, func(from, to llm.BreakerState) {
		events.BreakerTransition(string(from), string(to))
	})

	quota := pipeline.NewQuota(pipeline.NewTokenCounter(), cfg.MaxPromptTokens)

	pipe := pipeline.New(retriever, llmClient, quota, store, pipeline.Config{
		ResponseCacheSize: cfg.ResponseCacheSize,
		ResponseCacheTTL:  cfg.ResponseCacheTTL,
		RewriteEnabled:    cfg.RewriteEnabled,
		RerankEnabled:     cfg.RerankEnabled,
		MaxPromptTokens:   cfg.MaxPromptTokens,
	})

	queryLogRepo := repository.NewQueryLogRepository(pool)
	queryLogger := repository.NewAsyncQueryLogger(queryLogRepo)

	var retentionWorker *jobs.Worker
	if cfg.QueryLogRetention > 0 {
		retentionWorker = jobs.NewWorker(
			jobs.NewRetentionProcessor(queryLogRepo, cfg.QueryLogRetention),
			time.Hour,
		)
		go retentionWorker.Start(ctx)
		log.Println("query log retention worker started")
	}

	chainCfg := pipeline.DefaultChainConfig()
	chainCfg.RelaxedThreshold = cfg.RelaxedThreshold
	chainCfg.LevelTimeout = cfg.LevelTimeout
	chain := pipeline.NewChain(pipe, events, queryLogger, chainCfg)

	executorCfg := pipeline.DefaultExecutorConfig()
	executorCfg.Concurrency = cfg.BatchConcurrency
	executor := pipeline.NewExecutor(pipe, batchRetriever, executorCfg)

	routerCfg := server.RouterConfig{
		AuthValidator: tenant.NewAPIKeyValidator(cfg.APIKeys),
		QueryHandler:  handlers.NewQueryHandler(chain, executor, pipe, pipe),
		HealthHandler: handlers.NewHealthHandler(pipe, cachePinger),
	}

	router := server.NewRouter(routerCfg)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("starting server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")

	if retentionWorker != nil {
		retentionWorker.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Println("server exited")
	return nil
}

func runMigrations(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		"file://migrations",
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if err == migrate.ErrNilVersion {
		log.Println("migrations: database is up to date (no migrations applied)")
	} else if dirty {
		return fmt.Errorf("migration version %d is dirty - manual intervention required", version)
	} else if err == migrate.ErrNoChange {
		log.Printf("migrations: database is up to date (version %d)", version)
	} else {
		log.Printf("migrations: applied successfully (version %d)", version)
	}

	return nil
}
