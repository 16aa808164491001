// Command arbiter runs the evaluation and audit server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/arbiter-ai/arbiter/internal/auth"
	"github.com/arbiter-ai/arbiter/internal/bus"
	"github.com/arbiter-ai/arbiter/internal/chain"
	"github.com/arbiter-ai/arbiter/internal/config"
	"github.com/arbiter-ai/arbiter/internal/digest"
	"github.com/arbiter-ai/arbiter/internal/embedding"
	"github.com/arbiter-ai/arbiter/internal/judge"
	"github.com/arbiter-ai/arbiter/internal/learning"
	"github.com/arbiter-ai/arbiter/internal/pipeline"
	"github.com/arbiter-ai/arbiter/internal/ratelimit"
	"github.com/arbiter-ai/arbiter/internal/search"
	"github.com/arbiter-ai/arbiter/internal/server"
	"github.com/arbiter-ai/arbiter/internal/storage"
	"github.com/arbiter-ai/arbiter/internal/storage/memory"
	"github.com/arbiter-ai/arbiter/internal/storage/postgres"
	"github.com/arbiter-ai/arbiter/internal/storage/sqlite"
	"github.com/arbiter-ai/arbiter/internal/telemetry"
	"github.com/arbiter-ai/arbiter/internal/tools"
	"github.com/arbiter-ai/arbiter/internal/trigger"
	"github.com/arbiter-ai/arbiter/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("ARBITER_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("arbiter starting", "version", version, "port", cfg.Port, "backend", cfg.StorageBackend)

	metricsHandler, otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer func() { _ = store.Close(context.Background()) }()

	eventBus := bus.New(cfg.BusCapacity, logger)

	jdg := judge.New(judge.Config{
		MaxConfidence: cfg.MaxConfidence,
		Thresholds: judge.VerdictThresholds{
			Concern:      cfg.VerdictConcern,
			Accept:       cfg.VerdictAccept,
			StrongAccept: cfg.VerdictStrong,
		},
		DimensionWeights: cfg.DimensionWeights,
		AxiomWeights:     cfg.AxiomWeights,
	})

	chainBatch := cfg.ChainBatchSize
	if chainBatch <= 0 {
		chainBatch = cfg.BatchSize
	}
	chainFlush := cfg.ChainFlushInterval
	if chainFlush <= 0 {
		chainFlush = cfg.FlushInterval
	}
	cm := chain.New(store, eventBus, chain.Options{
		BatchSize:     chainBatch,
		FlushInterval: chainFlush,
		MaxQueueSize:  cfg.MaxQueueSize,
		Logger:        logger,
	})
	if err := cm.Init(ctx); err != nil {
		return fmt.Errorf("chain: %w", err)
	}

	calibrateThreshold := cfg.CalibrateThreshold
	if !cfg.AutoCalibrate {
		// Manual calibration only; the backlog never reaches the bar.
		calibrateThreshold = math.MaxInt
	}
	loop := learning.New(store, eventBus, learning.Options{
		CalibrationThreshold: calibrateThreshold,
		Logger:               logger,
	})
	if err := loop.Init(ctx); err != nil {
		return fmt.Errorf("learning: %w", err)
	}

	pipe := pipeline.New(jdg, store, cm, eventBus, loop, logger)

	embedder := newEmbeddingProvider(cfg, logger)

	var index search.VectorIndex
	var indexer *search.Indexer
	if cfg.QdrantURL != "" {
		qdrantIndex, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrantIndex.Close() }()

		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}
		index = qdrantIndex
		indexer = search.NewIndexer(store, embedder, qdrantIndex, eventBus, search.IndexerOptions{
			BatchSize:     cfg.BatchSize,
			FlushInterval: cfg.FlushInterval,
			Logger:        logger,
		})
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no ARBITER_QDRANT_URL), search uses full-text fallback")
	}

	searchSvc := search.NewService(store, embedder, index, logger)
	digester := digest.New(store, eventBus, logger)

	engine := trigger.New(store, eventBus, trigger.Options{
		Judger: pipe,
		Logger: logger,
	})
	if err := engine.Load(ctx); err != nil {
		return fmt.Errorf("trigger: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	authn, err := auth.NewAuthenticator(cfg.APIKey, jwtMgr)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if authn.Enabled() {
		logger.Info("auth: enabled, tool dispatch requires a bearer token")
	} else {
		logger.Warn("auth: disabled (no ARBITER_API_KEY), server runs open")
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitPerSec > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"per_sec", cfg.RateLimitPerSec, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	registry := tools.New(tools.Deps{
		Pipeline: pipe,
		Digester: digester,
		Search:   searchSvc,
		Learning: loop,
		Triggers: engine,
		Chain:    cm,
		Store:    store,
		Auth:     authn,
		Logger:   logger,
	})

	broad := server.NewBroadcaster(eventBus, version, cfg.SSEHeartbeat, logger)

	srv := server.New(server.Config{
		Registry:     registry,
		Store:        store,
		Broadcaster:  broad,
		Logger:       logger,
		Chain:        cm,
		Search:       searchSvc,
		Auth:         authn,
		Limiter:      limiter,
		Metrics:      metricsHandler,
		MCPServer:    tools.NewMCPServer(registry, version),
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		Identity:     cfg.Identity,
		Version:      version,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})

	// Supervise the workers. Every member exits when ctx is cancelled.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		engine.Run(gctx)
		return nil
	})
	if indexer != nil {
		g.Go(func() error {
			indexer.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	// Seal whatever the chain still holds before exit.
	slog.Info("arbiter shutting down")
	chainCtx, chainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := cm.Close(chainCtx); err != nil {
		slog.Error("chain drain error", "error", err)
	}
	chainCancel()

	slog.Info("arbiter stopped")
	return nil
}

// openStore selects and initializes the Persistence backend.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StorageBackend {
	case "postgres":
		store, err := postgres.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		if err := store.RunMigrations(ctx, migrations.FS); err != nil {
			_ = store.Close(ctx)
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return store, nil
	case "sqlite":
		return sqlite.Open(ctx, cfg.SQLitePath, logger)
	case "memory":
		logger.Warn("storage: memory backend selected, data is lost on restart")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// newEmbeddingProvider creates an embedding provider based on
// configuration. Ollama keeps embeddings on-premises; noop disables the
// vector path while keeping full-text search working.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	switch cfg.EmbeddingProvider {
	case "ollama":
		logger.Info("embedding provider: ollama",
			"url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", cfg.EmbeddingDimensions)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)
	default:
		logger.Info("embedding provider: noop (vector search disabled)")
		return embedding.NewNoopProvider(cfg.EmbeddingDimensions)
	}
}
