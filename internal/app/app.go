// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/contexta-ingest/internal/api/handlers"
	"github.com/markdave123-py/contexta-ingest/internal/config"
	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/cache"
	"github.com/markdave123-py/contexta-ingest/internal/core/chunking"
	"github.com/markdave123-py/contexta-ingest/internal/core/classifier"
	db "github.com/markdave123-py/contexta-ingest/internal/core/database"
	"github.com/markdave123-py/contexta-ingest/internal/core/indexer"
	"github.com/markdave123-py/contexta-ingest/internal/core/ingestion_engine"
	"github.com/markdave123-py/contexta-ingest/internal/core/jobs"
	"github.com/markdave123-py/contexta-ingest/internal/core/kvstore"
	"github.com/markdave123-py/contexta-ingest/internal/core/ledger"
	"github.com/markdave123-py/contexta-ingest/internal/core/llm"
	objectclient "github.com/markdave123-py/contexta-ingest/internal/core/object-client"
	"github.com/markdave123-py/contexta-ingest/internal/core/ratelimit"
	"github.com/markdave123-py/contexta-ingest/internal/core/retry"
	"github.com/markdave123-py/contexta-ingest/internal/core/vectorstore"
	"github.com/markdave123-py/contexta-ingest/internal/metrics"
	"github.com/markdave123-py/contexta-ingest/internal/services"
)

// Redis key prefixes shared with the ingest CLI; job keys end up as
// ingest:job:<id>.
const (
	RedisPrefix      = "ingest:"
	RedisCachePrefix = "ingest:cls:"
	RedisLockPrefix  = "ingest:lock:"

	lockTTL = 10 * time.Minute
)

type App struct {
	cfg    *config.Config
	logger *slog.Logger

	DBClient     *db.DatabaseClient
	ObjectClient core.ObjectClient
	Redis        *redis.Client
	Cache        *cache.Cache
	Metrics      *metrics.Collector
	Jobs         jobs.Store
	DocProcessor *ingestion_engine.DocumentIngestor

	Ingest *services.IngestService
	Docs   *services.DocumentService
	Search *services.SearchService

	closers []func() error
}

// NewApp connects every backing service named in cfg and wires the pipeline.
// Workers are not started until Run or StartWorkers.
func NewApp(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	a := &App{cfg: cfg, logger: slog.Default().With("component", "app")}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.DBClient, err = db.NewDatabaseClient(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.DBClient.Close)
	a.logger.Info("database initialized and ready")

	if cfg.AwsAccessKey != "" {
		s3c, err := objectclient.NewS3Client(appCtx, cfg)
		if err != nil {
			return nil, err
		}
		a.ObjectClient = s3c
		a.logger.Info("object client initialized and ready")
	} else {
		a.logger.Warn("AWS credentials not set; uploads and s3:// documents are disabled")
	}

	var (
		backend   cache.Backend  = cache.NewMemoryBackend()
		jobStore  jobs.Store     = jobs.NewMemoryStore(cfg.JobRetention)
		docLocker indexer.Locker = indexer.NewMemoryLocker()
	)
	if cfg.RedisAddr != "" {
		a.Redis, err = kvstore.Connect(appCtx, kvstore.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.Redis.Close)
		backend = cache.NewRedisBackend(a.Redis, RedisCachePrefix)
		jobStore = jobs.NewRedisStore(a.Redis, RedisPrefix, cfg.JobRetention)
		docLocker = indexer.NewRedisLocker(a.Redis, RedisLockPrefix, lockTTL)
		a.logger.Info("redis initialized and ready", "addr", cfg.RedisAddr)
	} else {
		a.logger.Warn("REDIS_ADDR not set; cache, jobs and locks are kept in memory")
	}

	a.Metrics = metrics.New()
	a.Cache = cache.New(backend,
		cache.WithTTL(cfg.CacheTTL),
		cache.WithEnabled(cfg.CacheEnabled),
		cache.WithObserver(a.Metrics),
	)

	embedder, closeEmbedder, err := llm.NewEmbeddingProvider(appCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the embedder, %w", err)
	}
	a.closers = append(a.closers, closeEmbedder)

	llmProvider, closeLLM, err := llm.NewLLMProvider(appCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the llm, %w", err)
	}
	a.closers = append(a.closers, closeLLM)

	var vectors core.VectorStore = a.DBClient
	if cfg.VectorStore == "qdrant" {
		qs, err := vectorstore.NewQdrantStore(appCtx, cfg.QdrantHost, cfg.QdrantPort, cfg.QdrantCollection, cfg.EmbedDim)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, qs.Close)
		vectors = qs
	}
	a.logger.Info("vector store ready", "backend", cfg.VectorStore)

	policy := retry.Policy{BaseDelay: cfg.BaseDelay, MaxDelay: cfg.MaxDelay, MaxAttempts: cfg.MaxAttempts}

	cls := classifier.New(llmProvider,
		classifier.WithCache(a.Cache),
		classifier.WithLimiter(ratelimit.New(ratelimit.Config{RequestsPerMinute: cfg.ClassifyQuotaRPM, Fraction: cfg.QuotaFraction})),
		classifier.WithRetryPolicy(policy),
		classifier.WithTimeout(cfg.ClassifyTimeout),
		classifier.WithModelName(cfg.GenModel),
	)

	ix := indexer.New(embedder, vectors,
		indexer.WithLocker(docLocker),
		indexer.WithLimiter(ratelimit.New(ratelimit.Config{RequestsPerMinute: cfg.EmbedQuotaRPM, Fraction: cfg.QuotaFraction})),
		indexer.WithObserver(a.Metrics),
		indexer.WithEmbedPolicy(policy),
		indexer.WithBatchSize(cfg.EmbedBatchSize),
		indexer.WithTimeout(cfg.EmbedTimeout),
	)

	led, err := ledger.Open(cfg.LedgerDir)
	if err != nil {
		return nil, err
	}

	a.Jobs = jobStore
	chunkCfg := chunking.Config{Size: cfg.ChunkSize, Overlap: cfg.ChunkOverlap}
	useReadability := false
	a.DocProcessor, err = ingestion_engine.NewDocumentIngestor(ingestion_engine.Deps{
		Documents:  a.DBClient,
		Fetcher:    ingestion_engine.NewFetcher(a.ObjectClient, 0),
		Extractor:  ingestion_engine.NewDocconvExtractor(useReadability),
		Classifier: cls,
		Cache:      a.Cache,
		Router:     ingestion_engine.NewDefaultRouter(chunkCfg),
		Indexer:    ix,
		Ledger:     led,
		Jobs:       jobStore,
		Metrics:    a.Metrics,
	}, ingestion_engine.IngestConfig{
		Workers:        cfg.Workers,
		DocConcurrency: cfg.DocConcurrency,
		JobMaxAttempts: cfg.JobMaxAttempts,
		Chunking:       chunkCfg,
	})
	if err != nil {
		return nil, err
	}

	a.Docs = services.NewDocumentService(a.DBClient, a.ObjectClient, cfg.BucketName)
	a.Ingest = services.NewIngestService(a.DocProcessor, a.Docs)
	a.Search = services.NewSearchService(embedder, vectors)
	return a, nil
}

// StartWorkers starts the job workers and re-enqueues jobs left active by a
// previous process.
func (a *App) StartWorkers(ctx context.Context) {
	a.DocProcessor.Start(ctx, a.cfg.Workers)
	n, err := a.DocProcessor.Resume(ctx)
	if err != nil {
		a.logger.Warn("resume active jobs", "error", err)
		return
	}
	if n > 0 {
		a.logger.Info("resumed active jobs", "count", n)
	}
}

// Handlers builds the HTTP surface over the app's services.
func (a *App) Handlers() Handlers {
	return Handlers{
		Ingest:     handlers.NewIngestHandler(a.Ingest, ingestion_engine.DefaultMaxSourceBytes),
		Documents:  handlers.NewDocumentHandler(a.Docs),
		Search:     handlers.NewSearchHandler(a.Search),
		Cache:      handlers.NewCacheHandler(a.Cache),
		Metrics:    a.Metrics.Handler(),
		Health:     a.health,
		AdminToken: a.cfg.AdminToken,
	}
}

func (a *App) health(ctx context.Context) error {
	var errs []error
	if err := a.DBClient.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	if a.Redis != nil {
		if err := kvstore.Ping(ctx, a.Redis); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if a.DocProcessor.Halted() {
		errs = append(errs, core.ErrIntakeHalted)
	}
	return errors.Join(errs...)
}

// Run serves HTTP until ctx ends or the pipeline reports a fatal ledger
// failure, then drains workers.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.StartWorkers(ctx)
	server := NewServer(a.cfg, a.Handlers())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		var fatal error
		select {
		case <-gctx.Done():
		case err := <-a.DocProcessor.Fatal():
			a.logger.Error("ingestion halted; shutting down", "error", err)
			fatal = fmt.Errorf("ingestion halted: %w", err)
		}
		shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
		defer stop()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Join(fatal, err)
		}
		return fatal
	})

	err := g.Wait()
	cancel()
	a.DocProcessor.Close()
	return err
}

// Close releases every client opened by NewApp, most recent first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close", "error", err)
		}
	}
	a.closers = nil
}
