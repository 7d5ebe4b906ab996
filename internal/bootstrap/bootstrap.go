package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kirillkom/evidence-rag/internal/config"
	"github.com/kirillkom/evidence-rag/internal/core/domain"
	"github.com/kirillkom/evidence-rag/internal/core/ports"
	"github.com/kirillkom/evidence-rag/internal/core/usecase"
	"github.com/kirillkom/evidence-rag/internal/infrastructure/cache"
	neo4jstore "github.com/kirillkom/evidence-rag/internal/infrastructure/chunkstore/neo4j"
	pgstore "github.com/kirillkom/evidence-rag/internal/infrastructure/chunkstore/postgres"
	"github.com/kirillkom/evidence-rag/internal/infrastructure/crossencoder"
	"github.com/kirillkom/evidence-rag/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/evidence-rag/internal/infrastructure/llm/openai"
	natsqueue "github.com/kirillkom/evidence-rag/internal/infrastructure/queue/nats"
	"github.com/kirillkom/evidence-rag/internal/infrastructure/resilience"
	"github.com/kirillkom/evidence-rag/internal/infrastructure/vector/pgvector"
	"github.com/kirillkom/evidence-rag/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/evidence-rag/internal/infrastructure/vector/sparse"
)

const (
	BackendQdrant   = "qdrant"
	BackendPgvector = "pgvector"
	BackendPostgres = "postgres"
	BackendNeo4j    = "neo4j"
	ProviderOllama  = "ollama"
	ProviderOpenAI  = "openai"
)

type App struct {
	Config         config.Config
	PipelineConfig usecase.PipelineConfig

	Pipeline *usecase.EvidencePipeline
	Indexer  ports.CorpusIndexer
	Chunks   ports.ChunkRepository

	executor *resilience.Executor

	queueMu sync.Mutex
	queue   *natsqueue.Queue

	closeFns []func()
}

type vectorStore interface {
	ports.VectorIndex
	ports.VectorWriter
}

type generators struct {
	subQueries   ports.SubQueryGenerator
	answers      ports.AnswerGenerator
	reformulator ports.QueryReformulator
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	pipelineCfg, err := cfg.Pipeline()
	if err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}

	app := &App{
		Config:         cfg,
		PipelineConfig: pipelineCfg,
		executor:       resilience.NewExecutor(cfg.Resilience()),
	}
	if err := app.build(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	var db *sql.DB
	openDB := func() (*sql.DB, error) {
		if db != nil {
			return db, nil
		}
		conn, err := pgstore.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db = conn
		a.onClose(func() { _ = conn.Close() })
		return db, nil
	}

	chunks, err := a.newChunkRepository(ctx, openDB)
	if err != nil {
		return err
	}
	a.Chunks = chunks

	embedder, err := a.newEmbedder()
	if err != nil {
		return err
	}
	gens, err := a.newGenerators()
	if err != nil {
		return err
	}

	vectors, err := a.newVectorStore(openDB)
	if err != nil {
		return err
	}
	if err := checkDimensions(ctx, embedder, vectors); err != nil {
		return err
	}

	var encoder ports.CrossEncoder
	if cfg.CrossEncoderURL != "" {
		encoder = crossencoder.New(cfg.CrossEncoderURL, cfg.CrossEncoderModel, cfg.CrossEncoderLogits, a.executor)
	} else if a.PipelineConfig.RerankMode != usecase.RerankModeMedical {
		slog.Warn("cross_encoder_disabled", "reason", "CROSS_ENCODER_URL is empty", "rerank_mode", a.PipelineConfig.RerankMode)
	}

	sparseEncoder := sparse.NewEncoder()
	decomposer := usecase.NewQueryDecomposer(
		usecase.NewModelBasedStrategy(gens.subQueries),
		usecase.KeywordStrategy{},
		usecase.IdentityStrategy{},
	)
	retriever, err := usecase.NewMultiQueryRetriever(embedder, sparseEncoder, vectors, a.PipelineConfig.Retrieval)
	if err != nil {
		return fmt.Errorf("init retriever: %w", err)
	}
	if rewrite := a.PipelineConfig.Retrieval.Rewrite; rewrite.Enabled {
		var reformulator ports.QueryReformulator
		if rewrite.Reformulations > 0 || rewrite.HyDE {
			reformulator = gens.reformulator
		}
		rewriter, err := usecase.NewQueryRewriter(rewrite, reformulator)
		if err != nil {
			return fmt.Errorf("init query rewriter: %w", err)
		}
		retriever.WithRewriter(rewriter)
		slog.Info("query_rewrite_enabled",
			"synonyms", rewrite.Synonyms,
			"reformulations", rewrite.Reformulations,
			"hyde", rewrite.HyDE,
		)
	}
	reranker, err := usecase.NewReranker(a.PipelineConfig, encoder)
	if err != nil {
		return fmt.Errorf("init reranker: %w", err)
	}
	assembler, err := usecase.NewContextAssembler(chunks, a.PipelineConfig.Levels, a.PipelineConfig.Assembly)
	if err != nil {
		return fmt.Errorf("init context assembler: %w", err)
	}
	pipeline, err := usecase.NewEvidencePipeline(decomposer, retriever, reranker, assembler, gens.answers, a.PipelineConfig)
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}
	a.Pipeline = pipeline
	a.Indexer = usecase.NewIndexDocumentUseCase(chunks, embedder, sparseEncoder, vectors, domain.TreeOptions{
		Weights:        a.PipelineConfig.Levels,
		MinChunkLength: cfg.MinChunkLength,
	})

	slog.Info("pipeline_ready",
		"vector_backend", cfg.VectorBackend,
		"chunk_store", cfg.ChunkStoreBackend,
		"embedding_provider", cfg.EmbeddingProvider,
		"generation_provider", cfg.GenerationProvider,
		"reranker", pipeline.RerankerName(),
	)
	return nil
}

func (a *App) newChunkRepository(ctx context.Context, openDB func() (*sql.DB, error)) (ports.ChunkRepository, error) {
	cfg := a.Config
	switch cfg.ChunkStoreBackend {
	case BackendPostgres, "":
		db, err := openDB()
		if err != nil {
			return nil, err
		}
		repo := pgstore.NewChunkRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure chunk schema: %w", err)
		}
		return repo, nil
	case BackendNeo4j:
		store, err := neo4jstore.Open(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, cfg.Neo4jDatabase)
		if err != nil {
			return nil, fmt.Errorf("open neo4j: %w", err)
		}
		a.onClose(func() { _ = store.Close(context.Background()) })
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure graph schema: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown chunk store backend %q", cfg.ChunkStoreBackend)
	}
}

func (a *App) newVectorStore(openDB func() (*sql.DB, error)) (vectorStore, error) {
	cfg := a.Config
	switch cfg.VectorBackend {
	case BackendQdrant, "":
		return qdrant.New(cfg.QdrantURL, cfg.QdrantCollection, a.executor), nil
	case BackendPgvector:
		db, err := openDB()
		if err != nil {
			return nil, err
		}
		return pgvector.New(db), nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.VectorBackend)
	}
}

func (a *App) newEmbedder() (ports.Embedder, error) {
	cfg := a.Config

	var (
		inner     ports.Embedder
		namespace string
	)
	switch cfg.EmbeddingProvider {
	case ProviderOllama, "":
		inner = ollama.NewEmbedder(ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, a.executor))
		namespace = ProviderOllama + ":" + cfg.OllamaEmbedModel
	case ProviderOpenAI:
		inner = openai.NewEmbedder(a.openAIClient())
		namespace = fmt.Sprintf("%s:%s:%d", ProviderOpenAI, cfg.OpenAIEmbedModel, cfg.OpenAIDimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}

	var remote cache.RemoteCache
	if len(cfg.RedisAddrs) > 0 {
		redisCache, err := cache.NewRedisCache(cfg.RedisAddrs, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("init redis cache: %w", err)
		}
		a.onClose(redisCache.Close)
		remote = redisCache
	}
	cached, err := cache.NewCachedEmbedder(inner, namespace, cfg.EmbeddingCacheSize, remote, cfg.EmbeddingCacheTTL)
	if err != nil {
		return nil, err
	}
	return cached, nil
}

func (a *App) newGenerators() (generators, error) {
	cfg := a.Config
	switch cfg.GenerationProvider {
	case ProviderOllama, "":
		client := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, a.executor)
		return generators{
			subQueries:   ollama.NewSubQueryGenerator(client),
			answers:      ollama.NewGenerator(client),
			reformulator: ollama.NewReformulator(client),
		}, nil
	case ProviderOpenAI:
		client := a.openAIClient()
		return generators{
			subQueries:   openai.NewSubQueryGenerator(client),
			answers:      openai.NewGenerator(client),
			reformulator: openai.NewReformulator(client),
		}, nil
	default:
		return generators{}, fmt.Errorf("unknown generation provider %q", cfg.GenerationProvider)
	}
}

func (a *App) openAIClient() *openai.Client {
	cfg := a.Config
	return openai.New(openai.Config{
		APIKey:     cfg.OpenAIAPIKey,
		BaseURL:    cfg.OpenAIBaseURL,
		EmbedModel: cfg.OpenAIEmbedModel,
		ChatModel:  cfg.OpenAIChatModel,
		Dimensions: cfg.OpenAIDimensions,
	}, a.executor)
}

// checkDimensions fails startup when both sides report a size and they
// differ. An empty index or an unreachable model only logs a warning.
func checkDimensions(ctx context.Context, embedder ports.Embedder, index ports.VectorIndex) error {
	indexDim, err := index.Dimension(ctx)
	if err != nil {
		slog.Warn("index_dimension_unknown", "error", err)
		return nil
	}
	if indexDim == 0 {
		return nil
	}
	embedDim, err := embedder.Dimension(ctx)
	if err != nil {
		slog.Warn("embedding_dimension_unknown", "error", err)
		return nil
	}
	if embedDim != indexDim {
		return domain.WrapError(domain.ErrDimensionMismatch, "startup", fmt.Errorf("embedder produces %d dims, index holds %d", embedDim, indexDim))
	}
	return nil
}

// Queue connects to NATS on first use.
func (a *App) Queue() (*natsqueue.Queue, error) {
	a.queueMu.Lock()
	defer a.queueMu.Unlock()
	if a.queue != nil {
		return a.queue, nil
	}
	q, err := OpenQueue(a.Config, a.executor)
	if err != nil {
		return nil, err
	}
	a.queue = q
	a.onClose(q.Close)
	return q, nil
}

// OpenQueue connects to NATS without building the pipeline, for clients that
// hand retrieval to the worker pool. A nil executor is built from cfg.
func OpenQueue(cfg config.Config, executor *resilience.Executor) (*natsqueue.Queue, error) {
	if executor == nil {
		executor = resilience.NewExecutor(cfg.Resilience())
	}
	q, err := natsqueue.NewWithOptions(cfg.NATSURL, natsqueue.Subjects{
		Retrieve: cfg.NATSRetrieveSubject,
		Index:    cfg.NATSIndexSubject,
	}, natsqueue.Options{
		RequestTimeout:     cfg.NATSRequestTimeout,
		ResilienceExecutor: executor,
	})
	if err != nil {
		return nil, fmt.Errorf("init message queue: %w", err)
	}
	return q, nil
}

func (a *App) onClose(fn func()) {
	a.closeFns = append(a.closeFns, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		a.closeFns[i]()
	}
	a.closeFns = nil
}

// ValidateDocumentTree loads a stored chunk tree and checks its integrity.
func (a *App) ValidateDocumentTree(ctx context.Context, documentID string) (int, error) {
	chunks, err := a.Chunks.DocumentChunks(ctx, documentID)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, domain.WrapError(domain.ErrDocumentNotFound, "validate tree", fmt.Errorf("no chunks stored for document %s", documentID))
	}
	if err := domain.ValidateHierarchy(chunks); err != nil {
		return len(chunks), err
	}
	return len(chunks), nil
}
