package engine

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docqa/internal/blobstore"
	"github.com/fyrsmithlabs/docqa/internal/chunker"
	"github.com/fyrsmithlabs/docqa/internal/config"
	"github.com/fyrsmithlabs/docqa/internal/conversation"
	"github.com/fyrsmithlabs/docqa/internal/embeddings"
	"github.com/fyrsmithlabs/docqa/internal/extraction"
	"github.com/fyrsmithlabs/docqa/internal/logging"
	"github.com/fyrsmithlabs/docqa/internal/retrieval"
	"github.com/fyrsmithlabs/docqa/internal/synthesis"
	"github.com/fyrsmithlabs/docqa/internal/vectorstore"
	"github.com/fyrsmithlabs/docqa/internal/versionstore"
)

// Open builds an Engine from application config:
//  1. blob store (fs, minio or memory)
//  2. embedding provider, checked with one warm-up embedding
//  3. vector backend bound to the provider's embedding space
//  4. version store, loading persisted manifests
//  5. resolver, synthesizer and conversation store
//
// A provider that cannot be loaded fails with
// embeddings.ErrEmbeddingUnavailable; callers treat that as fatal.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var closers []func() error
	fail := func(err error) (*Engine, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	blobs, err := blobstore.New(ctx, cfg.Storage, logger.Named("blobstore"))
	if err != nil {
		return fail(fmt.Errorf("opening blob store: %w", err))
	}

	provider, err := embeddings.NewProvider(ctx, embeddings.ProviderConfig{
		Provider:  cfg.Embeddings.Provider,
		Model:     cfg.Embeddings.Model,
		BaseURL:   cfg.Embeddings.BaseURL,
		CacheDir:  cfg.Embeddings.CacheDir,
		Dimension: cfg.Embeddings.Dimension,
		Timeout:   cfg.Retrieval.OperationTimeout.Duration(),
	}, logger.Named("embeddings"))
	if err != nil {
		return fail(err)
	}
	closers = append(closers, provider.Close)

	space := vectorstore.Space{Model: provider.Model(), Dimension: provider.Dimension()}
	backend, err := vectorstore.NewBackend(ctx, cfg.VectorStore, space, blobs, logger.Named("vectorstore"))
	if err != nil {
		return fail(fmt.Errorf("creating vector backend: %w", err))
	}
	if c, ok := backend.(io.Closer); ok {
		closers = append(closers, c.Close)
	}

	ch, err := chunker.New(&chunker.Config{
		Size:          cfg.Chunker.Size,
		Overlap:       cfg.Chunker.Overlap,
		MinChunkChars: cfg.Chunker.MinChunkChars,
	})
	if err != nil {
		return fail(fmt.Errorf("creating chunker: %w", err))
	}

	versions, err := versionstore.Open(ctx, versionstore.Config{
		Blobs:            blobs,
		Chunker:          ch,
		Embedder:         provider,
		Backend:          backend,
		OperationTimeout: cfg.Retrieval.OperationTimeout.Duration(),
		Logger:           logger.Named("versionstore"),
	})
	if err != nil {
		return fail(fmt.Errorf("opening version store: %w", err))
	}

	resolver, err := retrieval.New(retrieval.Config{
		Embedder:       provider,
		Backend:        backend,
		KPerSource:     cfg.Retrieval.KPerSource,
		KTotal:         cfg.Retrieval.KTotal,
		MaxParallel:    cfg.Retrieval.MaxParallel,
		IndexCacheSize: cfg.Retrieval.IndexCacheSize,
		LoadTimeout:    cfg.Retrieval.OperationTimeout.Duration(),
		Logger:         logger.Named("retrieval"),
	})
	if err != nil {
		return fail(fmt.Errorf("creating resolver: %w", err))
	}

	generator, err := newGenerator(cfg.Generation, logger)
	if err != nil {
		return fail(err)
	}
	synth := synthesis.New(synthesis.Config{
		Generator: generator,
		Retry: synthesis.RetryPolicy{
			Timeout:        cfg.Generation.Timeout.Duration(),
			MaxAttempts:    cfg.Generation.MaxAttempts,
			InitialBackoff: cfg.Generation.InitialBackoff.Duration(),
			MaxBackoff:     cfg.Generation.MaxBackoff.Duration(),
			RatePerSecond:  cfg.Generation.RatePerSecond,
		},
		Logger: logger.Named("synthesis"),
	})

	sessions, err := conversation.NewStore(ctx, cfg.Conversation)
	if err != nil {
		return fail(fmt.Errorf("opening conversation store: %w", err))
	}
	closers = append(closers, sessions.Close)

	e, err := New(Options{
		Extractor:     extraction.New(),
		Versions:      versions,
		Resolver:      resolver,
		Synthesizer:   synth,
		Conversations: conversation.NewOrchestrator(sessions, logger.Named("conversation")),
		Logger:        logger.Named("engine"),
	})
	if err != nil {
		return fail(err)
	}
	e.closers = closers

	logger.Info("engine ready",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("embedding_model", space.Model),
		zap.Int("embedding_dimension", space.Dimension),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.Bool("generation", generator != nil),
		logging.Secret("generation.api_key", cfg.Generation.APIKey),
		zap.String("conversation_store", cfg.Conversation.Store),
		zap.Int("documents", len(versions.Keys(ctx))),
	)
	return e, nil
}

// newGenerator returns nil when no API key is configured; every answer is
// then quoted from the passages.
func newGenerator(cfg config.GenerationConfig, logger *zap.Logger) (synthesis.Generator, error) {
	if !cfg.APIKey.IsSet() {
		logger.Warn("generation API key not set; answers will quote passages verbatim")
		return nil, nil
	}
	g, err := synthesis.NewOpenAIGenerator(synthesis.OpenAIConfig{
		BaseURL:     cfg.BaseURL,
		Model:       cfg.Model,
		APIKey:      cfg.APIKey.Value(),
		Temperature: cfg.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("creating generator: %w", err)
	}
	return g, nil
}
