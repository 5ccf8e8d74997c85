// Package embeddings maps text to unit-length vectors.
//
// Two providers are available: a local ONNX model via fastembed (cgo
// builds only) and a HuggingFace text-embeddings-inference server. Both
// are wrapped so that every returned vector is L2-normalized, each item
// independently of its batch.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrEmbeddingUnavailable means the model could not be loaded or
	// reached at startup. It is fatal: nothing can be indexed or searched.
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates a per-call generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrDimensionMismatch means the backend returned vectors of an
	// unexpected length.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Embedder generates document and query embeddings.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Provider is an Embedder bound to one model.
type Provider interface {
	Embedder
	// Model identifies the embedding space. Indices built under one model
	// are not searchable with another.
	Model() string
	Dimension() int
	Close() error
}

// ProviderConfig holds configuration for creating an embedding provider.
type ProviderConfig struct {
	// Provider is "fastembed" or "tei".
	Provider string
	Model    string
	// BaseURL is the TEI server URL.
	BaseURL string
	// CacheDir is the fastembed model cache directory.
	CacheDir string
	// Dimension is required for TEI, whose models are not known locally.
	Dimension int
	// Timeout bounds each TEI request.
	Timeout time.Duration
}

// NewProvider creates the configured provider, verifies it with a warm-up
// embedding, and wraps it with normalization and metrics. Any failure is
// reported as ErrEmbeddingUnavailable.
func NewProvider(ctx context.Context, cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		base Provider
		err  error
	)
	switch cfg.Provider {
	case "fastembed", "":
		base, err = NewFastEmbedProvider(FastEmbedConfig{Model: cfg.Model, CacheDir: cfg.CacheDir})
	case "tei":
		base, err = NewTEIProvider(TEIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			Timeout:   cfg.Timeout,
		})
	default:
		err = fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}

	p := Wrap(base, logger)
	if _, err := p.EmbedQuery(ctx, "warm-up"); err != nil {
		_ = base.Close()
		return nil, fmt.Errorf("%w: warm-up embedding failed: %v", ErrEmbeddingUnavailable, err)
	}

	logger.Info("embedding provider ready",
		zap.String("provider", cfg.Provider),
		zap.String("model", p.Model()),
		zap.Int("dimension", p.Dimension()),
	)
	return p, nil
}

// normalizing guarantees unit-length vectors of the declared dimension.
type normalizing struct {
	base    Provider
	metrics *Metrics
}

// Wrap adds normalization, dimension checks, and metrics to p.
func Wrap(p Provider, logger *zap.Logger) Provider {
	if n, ok := p.(*normalizing); ok {
		return n
	}
	return &normalizing{base: p, metrics: NewMetrics(logger)}
}

func (n *normalizing) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	vectors, err := n.embedDocuments(ctx, texts)
	n.metrics.RecordGeneration(ctx, n.base.Model(), "embed_documents", time.Since(start), len(texts), err)
	return vectors, err
}

func (n *normalizing) embedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors, err := n.base.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vectors), len(texts))
	}
	out := make([][]float32, len(vectors))
	for i, v := range vectors {
		if out[i], err = n.check(v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (n *normalizing) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vector, err := n.embedQuery(ctx, text)
	n.metrics.RecordGeneration(ctx, n.base.Model(), "embed_query", time.Since(start), 1, err)
	return vector, err
}

func (n *normalizing) embedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	v, err := n.base.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	return n.check(v)
}

func (n *normalizing) check(v []float32) ([]float32, error) {
	if dim := n.base.Dimension(); dim > 0 && len(v) != dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), dim)
	}
	return Normalize(v), nil
}

func (n *normalizing) Model() string  { return n.base.Model() }
func (n *normalizing) Dimension() int { return n.base.Dimension() }
func (n *normalizing) Close() error   { return n.base.Close() }
