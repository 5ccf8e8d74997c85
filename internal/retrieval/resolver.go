// Package retrieval searches the indices of many document versions and
// merges the results into one ranked list.
//
// Ranking is by distance (lower is better). When two passages are equally
// close, the one from the more recently modified document wins, so newer
// policy text outranks the text it replaced.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/docqa/internal/chunker"
	"github.com/fyrsmithlabs/docqa/internal/embeddings"
	"github.com/fyrsmithlabs/docqa/internal/vectorstore"
	"github.com/fyrsmithlabs/docqa/internal/versionstore"
)

const instrumentationName = "github.com/fyrsmithlabs/docqa/internal/retrieval"

func tracer() trace.Tracer { return otel.Tracer(instrumentationName) }

// Passage is one retrieved chunk tagged with the version it came from.
type Passage struct {
	Chunk chunker.Chunk
	// Score is a distance: lower is better.
	Score         float32
	Key           versionstore.DocumentKey
	VersionNumber int
	ModifiedAt    time.Time
}

// Config configures a Resolver.
type Config struct {
	Embedder embeddings.Embedder
	Backend  vectorstore.Backend

	// KPerSource is used when Retrieve is called with kPerSource <= 0.
	// Default: 4
	KPerSource int
	// KTotal is used when Retrieve is called with kTotal <= 0.
	// Default: 6
	KTotal int
	// MaxParallel bounds concurrent index searches per query.
	// Default: 8
	MaxParallel int
	// IndexCacheSize is the number of loaded index handles kept.
	// Default: 64
	IndexCacheSize int
	// LoadTimeout bounds one index load, which may be shared by
	// concurrent queries. Default: 2m
	LoadTimeout time.Duration

	Logger *zap.Logger
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.KPerSource <= 0 {
		c.KPerSource = 4
	}
	if c.KTotal <= 0 {
		c.KTotal = 6
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 8
	}
	if c.IndexCacheSize <= 0 {
		c.IndexCacheSize = 64
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 2 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Embedder == nil {
		errs = append(errs, errors.New("embedder is required"))
	}
	if c.Backend == nil {
		errs = append(errs, errors.New("vector backend is required"))
	}
	return errors.Join(errs...)
}

// Resolver fans a query out to version indices.
type Resolver struct {
	config  Config
	logger  *zap.Logger
	indexes *indexCache
	metrics *metrics
}

// New creates a Resolver.
func New(cfg Config) (*Resolver, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	cache, err := newIndexCache(cfg.Backend, cfg.IndexCacheSize, cfg.LoadTimeout)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		config:  cfg,
		logger:  cfg.Logger,
		indexes: cache,
		metrics: newMetrics(cfg.Logger),
	}, nil
}

// Retrieve embeds query once, searches every candidate's index for
// kPerSource hits, and returns the best kTotal passages.
//
// A candidate whose index is missing, corrupt, or built in another
// embedding space is skipped and logged. Any other error, including
// context cancellation, aborts the whole query.
func (r *Resolver) Retrieve(ctx context.Context, query string, candidates []versionstore.VersionRecord, kPerSource, kTotal int) ([]Passage, error) {
	ctx, span := tracer().Start(ctx, "Resolver.Retrieve")
	defer span.End()

	if kPerSource <= 0 {
		kPerSource = r.config.KPerSource
	}
	if kTotal <= 0 {
		kTotal = r.config.KTotal
	}
	span.SetAttributes(
		attribute.Int("candidates", len(candidates)),
		attribute.Int("k_per_source", kPerSource),
		attribute.Int("k_total", kTotal),
	)

	if len(candidates) == 0 {
		span.SetStatus(codes.Ok, "no candidates")
		return []Passage{}, nil
	}

	qv, err := r.config.Embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	perSource := make([][]Passage, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.MaxParallel)
	for i, rec := range candidates {
		g.Go(func() error {
			passages, err := r.search(gctx, rec, qv, kPerSource)
			if err != nil {
				if reason, ok := exclusionReason(err); ok {
					r.exclude(gctx, rec, reason, err)
					return nil
				}
				return fmt.Errorf("searching %s v%d: %w", rec.Key, rec.VersionNumber, err)
			}
			perSource[i] = passages
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var merged []Passage
	for _, ps := range perSource {
		merged = append(merged, ps...)
	}
	Rank(merged)
	if len(merged) > kTotal {
		merged = merged[:kTotal]
	}
	if merged == nil {
		merged = []Passage{}
	}

	span.SetAttributes(attribute.Int("passages", len(merged)))
	span.SetStatus(codes.Ok, "success")
	return merged, nil
}

// Forget drops a cached index handle, for versions that will no longer be
// queried.
func (r *Resolver) Forget(indexID string) {
	r.indexes.evict(indexID)
}

func (r *Resolver) search(ctx context.Context, rec versionstore.VersionRecord, qv []float32, k int) ([]Passage, error) {
	idx, err := r.indexes.get(ctx, rec.IndexID)
	if err != nil {
		return nil, err
	}
	hits, err := idx.Search(ctx, qv, k)
	if err != nil {
		return nil, err
	}
	out := make([]Passage, len(hits))
	for i, h := range hits {
		out[i] = Passage{
			Chunk:         h.Chunk,
			Score:         h.Score,
			Key:           rec.Key,
			VersionNumber: rec.VersionNumber,
			ModifiedAt:    rec.ModifiedAt,
		}
	}
	return out, nil
}

func (r *Resolver) exclude(ctx context.Context, rec versionstore.VersionRecord, reason string, err error) {
	r.metrics.recordExcluded(ctx, reason)
	r.logger.Warn("excluding version from retrieval; rebuild its index",
		zap.String("document_key", rec.Key.String()),
		zap.Int("version", rec.VersionNumber),
		zap.String("index_id", rec.IndexID),
		zap.String("reason", reason),
		zap.Error(err),
	)
}

// exclusionReason classifies errors that make a single version
// unsearchable without failing the query.
func exclusionReason(err error) (string, bool) {
	switch {
	case errors.Is(err, vectorstore.ErrIndexStale):
		return "stale", true
	case errors.Is(err, vectorstore.ErrIndexNotFound):
		return "not_found", true
	case errors.Is(err, vectorstore.ErrIndexCorrupt):
		return "corrupt", true
	}
	return "", false
}

// Rank sorts passages best first: ascending score, then newer ModifiedAt,
// then key, version and ordinal so equal inputs always yield equal order.
func Rank(passages []Passage) {
	sort.SliceStable(passages, func(i, j int) bool {
		a, b := passages[i], passages[j]
		if a.Score != b.Score {
			return a.Score < b.Score
		}
		if !a.ModifiedAt.Equal(b.ModifiedAt) {
			return a.ModifiedAt.After(b.ModifiedAt)
		}
		if a.Key != b.Key {
			return a.Key.Less(b.Key)
		}
		if a.VersionNumber != b.VersionNumber {
			return a.VersionNumber > b.VersionNumber
		}
		return a.Chunk.Ordinal < b.Chunk.Ordinal
	})
}
