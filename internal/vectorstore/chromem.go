package vectorstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docqa/internal/blobstore"
	"github.com/fyrsmithlabs/docqa/internal/chunker"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

const instrumentationName = "github.com/fyrsmithlabs/docqa/internal/vectorstore"

// tracer resolves the global provider per call so providers installed
// after package init are honored.
func tracer() trace.Tracer { return otel.Tracer(instrumentationName) }

// collectionName is the single collection inside each index's database.
const collectionName = "chunks"

const (
	metaOrdinal   = "ordinal"
	metaPage      = "page"
	metaCharCount = "char_count"
)

var errPrecomputedOnly = errors.New("chromem index only accepts precomputed embeddings")

// precomputedOnly is passed wherever chromem wants an embedding function.
// All vectors come from the embedding provider, so chromem must never
// embed on its own (its nil default would call OpenAI).
func precomputedOnly(context.Context, string) ([]float32, error) {
	return nil, errPrecomputedOnly
}

// IndexLocation is the blob location of an index artifact.
func IndexLocation(id string) string {
	return "indexes/" + id + ".idx"
}

// ChromemConfig configures the chromem backend.
type ChromemConfig struct {
	Space Space
	// Compress gzips the chromem export inside the artifact.
	Compress bool
}

// Validate validates the configuration.
func (c ChromemConfig) Validate() error {
	return c.Space.Validate()
}

// ChromemBackend keeps each index in its own in-memory chromem.DB and
// persists it as one artifact per index in a blob store.
type ChromemBackend struct {
	config ChromemConfig
	blobs  blobstore.Store
	logger *zap.Logger
}

// NewChromemBackend creates a chromem backend over blobs.
func NewChromemBackend(cfg ChromemConfig, blobs blobstore.Store, logger *zap.Logger) (*ChromemBackend, error) {
	if blobs == nil {
		return nil, fmt.Errorf("%w: blob store is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &ChromemBackend{config: cfg, blobs: blobs, logger: logger}, nil
}

// chromemIndex is an immutable chromem-backed index.
type chromemIndex struct {
	id     string
	header Header
	db     *chromem.DB
	coll   *chromem.Collection
}

func (ix *chromemIndex) ID() string     { return ix.id }
func (ix *chromemIndex) Count() int     { return ix.coll.Count() }
func (ix *chromemIndex) Model() string  { return ix.header.Model }
func (ix *chromemIndex) Dimension() int { return ix.header.Dimension }

// Build creates an in-memory index. Nothing is persisted until Persist.
func (b *ChromemBackend) Build(ctx context.Context, id string, chunks []chunker.Chunk, vectors [][]float32) (Index, error) {
	ctx, span := tracer().Start(ctx, "ChromemBackend.Build")
	defer span.End()

	span.SetAttributes(
		attribute.String("index_id", id),
		attribute.Int("chunk_count", len(chunks)),
	)

	if err := validateBuild(b.config.Space, id, chunks, vectors); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	db := chromem.NewDB()
	coll, err := db.CreateCollection(collectionName, nil, precomputedOnly)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("creating collection: %w", err)
	}

	if len(chunks) > 0 {
		docs := make([]chromem.Document, len(chunks))
		for i, c := range chunks {
			docs[i] = chromem.Document{
				ID:        strconv.Itoa(c.Ordinal),
				Content:   c.Text,
				Metadata:  chunkMetadata(c),
				Embedding: vectors[i],
			}
		}
		// Concurrency of 1 since embeddings are precomputed.
		if err := coll.AddDocuments(ctx, docs, 1); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("adding documents: %w", err)
		}
	}

	span.SetStatus(codes.Ok, "success")
	return &chromemIndex{
		id: id,
		header: Header{
			FormatVersion: formatVersion,
			Model:         b.config.Space.Model,
			Dimension:     b.config.Space.Dimension,
			ChunkCount:    len(chunks),
			CreatedAt:     timeNow().UTC(),
		},
		db:   db,
		coll: coll,
	}, nil
}

// Persist writes the canonical artifact for an index built by this backend.
func (b *ChromemBackend) Persist(ctx context.Context, idx Index) error {
	ctx, span := tracer().Start(ctx, "ChromemBackend.Persist")
	defer span.End()

	ix, ok := idx.(*chromemIndex)
	if !ok {
		return fmt.Errorf("%w: index %T was not built by the chromem backend", ErrInvalidInput, idx)
	}
	span.SetAttributes(attribute.String("index_id", ix.id))

	var payload bytes.Buffer
	if err := ix.db.ExportToWriter(&payload, b.config.Compress, "", collectionName); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("exporting index %s: %w", ix.id, err)
	}
	data, err := encodeArtifact(ix.header, payload.Bytes())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := b.blobs.Write(ctx, IndexLocation(ix.id), data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("writing index %s: %w", ix.id, err)
	}

	span.SetAttributes(attribute.Int("artifact_bytes", len(data)))
	span.SetStatus(codes.Ok, "success")
	b.logger.Debug("persisted index",
		zap.String("index_id", ix.id),
		zap.Int("chunks", ix.header.ChunkCount),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// Load reads an artifact. It tries the canonical format first and falls
// back to a bare chromem export.
func (b *ChromemBackend) Load(ctx context.Context, id string) (Index, error) {
	ctx, span := tracer().Start(ctx, "ChromemBackend.Load")
	defer span.End()

	span.SetAttributes(attribute.String("index_id", id))

	if err := ValidateIndexID(id); err != nil {
		return nil, err
	}

	data, err := b.blobs.Read(ctx, IndexLocation(id))
	if errors.Is(err, blobstore.ErrNotFound) {
		span.SetStatus(codes.Error, "not found")
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, id)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("reading index %s: %w", id, err)
	}

	ix, err := b.loadCanonical(id, data)
	if errors.Is(err, errFormat) {
		var legacyErr error
		ix, legacyErr = b.loadLegacy(ctx, id, data)
		if legacyErr != nil {
			err = fmt.Errorf("%w: %s: canonical: %v; legacy: %v", ErrIndexCorrupt, id, err, legacyErr)
		} else {
			err = nil
			span.SetAttributes(attribute.Bool("legacy", true))
			b.logger.Warn("loaded legacy index artifact; rebuild to record its embedding model",
				zap.String("index_id", id),
			)
		}
	} else if err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrIndexCorrupt, id, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := b.checkSpace(ix); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("chunk_count", ix.Count()))
	span.SetStatus(codes.Ok, "success")
	return ix, nil
}

func (b *ChromemBackend) loadCanonical(id string, data []byte) (*chromemIndex, error) {
	header, payload, err := decodeArtifact(data)
	if err != nil {
		return nil, err
	}
	db := chromem.NewDB()
	if err := db.ImportFromReader(bytes.NewReader(payload), "", collectionName); err != nil {
		return nil, fmt.Errorf("importing payload: %w", err)
	}
	coll := db.GetCollection(collectionName, precomputedOnly)
	if coll == nil {
		return nil, fmt.Errorf("payload has no %q collection", collectionName)
	}
	if coll.Count() != header.ChunkCount {
		return nil, fmt.Errorf("header declares %d chunks, payload has %d", header.ChunkCount, coll.Count())
	}
	return &chromemIndex{id: id, header: header, db: db, coll: coll}, nil
}

// loadLegacy imports a bare export. Legacy artifacts hold one collection
// whose document IDs are chunk ordinals; the model is unknown and the
// dimension is read off the first embedding.
func (b *ChromemBackend) loadLegacy(ctx context.Context, id string, data []byte) (*chromemIndex, error) {
	db := chromem.NewDB()
	if err := db.ImportFromReader(bytes.NewReader(data), ""); err != nil {
		return nil, fmt.Errorf("importing bare export: %w", err)
	}

	names := make([]string, 0, 1)
	for name := range db.ListCollections() {
		names = append(names, name)
	}
	if len(names) != 1 {
		return nil, fmt.Errorf("bare export has %d collections, want 1", len(names))
	}
	coll := db.GetCollection(names[0], precomputedOnly)
	if coll == nil {
		return nil, fmt.Errorf("collection %q vanished after import", names[0])
	}

	header := Header{ChunkCount: coll.Count()}
	if coll.Count() > 0 {
		doc, err := coll.GetByID(ctx, "0")
		if err != nil {
			return nil, fmt.Errorf("reading first chunk: %w", err)
		}
		header.Dimension = len(doc.Embedding)
	}
	return &chromemIndex{id: id, header: header, db: db, coll: coll}, nil
}

// checkSpace rejects indices from another embedding space. Legacy indices
// carry no model name and are only checked by dimension.
func (b *ChromemBackend) checkSpace(ix *chromemIndex) error {
	want := b.config.Space
	if ix.header.Model != "" && ix.header.Model != want.Model {
		return fmt.Errorf("%w: index %s built with %q, provider is %q", ErrIndexStale, ix.id, ix.header.Model, want.Model)
	}
	if ix.header.Dimension != 0 && ix.header.Dimension != want.Dimension {
		return fmt.Errorf("%w: index %s has dimension %d, provider has %d", ErrIndexStale, ix.id, ix.header.Dimension, want.Dimension)
	}
	if ix.header.Model == "" {
		ix.header.Model = want.Model
	}
	if ix.header.Dimension == 0 {
		ix.header.Dimension = want.Dimension
	}
	return nil
}

// Delete removes the artifact.
func (b *ChromemBackend) Delete(ctx context.Context, id string) error {
	ctx, span := tracer().Start(ctx, "ChromemBackend.Delete")
	defer span.End()

	span.SetAttributes(attribute.String("index_id", id))

	if err := ValidateIndexID(id); err != nil {
		return err
	}
	if err := b.blobs.Delete(ctx, IndexLocation(id)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting index %s: %w", id, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Search returns the k nearest chunks by cosine distance.
func (ix *chromemIndex) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	ctx, span := tracer().Start(ctx, "ChromemIndex.Search")
	defer span.End()

	span.SetAttributes(
		attribute.String("index_id", ix.id),
		attribute.Int("k", k),
	)

	// Cap k at collection size (chromem requires nResults <= doc count)
	count := ix.coll.Count()
	if k <= 0 || count == 0 {
		return []Hit{}, nil
	}
	if k > count {
		k = count
	}
	if len(query) != ix.header.Dimension {
		err := fmt.Errorf("%w: query has %d dimensions, index %s has %d", ErrIndexStale, len(query), ix.id, ix.header.Dimension)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	results, err := ix.coll.QueryEmbedding(ctx, query, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying index %s: %w", ix.id, err)
	}

	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{
			Chunk: chunkFromMetadata(r.Content, r.Metadata),
			Score: 1 - r.Similarity,
		}
	}
	sortHits(hits)

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

// sortHits orders by distance, then ordinal, so equal scores are stable
// across runs.
func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score < hits[j].Score
		}
		return hits[i].Chunk.Ordinal < hits[j].Chunk.Ordinal
	})
}

func chunkMetadata(c chunker.Chunk) map[string]string {
	m := map[string]string{
		metaOrdinal:   strconv.Itoa(c.Ordinal),
		metaCharCount: strconv.Itoa(c.CharCount),
	}
	if c.Page != nil {
		m[metaPage] = strconv.Itoa(*c.Page)
	}
	return m
}

func chunkFromMetadata(text string, m map[string]string) chunker.Chunk {
	c := chunker.Chunk{Text: text}
	c.Ordinal, _ = strconv.Atoi(m[metaOrdinal])
	if n, err := strconv.Atoi(m[metaCharCount]); err == nil {
		c.CharCount = n
	} else {
		c.CharCount = len([]rune(text))
	}
	if p, err := strconv.Atoi(m[metaPage]); err == nil {
		c.Page = &p
	}
	return c
}
