package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/docqa/internal/chunker"
)

// collectionNamePattern validates collection names.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,128}$`)

const (
	payloadText      = "text"
	payloadOrdinal   = "ordinal"
	payloadPage      = "page"
	payloadCharCount = "char_count"
	payloadModel     = "model"

	upsertBatchSize = 256
)

// QdrantConfig holds configuration for the Qdrant backend.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string
	// Port is the gRPC port (6334).
	Port   int
	UseTLS bool
	APIKey string
	// CollectionPrefix namespaces index collections: <prefix>_<id>.
	CollectionPrefix string
	Space            Space
	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Default: 50MB
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.CollectionPrefix == "" {
		c.CollectionPrefix = "docqa"
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if !collectionNamePattern.MatchString(c.CollectionPrefix) {
		return fmt.Errorf("%w: collection prefix must match %s", ErrInvalidConfig, collectionNamePattern)
	}
	return c.Space.Validate()
}

// ValidateCollectionName validates a collection name against security rules.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern %s, got %q", ErrInvalidCollectionName, collectionNamePattern, name)
	}
	return nil
}

// QdrantBackend stores one collection per index. Qdrant is durable, so
// Persist is a no-op.
type QdrantBackend struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger
}

// NewQdrantBackend connects to Qdrant and performs a health check.
func NewQdrantBackend(ctx context.Context, cfg QdrantConfig, logger *zap.Logger) (*QdrantBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrConnectionFailed, err)
	}

	return &QdrantBackend{client: client, config: cfg, logger: logger}, nil
}

// Close closes the gRPC connection.
func (b *QdrantBackend) Close() error {
	return b.client.Close()
}

// CollectionFor maps an index ID to its collection name.
func (b *QdrantBackend) CollectionFor(id string) string {
	return collectionFor(b.config.CollectionPrefix, id)
}

func collectionFor(prefix, id string) string {
	return prefix + "_" + strings.ToLower(strings.ReplaceAll(id, "-", "_"))
}

// pointID derives a stable UUID for a chunk so rebuilding an index with
// the same ID overwrites rather than duplicates points.
func pointID(indexID string, ordinal int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%d", indexID, ordinal))).String()
}

type qdrantIndex struct {
	backend    *QdrantBackend
	id         string
	collection string
	count      int
	space      Space
}

func (ix *qdrantIndex) ID() string     { return ix.id }
func (ix *qdrantIndex) Count() int     { return ix.count }
func (ix *qdrantIndex) Model() string  { return ix.space.Model }
func (ix *qdrantIndex) Dimension() int { return ix.space.Dimension }

// Build creates the collection and upserts all chunk vectors.
func (b *QdrantBackend) Build(ctx context.Context, id string, chunks []chunker.Chunk, vectors [][]float32) (Index, error) {
	ctx, span := tracer().Start(ctx, "QdrantBackend.Build")
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
	name := b.CollectionFor(id)
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}

	err := b.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(b.config.Space.Dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("creating collection %s: %w", name, err)
	}

	for start := 0; start < len(chunks); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(chunks))
		points := make([]*qdrant.PointStruct, 0, end-start)
		for i := start; i < end; i++ {
			points = append(points, &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(pointID(id, chunks[i].Ordinal)),
				Vectors: qdrant.NewVectors(vectors[i]...),
				Payload: chunkPayload(chunks[i], b.config.Space.Model),
			})
		}
		wait := true
		if _, err := b.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: name,
			Wait:           &wait,
			Points:         points,
		}); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			_ = b.client.DeleteCollection(ctx, name)
			return nil, fmt.Errorf("upserting into %s: %w", name, err)
		}
	}

	span.SetStatus(codes.Ok, "success")
	return &qdrantIndex{backend: b, id: id, collection: name, count: len(chunks), space: b.config.Space}, nil
}

// Persist is a no-op; points are durable once upserted.
func (b *QdrantBackend) Persist(_ context.Context, idx Index) error {
	if _, ok := idx.(*qdrantIndex); !ok {
		return fmt.Errorf("%w: index %T was not built by the qdrant backend", ErrInvalidInput, idx)
	}
	return nil
}

// Load checks that the collection exists and matches the embedding space.
func (b *QdrantBackend) Load(ctx context.Context, id string) (Index, error) {
	ctx, span := tracer().Start(ctx, "QdrantBackend.Load")
	defer span.End()

	span.SetAttributes(attribute.String("index_id", id))

	if err := ValidateIndexID(id); err != nil {
		return nil, err
	}
	name := b.CollectionFor(id)

	info, err := b.client.GetCollectionInfo(ctx, name)
	if err != nil {
		if isNotFound(err) {
			span.SetStatus(codes.Error, "collection not found")
			return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, id)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("getting collection info for %s: %w", name, err)
	}

	size := info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
	if int(size) != b.config.Space.Dimension {
		err := fmt.Errorf("%w: collection %s has dimension %d, provider has %d", ErrIndexStale, name, size, b.config.Space.Dimension)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	count := int(info.GetPointsCount())
	if count > 0 {
		model, err := b.sampleModel(ctx, name)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if model != "" && model != b.config.Space.Model {
			err := fmt.Errorf("%w: collection %s built with %q, provider is %q", ErrIndexStale, name, model, b.config.Space.Model)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	span.SetStatus(codes.Ok, "success")
	return &qdrantIndex{backend: b, id: id, collection: name, count: count, space: b.config.Space}, nil
}

func (b *QdrantBackend) sampleModel(ctx context.Context, name string) (string, error) {
	points, err := b.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: name,
		Limit:          qdrant.PtrOf(uint32(1)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return "", fmt.Errorf("sampling %s: %w", name, err)
	}
	if len(points) == 0 {
		return "", nil
	}
	return points[0].GetPayload()[payloadModel].GetStringValue(), nil
}

// Delete drops the collection. A missing collection is not an error.
func (b *QdrantBackend) Delete(ctx context.Context, id string) error {
	ctx, span := tracer().Start(ctx, "QdrantBackend.Delete")
	defer span.End()

	span.SetAttributes(attribute.String("index_id", id))

	if err := ValidateIndexID(id); err != nil {
		return err
	}
	name := b.CollectionFor(id)
	if err := b.client.DeleteCollection(ctx, name); err != nil {
		if isNotFound(err) {
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting collection %s: %w", name, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

func (ix *qdrantIndex) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	ctx, span := tracer().Start(ctx, "QdrantIndex.Search")
	defer span.End()

	span.SetAttributes(
		attribute.String("index_id", ix.id),
		attribute.Int("k", k),
	)

	if k <= 0 || ix.count == 0 {
		return []Hit{}, nil
	}
	if k > ix.count {
		k = ix.count
	}
	if len(query) != ix.space.Dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, index %s has %d", ErrIndexStale, len(query), ix.id, ix.space.Dimension)
	}

	points, err := ix.backend.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: ix.collection,
		Query:          qdrant.NewQuery(query...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		if isNotFound(err) {
			err = fmt.Errorf("%w: %s", ErrIndexNotFound, ix.id)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying %s: %w", ix.collection, err)
	}

	hits := make([]Hit, len(points))
	for i, p := range points {
		hits[i] = Hit{
			Chunk: chunkFromPayload(p.GetPayload()),
			Score: 1 - p.GetScore(),
		}
	}
	sortHits(hits)

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

func chunkPayload(c chunker.Chunk, model string) map[string]*qdrant.Value {
	payload := map[string]*qdrant.Value{
		payloadText:      {Kind: &qdrant.Value_StringValue{StringValue: c.Text}},
		payloadOrdinal:   {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(c.Ordinal)}},
		payloadCharCount: {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(c.CharCount)}},
		payloadModel:     {Kind: &qdrant.Value_StringValue{StringValue: model}},
	}
	if c.Page != nil {
		payload[payloadPage] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(*c.Page)}}
	}
	return payload
}

func chunkFromPayload(payload map[string]*qdrant.Value) chunker.Chunk {
	c := chunker.Chunk{
		Text:      payload[payloadText].GetStringValue(),
		Ordinal:   int(payload[payloadOrdinal].GetIntegerValue()),
		CharCount: int(payload[payloadCharCount].GetIntegerValue()),
	}
	if v, ok := payload[payloadPage]; ok {
		p := int(v.GetIntegerValue())
		c.Page = &p
	}
	return c
}

// isNotFound reports whether err is a gRPC NotFound.
func isNotFound(err error) bool {
	var st interface{ GRPCStatus() *status.Status }
	if errors.As(err, &st) {
		return st.GRPCStatus().Code() == grpccodes.NotFound
	}
	return false
}
