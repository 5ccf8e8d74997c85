package vectorstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/docqa/internal/blobstore"
	"github.com/fyrsmithlabs/docqa/internal/chunker"
	"github.com/fyrsmithlabs/docqa/internal/config"
)

func TestQdrantConfig_Validate(t *testing.T) {
	valid := QdrantConfig{Host: "localhost", Port: 6334, CollectionPrefix: "docqa", Space: testSpace}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		modify func(*QdrantConfig)
	}{
		{"missing host", func(c *QdrantConfig) { c.Host = "" }},
		{"bad port", func(c *QdrantConfig) { c.Port = 70000 }},
		{"bad prefix", func(c *QdrantConfig) { c.CollectionPrefix = "Doc-QA" }},
		{"missing model", func(c *QdrantConfig) { c.Space.Model = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestQdrantConfig_ApplyDefaults(t *testing.T) {
	var cfg QdrantConfig
	cfg.ApplyDefaults()
	assert.Equal(t, "docqa", cfg.CollectionPrefix)
	assert.Equal(t, 50*1024*1024, cfg.MaxMessageSize)
}

func TestCollectionFor(t *testing.T) {
	name := collectionFor("docqa", "0B6F7A52-3c1e-4d55")
	assert.Equal(t, "docqa_0b6f7a52_3c1e_4d55", name)
	assert.NoError(t, ValidateCollectionName(name))
}

func TestValidateCollectionName(t *testing.T) {
	assert.ErrorIs(t, ValidateCollectionName(""), ErrInvalidCollectionName)
	assert.ErrorIs(t, ValidateCollectionName("../etc"), ErrInvalidCollectionName)
	assert.NoError(t, ValidateCollectionName("docqa_abc_123"))
}

func TestPointID_Stable(t *testing.T) {
	assert.Equal(t, pointID("v1", 3), pointID("v1", 3))
	assert.NotEqual(t, pointID("v1", 3), pointID("v1", 4))
	assert.NotEqual(t, pointID("v1", 3), pointID("v2", 3))
}

func TestChunkPayloadRoundTrip(t *testing.T) {
	page := 7
	in := chunker.Chunk{Text: "hello", Ordinal: 4, Page: &page, CharCount: 5}
	payload := chunkPayload(in, "m")
	assert.Equal(t, "m", payload[payloadModel].GetStringValue())
	assert.Equal(t, in, chunkFromPayload(payload))

	noPage := chunker.Chunk{Text: "x", Ordinal: 0, CharCount: 1}
	assert.Equal(t, noPage, chunkFromPayload(chunkPayload(noPage, "m")))
}

func TestIsNotFound(t *testing.T) {
	nf := status.Error(grpccodes.NotFound, "no collection")
	assert.True(t, isNotFound(nf))
	assert.True(t, isNotFound(fmt.Errorf("wrapped: %w", nf)))
	assert.False(t, isNotFound(status.Error(grpccodes.Unavailable, "down")))
	assert.False(t, isNotFound(assert.AnError))
}

func TestNewBackend(t *testing.T) {
	ctx := context.Background()

	b, err := NewBackend(ctx, config.VectorStoreConfig{Provider: "chromem"}, testSpace, blobstore.NewMemory(), nil)
	require.NoError(t, err)
	assert.IsType(t, &ChromemBackend{}, b)

	_, err = NewBackend(ctx, config.VectorStoreConfig{Provider: "faiss"}, testSpace, blobstore.NewMemory(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
