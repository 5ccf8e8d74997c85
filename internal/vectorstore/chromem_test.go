package vectorstore

import (
	"bytes"
	"context"
	"testing"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/docqa/internal/blobstore"
	"github.com/fyrsmithlabs/docqa/internal/chunker"
	"github.com/fyrsmithlabs/docqa/internal/telemetry"
)

var testSpace = Space{Model: "test-model", Dimension: 4}

func unit(i int) []float32 {
	v := make([]float32, testSpace.Dimension)
	v[i%testSpace.Dimension] = 1
	return v
}

func testChunks(n int) ([]chunker.Chunk, [][]float32) {
	chunks := make([]chunker.Chunk, n)
	vectors := make([][]float32, n)
	for i := range chunks {
		text := "chunk text number " + string(rune('a'+i))
		chunks[i] = chunker.Chunk{Text: text, Ordinal: i, CharCount: len(text)}
		vectors[i] = unit(i)
	}
	return chunks, vectors
}

func newTestBackend(t *testing.T, blobs blobstore.Store) *ChromemBackend {
	t.Helper()
	if blobs == nil {
		blobs = blobstore.NewMemory()
	}
	b, err := NewChromemBackend(ChromemConfig{Space: testSpace, Compress: true}, blobs, zaptest.NewLogger(t))
	require.NoError(t, err)
	return b
}

func TestNewChromemBackend_Validation(t *testing.T) {
	_, err := NewChromemBackend(ChromemConfig{Space: testSpace}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewChromemBackend(ChromemConfig{Space: Space{Model: "m"}}, blobstore.NewMemory(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestChromemBackend_BuildAndSearch(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, nil)
	chunks, vectors := testChunks(3)

	idx, err := b.Build(ctx, "v1", chunks, vectors)
	require.NoError(t, err)
	assert.Equal(t, "v1", idx.ID())
	assert.Equal(t, 3, idx.Count())
	assert.Equal(t, "test-model", idx.Model())

	hits, err := idx.Search(ctx, unit(2), 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, 2, hits[0].Chunk.Ordinal)
	assert.InDelta(t, 0, hits[0].Score, 1e-5)
	assert.InDelta(t, 1, hits[1].Score, 1e-5)
	assert.LessOrEqual(t, hits[0].Score, hits[1].Score)
	assert.Equal(t, chunks[2].Text, hits[0].Chunk.Text)
	assert.Equal(t, chunks[2].CharCount, hits[0].Chunk.CharCount)
}

func TestChromemBackend_SearchBounds(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, nil)
	chunks, vectors := testChunks(3)
	idx, err := b.Build(ctx, "v1", chunks, vectors)
	require.NoError(t, err)

	t.Run("k capped at count", func(t *testing.T) {
		hits, err := idx.Search(ctx, unit(0), 10)
		require.NoError(t, err)
		assert.Len(t, hits, 3)
	})

	t.Run("k zero", func(t *testing.T) {
		hits, err := idx.Search(ctx, unit(0), 0)
		require.NoError(t, err)
		assert.Empty(t, hits)
		assert.NotNil(t, hits)
	})

	t.Run("wrong query dimension", func(t *testing.T) {
		_, err := idx.Search(ctx, []float32{1, 0}, 1)
		assert.ErrorIs(t, err, ErrIndexStale)
	})

	t.Run("empty index", func(t *testing.T) {
		empty, err := b.Build(ctx, "empty", nil, nil)
		require.NoError(t, err)
		hits, err := empty.Search(ctx, unit(0), 4)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}

func TestChromemBackend_BuildValidation(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, nil)
	chunks, vectors := testChunks(2)

	tests := []struct {
		name    string
		id      string
		chunks  []chunker.Chunk
		vectors [][]float32
	}{
		{"count mismatch", "v1", chunks, vectors[:1]},
		{"dimension mismatch", "v1", chunks[:1], [][]float32{{1, 0}}},
		{"bad id", "../x", chunks, vectors},
		{"empty id", "", chunks, vectors},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Build(ctx, tt.id, tt.chunks, tt.vectors)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestChromemBackend_PersistLoadRoundTrip(t *testing.T) {
	for _, compress := range []bool{true, false} {
		t.Run(map[bool]string{true: "compressed", false: "plain"}[compress], func(t *testing.T) {
			ctx := context.Background()
			blobs := blobstore.NewMemory()
			b, err := NewChromemBackend(ChromemConfig{Space: testSpace, Compress: compress}, blobs, nil)
			require.NoError(t, err)

			chunks, vectors := testChunks(3)
			page := 2
			chunks[1].Page = &page

			idx, err := b.Build(ctx, "v1", chunks, vectors)
			require.NoError(t, err)
			require.NoError(t, b.Persist(ctx, idx))

			ok, err := blobs.Exists(ctx, IndexLocation("v1"))
			require.NoError(t, err)
			require.True(t, ok)

			loaded, err := b.Load(ctx, "v1")
			require.NoError(t, err)
			assert.Equal(t, 3, loaded.Count())
			assert.Equal(t, testSpace.Model, loaded.Model())

			hits, err := loaded.Search(ctx, unit(1), 1)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, chunks[1].Text, hits[0].Chunk.Text)
			require.NotNil(t, hits[0].Chunk.Page)
			assert.Equal(t, 2, *hits[0].Chunk.Page)
		})
	}
}

func TestChromemBackend_PersistWritesHeader(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemory()
	b := newTestBackend(t, blobs)

	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return fixed }
	t.Cleanup(func() { timeNow = time.Now })

	chunks, vectors := testChunks(2)
	idx, err := b.Build(ctx, "v1", chunks, vectors)
	require.NoError(t, err)
	require.NoError(t, b.Persist(ctx, idx))

	data, err := blobs.Read(ctx, IndexLocation("v1"))
	require.NoError(t, err)
	h, _, err := decodeArtifact(data)
	require.NoError(t, err)
	assert.Equal(t, Header{
		FormatVersion: 1,
		Model:         "test-model",
		Dimension:     4,
		ChunkCount:    2,
		CreatedAt:     fixed,
	}, h)
}

func TestChromemBackend_LoadErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		b := newTestBackend(t, nil)
		_, err := b.Load(ctx, "missing")
		assert.ErrorIs(t, err, ErrIndexNotFound)
	})

	t.Run("garbage is corrupt", func(t *testing.T) {
		blobs := blobstore.NewMemory()
		require.NoError(t, blobs.Write(ctx, IndexLocation("bad"), []byte("definitely not an index")))
		_, err := newTestBackend(t, blobs).Load(ctx, "bad")
		assert.ErrorIs(t, err, ErrIndexCorrupt)
	})

	t.Run("truncated header is corrupt", func(t *testing.T) {
		blobs := blobstore.NewMemory()
		require.NoError(t, blobs.Write(ctx, IndexLocation("bad"), []byte(artifactMagic+"\x00\x00\x10\x00{")))
		_, err := newTestBackend(t, blobs).Load(ctx, "bad")
		assert.ErrorIs(t, err, ErrIndexCorrupt)
	})

	t.Run("future format version is corrupt", func(t *testing.T) {
		blobs := blobstore.NewMemory()
		data, err := encodeArtifact(Header{FormatVersion: 2, Model: "test-model", Dimension: 4}, []byte("x"))
		require.NoError(t, err)
		require.NoError(t, blobs.Write(ctx, IndexLocation("future"), data))
		_, err = newTestBackend(t, blobs).Load(ctx, "future")
		assert.ErrorIs(t, err, ErrIndexCorrupt)
	})

	t.Run("chunk count mismatch is corrupt", func(t *testing.T) {
		blobs := blobstore.NewMemory()
		b := newTestBackend(t, blobs)
		chunks, vectors := testChunks(2)
		idx, err := b.Build(ctx, "v1", chunks, vectors)
		require.NoError(t, err)
		ix := idx.(*chromemIndex)
		ix.header.ChunkCount = 5
		require.NoError(t, b.Persist(ctx, ix))

		_, err = b.Load(ctx, "v1")
		assert.ErrorIs(t, err, ErrIndexCorrupt)
	})
}

func TestChromemBackend_LoadStale(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemory()
	b := newTestBackend(t, blobs)
	chunks, vectors := testChunks(2)
	idx, err := b.Build(ctx, "v1", chunks, vectors)
	require.NoError(t, err)
	require.NoError(t, b.Persist(ctx, idx))

	t.Run("other model", func(t *testing.T) {
		other, err := NewChromemBackend(ChromemConfig{Space: Space{Model: "other", Dimension: 4}}, blobs, nil)
		require.NoError(t, err)
		_, err = other.Load(ctx, "v1")
		assert.ErrorIs(t, err, ErrIndexStale)
		assert.NotErrorIs(t, err, ErrIndexCorrupt)
	})

	t.Run("other dimension", func(t *testing.T) {
		other, err := NewChromemBackend(ChromemConfig{Space: Space{Model: "test-model", Dimension: 8}}, blobs, nil)
		require.NoError(t, err)
		_, err = other.Load(ctx, "v1")
		assert.ErrorIs(t, err, ErrIndexStale)
	})
}

// writeLegacy stores a bare chromem export, as written before artifacts
// carried a header.
func writeLegacy(t *testing.T, blobs blobstore.Store, id string, vectors [][]float32) {
	t.Helper()
	ctx := context.Background()
	db := chromem.NewDB()
	coll, err := db.CreateCollection("faiss_index", nil, precomputedOnly)
	require.NoError(t, err)
	for i, v := range vectors {
		require.NoError(t, coll.AddDocument(ctx, chromem.Document{
			ID:        string(rune('0' + i)),
			Content:   "legacy chunk " + string(rune('0'+i)),
			Metadata:  map[string]string{metaOrdinal: string(rune('0' + i))},
			Embedding: v,
		}))
	}
	var buf bytes.Buffer
	require.NoError(t, db.ExportToWriter(&buf, true, ""))
	require.NoError(t, blobs.Write(ctx, IndexLocation(id), buf.Bytes()))
}

func TestChromemBackend_LoadLegacy(t *testing.T) {
	ctx := context.Background()

	t.Run("matching dimension", func(t *testing.T) {
		blobs := blobstore.NewMemory()
		writeLegacy(t, blobs, "old", [][]float32{unit(0), unit(1)})

		idx, err := newTestBackend(t, blobs).Load(ctx, "old")
		require.NoError(t, err)
		assert.Equal(t, 2, idx.Count())
		assert.Equal(t, 4, idx.Dimension())

		hits, err := idx.Search(ctx, unit(1), 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "legacy chunk 1", hits[0].Chunk.Text)
		assert.Equal(t, 1, hits[0].Chunk.Ordinal)
	})

	t.Run("other dimension is stale", func(t *testing.T) {
		blobs := blobstore.NewMemory()
		writeLegacy(t, blobs, "old", [][]float32{{1, 0}, {0, 1}})

		_, err := newTestBackend(t, blobs).Load(ctx, "old")
		assert.ErrorIs(t, err, ErrIndexStale)
	})
}

func TestChromemBackend_Delete(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, nil)
	chunks, vectors := testChunks(1)
	idx, err := b.Build(ctx, "v1", chunks, vectors)
	require.NoError(t, err)
	require.NoError(t, b.Persist(ctx, idx))

	require.NoError(t, b.Delete(ctx, "v1"))
	_, err = b.Load(ctx, "v1")
	assert.ErrorIs(t, err, ErrIndexNotFound)

	assert.NoError(t, b.Delete(ctx, "v1"))
}

func TestChromemBackend_Spans(t *testing.T) {
	tel := telemetry.NewTestTelemetry(t)
	ctx := context.Background()
	b := newTestBackend(t, nil)
	chunks, vectors := testChunks(2)

	idx, err := b.Build(ctx, "v1", chunks, vectors)
	require.NoError(t, err)
	require.NoError(t, b.Persist(ctx, idx))
	_, err = idx.Search(ctx, unit(0), 1)
	require.NoError(t, err)

	tel.AssertSpanExists(t, "ChromemBackend.Build")
	tel.AssertSpanExists(t, "ChromemBackend.Persist")
	tel.AssertSpanExists(t, "ChromemIndex.Search")

	v, ok := tel.SpanAttribute("ChromemBackend.Build", "chunk_count")
	require.True(t, ok)
	assert.Equal(t, int64(2), v.AsInt64())
}

func TestSortHits_TieBreaksByOrdinal(t *testing.T) {
	hits := []Hit{
		{Chunk: chunker.Chunk{Ordinal: 3}, Score: 0.5},
		{Chunk: chunker.Chunk{Ordinal: 1}, Score: 0.5},
		{Chunk: chunker.Chunk{Ordinal: 2}, Score: 0.1},
	}
	sortHits(hits)
	assert.Equal(t, []int{2, 1, 3}, []int{hits[0].Chunk.Ordinal, hits[1].Chunk.Ordinal, hits[2].Chunk.Ordinal})
}

func TestValidateIndexID(t *testing.T) {
	assert.NoError(t, ValidateIndexID("0b6f7a52-3c1e-4d55-9f3e-1f2a3b4c5d6e"))
	assert.ErrorIs(t, ValidateIndexID("a/b"), ErrInvalidInput)
	assert.ErrorIs(t, ValidateIndexID(""), ErrInvalidInput)
}
