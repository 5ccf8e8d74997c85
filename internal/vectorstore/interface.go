// Package vectorstore builds, persists, and searches per-version vector
// indices.
//
// Every document version gets its own index. An index records the
// embedding model and dimension it was built with; loading it under a
// different model fails with ErrIndexStale so that vectors from different
// embedding spaces are never compared.
//
// Two backends exist. Chromem keeps each index in an embedded chromem-go
// database and persists it as a single artifact in a blobstore.Store.
// Qdrant keeps one collection per index on a Qdrant server.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/fyrsmithlabs/docqa/internal/chunker"
)

// Sentinel errors for vector index operations.
var (
	// ErrIndexCorrupt is returned when an artifact cannot be decoded by
	// either the canonical or the legacy loader.
	ErrIndexCorrupt = errors.New("index corrupt")

	// ErrIndexStale is returned when an index was built with a different
	// embedding model or dimension than the running provider.
	ErrIndexStale = errors.New("index stale: embedding model mismatch")

	// ErrIndexNotFound is returned when no artifact or collection exists
	// for an index ID.
	ErrIndexNotFound = errors.New("index not found")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidInput indicates mismatched chunks and vectors.
	ErrInvalidInput = errors.New("invalid index input")

	// ErrConnectionFailed indicates gRPC connection issues.
	ErrConnectionFailed = errors.New("failed to connect to Qdrant")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")
)

// Hit is one search result. Score is a distance: lower is better.
type Hit struct {
	Chunk chunker.Chunk
	Score float32
}

// Index is a searchable, immutable set of chunk vectors.
type Index interface {
	ID() string
	Count() int
	// Model and Dimension identify the embedding space.
	Model() string
	Dimension() int
	// Search returns at most k hits ordered by ascending distance.
	Search(ctx context.Context, query []float32, k int) ([]Hit, error)
}

// Backend creates and loads indices.
type Backend interface {
	Build(ctx context.Context, id string, chunks []chunker.Chunk, vectors [][]float32) (Index, error)
	Persist(ctx context.Context, idx Index) error
	Load(ctx context.Context, id string) (Index, error)
	// Delete removes a persisted index. Deleting a missing index is not an
	// error.
	Delete(ctx context.Context, id string) error
}

// Space identifies the embedding space a backend builds indices in.
type Space struct {
	Model     string
	Dimension int
}

// Validate validates the space.
func (s Space) Validate() error {
	if s.Model == "" {
		return fmt.Errorf("%w: embedding model required", ErrInvalidConfig)
	}
	if s.Dimension <= 0 {
		return fmt.Errorf("%w: embedding dimension must be positive", ErrInvalidConfig)
	}
	return nil
}

var indexIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateIndexID rejects IDs that are unsafe as storage locations or
// collection names.
func ValidateIndexID(id string) error {
	if !indexIDPattern.MatchString(id) {
		return fmt.Errorf("%w: index id must match %s, got %q", ErrInvalidInput, indexIDPattern, id)
	}
	return nil
}

func validateBuild(space Space, id string, chunks []chunker.Chunk, vectors [][]float32) error {
	if err := ValidateIndexID(id); err != nil {
		return err
	}
	if len(chunks) != len(vectors) {
		return fmt.Errorf("%w: %d chunks but %d vectors", ErrInvalidInput, len(chunks), len(vectors))
	}
	for i, v := range vectors {
		if len(v) != space.Dimension {
			return fmt.Errorf("%w: vector %d has %d dimensions, want %d", ErrInvalidInput, i, len(v), space.Dimension)
		}
	}
	return nil
}
