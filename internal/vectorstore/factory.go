package vectorstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docqa/internal/blobstore"
	"github.com/fyrsmithlabs/docqa/internal/config"
)

// NewBackend creates the backend selected by cfg.Provider. blobs is only
// used by the chromem backend.
func NewBackend(ctx context.Context, cfg config.VectorStoreConfig, space Space, blobs blobstore.Store, logger *zap.Logger) (Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Provider {
	case "chromem", "":
		logger.Info("using chromem vector index",
			zap.String("model", space.Model),
			zap.Int("dimension", space.Dimension),
			zap.Bool("compress", cfg.Compress),
		)
		return NewChromemBackend(ChromemConfig{Space: space, Compress: cfg.Compress}, blobs, logger)
	case "qdrant":
		logger.Info("using qdrant vector index",
			zap.String("host", cfg.Qdrant.Host),
			zap.Int("port", cfg.Qdrant.Port),
			zap.String("collection_prefix", cfg.Qdrant.CollectionPrefix),
		)
		return NewQdrantBackend(ctx, QdrantConfig{
			Host:             cfg.Qdrant.Host,
			Port:             cfg.Qdrant.Port,
			UseTLS:           cfg.Qdrant.UseTLS,
			APIKey:           cfg.Qdrant.APIKey.Value(),
			CollectionPrefix: cfg.Qdrant.CollectionPrefix,
			Space:            space,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: unknown vector store provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
