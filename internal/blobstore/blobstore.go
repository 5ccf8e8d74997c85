// Package blobstore persists opaque byte objects under slash-separated
// locations such as "indexes/<id>.idx" or "catalog.json".
//
// Implementations: a local directory (FS), a MinIO/S3 bucket (MinIO), and
// an in-process map (Memory). Writes are atomic per object on every
// implementation: readers observe either the old bytes or the new bytes.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docqa/internal/config"
)

var (
	// ErrNotFound is returned by Read when no object exists at a location.
	ErrNotFound = errors.New("blob not found")

	// ErrInvalidLocation rejects empty, absolute, or escaping locations.
	ErrInvalidLocation = errors.New("invalid blob location")
)

// Store is the persistence boundary.
type Store interface {
	Read(ctx context.Context, location string) ([]byte, error)
	Write(ctx context.Context, location string, data []byte) error
	Exists(ctx context.Context, location string) (bool, error)
	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, location string) error
	// List returns locations under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// CleanLocation normalizes a location and rejects ones that would escape
// the store root.
func CleanLocation(location string) (string, error) {
	if location == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidLocation)
	}
	if strings.HasPrefix(location, "/") || strings.Contains(location, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocation, location)
	}
	cleaned := path.Clean(location)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocation, location)
	}
	return cleaned, nil
}

// New creates the store selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case "fs", "":
		logger.Info("using filesystem blob store", zap.String("path", cfg.Path))
		return NewFS(cfg.Path)
	case "minio":
		logger.Info("using minio blob store",
			zap.String("endpoint", cfg.MinIO.Endpoint),
			zap.String("bucket", cfg.MinIO.Bucket),
			zap.String("prefix", cfg.MinIO.Prefix),
		)
		return NewMinIO(ctx, MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			Bucket:    cfg.MinIO.Bucket,
			Prefix:    cfg.MinIO.Prefix,
			Region:    cfg.MinIO.Region,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey.Value(),
			UseSSL:    cfg.MinIO.UseSSL,
		})
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
