// Package config provides configuration loading for docqa.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete docqa configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Storage      StorageConfig      `koanf:"storage"`
	Embeddings   EmbeddingsConfig   `koanf:"embeddings"`
	VectorStore  VectorStoreConfig  `koanf:"vectorstore"`
	Chunker      ChunkerConfig      `koanf:"chunker"`
	Retrieval    RetrievalConfig    `koanf:"retrieval"`
	Generation   GenerationConfig   `koanf:"generation"`
	Conversation ConversationConfig `koanf:"conversation"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	MaxUploadBytes  int64    `koanf:"max_upload_bytes"`
}

// StorageConfig selects the blob store that holds manifests and index artifacts.
type StorageConfig struct {
	Backend string      `koanf:"backend"` // "fs" or "minio"
	Path    string      `koanf:"path"`
	MinIO   MinIOConfig `koanf:"minio"`
}

// MinIOConfig holds S3-compatible object storage settings.
type MinIOConfig struct {
	Endpoint  string `koanf:"endpoint"`
	Bucket    string `koanf:"bucket"`
	Prefix    string `koanf:"prefix"`
	Region    string `koanf:"region"`
	AccessKey string `koanf:"access_key"`
	SecretKey Secret `koanf:"secret_key"`
	UseSSL    bool   `koanf:"use_ssl"`
}

// EmbeddingsConfig holds embedding provider configuration.
type EmbeddingsConfig struct {
	Provider  string `koanf:"provider"` // "fastembed" or "tei"
	Model     string `koanf:"model"`
	BaseURL   string `koanf:"base_url"`
	CacheDir  string `koanf:"cache_dir"`
	Dimension int    `koanf:"dimension"`
}

// VectorStoreConfig selects the per-version vector index backend.
type VectorStoreConfig struct {
	Provider string       `koanf:"provider"` // "chromem" or "qdrant"
	Compress bool         `koanf:"compress"`
	Qdrant   QdrantConfig `koanf:"qdrant"`
}

// QdrantConfig holds Qdrant gRPC connection settings.
type QdrantConfig struct {
	Host             string `koanf:"host"`
	Port             int    `koanf:"port"`
	UseTLS           bool   `koanf:"use_tls"`
	APIKey           Secret `koanf:"api_key"`
	CollectionPrefix string `koanf:"collection_prefix"`
}

// ChunkerConfig controls text segmentation.
type ChunkerConfig struct {
	Size          int `koanf:"size"`
	Overlap       int `koanf:"overlap"`
	MinChunkChars int `koanf:"min_chunk_chars"`
}

// RetrievalConfig controls multi-source retrieval.
type RetrievalConfig struct {
	KPerSource       int      `koanf:"k_per_source"`
	KTotal           int      `koanf:"k_total"`
	MaxParallel      int      `koanf:"max_parallel"`
	IndexCacheSize   int      `koanf:"index_cache_size"`
	OperationTimeout Duration `koanf:"operation_timeout"`
}

// GenerationConfig holds the OpenAI-compatible generation backend settings.
// An empty APIKey disables generation; answers then use the extractive fallback.
type GenerationConfig struct {
	BaseURL        string   `koanf:"base_url"`
	Model          string   `koanf:"model"`
	APIKey         Secret   `koanf:"api_key"`
	Temperature    float64  `koanf:"temperature"`
	Timeout        Duration `koanf:"timeout"`
	MaxAttempts    int      `koanf:"max_attempts"`
	InitialBackoff Duration `koanf:"initial_backoff"`
	MaxBackoff     Duration `koanf:"max_backoff"`
	RatePerSecond  float64  `koanf:"rate_per_second"`
}

// ConversationConfig selects the session store.
type ConversationConfig struct {
	Store string `koanf:"store"` // "memory" or "sqlite"
	Path  string `koanf:"path"`
}

// LoggingConfig holds the subset of logging settings exposed in config files.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	Sampling bool   `koanf:"sampling"`
	OTEL     bool   `koanf:"otel"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	cfg := &Config{
		VectorStore: VectorStoreConfig{Compress: true},
		Telemetry:   TelemetryConfig{Insecure: true, SampleRate: 1.0},
	}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = 32 << 20
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "fs"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data"
	}
	if cfg.Storage.MinIO.Region == "" {
		cfg.Storage.MinIO.Region = "us-east-1"
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "fastembed"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "sentence-transformers/all-MiniLM-L6-v2"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}
	if cfg.Embeddings.Dimension == 0 {
		cfg.Embeddings.Dimension = 384
	}

	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}
	if cfg.VectorStore.Qdrant.Host == "" {
		cfg.VectorStore.Qdrant.Host = "localhost"
	}
	if cfg.VectorStore.Qdrant.Port == 0 {
		cfg.VectorStore.Qdrant.Port = 6334
	}
	if cfg.VectorStore.Qdrant.CollectionPrefix == "" {
		cfg.VectorStore.Qdrant.CollectionPrefix = "docqa"
	}

	if cfg.Chunker.Size == 0 {
		cfg.Chunker.Size = 800
	}
	if cfg.Chunker.Overlap == 0 {
		cfg.Chunker.Overlap = 100
	}
	if cfg.Chunker.MinChunkChars == 0 {
		cfg.Chunker.MinChunkChars = 50
	}

	if cfg.Retrieval.KPerSource == 0 {
		cfg.Retrieval.KPerSource = 4
	}
	if cfg.Retrieval.KTotal == 0 {
		cfg.Retrieval.KTotal = 6
	}
	if cfg.Retrieval.MaxParallel == 0 {
		cfg.Retrieval.MaxParallel = 8
	}
	if cfg.Retrieval.IndexCacheSize == 0 {
		cfg.Retrieval.IndexCacheSize = 64
	}
	if cfg.Retrieval.OperationTimeout == 0 {
		cfg.Retrieval.OperationTimeout = Duration(2 * time.Minute)
	}

	if cfg.Generation.BaseURL == "" {
		cfg.Generation.BaseURL = "https://api.groq.com/openai/v1"
	}
	if cfg.Generation.Model == "" {
		cfg.Generation.Model = "llama-3.1-8b-instant"
	}
	if cfg.Generation.Temperature == 0 {
		cfg.Generation.Temperature = 0.2
	}
	if cfg.Generation.Timeout == 0 {
		cfg.Generation.Timeout = Duration(30 * time.Second)
	}
	if cfg.Generation.MaxAttempts == 0 {
		cfg.Generation.MaxAttempts = 3
	}
	if cfg.Generation.InitialBackoff == 0 {
		cfg.Generation.InitialBackoff = Duration(500 * time.Millisecond)
	}
	if cfg.Generation.MaxBackoff == 0 {
		cfg.Generation.MaxBackoff = Duration(5 * time.Second)
	}
	if cfg.Generation.RatePerSecond == 0 {
		cfg.Generation.RatePerSecond = 2
	}

	if cfg.Conversation.Store == "" {
		cfg.Conversation.Store = "sqlite"
	}
	if cfg.Conversation.Path == "" {
		cfg.Conversation.Path = "./data/conversations.db"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "docqa"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}

	switch c.Storage.Backend {
	case "fs":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for fs backend"))
		}
	case "minio":
		if c.Storage.MinIO.Endpoint == "" {
			errs = append(errs, errors.New("storage.minio.endpoint is required for minio backend"))
		}
		if c.Storage.MinIO.Bucket == "" {
			errs = append(errs, errors.New("storage.minio.bucket is required for minio backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be 'fs', 'minio' or 'memory', got %q", c.Storage.Backend))
	}

	switch c.Embeddings.Provider {
	case "fastembed", "tei":
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider must be 'fastembed' or 'tei', got %q", c.Embeddings.Provider))
	}
	if c.Embeddings.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("embeddings.dimension must be positive, got %d", c.Embeddings.Dimension))
	}

	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("vectorstore.provider must be 'chromem' or 'qdrant', got %q", c.VectorStore.Provider))
	}

	if c.Chunker.Overlap < 0 || c.Chunker.Overlap >= c.Chunker.Size {
		errs = append(errs, fmt.Errorf("chunker.overlap must be in [0, size), got %d (size %d)", c.Chunker.Overlap, c.Chunker.Size))
	}

	if c.Retrieval.KPerSource <= 0 || c.Retrieval.KTotal <= 0 {
		errs = append(errs, errors.New("retrieval.k_per_source and retrieval.k_total must be positive"))
	}

	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		errs = append(errs, fmt.Errorf("generation.temperature must be in [0, 2], got %v", c.Generation.Temperature))
	}
	if c.Generation.MaxAttempts < 1 || c.Generation.MaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("generation.max_attempts must be in [1, 10], got %d", c.Generation.MaxAttempts))
	}

	switch c.Conversation.Store {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("conversation.store must be 'memory' or 'sqlite', got %q", c.Conversation.Store))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %v", c.Telemetry.SampleRate))
	}

	return errors.Join(errs...)
}
