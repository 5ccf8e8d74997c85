package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "fs", cfg.Storage.Backend)
	assert.Equal(t, "chromem", cfg.VectorStore.Provider)
	assert.True(t, cfg.VectorStore.Compress)
	assert.Equal(t, 800, cfg.Chunker.Size)
	assert.Equal(t, 100, cfg.Chunker.Overlap)
	assert.Equal(t, 4, cfg.Retrieval.KPerSource)
	assert.Equal(t, 6, cfg.Retrieval.KTotal)
	assert.Equal(t, "llama-3.1-8b-instant", cfg.Generation.Model)
	assert.Equal(t, 0.2, cfg.Generation.Temperature)
	assert.Equal(t, 30*time.Second, cfg.Generation.Timeout.Duration())
	assert.False(t, cfg.Generation.APIKey.IsSet())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Server.Port)
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, `server:
  port: 9191
chunker:
  size: 400
  overlap: 40
retrieval:
  k_total: 3
generation:
  timeout: 10s
  api_key: gsk_test
vectorstore:
  compress: false
storage:
  backend: minio
  minio:
    endpoint: localhost:9000
    bucket: docs
`, 0o600)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 400, cfg.Chunker.Size)
	assert.Equal(t, 40, cfg.Chunker.Overlap)
	assert.Equal(t, 3, cfg.Retrieval.KTotal)
	assert.Equal(t, 4, cfg.Retrieval.KPerSource)
	assert.Equal(t, 10*time.Second, cfg.Generation.Timeout.Duration())
	assert.Equal(t, "gsk_test", cfg.Generation.APIKey.Value())
	assert.False(t, cfg.VectorStore.Compress)
	assert.Equal(t, "minio", cfg.Storage.Backend)
	assert.Equal(t, "docs", cfg.Storage.MinIO.Bucket)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9191\n", 0o600)

	t.Setenv("DOCQA_SERVER_PORT", "9292")
	t.Setenv("DOCQA_RETRIEVAL_K_PER_SOURCE", "7")
	t.Setenv("DOCQA_GENERATION_API_KEY", "from-env")
	t.Setenv("DOCQA_GENERATION_TIMEOUT", "12")
	t.Setenv("DOCQA_STORAGE_MINIO__REGION", "eu-west-1")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9292, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Retrieval.KPerSource)
	assert.Equal(t, "from-env", cfg.Generation.APIKey.Value())
	assert.Equal(t, 12*time.Second, cfg.Generation.Timeout.Duration())
	assert.Equal(t, "eu-west-1", cfg.Storage.MinIO.Region)
}

func TestLoad_RejectsWorldWritableFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	path := writeConfig(t, "server:\n  port: 9191\n", 0o666)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "overlap not below size",
			yaml:    "chunker:\n  size: 100\n  overlap: 100\n",
			wantErr: "chunker.overlap",
		},
		{
			name:    "unknown storage backend",
			yaml:    "storage:\n  backend: ftp\n",
			wantErr: "storage.backend",
		},
		{
			name:    "minio without bucket",
			yaml:    "storage:\n  backend: minio\n  minio:\n    endpoint: localhost:9000\n",
			wantErr: "storage.minio.bucket",
		},
		{
			name:    "unknown vector store",
			yaml:    "vectorstore:\n  provider: faiss\n",
			wantErr: "vectorstore.provider",
		},
		{
			name:    "temperature out of range",
			yaml:    "generation:\n  temperature: 3.5\n",
			wantErr: "generation.temperature",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml, 0o600)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"DOCQA_SERVER_PORT":            "server.port",
		"DOCQA_RETRIEVAL_K_PER_SOURCE": "retrieval.k_per_source",
		"DOCQA_STORAGE_MINIO__BUCKET":  "storage.minio.bucket",
		"DOCQA_LOGGING":                "logging",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}
