package logging

import (
	"fmt"
	"regexp"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/docqa/internal/config"
)

// Config controls the docqa logger.
type Config struct {
	Level  zapcore.Level
	Format string // "json" or "console"

	// OTEL tees every entry to the log provider handed to NewLogger.
	OTEL bool
	// Sample thins repeated entries below Error. Errors always pass.
	Sample bool

	// Fields are attached to every entry.
	Fields map[string]string

	// Redact lists field keys whose values are never written. A dotted key
	// such as "storage.minio.secret_key" matches on its last segment.
	Redact []string
	// Scrub patterns are masked inside messages and string values.
	Scrub []string
}

// Credential keys of the docqa config: generation.api_key,
// vectorstore.qdrant.api_key, storage.minio.access_key and secret_key.
var defaultRedact = []string{"api_key", "access_key", "secret_key", "authorization", "password"}

var defaultScrub = []string{
	`(?i)bearer\s+\S+`,
	`\bsk-[A-Za-z0-9_-]{16,}`, // OpenAI-style keys
	`\bhf_[A-Za-z0-9]{16,}`,   // Hugging Face tokens sent to TEI
}

// NewDefaultConfig returns the production defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Sample: true,
		Fields: map[string]string{"service": "docqa"},
		Redact: append([]string(nil), defaultRedact...),
		Scrub:  append([]string(nil), defaultScrub...),
	}
}

// FromAppConfig layers the logging section of the application config over
// the defaults.
func FromAppConfig(c config.LoggingConfig) (*Config, error) {
	cfg := NewDefaultConfig()
	if c.Level != "" {
		lvl, err := zapcore.ParseLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
		}
		cfg.Level = lvl
	}
	if c.Format != "" {
		cfg.Format = c.Format
	}
	cfg.Sample = c.Sampling
	cfg.OTEL = c.OTEL
	return cfg, nil
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	for _, p := range c.Scrub {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid scrub pattern %q: %w", p, err)
		}
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("constant field %q must have a non-empty key and value", k)
		}
	}
	return nil
}
