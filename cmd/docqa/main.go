// Docqa answers questions from versioned documents.
//
// Usage:
//
//	# Serve the HTTP API
//	docqa serve --config docqa.yaml
//
//	# Register local files, then ask about them
//	docqa ingest --folder hr policies/*.pdf
//	docqa ask "How long is the refund window?"
//
// Configuration is read from the YAML file given by --config (optional) and
// DOCQA_* environment variables. See internal/config for the keys.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docqa/internal/config"
	"github.com/fyrsmithlabs/docqa/internal/embeddings"
	"github.com/fyrsmithlabs/docqa/internal/engine"
	"github.com/fyrsmithlabs/docqa/internal/logging"
	"github.com/fyrsmithlabs/docqa/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Exit codes. An unusable embedding provider is distinguished so
// supervisors do not restart-loop on a missing model.
const (
	exitError            = 1
	exitEmbeddingFailure = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, embeddings.ErrEmbeddingUnavailable) {
			os.Exit(exitEmbeddingFailure)
		}
		os.Exit(exitError)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "docqa",
		Short:         "Version-aware question answering over documents",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	open := func(cmd *cobra.Command) (*app, error) {
		return openApp(cmd.Context(), configPath)
	}

	root.AddCommand(
		newServeCmd(open),
		newIngestCmd(open),
		newAskCmd(open),
		newVersionsCmd(open),
		newNewChatCmd(open),
	)
	return root
}

// app holds what every command needs, torn down in reverse order by Close.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	engine    *engine.Engine
}

type opener func(cmd *cobra.Command) (*app, error)

// openApp loads config, then builds logging, telemetry and the engine.
func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}

	a.telemetry, err = telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a.logger, err = initLogger(cfg, a.telemetry)
	if err != nil {
		a.shutdownTelemetry()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if a.telemetry.Degraded() {
		a.logger.Warn(ctx, "telemetry degraded; some signals are not exported")
	}
	if cfg.Logging.OTEL && a.telemetry.LoggerProvider() == nil {
		a.logger.Warn(ctx, "logging.otel is set but telemetry is not exporting logs")
	}

	a.engine, err = engine.Open(ctx, cfg, a.logger.Underlying())
	if err != nil {
		a.logger.Error(ctx, "failed to open engine", zap.Error(err))
		a.Close()
		return nil, err
	}
	return a, nil
}

// initLogger tees to the telemetry log provider when logging.otel is set
// and telemetry exports logs.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	logCfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	if cfg.Telemetry.ServiceName != "" {
		logCfg.Fields = map[string]string{"service": cfg.Telemetry.ServiceName, "version": version}
	}
	return logging.NewLogger(logCfg, tel.LoggerProvider())
}

// Close releases everything openApp acquired.
func (a *app) Close() {
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			a.logger.Warn(context.Background(), "engine close failed", zap.Error(err))
		}
	}
	a.shutdownTelemetry()
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func (a *app) shutdownTelemetry() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.telemetry.Shutdown(ctx)
}
