package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amirshahdadian/document-qa/internal/archive"
	"github.com/amirshahdadian/document-qa/internal/chunker"
	"github.com/amirshahdadian/document-qa/internal/config"
	"github.com/amirshahdadian/document-qa/internal/embeddings"
	"github.com/amirshahdadian/document-qa/internal/lifecycle"
	"github.com/amirshahdadian/document-qa/internal/logging"
	"github.com/amirshahdadian/document-qa/internal/qa"
	"github.com/amirshahdadian/document-qa/internal/server"
	"github.com/amirshahdadian/document-qa/internal/sessions"
	"github.com/amirshahdadian/document-qa/internal/vectorindex"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the docqa HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	embedder, err := embeddings.NewService(embeddings.Config{
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
		APIKey:  cfg.Embeddings.APIKey,
		Timeout: cfg.Embeddings.Timeout,
	})
	if err != nil {
		return fmt.Errorf("creating embedder: %w", err)
	}

	index, err := vectorindex.New(vectorindex.Config{
		Root: filepath.Join(cfg.DataDir, "indexes"),
	}, embedder, logger)
	if err != nil {
		return fmt.Errorf("creating vector index: %w", err)
	}

	arch, err := archive.New(ctx, archive.Config{
		Endpoint:  cfg.Archive.Endpoint,
		AccessKey: cfg.Archive.AccessKey,
		SecretKey: cfg.Archive.SecretKey,
		Bucket:    cfg.Archive.Bucket,
		Prefix:    cfg.Archive.Prefix,
		UseSSL:    cfg.Archive.UseSSL,
		Strict:    cfg.ProductionMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	manager, err := lifecycle.NewManager(index, arch, logger, registry)
	if err != nil {
		return fmt.Errorf("creating lifecycle manager: %w", err)
	}

	store, err := sessions.NewStore(filepath.Join(cfg.DataDir, "sessions.db"), logger)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer store.Close()

	generator, err := qa.NewOpenAIGenerator(qa.OpenAIConfig{
		APIKey:      cfg.OpenAI.APIKey,
		Model:       cfg.OpenAI.Model,
		Temperature: cfg.OpenAI.Temperature,
	})
	if err != nil {
		return fmt.Errorf("creating generator: %w", err)
	}

	qaService, err := qa.NewService(manager, store, generator, qa.Config{
		TopK:         cfg.Retrieval.TopK,
		FetchK:       cfg.Retrieval.FetchK,
		Lambda:       cfg.Retrieval.Lambda,
		HistoryLimit: cfg.Retrieval.HistoryLimit,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating qa service: %w", err)
	}

	splitter, err := chunker.New(chunker.Config{
		ChunkSize:    cfg.Chunking.Size,
		ChunkOverlap: cfg.Chunking.Overlap,
	})
	if err != nil {
		return fmt.Errorf("creating splitter: %w", err)
	}

	srv, err := server.NewServer(splitter, manager, store, qaService,
		chunker.UploadLimits{MaxFileSize: cfg.Upload.MaxFileSize},
		server.Config{Host: cfg.Server.Host, Port: cfg.Server.Port},
		logger, registry)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case sig := <-sigCh:
		logger.Info("signal received, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("server stopped: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}
