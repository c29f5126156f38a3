// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"go.opentelemetry.io/otel"

	"github.com/opsforge/healthwatch/config"
	"github.com/opsforge/healthwatch/pkg/logging"
	"github.com/opsforge/healthwatch/services/cluster"
	"github.com/opsforge/healthwatch/services/diagnosis"
	"github.com/opsforge/healthwatch/services/health"
	"github.com/opsforge/healthwatch/services/llm"
	"github.com/opsforge/healthwatch/services/monitor"
	"github.com/opsforge/healthwatch/services/normalize"
	"github.com/opsforge/healthwatch/services/retrieval"
	"github.com/opsforge/healthwatch/services/similarity"
)

// App holds every wired component for one process. Built once per
// command invocation and torn down on exit; nothing here is global.
type App struct {
	Config     config.Config
	Logger     *logging.Logger
	Aggregator *health.Aggregator
	Issues     *monitor.Store
	Documents  *retrieval.Store
	Similarity similarity.Backend
	Clusters   cluster.Backend

	closers []func() error
}

// newApp wires the full component graph from configuration.
func newApp(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "healthwatch",
		JSON:    cfg.Logging.JSON,
		Quiet:   cfg.Logging.Quiet,
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	app := &App{Config: cfg, Logger: logger}
	app.closers = append(app.closers, logger.Close)

	client, err := buildModelClient(cfg, logger.Logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	backend, err := buildSimilarityBackend(cfg, client)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Similarity = backend

	artifactPath := cfg.ArtifactPath()
	clusters, err := cluster.LoadOrPassthrough(artifactPath)
	if err != nil {
		if errors.Is(err, cluster.ErrArtifactMissing) {
			logger.Info("no cluster model, pattern recognition disabled until trained",
				"artifact", artifactPath)
		} else {
			logger.Warn("cluster model unusable, pattern recognition disabled",
				"artifact", artifactPath, "error", err)
		}
	}
	app.Clusters = clusters

	dataDir := config.ExpandPath(cfg.DataDir)

	issues, err := monitor.OpenStore(filepath.Join(dataDir, "healthwatch.db"))
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("open issue store: %w", err)
	}
	app.Issues = issues
	app.closers = append(app.closers, issues.Close)

	docOpts := []retrieval.Option{retrieval.WithLogger(logger.Logger)}
	cache, err := retrieval.OpenVectorCache(filepath.Join(dataDir, "vectors"))
	if err != nil {
		logger.Warn("vector cache unavailable, rebuilds will recompute", "error", err)
	} else {
		docOpts = append(docOpts, retrieval.WithVectorCache(cache))
		app.closers = append(app.closers, cache.Close)
	}
	if cfg.Retrieval.Index == "weaviate" {
		remote, werr := retrieval.NewWeaviateIndex(ctx,
			cfg.Retrieval.WeaviateHost, cfg.Retrieval.WeaviateScheme, logger.Logger)
		if werr != nil {
			logger.Warn("weaviate unavailable, using local index", "error", werr)
		} else {
			docOpts = append(docOpts, retrieval.WithRemoteIndex(remote))
		}
	}

	docs, err := retrieval.OpenStore(filepath.Join(dataDir, "documents.db"), backend, docOpts...)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("open document store: %w", err)
	}
	app.Documents = docs
	app.closers = append(app.closers, docs.Close)

	if err := docs.Rebuild(ctx); err != nil {
		logger.Warn("retrieval index rebuild failed, search degraded", "error", err)
	}

	recognizer, err := monitor.NewRecognizer(backend, clusters, issues, logger.Logger)
	if err != nil {
		app.Close()
		return nil, err
	}
	responder, err := diagnosis.NewResponder(docs, client, logger.Logger,
		diagnosis.WithRetrievalLimits(cfg.Retrieval.TopK, cfg.Retrieval.MinSimilarity))
	if err != nil {
		app.Close()
		return nil, err
	}

	var exporter *health.ScoreExporter
	if cfg.Influx.URL != "" {
		exporter, err = health.NewScoreExporter(cfg.Influx.URL, cfg.Influx.Token,
			cfg.Influx.Org, cfg.Influx.Bucket, logger.Logger)
		if err != nil {
			logger.Warn("influx export disabled", "error", err)
		} else {
			app.closers = append(app.closers, func() error { exporter.Close(); return nil })
		}
	}

	aggregator, err := health.NewAggregator(health.AggregatorConfig{
		Normalizer: normalize.NewNormalizer(client, logger.Logger),
		Recognizer: recognizer,
		Issues:     issues,
		Documents:  docs,
		Responder:  responder,
		Exporter:   exporter,
		Meter:      otel.Meter("healthwatch"),
		Logger:     logger.Logger,
		Window:     cfg.Window(),
		TopIssues:  cfg.Monitor.TopIssues,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Aggregator = aggregator
	return app, nil
}

// Close tears components down in reverse construction order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("shutdown error", "error", err)
		}
	}
}

func buildModelClient(cfg config.Config, logger *slog.Logger) (llm.Client, error) {
	switch cfg.Model.Provider {
	case "ollama":
		return llm.NewOllamaClient(cfg.Model.Endpoint, cfg.Model.Name,
			cfg.Model.EmbeddingModel, cfg.ModelTimeout(), logger)
	case "openai":
		return llm.NewOpenAIClient(cfg.Model.APIKey, cfg.Model.Name, logger)
	case "disabled", "":
		return llm.Disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
	}
}

func buildSimilarityBackend(cfg config.Config, client llm.Client) (similarity.Backend, error) {
	switch cfg.Similarity.Backend {
	case "embedding":
		if _, disabled := client.(llm.Disabled); disabled {
			return nil, fmt.Errorf("embedding similarity requires a model provider")
		}
		return similarity.NewEmbeddingBackend(client)
	case "keyword", "":
		return similarity.NewKeywordBackend(), nil
	default:
		return nil, fmt.Errorf("unknown similarity backend %q", cfg.Similarity.Backend)
	}
}
