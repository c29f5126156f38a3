// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config defines the healthwatch configuration file and its loader.
//
// Configuration lives in a single YAML file (~/.healthwatch/healthwatch.yaml
// by default) which is created with defaults on first run. The loaded Config
// is an explicit value constructed once at process start and passed to every
// component; there is no package-level singleton.
package config

import "time"

// Config is the root configuration object.
type Config struct {
	// DataDir holds the SQLite database, the vector cache, and the cluster
	// model artifact. Supports ~ expansion.
	DataDir string `yaml:"data_dir" validate:"required"`

	// SpoolDir is watched by the ingest service for completed automation-run
	// output files. Empty disables the watcher.
	SpoolDir string `yaml:"spool_dir"`

	Model      ModelConfig      `yaml:"model"`
	Similarity SimilarityConfig `yaml:"similarity"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Influx     InfluxConfig     `yaml:"influx"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ModelConfig selects and configures the optional language-model backend.
// Responses from the model are always treated as untrusted and validated
// before use; every caller has a deterministic fallback.
type ModelConfig struct {
	// Provider is "ollama", "openai", or "disabled".
	Provider string `yaml:"provider" validate:"oneof=ollama openai disabled"`

	// Endpoint is the base URL for the ollama provider,
	// e.g. "http://localhost:11434".
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`

	// Name is the generation model, e.g. "llama3.2" or "gpt-4o-mini".
	Name string `yaml:"name"`

	// EmbeddingModel is used for the dense similarity backend,
	// e.g. "nomic-embed-text".
	EmbeddingModel string `yaml:"embedding_model"`

	// APIKey authenticates the openai provider. Ignored by ollama.
	APIKey string `yaml:"api_key"`

	// TimeoutSeconds bounds every model call. Default 30.
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"gte=1,lte=300"`
}

// SimilarityConfig selects the feature/similarity strategy.
type SimilarityConfig struct {
	// Backend is "keyword" (pure, always available) or "embedding"
	// (requires a model provider with an embedding model).
	Backend string `yaml:"backend" validate:"oneof=keyword embedding"`
}

// RetrievalConfig tunes the knowledge retrieval store.
type RetrievalConfig struct {
	// Index is "local" (SQLite + in-process index) or "weaviate".
	Index string `yaml:"index" validate:"oneof=local weaviate"`

	// TopK is the default number of search results. Default 3.
	TopK int `yaml:"top_k" validate:"gte=1,lte=50"`

	// MinSimilarity filters search results. Default 0.1.
	MinSimilarity float64 `yaml:"min_similarity" validate:"gte=0,lte=1"`

	// WeaviateHost and WeaviateScheme locate the optional weaviate
	// instance, e.g. "localhost:8080" and "http".
	WeaviateHost   string `yaml:"weaviate_host"`
	WeaviateScheme string `yaml:"weaviate_scheme" validate:"omitempty,oneof=http https"`
}

// MonitorConfig tunes issue scoring.
type MonitorConfig struct {
	// WindowHours is the rolling window for "recent" issues. Default 24.
	WindowHours int `yaml:"window_hours" validate:"gte=1"`

	// TopIssues bounds the issue list embedded in reports. Default 10.
	TopIssues int `yaml:"top_issues" validate:"gte=1"`

	// ClusterArtifact is the path of the k-means model file, relative to
	// DataDir unless absolute. A missing artifact is not an error: pattern
	// recognition passes through until a model is trained.
	ClusterArtifact string `yaml:"cluster_artifact"`
}

// InfluxConfig enables the optional health-score time-series sink.
// The sink is active when URL is non-empty; export failures are logged
// and never fail a check cycle.
type InfluxConfig struct {
	URL    string `yaml:"url" validate:"omitempty,url"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
	Token  string `yaml:"token"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`

	// Quiet drops stderr output, leaving only the file sink. Meant for
	// the watch daemon running under a process supervisor.
	Quiet bool `yaml:"quiet"`
}

// Default returns the configuration written on first run.
func Default() Config {
	return Config{
		DataDir: "~/.healthwatch",
		Model: ModelConfig{
			Provider:       "disabled",
			Endpoint:       "http://localhost:11434",
			Name:           "llama3.2",
			EmbeddingModel: "nomic-embed-text",
			TimeoutSeconds: 30,
		},
		Similarity: SimilarityConfig{Backend: "keyword"},
		Retrieval: RetrievalConfig{
			Index:          "local",
			TopK:           3,
			MinSimilarity:  0.1,
			WeaviateScheme: "http",
		},
		Monitor: MonitorConfig{
			WindowHours:     24,
			TopIssues:       10,
			ClusterArtifact: "clusters.json",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// ModelTimeout returns the configured model-call timeout as a duration.
func (c *Config) ModelTimeout() time.Duration {
	secs := c.Model.TimeoutSeconds
	if secs <= 0 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// Window returns the rolling recent-issue window as a duration.
func (c *Config) Window() time.Duration {
	hours := c.Monitor.WindowHours
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}
