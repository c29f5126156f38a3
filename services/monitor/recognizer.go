// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opsforge/healthwatch/services/cluster"
	"github.com/opsforge/healthwatch/services/similarity"
)

var recognizerTracer = otel.Tracer("healthwatch.monitor.recognizer")

// FeatureDim is the fixed hashed-feature dimension fed to the clustering
// model. Training and prediction must agree on it, so it is exported for
// the trainer.
const FeatureDim = 256

// Recognizer assigns recurring-pattern identities to issues by clustering
// their feature vectors. Without a trained model every assignment is a
// clean miss, never an error.
type Recognizer struct {
	similarity similarity.Backend
	clusters   cluster.Backend
	store      *Store
	logger     *slog.Logger
}

// NewRecognizer wires a recognizer over the given backends and store.
func NewRecognizer(sim similarity.Backend, clusters cluster.Backend, store *Store, logger *slog.Logger) (*Recognizer, error) {
	if sim == nil {
		return nil, fmt.Errorf("similarity backend is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if clusters == nil {
		clusters = cluster.Passthrough{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recognizer{similarity: sim, clusters: clusters, store: store, logger: logger}, nil
}

// Assign predicts a cluster label for the issue and returns the id of
// the matching Pattern, observing it in the store as a side effect.
//
// # Description
//
// The issue's title, description, affected components, and a bounded
// excerpt are vectorized, hashed to the fixed model dimension, and run
// through the clustering backend. An untrained backend yields an empty
// pattern id with a nil error; the caller treats that as "no pattern".
// The Issue row itself is never touched here.
func (r *Recognizer) Assign(ctx context.Context, issue *Issue) (string, error) {
	ctx, span := recognizerTracer.Start(ctx, "recognizer.assign",
		trace.WithAttributes(attribute.String("issue.id", issue.ID)))
	defer span.End()

	vec, err := r.similarity.Vectorize(ctx, issue.SearchText())
	if err != nil {
		return "", fmt.Errorf("vectorize issue %s: %w", issue.ID, err)
	}
	if vec.IsZero() {
		return "", nil
	}

	label, err := r.clusters.Predict(ctx, similarity.Featurize(vec, FeatureDim))
	if errors.Is(err, cluster.ErrNotTrained) {
		r.logger.Debug("no clustering model, skipping pattern assignment", "issue", issue.ID)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("predict cluster for issue %s: %w", issue.ID, err)
	}

	pattern, err := r.store.ObservePattern(ctx, label, issue.Category, issue.Severity)
	if err != nil {
		return "", fmt.Errorf("observe pattern: %w", err)
	}
	span.SetAttributes(attribute.String("pattern.id", pattern.ID))
	return pattern.ID, nil
}

// Suggestions returns the accumulated resolution actions for a pattern.
func (r *Recognizer) Suggestions(ctx context.Context, patternID string) ([]string, error) {
	if patternID == "" {
		return nil, nil
	}
	return r.store.PatternSuggestions(ctx, patternID)
}
