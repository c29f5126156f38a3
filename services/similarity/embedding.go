// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package similarity

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/opsforge/healthwatch/services/llm"
)

// EmbeddingBackend encodes text through a model collaborator's embedding
// endpoint. Similarity is an L2-distance score converted via 1/(1+distance).
//
// Vectorize can fail (network, disabled backend); callers fall back to the
// keyword strategy or degrade per their own contract.
type EmbeddingBackend struct {
	client llm.Client

	mu   sync.RWMutex
	docs int
	dim  int
}

// NewEmbeddingBackend wraps client. client must not be nil.
func NewEmbeddingBackend(client llm.Client) (*EmbeddingBackend, error) {
	if client == nil {
		return nil, fmt.Errorf("llm client must not be nil")
	}
	return &EmbeddingBackend{client: client}, nil
}

// Name implements Backend.
func (b *EmbeddingBackend) Name() string { return "embedding" }

// Vectorize implements Backend.
func (b *EmbeddingBackend) Vectorize(ctx context.Context, text string) (Vector, error) {
	dense, err := b.client.Embed(ctx, text)
	if err != nil {
		return Vector{}, fmt.Errorf("embed text: %w", err)
	}
	return Vector{Dense: dense}, nil
}

// Add implements Backend.
func (b *EmbeddingBackend) Add(ctx context.Context, text string) (Vector, error) {
	vec, err := b.Vectorize(ctx, text)
	if err != nil {
		return Vector{}, err
	}
	if err := b.Register(vec); err != nil {
		return Vector{}, err
	}
	return vec, nil
}

// Register implements Backend. The first vector pins the corpus
// dimension; a later vector of a different dimension is stale output of
// another model and is rejected.
func (b *EmbeddingBackend) Register(vec Vector) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dim != 0 && len(vec.Dense) != b.dim {
		return fmt.Errorf("vector dimension %d does not match corpus dimension %d",
			len(vec.Dense), b.dim)
	}
	if b.dim == 0 {
		b.dim = len(vec.Dense)
	}
	b.docs++
	return nil
}

// Similarity implements Backend. Vectors of mismatched dimension (a model
// swapped between runs) score 0 rather than erroring; stale cache entries
// are recomputed by the caller.
func (b *EmbeddingBackend) Similarity(query, doc Vector) float64 {
	if len(query.Dense) == 0 || len(doc.Dense) == 0 || len(query.Dense) != len(doc.Dense) {
		return 0
	}

	var sum float64
	for i := range query.Dense {
		d := float64(query.Dense[i]) - float64(doc.Dense[i])
		sum += d * d
	}
	return 1 / (1 + math.Sqrt(sum))
}

// DocCount implements Backend.
func (b *EmbeddingBackend) DocCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.docs
}

var _ Backend = (*EmbeddingBackend)(nil)
