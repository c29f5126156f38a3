// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package similarity turns free text into comparable feature vectors and
// scores pairwise similarity. Two interchangeable strategies sit behind one
// Backend interface: a pure keyword-frequency backend that is always
// available, and a dense-embedding backend that needs a model collaborator.
// Callers never probe for capabilities; the backend is selected once by
// configuration.
package similarity

import (
	"context"
	"hash/fnv"
	"math"
)

// Vector is a feature vector in one of two representations. Exactly one of
// Terms or Dense is populated, depending on the backend that produced it.
type Vector struct {
	// Terms maps token to term frequency (keyword backend).
	Terms map[string]float64

	// Dense is a fixed-dimension embedding (embedding backend).
	Dense []float32
}

// IsZero reports whether the vector carries no features at all.
func (v Vector) IsZero() bool {
	return len(v.Terms) == 0 && len(v.Dense) == 0
}

// Backend is the capability interface for a similarity strategy.
//
// Vectorize is read-only. Add also folds the document into the backend's
// corpus statistics (document frequencies, corpus size) so the index can
// grow incrementally without a rebuild. Corpus statistics are an in-process
// cache: they must be rebuildable from persistent storage via repeated Add
// calls after a restart.
type Backend interface {
	// Name identifies the strategy ("keyword" or "embedding").
	Name() string

	// Vectorize converts text into a feature vector without touching
	// corpus statistics.
	Vectorize(ctx context.Context, text string) (Vector, error)

	// Add vectorizes text and registers it as one corpus document.
	Add(ctx context.Context, text string) (Vector, error)

	// Register folds a previously computed vector into the corpus
	// statistics without re-encoding its text. Index rebuilds use it to
	// restore statistics from cached vectors; a vector the backend
	// cannot accept (stale output of another model) is an error and the
	// caller recomputes from source text.
	Register(vec Vector) error

	// Similarity scores query against doc in [0,1], higher is more
	// similar. The score may be asymmetric; query order matters.
	Similarity(query, doc Vector) float64

	// DocCount returns the number of documents folded into the corpus
	// statistics so far.
	DocCount() int
}

// Featurize projects a vector into a fixed-dimension dense representation
// suitable for clustering. Dense vectors pass through unchanged; sparse
// term vectors are feature-hashed into dim buckets and L2-normalized.
func Featurize(v Vector, dim int) []float32 {
	if len(v.Dense) > 0 {
		return v.Dense
	}
	if dim <= 0 || len(v.Terms) == 0 {
		return nil
	}

	out := make([]float32, dim)
	for term, tf := range v.Terms {
		h := fnv.New32a()
		h.Write([]byte(term))
		out[h.Sum32()%uint32(dim)] += float32(tf)
	}

	var norm float64
	for _, x := range out {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i := range out {
		out[i] = float32(float64(out[i]) / norm)
	}
	return out
}
