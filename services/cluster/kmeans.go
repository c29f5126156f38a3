// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
)

// KMeans is a fixed-k clustering model trained offline over issue feature
// vectors. Prediction is a nearest-centroid lookup; online reassignment is
// out of scope, retraining replaces the artifact wholesale.
type KMeans struct {
	// Centroids holds k vectors of identical dimension.
	Centroids [][]float32 `json:"centroids"`
}

// NewKMeans returns an untrained model.
func NewKMeans() *KMeans {
	return &KMeans{}
}

// Trained reports whether the model has centroids.
func (m *KMeans) Trained() bool {
	return len(m.Centroids) > 0
}

// Fit trains k clusters over vectors using Lloyd's algorithm with
// deterministic seeding. All vectors must share one dimension. Training
// with fewer vectors than clusters reduces k to the vector count.
func (m *KMeans) Fit(vectors [][]float32, k, maxIter int, seed int64) error {
	if len(vectors) == 0 {
		return fmt.Errorf("no vectors to fit")
	}
	dim := len(vectors[0])
	if dim == 0 {
		return fmt.Errorf("zero-dimension vectors")
	}
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), dim)
		}
	}
	if k <= 0 {
		return fmt.Errorf("cluster count must be positive, got %d", k)
	}
	if k > len(vectors) {
		k = len(vectors)
	}
	if maxIter <= 0 {
		maxIter = 50
	}

	rng := rand.New(rand.NewSource(seed))

	// Initialize centroids from distinct random samples.
	perm := rng.Perm(len(vectors))
	centroids := make([][]float32, k)
	for i := 0; i < k; i++ {
		centroids[i] = append([]float32(nil), vectors[perm[i]]...)
	}

	assign := make([]int, len(vectors))
	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, v := range vectors {
			best := nearest(centroids, v)
			if best != assign[i] {
				assign[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		// Recompute centroids; empty clusters keep their previous center.
		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, dim)
		}
		for i, v := range vectors {
			c := assign[i]
			counts[c]++
			for j, x := range v {
				sums[c][j] += float64(x)
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				continue
			}
			for j := 0; j < dim; j++ {
				centroids[c][j] = float32(sums[c][j] / float64(counts[c]))
			}
		}
	}

	m.Centroids = centroids
	return nil
}

// Predict implements Backend.
func (m *KMeans) Predict(ctx context.Context, vec []float32) (int, error) {
	if !m.Trained() {
		return 0, ErrNotTrained
	}
	if len(vec) != len(m.Centroids[0]) {
		return 0, fmt.Errorf("vector dimension %d does not match model dimension %d", len(vec), len(m.Centroids[0]))
	}
	return nearest(m.Centroids, vec), nil
}

// Save writes the model atomically (temp file plus rename) so a crash
// mid-write never leaves a corrupt artifact behind.
func (m *KMeans) Save(path string) error {
	if !m.Trained() {
		return fmt.Errorf("refusing to save an untrained model")
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal model: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}

// Load reads a model artifact. The error is ErrArtifactMissing when no
// file exists and ErrArtifactCorrupt when the file does not parse or has
// inconsistent centroids; callers branch explicitly into Passthrough.
func Load(path string) (*KMeans, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, path)
		}
		return nil, fmt.Errorf("read artifact: %w", err)
	}

	var m KMeans
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactCorrupt, err)
	}
	if len(m.Centroids) == 0 {
		return nil, fmt.Errorf("%w: no centroids", ErrArtifactCorrupt)
	}
	dim := len(m.Centroids[0])
	for _, c := range m.Centroids {
		if len(c) != dim || dim == 0 {
			return nil, fmt.Errorf("%w: inconsistent centroid dimensions", ErrArtifactCorrupt)
		}
	}
	return &m, nil
}

// LoadOrPassthrough wraps Load for startup paths: a missing or corrupt
// artifact yields the Passthrough backend and the typed reason, so the
// caller can log the degradation once and carry on.
func LoadOrPassthrough(path string) (Backend, error) {
	m, err := Load(path)
	if err != nil {
		return Passthrough{}, err
	}
	return m, nil
}

func nearest(centroids [][]float32, v []float32) int {
	best := 0
	bestDist := math.MaxFloat64
	for i, c := range centroids {
		var sum float64
		for j := range v {
			d := float64(v[j]) - float64(c[j])
			sum += d * d
		}
		if sum < bestDist {
			bestDist = sum
			best = i
		}
	}
	return best
}

var _ Backend = (*KMeans)(nil)
