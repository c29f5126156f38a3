// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cluster groups issue feature vectors into recurring labels.
//
// The only model is an offline-trained k-means; loading it is an explicit
// step with typed failure modes so a missing or corrupt artifact is a
// visible "use fallback" decision at startup, never an exception swallowed
// in initialization. The Passthrough backend is that fallback: it reports
// ErrNotTrained on every prediction and the pattern recognizer degrades to
// assigning no pattern.
package cluster

import (
	"context"
	"errors"
)

var (
	// ErrNotTrained is returned by Predict when no model is available.
	ErrNotTrained = errors.New("clustering model not trained")

	// ErrArtifactMissing is returned when no model file exists at the
	// configured path.
	ErrArtifactMissing = errors.New("cluster artifact missing")

	// ErrArtifactCorrupt is returned when the model file exists but does
	// not parse into a usable model.
	ErrArtifactCorrupt = errors.New("cluster artifact corrupt")
)

// Backend predicts a cluster label for a fixed-dimension feature vector.
type Backend interface {
	// Predict returns the nearest cluster label. ErrNotTrained means the
	// backend has no model; callers treat it as "no pattern", not as a
	// failure.
	Predict(ctx context.Context, vec []float32) (int, error)
}

// Passthrough is the always-available null backend.
type Passthrough struct{}

// Predict implements Backend.
func (Passthrough) Predict(ctx context.Context, vec []float32) (int, error) {
	return 0, ErrNotTrained
}

var _ Backend = Passthrough{}
