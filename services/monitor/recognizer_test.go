// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package monitor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/healthwatch/services/cluster"
	"github.com/opsforge/healthwatch/services/similarity"
)

// fixedCluster always predicts the same label.
type fixedCluster struct{ label int }

func (f fixedCluster) Predict(ctx context.Context, vec []float32) (int, error) {
	return f.label, nil
}

func TestAssignWithoutModel(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	r, err := NewRecognizer(similarity.NewKeywordBackend(), cluster.Passthrough{}, s, nil)
	require.NoError(t, err)

	issue := mustIssue(t, CategorySystem, SeverityHigh, "snap install failed", 0.8)
	patternID, err := r.Assign(ctx, issue)
	require.NoError(t, err)
	assert.Empty(t, patternID)

	n, err := s.PatternCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAssignReusesPattern(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	r, err := NewRecognizer(similarity.NewKeywordBackend(), fixedCluster{label: 7}, s, nil)
	require.NoError(t, err)

	first := mustIssue(t, CategorySystem, SeverityHigh, "snap install failed", 0.8)
	id1, err := r.Assign(ctx, first)
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	second := mustIssue(t, CategorySystem, SeverityHigh, "snap refresh failed", 0.8)
	id2, err := r.Assign(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	// Same label but different category creates a distinct pattern.
	third := mustIssue(t, CategoryNetwork, SeverityHigh, "gateway unreachable", 0.8)
	id3, err := r.Assign(ctx, third)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)

	n, err := s.PatternCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestAssignZeroVector(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	r, err := NewRecognizer(similarity.NewKeywordBackend(), fixedCluster{label: 1}, s, nil)
	require.NoError(t, err)

	// Stop-word-only text vectorizes to nothing; no pattern is assigned.
	issue, err := NewIssue(CategorySystem, SeverityInfo, "it", "is", nil, "", 0.5)
	require.NoError(t, err)
	patternID, err := r.Assign(ctx, issue)
	require.NoError(t, err)
	assert.Empty(t, patternID)
}

func TestSuggestionsEmptyPatternID(t *testing.T) {
	s := newTestStore(t)
	r, err := NewRecognizer(similarity.NewKeywordBackend(), nil, s, nil)
	require.NoError(t, err)

	got, err := r.Suggestions(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, got)
}
