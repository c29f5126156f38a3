// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package similarity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	toks := Tokenize("The snap command was NOT found on node-01!")
	assert.Equal(t, []string{"snap", "command", "not", "found", "node", "01"}, toks)
}

func TestTokenizeDropsShortAndStopWords(t *testing.T) {
	toks := Tokenize("it is a db on the host")
	assert.Equal(t, []string{"host"}, toks)
}

func TestKeywordRanking(t *testing.T) {
	ctx := context.Background()
	b := NewKeywordBackend()

	docSnap, err := b.Add(ctx, "snap command not found")
	require.NoError(t, err)
	docSSH, err := b.Add(ctx, "permission denied ssh")
	require.NoError(t, err)

	query, err := b.Vectorize(ctx, "snap not found")
	require.NoError(t, err)

	simSnap := b.Similarity(query, docSnap)
	simSSH := b.Similarity(query, docSSH)

	assert.Greater(t, simSnap, 0.0)
	assert.Equal(t, 0.0, simSSH)
	assert.Greater(t, simSnap, simSSH)
}

func TestKeywordSimilarityBounds(t *testing.T) {
	ctx := context.Background()
	b := NewKeywordBackend()

	texts := []string{
		"disk full on storage node",
		"disk disk disk disk disk full full full error error",
		"network unreachable timeout",
	}
	vecs := make([]Vector, len(texts))
	for i, txt := range texts {
		v, err := b.Add(ctx, txt)
		require.NoError(t, err)
		vecs[i] = v
	}

	for _, q := range vecs {
		for _, d := range vecs {
			s := b.Similarity(q, d)
			assert.GreaterOrEqual(t, s, 0.0)
			assert.LessOrEqual(t, s, 1.0)
		}
	}
}

func TestKeywordEmptyQuery(t *testing.T) {
	ctx := context.Background()
	b := NewKeywordBackend()

	doc, err := b.Add(ctx, "service failed to start")
	require.NoError(t, err)

	empty, err := b.Vectorize(ctx, "a an of")
	require.NoError(t, err)
	assert.True(t, empty.IsZero())
	assert.Equal(t, 0.0, b.Similarity(empty, doc))
	assert.Equal(t, 0.0, b.Similarity(doc, empty))
}

func TestKeywordDocCount(t *testing.T) {
	ctx := context.Background()
	b := NewKeywordBackend()
	assert.Equal(t, 0, b.DocCount())

	_, err := b.Add(ctx, "one")
	require.NoError(t, err)
	_, err = b.Add(ctx, "two")
	require.NoError(t, err)
	assert.Equal(t, 2, b.DocCount())
}

func TestKeywordRegisterRestoresCorpusStats(t *testing.T) {
	ctx := context.Background()

	// Corpus built the normal way.
	live := NewKeywordBackend()
	var vecs []Vector
	for _, txt := range []string{"snap command not found", "snap refresh held back"} {
		v, err := live.Add(ctx, txt)
		require.NoError(t, err)
		vecs = append(vecs, v)
	}

	// Corpus restored from the vectors alone, as a cache-backed rebuild
	// does. Document frequencies must match, so scores must too.
	restored := NewKeywordBackend()
	for _, v := range vecs {
		require.NoError(t, restored.Register(v))
	}
	assert.Equal(t, live.DocCount(), restored.DocCount())

	query, err := restored.Vectorize(ctx, "snap not found")
	require.NoError(t, err)
	assert.InDelta(t,
		live.Similarity(query, vecs[0]),
		restored.Similarity(query, vecs[0]), 1e-9)
	assert.Greater(t, restored.Similarity(query, vecs[0]), 0.0)
}

func TestFeaturizeHashing(t *testing.T) {
	v := Vector{Terms: map[string]float64{"snap": 2, "found": 1}}
	fv := Featurize(v, 64)
	require.Len(t, fv, 64)

	// L2 norm should be 1 after normalization.
	var norm float64
	for _, x := range fv {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-6)

	// Deterministic for the same input.
	assert.Equal(t, fv, Featurize(v, 64))
}

func TestFeaturizePassesDenseThrough(t *testing.T) {
	v := Vector{Dense: []float32{1, 2, 3}}
	assert.Equal(t, []float32{1, 2, 3}, Featurize(v, 64))
}
