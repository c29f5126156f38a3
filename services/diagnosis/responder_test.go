// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package diagnosis

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/healthwatch/services/llm"
	"github.com/opsforge/healthwatch/services/retrieval"
	"github.com/opsforge/healthwatch/services/similarity"
)

// scriptedClient returns a canned Generate response or error.
type scriptedClient struct {
	response string
	err      error
	prompts  []string
}

func (c *scriptedClient) Generate(ctx context.Context, prompt string, params llm.Params) (string, error) {
	c.prompts = append(c.prompts, prompt)
	if c.err != nil {
		return "", c.err
	}
	return c.response, nil
}

func (c *scriptedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, llm.ErrBackendDisabled
}

func newResponder(t *testing.T, client llm.Client) (*Responder, *retrieval.Store) {
	t.Helper()
	store, err := retrieval.OpenStore(
		filepath.Join(t.TempDir(), "docs.db"), similarity.NewKeywordBackend())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	r, err := NewResponder(store, client, nil)
	require.NoError(t, err)
	return r, store
}

func TestRuleBasedFallback(t *testing.T) {
	r, _ := newResponder(t, llm.Disabled{})

	response := r.Respond(context.Background(), "fatal: permission denied", nil)

	assert.Equal(t, MethodRuleBased, response.Method)
	assert.Contains(t, strings.ToLower(response.Diagnosis), "permission")
	assert.NotEmpty(t, response.FixSteps)
	assert.Equal(t, 0, response.ContextUsed)
	assert.InDelta(t, 0.3, response.Support, 1e-9)
}

func TestRuleTableSelection(t *testing.T) {
	cases := []struct {
		query string
		want  string
	}{
		{"snap install failed on node", "Package manager"},
		{"microk8s not ready", "Orchestration"},
		{"ssh connection timed out", "Connectivity"},
		{"something unprecedented happened", "Configuration"},
	}
	r, _ := newResponder(t, llm.Disabled{})
	for _, tc := range cases {
		response := r.Respond(context.Background(), tc.query, nil)
		assert.Contains(t, response.Diagnosis, tc.want, "query %q", tc.query)
	}
}

func TestSuccessDocBoostsConfidence(t *testing.T) {
	r, store := newResponder(t, llm.Disabled{})
	ctx := context.Background()

	_, err := store.Add(ctx, "snap install fixed by installing snapd via apt",
		map[string]any{"type": "solution", "success": true})
	require.NoError(t, err)

	baseline := ruleRespond("snap install failed", nil)
	response := r.Respond(ctx, "snap install failed", nil)

	assert.Equal(t, MethodRuleBased, response.Method)
	assert.Equal(t, baseline.Confidence+2, response.Confidence)
	require.NotEmpty(t, response.FixSteps)
	assert.Contains(t, response.FixSteps[0], "previous fix worked")
	assert.Equal(t, 1, response.ContextUsed)
	assert.InDelta(t, 0.5, response.Support, 1e-9)
}

func TestConfidenceBoostCap(t *testing.T) {
	docs := []retrieval.Result{{
		Document: retrieval.Document{
			Content:  "restart everything",
			Metadata: map[string]any{"success": true},
		},
		Similarity: 0.8,
	}}

	// A rule already at 8 or 9 must not exceed 9 after the boost.
	response := ruleRespond("snap broken", docs)
	assert.LessOrEqual(t, response.Confidence, 9)
}

func TestModelBackedResponse(t *testing.T) {
	client := &scriptedClient{response: `{
		"diagnosis": "snapd daemon is not installed",
		"fix_steps": ["apt install snapd"],
		"prevention": "bake snapd into the base image",
		"confidence": 8
	}`}
	r, store := newResponder(t, client)
	ctx := context.Background()

	_, err := store.Add(ctx, "snap command not found on fresh nodes",
		map[string]any{"type": "issue"})
	require.NoError(t, err)

	response := r.Respond(ctx, "snap not found", nil)

	assert.Equal(t, MethodModel, response.Method)
	assert.Equal(t, "snapd daemon is not installed", response.Diagnosis)
	assert.Equal(t, 8, response.Confidence)
	assert.Equal(t, 1, response.ContextUsed)

	// The retrieved incident made it into the prompt, truncated.
	require.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], "snap command not found")
}

func TestModelParseFailure(t *testing.T) {
	client := &scriptedClient{response: "I think you should reboot"}
	r, _ := newResponder(t, client)

	response := r.Respond(context.Background(), "what is wrong", nil)

	assert.Equal(t, "parsing failed", response.Diagnosis)
	assert.Equal(t, 1, response.Confidence)
	assert.Equal(t, MethodModel, response.Method)
}

func TestModelErrorFallsBackToRules(t *testing.T) {
	client := &scriptedClient{err: fmt.Errorf("model timeout")}
	r, _ := newResponder(t, client)

	response := r.Respond(context.Background(), "permission denied on deploy", nil)

	assert.Equal(t, MethodRuleBased, response.Method)
	assert.Contains(t, strings.ToLower(response.Diagnosis), "permission")
}

func TestSupportScore(t *testing.T) {
	assert.InDelta(t, 0.3, supportScore(0), 1e-9)
	assert.InDelta(t, 0.7, supportScore(2), 1e-9)
	assert.InDelta(t, 0.9, supportScore(3), 1e-9)
	assert.Equal(t, 1.0, supportScore(4))
	assert.Equal(t, 1.0, supportScore(10))
}

func TestRetrievalLimitsConfigurable(t *testing.T) {
	ctx := context.Background()
	store, err := retrieval.OpenStore(
		filepath.Join(t.TempDir(), "docs.db"), similarity.NewKeywordBackend())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.Add(ctx, "ssh connection refused by node, sshd down",
		map[string]any{"type": "issue"})
	require.NoError(t, err)
	_, err = store.Add(ctx, "ssh connection reset during deploy",
		map[string]any{"type": "issue"})
	require.NoError(t, err)

	// Defaults fetch both matching incidents.
	r, err := NewResponder(store, llm.Disabled{}, nil)
	require.NoError(t, err)
	response := r.Respond(ctx, "ssh connection refused", nil)
	assert.Equal(t, 2, response.ContextUsed)

	// A tighter top-k keeps only the best match.
	r, err = NewResponder(store, llm.Disabled{}, nil, WithRetrievalLimits(1, 0.1))
	require.NoError(t, err)
	response = r.Respond(ctx, "ssh connection refused", nil)
	assert.Equal(t, 1, response.ContextUsed)
	assert.InDelta(t, 0.5, response.Support, 1e-9)

	// A threshold nothing clears yields a context-free diagnosis.
	r, err = NewResponder(store, llm.Disabled{}, nil, WithRetrievalLimits(3, 0.99))
	require.NoError(t, err)
	response = r.Respond(ctx, "ssh connection refused", nil)
	assert.Equal(t, 0, response.ContextUsed)
	assert.InDelta(t, 0.3, response.Support, 1e-9)
}

func TestCallerSuppliedContext(t *testing.T) {
	r, _ := newResponder(t, llm.Disabled{})

	docs := []retrieval.Result{
		{Document: retrieval.Document{Content: "a"}, Similarity: 0.9},
		{Document: retrieval.Document{Content: "b"}, Similarity: 0.8},
	}
	response := r.Respond(context.Background(), "ssh connection refused", docs)

	assert.Equal(t, 2, response.ContextUsed)
	assert.InDelta(t, 0.7, response.Support, 1e-9)
}
