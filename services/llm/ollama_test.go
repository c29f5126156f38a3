// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaGenerateJSONFormat(t *testing.T) {
	var gotReq ollamaGenerateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(ollamaGenerateResponse{
			Model:    gotReq.Model,
			Response: `{"success": false}`,
			Done:     true,
		})
	}))
	defer server.Close()

	client, err := NewOllamaClient(server.URL, "llama3.2", "", 5*time.Second, nil)
	require.NoError(t, err)

	out, err := client.Generate(context.Background(), "analyze this", Params{JSONFormat: true})
	require.NoError(t, err)
	assert.Equal(t, `{"success": false}`, out)

	assert.Equal(t, "llama3.2", gotReq.Model)
	assert.False(t, gotReq.Stream)
	assert.Equal(t, "json", gotReq.Format)
}

func TestOllamaGenerateModelNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "model 'missing' not found"})
	}))
	defer server.Close()

	client, err := NewOllamaClient(server.URL, "missing", "", 5*time.Second, nil)
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), "hi", Params{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama pull")
}

func TestOllamaGenerateTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client, err := NewOllamaClient(server.URL, "llama3.2", "", 5*time.Second, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = client.Generate(ctx, "hi", Params{})
	assert.Error(t, err)
}

func TestOllamaEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float64{0.1, 0.2, 0.3}})
	}))
	defer server.Close()

	client, err := NewOllamaClient(server.URL, "llama3.2", "nomic-embed-text", 5*time.Second, nil)
	require.NoError(t, err)

	vec, err := client.Embed(context.Background(), "snap install failed")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestOllamaEmbedRequiresModel(t *testing.T) {
	client, err := NewOllamaClient("http://localhost:11434", "llama3.2", "", 5*time.Second, nil)
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), "text")
	assert.Error(t, err)
}

func TestDisabledBackend(t *testing.T) {
	var c Client = Disabled{}

	_, err := c.Generate(context.Background(), "anything", Params{})
	assert.ErrorIs(t, err, ErrBackendDisabled)

	_, err = c.Embed(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrBackendDisabled)
}
