// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm wraps the optional language-model collaborator behind a narrow
// prompt/response contract. Every backend is treated as untrusted: callers
// must validate responses and carry a deterministic fallback, because any
// backend may time out, error, or return garbage.
package llm

import (
	"context"
	"errors"
)

// ErrBackendDisabled is returned by the Disabled backend for every call.
// Callers branch on it (or on any other error) into their rule-based path.
var ErrBackendDisabled = errors.New("llm backend disabled")

// Params tunes a single generation call. Nil pointer fields use
// backend defaults.
type Params struct {
	Temperature *float32 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`

	// JSONFormat asks the backend to constrain output to a single JSON
	// object. Backends that cannot guarantee this still return text; the
	// caller validates either way.
	JSONFormat bool `json:"-"`
}

// Client is the capability interface for any language-model backend.
type Client interface {
	// Generate produces a completion for prompt. The context deadline
	// bounds the call; there is no internal retry.
	Generate(ctx context.Context, prompt string, params Params) (string, error)

	// Embed converts text into a dense vector for semantic similarity.
	// Backends without an embedding model return an error.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Disabled is the always-available null backend. It forces every caller
// onto its deterministic fallback path.
type Disabled struct{}

func (Disabled) Generate(ctx context.Context, prompt string, params Params) (string, error) {
	return "", ErrBackendDisabled
}

func (Disabled) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, ErrBackendDisabled
}

var _ Client = Disabled{}
