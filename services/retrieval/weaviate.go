// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// documentClassName is the Weaviate class holding indexed documents.
const documentClassName = "HealthDocument"

// WeaviateIndex is the optional remote vector index. When configured it
// handles semantic search server-side; the local keyword index remains
// the fallback whenever the server is unreachable.
type WeaviateIndex struct {
	client *weaviate.Client
	logger *slog.Logger
}

// NewWeaviateIndex connects to a Weaviate instance and ensures the
// document class exists.
func NewWeaviateIndex(ctx context.Context, host, scheme string, logger *slog.Logger) (*WeaviateIndex, error) {
	if host == "" {
		return nil, errors.New("weaviate host is required")
	}
	if scheme == "" {
		scheme = "http"
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := weaviate.NewClient(weaviate.Config{Host: host, Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	idx := &WeaviateIndex{client: client, logger: logger}
	if err := idx.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (w *WeaviateIndex) ensureSchema(ctx context.Context) error {
	_, err := w.client.Schema().ClassGetter().WithClassName(documentClassName).Do(ctx)
	if err == nil {
		return nil
	}

	class := &models.Class{
		Class:       documentClassName,
		Description: "Indexed health documents: error excerpts, fixes, operator notes",
		Properties: []*models.Property{
			{Name: "docId", DataType: []string{"text"}},
			{Name: "content", DataType: []string{"text"}},
			{Name: "docType", DataType: []string{"text"}},
		},
	}
	if cerr := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); cerr != nil {
		return fmt.Errorf("create weaviate class: %w", cerr)
	}
	return nil
}

// Index pushes one document into the remote class. The local document id
// is stored as a property so hits map straight back to SQLite rows.
func (w *WeaviateIndex) Index(ctx context.Context, doc Document) error {
	docType, _ := doc.Metadata["type"].(string)
	_, err := w.client.Data().Creator().
		WithClassName(documentClassName).
		WithProperties(map[string]any{
			"docId":   doc.ID,
			"content": doc.Content,
			"docType": docType,
		}).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("index document %s: %w", doc.ID, err)
	}
	return nil
}

// Query runs a nearText search and returns document ids with certainty.
func (w *WeaviateIndex) Query(ctx context.Context, query string, limit int) ([]RemoteHit, error) {
	nearText := w.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	result, err := w.client.GraphQL().Get().
		WithClassName(documentClassName).
		WithFields(
			graphql.Field{Name: "docId"},
			graphql.Field{Name: "_additional { certainty }"},
		).
		WithNearText(nearText).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate query: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate query: %s", result.Errors[0].Message)
	}

	return parseHits(result.Data)
}

func parseHits(data map[string]models.JSONObject) ([]RemoteHit, error) {
	get, ok := data["Get"].(map[string]any)
	if !ok {
		return nil, nil
	}
	objects, ok := get[documentClassName].([]any)
	if !ok {
		return nil, nil
	}

	hits := make([]RemoteHit, 0, len(objects))
	for _, obj := range objects {
		fields, ok := obj.(map[string]any)
		if !ok {
			continue
		}
		id, _ := fields["docId"].(string)
		if id == "" {
			continue
		}
		var certainty float64
		if additional, ok := fields["_additional"].(map[string]any); ok {
			if c, ok := additional["certainty"].(float64); ok {
				certainty = c
			}
		}
		hits = append(hits, RemoteHit{DocID: id, Certainty: certainty})
	}
	return hits, nil
}
