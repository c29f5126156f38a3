// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval persists free-text documents with metadata and serves
// top-k similarity search over them. SQLite is the source of truth; the
// similarity backend's corpus statistics and the vector cache are
// rebuildable caches on top of it. With no backend at all, search
// degrades to a substring scan rather than returning nothing.
package retrieval

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tmc/langchaingo/textsplitter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/opsforge/healthwatch/services/similarity"
)

var tracer = otel.Tracer("healthwatch.retrieval")

const (
	// chunkThreshold is the content length above which documents are
	// split before indexing. Chunks share the parent document id.
	chunkThreshold = 2000
	chunkSize      = 2000
	chunkOverlap   = 200

	// fallbackSimilarity is the fixed score reported by the substring
	// fallback when no similarity backend is configured.
	fallbackSimilarity = 0.5
)

const documentSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	content    TEXT NOT NULL,
	metadata   TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

// Document is one retrievable unit of knowledge: an error excerpt, a fix
// that worked, or an operator note.
type Document struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

// Result pairs a matched document with its similarity and a short
// explanation of how the match was made.
type Result struct {
	Document    Document `json:"document"`
	Similarity  float64  `json:"similarity"`
	Explanation string   `json:"explanation"`
}

// RemoteHit is one match from a remote vector index.
type RemoteHit struct {
	DocID     string
	Certainty float64
}

// RemoteIndex is an optional server-side vector index. Failures are
// degradations, not errors: the store falls back to its local index.
type RemoteIndex interface {
	Index(ctx context.Context, doc Document) error
	Query(ctx context.Context, query string, limit int) ([]RemoteHit, error)
}

// indexEntry binds one vector to the document it came from. The document
// id is stored alongside the vector explicitly; row positions in the
// database are never used to correlate the two.
type indexEntry struct {
	docID string
	vec   similarity.Vector
}

// Store is the retrieval store. All mutation goes through Add; Search is
// read-only over the in-memory index plus SQLite.
type Store struct {
	db      *sql.DB
	backend similarity.Backend
	cache   *VectorCache
	remote  RemoteIndex
	logger  *slog.Logger

	mu      sync.RWMutex
	entries []indexEntry
}

// Option customizes a Store at construction time.
type Option func(*Store)

// WithVectorCache attaches a vector cache used to skip recomputing
// vectors when the index is rebuilt from the database.
func WithVectorCache(cache *VectorCache) Option {
	return func(s *Store) { s.cache = cache }
}

// WithRemoteIndex attaches a server-side vector index tried before the
// local one on every search.
func WithRemoteIndex(remote RemoteIndex) Option {
	return func(s *Store) { s.remote = remote }
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// OpenStore opens the document database at path and binds the similarity
// backend. A nil backend is allowed and activates the substring fallback
// for every search.
func OpenStore(path string, backend similarity.Backend, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(documentSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Store{db: db, backend: backend, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the database handle. The vector cache, if any, is owned
// by the caller and closed separately.
func (s *Store) Close() error {
	return s.db.Close()
}

// DocID derives the deterministic document id from content plus
// metadata. Metadata keys are serialized in sorted order so identical
// pairs always collapse to the same id.
func DocID(content string, metadata map[string]any) string {
	meta, _ := json.Marshal(metadata)
	h := sha256.New()
	h.Write([]byte(content))
	h.Write([]byte{0})
	h.Write(meta)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Add persists a document and indexes it for similarity search.
//
// # Description
//
// Idempotent by construction: re-adding identical content and metadata
// returns the existing id without touching the database or the index.
// Content over the chunk threshold is split with overlap and each chunk
// is vectorized separately, all pointing back at the one document id, so
// a long incident log can match on any of its sections.
//
// # Inputs
//   - content: full document text.
//   - metadata: open mapping; "type" and "success" are the keys the
//     diagnosis layer cares about.
//
// # Outputs
//   - string: the document id, new or existing.
//   - error: persistence or vectorization failure.
func (s *Store) Add(ctx context.Context, content string, metadata map[string]any) (string, error) {
	ctx, span := tracer.Start(ctx, "retrieval.add")
	defer span.End()

	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("empty document content")
	}
	id := DocID(content, metadata)
	span.SetAttributes(attribute.String("doc.id", id))

	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM documents WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return "", fmt.Errorf("check document: %w", err)
	}
	if exists > 0 {
		return id, nil
	}

	meta, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO documents (id, content, metadata, created_at) VALUES (?, ?, ?, ?)",
		id, content, string(meta), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}

	if err := s.index(ctx, id, content); err != nil {
		// The row is already durable; the index catches up on the next
		// rebuild. Degraded recall beats a failed add.
		s.logger.Warn("document stored but not indexed", "doc", id, "error", err)
	}
	if s.remote != nil {
		doc := Document{ID: id, Content: content, Metadata: metadata}
		if err := s.remote.Index(ctx, doc); err != nil {
			s.logger.Warn("remote index unavailable", "doc", id, "error", err)
		}
	}
	return id, nil
}

// index vectorizes content (chunked when long) and appends the vectors
// to the in-memory index under the given document id.
func (s *Store) index(ctx context.Context, docID, content string) error {
	if s.backend == nil {
		return nil
	}

	chunks := []string{content}
	if len(content) > chunkThreshold {
		splitter := textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
		)
		split, err := splitter.SplitText(content)
		if err != nil {
			return fmt.Errorf("split document: %w", err)
		}
		if len(split) > 0 {
			chunks = split
		}
	}

	for _, chunk := range chunks {
		vec, err := s.backend.Add(ctx, chunk)
		if err != nil {
			return fmt.Errorf("vectorize chunk: %w", err)
		}
		if vec.IsZero() {
			continue
		}
		s.mu.Lock()
		s.entries = append(s.entries, indexEntry{docID: docID, vec: vec})
		s.mu.Unlock()
		if s.cache != nil {
			if err := s.cache.Put(docID, vec); err != nil {
				s.logger.Debug("vector cache write failed", "doc", docID, "error", err)
			}
		}
	}
	return nil
}

// Search returns up to topK documents ranked by descending similarity to
// the query, filtered to similarity >= minSimilarity. A negative or zero
// topK is a contract violation and fails fast.
func (s *Store) Search(ctx context.Context, query string, topK int, minSimilarity float64) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "retrieval.search",
		trace.WithAttributes(attribute.Int("top_k", topK)))
	defer span.End()

	if topK <= 0 {
		return nil, fmt.Errorf("top_k must be positive, got %d", topK)
	}

	if s.remote != nil {
		results, err := s.remoteSearch(ctx, query, topK, minSimilarity)
		if err == nil {
			return results, nil
		}
		s.logger.Warn("remote search failed, using local index", "error", err)
	}

	if s.backend == nil {
		return s.substringSearch(ctx, query, topK)
	}

	qvec, err := s.backend.Vectorize(ctx, query)
	if err != nil {
		s.logger.Warn("query vectorization failed, using substring fallback", "error", err)
		return s.substringSearch(ctx, query, topK)
	}
	if qvec.IsZero() {
		return nil, nil
	}

	// Best chunk score per document.
	best := make(map[string]float64)
	s.mu.RLock()
	for _, entry := range s.entries {
		score := s.backend.Similarity(qvec, entry.vec)
		if score > best[entry.docID] {
			best[entry.docID] = score
		}
	}
	s.mu.RUnlock()

	type scored struct {
		id    string
		score float64
	}
	ranked := make([]scored, 0, len(best))
	for id, score := range best {
		if score >= minSimilarity && score > 0 {
			ranked = append(ranked, scored{id: id, score: score})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].id < ranked[j].id
	})
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	explanation := s.backend.Name() + " similarity"
	results := make([]Result, 0, len(ranked))
	for _, r := range ranked {
		doc, err := s.Get(ctx, r.id)
		if err != nil {
			s.logger.Warn("indexed document missing from store", "doc", r.id, "error", err)
			continue
		}
		results = append(results, Result{Document: *doc, Similarity: r.score, Explanation: explanation})
	}
	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

// remoteSearch resolves remote hits back to stored documents, applying
// the same threshold and ordering contract as the local path.
func (s *Store) remoteSearch(ctx context.Context, query string, topK int, minSimilarity float64) ([]Result, error) {
	hits, err := s.remote.Query(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		if hit.Certainty < minSimilarity {
			continue
		}
		doc, gerr := s.Get(ctx, hit.DocID)
		if gerr != nil {
			s.logger.Warn("remote hit missing from store", "doc", hit.DocID, "error", gerr)
			continue
		}
		results = append(results, Result{
			Document:    *doc,
			Similarity:  hit.Certainty,
			Explanation: "vector index",
		})
	}
	return results, nil
}

// substringSearch is the always-available degraded path: a linear scan
// matching the query text against document content, every hit scored at
// a fixed low similarity.
func (s *Store) substringSearch(ctx context.Context, query string, topK int) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, content, metadata, created_at FROM documents ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("scan documents: %w", err)
	}
	defer rows.Close()

	needle := strings.ToLower(strings.TrimSpace(query))
	var results []Result
	for rows.Next() {
		doc, serr := scanDocument(rows)
		if serr != nil {
			return nil, serr
		}
		haystack := strings.ToLower(doc.Content)
		if needle == "" || !matchesSubstring(haystack, needle) {
			continue
		}
		results = append(results, Result{
			Document:    *doc,
			Similarity:  fallbackSimilarity,
			Explanation: "text match",
		})
		if len(results) == topK {
			break
		}
	}
	return results, rows.Err()
}

// matchesSubstring accepts a document when it contains the whole query
// or any query token of useful length.
func matchesSubstring(haystack, needle string) bool {
	if strings.Contains(haystack, needle) {
		return true
	}
	for _, tok := range strings.Fields(needle) {
		if len(tok) >= 3 && strings.Contains(haystack, tok) {
			return true
		}
	}
	return false
}

// Get fetches one document by id.
func (s *Store) Get(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, content, metadata, created_at FROM documents WHERE id = ?", id)
	return scanDocument(row)
}

// Count returns the total number of stored documents.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// Rebuild repopulates the similarity backend and the in-memory index
// from the database. Called after a restart; cached vectors are reused
// when present so an embedding backend does not re-encode the corpus.
// Reused vectors are still registered with the backend so its corpus
// statistics match a cold rebuild; a cached vector the backend rejects
// is dropped from the cache and recomputed from the stored text.
func (s *Store) Rebuild(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, content FROM documents ORDER BY created_at ASC")
	if err != nil {
		return fmt.Errorf("scan documents: %w", err)
	}
	defer rows.Close()

	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()

	var rebuilt, cached int
	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			return fmt.Errorf("scan document: %w", err)
		}
		if s.cache != nil {
			if vec, ok := s.cache.Get(id); ok && !vec.IsZero() {
				rerr := s.backend.Register(vec)
				if rerr == nil {
					s.mu.Lock()
					s.entries = append(s.entries, indexEntry{docID: id, vec: vec})
					s.mu.Unlock()
					cached++
					continue
				}
				s.logger.Warn("stale cached vector discarded", "doc", id, "error", rerr)
				if derr := s.cache.Drop(id); derr != nil {
					s.logger.Debug("vector cache drop failed", "doc", id, "error", derr)
				}
			}
		}
		if err := s.index(ctx, id, content); err != nil {
			s.logger.Warn("rebuild skipped document", "doc", id, "error", err)
			continue
		}
		rebuilt++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	s.logger.Info("retrieval index rebuilt", "vectorized", rebuilt, "from_cache", cached)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		doc       Document
		meta      string
		createdAt string
	)
	if err := row.Scan(&doc.ID, &doc.Content, &meta, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &doc.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		doc.CreatedAt = t
	}
	return &doc, nil
}
