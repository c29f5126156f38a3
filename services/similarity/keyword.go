// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package similarity

import (
	"context"
	"math"
	"strings"
	"sync"
	"unicode"
)

// stopWords are dropped during tokenization. Deliberately excludes negation
// words like "not": in error text they carry signal ("not found",
// "not reachable").
var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "was": {}, "were": {},
	"this": {}, "that": {}, "with": {}, "from": {}, "have": {}, "has": {},
	"had": {}, "you": {}, "your": {}, "its": {}, "can": {}, "will": {},
	"all": {}, "but": {}, "they": {}, "them": {}, "then": {}, "there": {},
	"when": {}, "what": {}, "which": {}, "who": {}, "how": {}, "why": {},
	"out": {}, "use": {}, "using": {}, "used": {}, "into": {}, "onto": {},
	"over": {}, "under": {}, "more": {}, "most": {}, "some": {}, "any": {},
	"each": {}, "very": {}, "via": {}, "per": {}, "been": {}, "being": {},
	"does": {}, "did": {}, "done": {}, "should": {}, "would": {}, "could": {},
}

// KeywordBackend is the pure fallback similarity strategy: term-frequency
// vectors with an incrementally maintained document-frequency table.
//
// The similarity score is intentionally asymmetric and interpretable, not
// cosine: the sum over shared terms of tf_query * tf_doc * idf, normalized
// by the number of shared terms. idf uses add-one smoothing
// (1 + ln(N/(df+1)), floored at zero) so a term appearing in a single
// document of a small corpus still contributes a positive weight.
//
// Safe for concurrent use.
type KeywordBackend struct {
	mu   sync.RWMutex
	df   map[string]int
	docs int
}

// NewKeywordBackend returns an empty keyword backend. Corpus statistics are
// rebuilt by calling Add for every stored document.
func NewKeywordBackend() *KeywordBackend {
	return &KeywordBackend{df: make(map[string]int)}
}

// Name implements Backend.
func (b *KeywordBackend) Name() string { return "keyword" }

// Vectorize implements Backend. It never fails.
func (b *KeywordBackend) Vectorize(ctx context.Context, text string) (Vector, error) {
	tf := make(map[string]float64)
	for _, tok := range Tokenize(text) {
		tf[tok]++
	}
	return Vector{Terms: tf}, nil
}

// Add implements Backend: vectorizes text and folds its unique terms into
// the document-frequency table.
func (b *KeywordBackend) Add(ctx context.Context, text string) (Vector, error) {
	vec, _ := b.Vectorize(ctx, text)
	_ = b.Register(vec)
	return vec, nil
}

// Register implements Backend. Any term vector counts as one corpus
// document; it never fails.
func (b *KeywordBackend) Register(vec Vector) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs++
	for term := range vec.Terms {
		b.df[term]++
	}
	return nil
}

// Similarity implements Backend. An empty keyword set on either side, or no
// shared terms, scores 0; there is never a division by zero.
func (b *KeywordBackend) Similarity(query, doc Vector) float64 {
	if len(query.Terms) == 0 || len(doc.Terms) == 0 {
		return 0
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	n := float64(b.docs)
	if n < 1 {
		n = 1
	}

	var sum float64
	shared := 0
	for term, tfq := range query.Terms {
		tfd, ok := doc.Terms[term]
		if !ok {
			continue
		}
		shared++
		idf := 1 + math.Log(n/float64(b.df[term]+1))
		if idf < 0 {
			idf = 0
		}
		sum += tfq * tfd * idf
	}
	if shared == 0 {
		return 0
	}

	score := sum / float64(shared)
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// DocCount implements Backend.
func (b *KeywordBackend) DocCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.docs
}

// Tokenize lowercases text and yields alphanumeric words of three or more
// characters, minus the stop-word set.
func Tokenize(text string) []string {
	var toks []string
	var sb strings.Builder
	flush := func() {
		if sb.Len() >= 3 {
			word := sb.String()
			if _, stop := stopWords[word]; !stop {
				toks = append(toks, word)
			}
		}
		sb.Reset()
	}
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return toks
}

var _ Backend = (*KeywordBackend)(nil)
