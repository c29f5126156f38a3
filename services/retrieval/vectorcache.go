// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/opsforge/healthwatch/services/similarity"
)

// VectorCache persists computed feature vectors in BadgerDB so index
// rebuilds after a restart do not re-encode the whole corpus. It is a
// cache: any miss or decode failure simply forces recomputation.
type VectorCache struct {
	db *badger.DB
}

// OpenVectorCache opens a persistent cache at dir.
func OpenVectorCache(dir string) (*VectorCache, error) {
	if dir == "" {
		return nil, errors.New("cache directory is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open vector cache: %w", err)
	}
	return &VectorCache{db: db}, nil
}

// OpenInMemoryVectorCache opens a cache with no disk persistence, for
// tests and throwaway runs.
func OpenInMemoryVectorCache() (*VectorCache, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory vector cache: %w", err)
	}
	return &VectorCache{db: db}, nil
}

// Close flushes and closes the underlying database.
func (c *VectorCache) Close() error {
	return c.db.Close()
}

// Put stores the vector for a document id, overwriting any prior value.
func (c *VectorCache) Put(docID string, vec similarity.Vector) error {
	data, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("marshal vector: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(docID), data)
	})
	if err != nil {
		return fmt.Errorf("cache vector for %s: %w", docID, err)
	}
	return nil
}

// Get returns the cached vector for a document id. The second return is
// false on miss or on a stale entry that no longer decodes.
func (c *VectorCache) Get(docID string) (similarity.Vector, bool) {
	var vec similarity.Vector
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(docID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &vec)
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			slog.Debug("vector cache read failed", "doc", docID, "error", err)
		}
		return similarity.Vector{}, false
	}
	return vec, true
}

// Drop removes a cached vector, used when a document's stored vector
// dimension no longer matches the active model.
func (c *VectorCache) Drop(docID string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(docID))
	})
}
