// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ingest watches a spool directory for completed automation-run
// output files and feeds each one through a health check cycle. The
// orchestration layer that executes playbooks drops files here; ingest
// never runs anything itself.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/opsforge/healthwatch/services/health"
)

// settleDelay is how long a file must be quiet before it is ingested.
// Writers stream run output, so reacting to the first event would read
// half a file.
const settleDelay = 2 * time.Second

// processedDirName is where ingested files are moved, inside the spool
// directory.
const processedDirName = "processed"

// Watcher ingests run output files from a spool directory.
type Watcher struct {
	aggregator *health.Aggregator
	spoolDir   string
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher builds a watcher over spoolDir.
func NewWatcher(aggregator *health.Aggregator, spoolDir string, logger *slog.Logger) (*Watcher, error) {
	if aggregator == nil {
		return nil, fmt.Errorf("aggregator is required")
	}
	if spoolDir == "" {
		return nil, fmt.Errorf("spool directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		aggregator: aggregator,
		spoolDir:   spoolDir,
		logger:     logger,
		pending:    make(map[string]*time.Timer),
	}, nil
}

// Run watches the spool directory until the context is canceled. Files
// already present at startup are ingested first.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(w.spoolDir, processedDirName), 0750); err != nil {
		return fmt.Errorf("create processed dir: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.spoolDir); err != nil {
		return fmt.Errorf("watch %s: %w", w.spoolDir, err)
	}

	if err := w.ingestExisting(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case event, ok := <-fw.Events:
				if !ok {
					return nil
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if !ingestible(event.Name) {
					continue
				}
				w.schedule(ctx, event.Name)
			case werr, ok := <-fw.Errors:
				if !ok {
					return nil
				}
				w.logger.Warn("watcher error", "error", werr)
			}
		}
	})
	return g.Wait()
}

// ingestExisting processes files left in the spool from before startup.
func (w *Watcher) ingestExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.spoolDir)
	if err != nil {
		return fmt.Errorf("read spool dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !ingestible(entry.Name()) {
			continue
		}
		w.ingest(ctx, filepath.Join(w.spoolDir, entry.Name()))
	}
	return nil
}

// schedule (re)arms the settle timer for a file. Every new write pushes
// ingestion back until the writer goes quiet.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.pending[path]; ok {
		timer.Reset(settleDelay)
		return
	}
	w.pending[path] = time.AfterFunc(settleDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.ingest(ctx, path)
	})
}

// ingest runs one file through a check cycle and moves it aside. Any
// failure is logged; a bad file never stops the watcher.
func (w *Watcher) ingest(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Error("spool file not readable", "file", path, "error", err)
		return
	}

	runLabel := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	report := w.aggregator.RunCycle(ctx, string(data), runLabel, nil, nil)
	w.logger.Info("ingested run output",
		"file", filepath.Base(path),
		"score", report.Score.Overall,
		"issues", len(report.TopIssues))

	dest := filepath.Join(w.spoolDir, processedDirName, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		w.logger.Warn("processed file not moved", "file", path, "error", err)
	}
}

// ingestible accepts the file extensions automation runs are spooled
// with.
func ingestible(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".log", ".txt", ".out":
		return true
	}
	return false
}
