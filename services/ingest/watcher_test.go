// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/healthwatch/services/cluster"
	"github.com/opsforge/healthwatch/services/diagnosis"
	"github.com/opsforge/healthwatch/services/health"
	"github.com/opsforge/healthwatch/services/llm"
	"github.com/opsforge/healthwatch/services/monitor"
	"github.com/opsforge/healthwatch/services/normalize"
	"github.com/opsforge/healthwatch/services/retrieval"
	"github.com/opsforge/healthwatch/services/similarity"
)

func newTestWatcher(t *testing.T) (*Watcher, *monitor.Store, string) {
	t.Helper()
	dir := t.TempDir()
	spool := filepath.Join(dir, "spool")
	require.NoError(t, os.MkdirAll(spool, 0750))

	issues, err := monitor.OpenStore(filepath.Join(dir, "issues.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = issues.Close() })

	backend := similarity.NewKeywordBackend()
	docs, err := retrieval.OpenStore(filepath.Join(dir, "docs.db"), backend)
	require.NoError(t, err)
	t.Cleanup(func() { _ = docs.Close() })

	recognizer, err := monitor.NewRecognizer(backend, cluster.Passthrough{}, issues, nil)
	require.NoError(t, err)
	responder, err := diagnosis.NewResponder(docs, llm.Disabled{}, nil)
	require.NoError(t, err)
	aggregator, err := health.NewAggregator(health.AggregatorConfig{
		Normalizer: normalize.NewNormalizer(llm.Disabled{}, nil),
		Recognizer: recognizer,
		Issues:     issues,
		Documents:  docs,
		Responder:  responder,
	})
	require.NoError(t, err)

	w, err := NewWatcher(aggregator, spool, nil)
	require.NoError(t, err)
	return w, issues, spool
}

func TestIngestExistingFiles(t *testing.T) {
	w, issues, spool := newTestWatcher(t)
	ctx := context.Background()

	run := "fatal: [node-01]: FAILED! => snap command not found\nERROR: install failed\n"
	require.NoError(t, os.WriteFile(filepath.Join(spool, "deploy.log"), []byte(run), 0640))
	require.NoError(t, os.MkdirAll(filepath.Join(spool, processedDirName), 0750))

	require.NoError(t, w.ingestExisting(ctx))

	recent, err := issues.RecentIssues(ctx, time.Hour, true)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Contains(t, recent[0].Title, "deploy")

	// The file was moved out of the spool.
	_, err = os.Stat(filepath.Join(spool, "deploy.log"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(spool, processedDirName, "deploy.log"))
	assert.NoError(t, err)
}

func TestIngestSkipsUnknownExtensions(t *testing.T) {
	w, issues, spool := newTestWatcher(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(spool, "notes.md"),
		[]byte("ERROR: not a run file"), 0640))
	require.NoError(t, os.MkdirAll(filepath.Join(spool, processedDirName), 0750))
	require.NoError(t, w.ingestExisting(ctx))

	recent, err := issues.RecentIssues(ctx, time.Hour, false)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestWatcherPicksUpNewFile(t *testing.T) {
	w, issues, spool := newTestWatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher a moment to arm before writing.
	time.Sleep(200 * time.Millisecond)
	run := "fatal: [node-02]: FAILED! => disk full\n"
	require.NoError(t, os.WriteFile(filepath.Join(spool, "nightly.log"), []byte(run), 0640))

	require.Eventually(t, func() bool {
		recent, err := issues.RecentIssues(ctx, time.Hour, true)
		return err == nil && len(recent) == 1
	}, 10*time.Second, 100*time.Millisecond)

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIngestibleExtensions(t *testing.T) {
	assert.True(t, ingestible("run.log"))
	assert.True(t, ingestible("run.TXT"))
	assert.True(t, ingestible("run.out"))
	assert.False(t, ingestible("run.md"))
	assert.False(t, ingestible("run"))
}
