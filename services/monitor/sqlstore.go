// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS issues (
	id                  TEXT PRIMARY KEY,
	category            TEXT NOT NULL,
	severity            TEXT NOT NULL,
	title               TEXT NOT NULL,
	description         TEXT NOT NULL,
	affected_components TEXT NOT NULL,
	raw_excerpt         TEXT NOT NULL,
	suggested_actions   TEXT NOT NULL,
	confidence          REAL NOT NULL,
	pattern_id          TEXT,
	first_seen          TEXT NOT NULL,
	last_seen           TEXT NOT NULL,
	frequency           INTEGER NOT NULL,
	resolved            INTEGER NOT NULL DEFAULT 0,
	resolution_notes    TEXT
);

CREATE TABLE IF NOT EXISTS patterns (
	id            TEXT PRIMARY KEY,
	cluster_label INTEGER NOT NULL,
	category      TEXT NOT NULL,
	severity      TEXT NOT NULL,
	first_seen    TEXT NOT NULL,
	last_seen     TEXT NOT NULL,
	frequency     INTEGER NOT NULL,
	resolution    TEXT,
	UNIQUE(cluster_label, category, severity)
);

CREATE TABLE IF NOT EXISTS scores (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	overall            REAL NOT NULL,
	per_category       TEXT NOT NULL,
	counts_by_severity TEXT NOT NULL,
	total_issues       INTEGER NOT NULL,
	confidence         REAL NOT NULL,
	trend              TEXT NOT NULL,
	timestamp          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_issues_last_seen ON issues(last_seen);
CREATE INDEX IF NOT EXISTS idx_scores_timestamp ON scores(timestamp);
`

// nowUTC returns the current UTC time as an ISO 8601 string.
func nowUTC() string { return time.Now().UTC().Format(time.RFC3339) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Store persists issues, patterns, and score snapshots in SQLite. Every
// write is a single statement or short transaction; nothing holds a
// transaction across calls, so concurrent writers interleave safely on
// the upsert primary keys.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates the SQLite database at path, creating the
// parent directory and schema as needed.
func OpenStore(path string) (*Store, error) {
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
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertIssue inserts a new issue or merges a re-observation into the
// existing row: frequency +1, last_seen refreshed, suggested actions
// merged without duplicates, and the excerpt and confidence updated to
// the latest observation. first_seen and resolved state are preserved.
func (s *Store) UpsertIssue(ctx context.Context, issue *Issue) error {
	components, err := json.Marshal(issue.AffectedComponents)
	if err != nil {
		return fmt.Errorf("marshal components: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	var existingActions string
	err = tx.QueryRowContext(ctx,
		"SELECT suggested_actions FROM issues WHERE id = ?", issue.ID,
	).Scan(&existingActions)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		actions, merr := json.Marshal(dedupe(issue.SuggestedActions))
		if merr != nil {
			return fmt.Errorf("marshal actions: %w", merr)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO issues (id, category, severity, title, description,
				affected_components, raw_excerpt, suggested_actions, confidence,
				pattern_id, first_seen, last_seen, frequency, resolved, resolution_notes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, NULL)`,
			issue.ID, issue.Category, issue.Severity, issue.Title, issue.Description,
			string(components), issue.RawExcerpt, string(actions), issue.Confidence,
			nullIfEmpty(issue.PatternID), nowUTC(), nowUTC())
		if err != nil {
			return fmt.Errorf("insert issue: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read issue: %w", err)
	default:
		var stored []string
		if uerr := json.Unmarshal([]byte(existingActions), &stored); uerr != nil {
			stored = nil
		}
		merged, merr := json.Marshal(dedupe(append(stored, issue.SuggestedActions...)))
		if merr != nil {
			return fmt.Errorf("marshal actions: %w", merr)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE issues SET
				frequency = frequency + 1,
				last_seen = ?,
				suggested_actions = ?,
				raw_excerpt = ?,
				confidence = ?,
				pattern_id = COALESCE(?, pattern_id)
			WHERE id = ?`,
			nowUTC(), string(merged), issue.RawExcerpt, issue.Confidence,
			nullIfEmpty(issue.PatternID), issue.ID)
		if err != nil {
			return fmt.Errorf("update issue: %w", err)
		}
	}

	return tx.Commit()
}

// GetIssue fetches one issue by id. sql.ErrNoRows passes through so
// callers can distinguish "absent" from "broken".
func (s *Store) GetIssue(ctx context.Context, id string) (*Issue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, category, severity, title, description, affected_components,
			raw_excerpt, suggested_actions, confidence, pattern_id,
			first_seen, last_seen, frequency, resolved, resolution_notes
		FROM issues WHERE id = ?`, id)
	return scanIssue(row)
}

// RecentIssues returns issues whose last_seen falls inside the rolling
// window, newest first. With unresolvedOnly set, resolved rows are
// excluded.
func (s *Store) RecentIssues(ctx context.Context, window time.Duration, unresolvedOnly bool) ([]*Issue, error) {
	cutoff := time.Now().UTC().Add(-window).Format(time.RFC3339)
	query := `
		SELECT id, category, severity, title, description, affected_components,
			raw_excerpt, suggested_actions, confidence, pattern_id,
			first_seen, last_seen, frequency, resolved, resolution_notes
		FROM issues WHERE last_seen >= ?`
	if unresolvedOnly {
		query += " AND resolved = 0"
	}
	query += " ORDER BY last_seen DESC"

	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query recent issues: %w", err)
	}
	defer rows.Close()

	var issues []*Issue
	for rows.Next() {
		issue, serr := scanIssue(rows)
		if serr != nil {
			return nil, serr
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// MarkResolved flags an issue as resolved with optional notes. When the
// issue carries a pattern, the notes are appended to the pattern's
// resolution list so future occurrences inherit the fix.
func (s *Store) MarkResolved(ctx context.Context, issueID, notes string) error {
	issue, err := s.GetIssue(ctx, issueID)
	if err != nil {
		return fmt.Errorf("load issue %s: %w", issueID, err)
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE issues SET resolved = 1, resolution_notes = ? WHERE id = ?",
		notes, issueID)
	if err != nil {
		return fmt.Errorf("mark resolved: %w", err)
	}

	if issue.PatternID != "" && notes != "" {
		if err := s.appendPatternResolution(ctx, issue.PatternID, notes); err != nil {
			return err
		}
	}
	return nil
}

// ObservePattern records one occurrence of the (label, category,
// severity) triple, creating the Pattern row on first sight. The returned
// pattern reflects the post-observation state.
func (s *Store) ObservePattern(ctx context.Context, label int, category Category, severity Severity) (*Pattern, error) {
	now := time.Now().UTC()
	id := PatternID(label, category, severity, now)

	// The UNIQUE constraint on the triple makes this race-safe: a
	// concurrent first observation collapses into the update branch.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patterns (id, cluster_label, category, severity, first_seen, last_seen, frequency, resolution)
		VALUES (?, ?, ?, ?, ?, ?, 1, NULL)
		ON CONFLICT(cluster_label, category, severity) DO UPDATE SET
			frequency = frequency + 1,
			last_seen = excluded.last_seen`,
		id, label, category, severity, now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("observe pattern: %w", err)
	}

	return s.patternByTriple(ctx, label, category, severity)
}

// PatternSuggestions returns the stored resolution actions for a pattern
// id, or nil when the pattern is unknown or has no resolution yet.
func (s *Store) PatternSuggestions(ctx context.Context, patternID string) ([]string, error) {
	var resolution sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT resolution FROM patterns WHERE id = ?", patternID,
	).Scan(&resolution)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pattern %s: %w", patternID, err)
	}
	p := Pattern{Resolution: resolution.String}
	return p.Resolutions(), nil
}

// PatternCount returns the number of known patterns.
func (s *Store) PatternCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM patterns").Scan(&n); err != nil {
		return 0, fmt.Errorf("count patterns: %w", err)
	}
	return n, nil
}

// SaveScore appends a snapshot to the score history.
func (s *Store) SaveScore(ctx context.Context, score HealthScore) error {
	perCategory, err := json.Marshal(score.PerCategory)
	if err != nil {
		return fmt.Errorf("marshal per-category scores: %w", err)
	}
	counts, err := json.Marshal(score.CountsBySeverity)
	if err != nil {
		return fmt.Errorf("marshal severity counts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scores (overall, per_category, counts_by_severity, total_issues, confidence, trend, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		score.Overall, string(perCategory), string(counts),
		score.TotalIssues, score.Confidence, score.Trend,
		score.Timestamp.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert score: %w", err)
	}
	return nil
}

// ScoreHistory returns overall scores since the cutoff, oldest first, in
// the order the snapshots were appended.
func (s *Store) ScoreHistory(ctx context.Context, since time.Time) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT overall FROM scores WHERE timestamp >= ? ORDER BY id ASC",
		since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("query score history: %w", err)
	}
	defer rows.Close()

	var scores []float64
	for rows.Next() {
		var overall float64
		if err := rows.Scan(&overall); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		scores = append(scores, overall)
	}
	return scores, rows.Err()
}

// LatestScore returns the most recent snapshot, or sql.ErrNoRows when
// the history is empty.
func (s *Store) LatestScore(ctx context.Context) (*HealthScore, error) {
	var (
		score       HealthScore
		perCategory string
		counts      string
		timestamp   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT overall, per_category, counts_by_severity, total_issues, confidence, trend, timestamp
		FROM scores ORDER BY id DESC LIMIT 1`,
	).Scan(&score.Overall, &perCategory, &counts, &score.TotalIssues,
		&score.Confidence, &score.Trend, &timestamp)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(perCategory), &score.PerCategory); err != nil {
		return nil, fmt.Errorf("unmarshal per-category scores: %w", err)
	}
	if err := json.Unmarshal([]byte(counts), &score.CountsBySeverity); err != nil {
		return nil, fmt.Errorf("unmarshal severity counts: %w", err)
	}
	score.Timestamp = parseTime(timestamp)
	return &score, nil
}

func (s *Store) appendPatternResolution(ctx context.Context, patternID, action string) error {
	p, err := s.patternByID(ctx, patternID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	p.AppendResolution(action)
	_, err = s.db.ExecContext(ctx,
		"UPDATE patterns SET resolution = ? WHERE id = ?", p.Resolution, patternID)
	if err != nil {
		return fmt.Errorf("update pattern resolution: %w", err)
	}
	return nil
}

func (s *Store) patternByID(ctx context.Context, id string) (*Pattern, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, cluster_label, category, severity, first_seen, last_seen, frequency, resolution
		FROM patterns WHERE id = ?`, id)
	return scanPattern(row)
}

func (s *Store) patternByTriple(ctx context.Context, label int, category Category, severity Severity) (*Pattern, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, cluster_label, category, severity, first_seen, last_seen, frequency, resolution
		FROM patterns WHERE cluster_label = ? AND category = ? AND severity = ?`,
		label, category, severity)
	return scanPattern(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row rowScanner) (*Issue, error) {
	var (
		issue      Issue
		components string
		actions    string
		patternID  sql.NullString
		firstSeen  string
		lastSeen   string
		resolved   int
		notes      sql.NullString
	)
	err := row.Scan(&issue.ID, &issue.Category, &issue.Severity, &issue.Title,
		&issue.Description, &components, &issue.RawExcerpt, &actions,
		&issue.Confidence, &patternID, &firstSeen, &lastSeen,
		&issue.Frequency, &resolved, &notes)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(components), &issue.AffectedComponents); err != nil {
		return nil, fmt.Errorf("unmarshal components: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &issue.SuggestedActions); err != nil {
		return nil, fmt.Errorf("unmarshal actions: %w", err)
	}
	issue.PatternID = patternID.String
	issue.FirstSeen = parseTime(firstSeen)
	issue.LastSeen = parseTime(lastSeen)
	issue.Resolved = resolved != 0
	issue.ResolutionNotes = notes.String
	return &issue, nil
}

func scanPattern(row rowScanner) (*Pattern, error) {
	var (
		p          Pattern
		firstSeen  string
		lastSeen   string
		resolution sql.NullString
	)
	err := row.Scan(&p.ID, &p.ClusterLabel, &p.Category, &p.Severity,
		&firstSeen, &lastSeen, &p.Frequency, &resolution)
	if err != nil {
		return nil, err
	}
	p.FirstSeen = parseTime(firstSeen)
	p.LastSeen = parseTime(lastSeen)
	p.Resolution = resolution.String
	return &p, nil
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
