// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package monitor owns the issue, pattern, and health-score data model and
// the SQLite store behind it. Issues are keyed by a content hash so that
// re-observing the same failure bumps a frequency counter instead of
// duplicating rows; health scores are immutable snapshots appended to an
// ordered history.
package monitor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Category classifies an issue by the subsystem it affects.
type Category string

const (
	CategorySystem        Category = "system"
	CategoryNetwork       Category = "network"
	CategoryStorage       Category = "storage"
	CategorySecurity      Category = "security"
	CategoryPerformance   Category = "performance"
	CategoryConfiguration Category = "configuration"
	CategoryDependencies  Category = "dependencies"
	CategoryAutomation    Category = "automation"
)

// Categories lists every category in score-weight order. Scoring iterates
// this slice so a category with no issues still contributes its default.
var Categories = []Category{
	CategorySystem,
	CategoryNetwork,
	CategorySecurity,
	CategoryPerformance,
	CategoryAutomation,
	CategoryStorage,
	CategoryConfiguration,
	CategoryDependencies,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategorySystem, CategoryNetwork, CategoryStorage, CategorySecurity,
		CategoryPerformance, CategoryConfiguration, CategoryDependencies,
		CategoryAutomation:
		return true
	}
	return false
}

// Severity orders issues from critical down to informational.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// Trend describes the direction of recent health-score history.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
	TrendUnknown   Trend = "unknown"
)

// maxExcerptLen bounds the raw output excerpt stored per issue.
const maxExcerptLen = 1000

// resolutionDelimiter joins resolution actions inside a Pattern row.
const resolutionDelimiter = " | "

// Issue is one observed infrastructure problem, deduplicated by content
// hash across check cycles.
type Issue struct {
	ID                 string    `json:"id"`
	Category           Category  `json:"category"`
	Severity           Severity  `json:"severity"`
	Title              string    `json:"title"`
	Description        string    `json:"description"`
	AffectedComponents []string  `json:"affected_components"`
	RawExcerpt         string    `json:"raw_excerpt"`
	SuggestedActions   []string  `json:"suggested_actions"`
	Confidence         float64   `json:"confidence"`
	PatternID          string    `json:"pattern_id,omitempty"`
	FirstSeen          time.Time `json:"first_seen"`
	LastSeen           time.Time `json:"last_seen"`
	Frequency          int       `json:"frequency"`
	Resolved           bool      `json:"resolved"`
	ResolutionNotes    string    `json:"resolution_notes,omitempty"`
}

// NewIssue builds an Issue with a stable content-derived id. The excerpt
// is truncated to a fixed budget and the frequency starts at 1.
//
// # Description
//
// The id hashes category, severity, title, and description so the same
// failure reported in different cycles lands on the same row. Timestamps
// and frequency are deliberately excluded from the hash.
//
// # Inputs
//   - category, severity: must be valid enum values.
//   - title, description: free text identifying the problem.
//   - hosts: affected host identifiers, kept in caller order.
//   - rawExcerpt: source output, truncated to 1000 chars.
//   - confidence: extraction confidence in [0,1].
//
// # Outputs
//   - *Issue: ready for Store.UpsertIssue.
//   - error: invalid enum values fail fast.
func NewIssue(category Category, severity Severity, title, description string, hosts []string, rawExcerpt string, confidence float64) (*Issue, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("invalid category %q", category)
	}
	if !severity.Valid() {
		return nil, fmt.Errorf("invalid severity %q", severity)
	}
	if confidence < 0 || confidence > 1 {
		return nil, fmt.Errorf("confidence %v out of range [0,1]", confidence)
	}
	if len(rawExcerpt) > maxExcerptLen {
		rawExcerpt = rawExcerpt[:maxExcerptLen]
	}
	now := time.Now().UTC()
	return &Issue{
		ID:                 IssueID(category, severity, title, description),
		Category:           category,
		Severity:           severity,
		Title:              title,
		Description:        description,
		AffectedComponents: hosts,
		RawExcerpt:         rawExcerpt,
		Confidence:         confidence,
		FirstSeen:          now,
		LastSeen:           now,
		Frequency:          1,
	}, nil
}

// IssueID derives the stable content hash used as the issue primary key.
func IssueID(category Category, severity Severity, title, description string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s", category, severity, title, description)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// SearchText concatenates the fields the pattern recognizer vectorizes.
func (i *Issue) SearchText() string {
	excerpt := i.RawExcerpt
	if len(excerpt) > 500 {
		excerpt = excerpt[:500]
	}
	parts := []string{i.Title, i.Description}
	parts = append(parts, i.AffectedComponents...)
	parts = append(parts, excerpt)
	return strings.Join(parts, " ")
}

// Pattern is a recurring issue shape identified by the clustering model.
// At most one row exists per (cluster label, category, severity) triple.
type Pattern struct {
	ID           string    `json:"id"`
	ClusterLabel int       `json:"cluster_label"`
	Category     Category  `json:"category"`
	Severity     Severity  `json:"severity"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	Frequency    int       `json:"frequency"`
	Resolution   string    `json:"resolution,omitempty"`
}

// PatternID derives a pattern identity from its triple plus creation time.
// Stable once assigned; the timestamp only disambiguates recreation after
// a wipe.
func PatternID(label int, category Category, severity Severity, created time.Time) string {
	return fmt.Sprintf("pat-%d-%s-%s-%d", label, category, severity, created.Unix())
}

// Resolutions splits the stored resolution into individual actions.
func (p *Pattern) Resolutions() []string {
	if p.Resolution == "" {
		return nil
	}
	parts := strings.Split(p.Resolution, resolutionDelimiter)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// AppendResolution adds an action to the resolution list, skipping exact
// duplicates.
func (p *Pattern) AppendResolution(action string) {
	action = strings.TrimSpace(action)
	if action == "" {
		return
	}
	for _, existing := range p.Resolutions() {
		if existing == action {
			return
		}
	}
	if p.Resolution == "" {
		p.Resolution = action
		return
	}
	p.Resolution += resolutionDelimiter + action
}

// SeverityCounts tallies unresolved issues by severity bucket.
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// HealthScore is one immutable snapshot of fleet health. Trend is derived
// from history at creation time and never recomputed for old rows.
type HealthScore struct {
	Overall          float64              `json:"overall"`
	PerCategory      map[Category]float64 `json:"per_category"`
	CountsBySeverity SeverityCounts       `json:"counts_by_severity"`
	TotalIssues      int                  `json:"total_issues"`
	Confidence       float64              `json:"confidence"`
	Trend            Trend                `json:"trend"`
	Timestamp        time.Time            `json:"timestamp"`
}
