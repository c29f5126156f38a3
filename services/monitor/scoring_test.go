// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustIssue(t *testing.T, category Category, severity Severity, title string, confidence float64) *Issue {
	t.Helper()
	issue, err := NewIssue(category, severity, title, "details for "+title, nil, "", confidence)
	require.NoError(t, err)
	return issue
}

func TestComputeScoreEmptyInput(t *testing.T) {
	score := ComputeScore(nil, nil)

	assert.InDelta(t, 100.0, score.Overall, 1e-9)
	assert.Equal(t, 0.5, score.Confidence)
	assert.Equal(t, 0, score.TotalIssues)
	assert.Len(t, score.PerCategory, 8)
	for cat, v := range score.PerCategory {
		assert.Equal(t, 100.0, v, "category %s", cat)
	}
}

func TestComputeScoreSingleCritical(t *testing.T) {
	issues := []*Issue{
		mustIssue(t, CategorySystem, SeverityCritical, "kernel panic on node-03", 1.0),
	}
	score := ComputeScore(issues, nil)

	assert.Equal(t, 0.0, score.PerCategory[CategorySystem])
	assert.Equal(t, 100.0, score.PerCategory[CategoryNetwork])
	// System carries 0.25 weight, so losing it entirely drops 25 points.
	assert.InDelta(t, 75.0, score.Overall, 1e-9)
	assert.Equal(t, 1, score.CountsBySeverity.Critical)
}

func TestComputeScoreConfidenceWeighting(t *testing.T) {
	issues := []*Issue{
		mustIssue(t, CategoryNetwork, SeverityCritical, "switch unreachable", 1.0),
		mustIssue(t, CategoryNetwork, SeverityInfo, "link flapping briefly", 0.5),
	}
	score := ComputeScore(issues, nil)

	// (0*1.0 + 90*0.5) / 1.5 = 30.
	assert.InDelta(t, 30.0, score.PerCategory[CategoryNetwork], 1e-9)
}

func TestComputeScoreZeroConfidenceNeutral(t *testing.T) {
	issues := []*Issue{
		mustIssue(t, CategoryStorage, SeverityCritical, "disk errors reported", 0.0),
	}
	score := ComputeScore(issues, nil)

	// Zero total confidence must not read as a critical outage.
	assert.Equal(t, 50.0, score.PerCategory[CategoryStorage])
}

func TestComputeScoreBounds(t *testing.T) {
	var issues []*Issue
	for _, sev := range []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo} {
		for _, cat := range Categories {
			issues = append(issues, mustIssue(t, cat, sev, string(cat)+"-"+string(sev), 0.7))
		}
	}
	score := ComputeScore(issues, nil)

	assert.GreaterOrEqual(t, score.Overall, 0.0)
	assert.LessOrEqual(t, score.Overall, 100.0)
	for cat, v := range score.PerCategory {
		assert.GreaterOrEqual(t, v, 0.0, "category %s", cat)
		assert.LessOrEqual(t, v, 100.0, "category %s", cat)
	}
}

func TestComputeScorePatternBonus(t *testing.T) {
	withPattern := mustIssue(t, CategorySystem, SeverityHigh, "service crash loop", 0.6)
	withPattern.PatternID = "pat-1-system-high-1700000000"
	without := mustIssue(t, CategoryNetwork, SeverityHigh, "dns resolution slow", 0.6)

	score := ComputeScore([]*Issue{withPattern, without}, nil)

	// Mean confidence 0.6 plus 0.1*(1/2) pattern bonus.
	assert.InDelta(t, 0.65, score.Confidence, 1e-9)
}

func TestComputeTrend(t *testing.T) {
	cases := []struct {
		name   string
		scores []float64
		want   Trend
	}{
		{"improving", []float64{80, 80, 80, 80, 80, 80, 95, 96, 97}, TrendImproving},
		{"degrading", []float64{97, 96, 95, 80, 80, 80, 80, 80, 80}, TrendDegrading},
		{"flat", []float64{80, 81, 80, 79, 80, 81}, TrendStable},
		{"single point", []float64{42}, TrendStable},
		{"empty", nil, TrendStable},
		{"small swing", []float64{80, 80, 80, 84, 84, 84}, TrendStable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, computeTrend(tc.scores))
		})
	}
}

func TestIssueIDStability(t *testing.T) {
	a := IssueID(CategorySystem, SeverityHigh, "snap failed", "snap command not found")
	b := IssueID(CategorySystem, SeverityHigh, "snap failed", "snap command not found")
	c := IssueID(CategorySystem, SeverityLow, "snap failed", "snap command not found")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestNewIssueValidation(t *testing.T) {
	_, err := NewIssue("weird", SeverityHigh, "t", "d", nil, "", 0.5)
	assert.Error(t, err)

	_, err = NewIssue(CategorySystem, "loud", "t", "d", nil, "", 0.5)
	assert.Error(t, err)

	_, err = NewIssue(CategorySystem, SeverityHigh, "t", "d", nil, "", 1.5)
	assert.Error(t, err)
}

func TestNewIssueTruncatesExcerpt(t *testing.T) {
	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	issue, err := NewIssue(CategorySystem, SeverityHigh, "t", "d", nil, string(long), 0.5)
	require.NoError(t, err)
	assert.Len(t, issue.RawExcerpt, 1000)
}

func TestPatternResolutions(t *testing.T) {
	p := Pattern{}
	assert.Empty(t, p.Resolutions())

	p.AppendResolution("restart the service")
	p.AppendResolution("check disk space")
	p.AppendResolution("restart the service")
	p.AppendResolution("  ")

	assert.Equal(t, []string{"restart the service", "check disk space"}, p.Resolutions())
	assert.Equal(t, "restart the service | check disk space", p.Resolution)
}
