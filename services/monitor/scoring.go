// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package monitor

import "time"

// severityWeights maps severity to its contribution on the 0-100 scale.
// Critical pins a category at 0, info barely dents it.
var severityWeights = map[Severity]float64{
	SeverityCritical: 0,
	SeverityHigh:     25,
	SeverityMedium:   50,
	SeverityLow:      75,
	SeverityInfo:     90,
}

// categoryWeights distributes the overall score across subsystems. The
// weights sum to 1.0; a category with no issues still contributes its
// full 100 times weight.
var categoryWeights = map[Category]float64{
	CategorySystem:        0.25,
	CategoryNetwork:       0.20,
	CategorySecurity:      0.20,
	CategoryPerformance:   0.15,
	CategoryAutomation:    0.10,
	CategoryStorage:       0.05,
	CategoryConfiguration: 0.03,
	CategoryDependencies:  0.02,
}

// ComputeScore turns a set of recent unresolved issues plus the score
// history into a HealthScore snapshot.
//
// # Description
//
// Per category the score is a confidence-weighted average of severity
// weights; zero total confidence yields a neutral 50 so zero-confidence
// noise never reads as a critical outage. The overall score is the fixed
// weighted sum over all eight categories. Overall confidence is the mean
// issue confidence plus 0.1 per pattern-matched issue averaged across all
// issues, capped at 1.0; with no issues it is 0.5 because "no data" is
// not "everything is fine".
//
// # Inputs
//   - issues: recent unresolved issues from the rolling window.
//   - history: prior overall scores ordered oldest first, already limited
//     to the trend window by the caller.
//
// # Outputs
//   - HealthScore: the snapshot. The caller persists it; ComputeScore
//     itself has no side effects.
func ComputeScore(issues []*Issue, history []float64) HealthScore {
	perCategory := make(map[Category]float64, len(Categories))
	weightSum := make(map[Category]float64, len(Categories))
	scoreSum := make(map[Category]float64, len(Categories))
	hasIssue := make(map[Category]bool, len(Categories))

	var counts SeverityCounts
	var confSum float64
	var patterned int

	for _, iss := range issues {
		w := severityWeights[iss.Severity]
		scoreSum[iss.Category] += w * iss.Confidence
		weightSum[iss.Category] += iss.Confidence
		hasIssue[iss.Category] = true

		confSum += iss.Confidence
		if iss.PatternID != "" {
			patterned++
		}
		switch iss.Severity {
		case SeverityCritical:
			counts.Critical++
		case SeverityHigh:
			counts.High++
		case SeverityMedium:
			counts.Medium++
		case SeverityLow:
			counts.Low++
		}
	}

	var overall float64
	for _, cat := range Categories {
		score := 100.0
		if hasIssue[cat] {
			if weightSum[cat] > 0 {
				score = scoreSum[cat] / weightSum[cat]
			} else {
				score = 50
			}
		}
		score = clamp(score, 0, 100)
		perCategory[cat] = score
		overall += score * categoryWeights[cat]
	}
	overall = clamp(overall, 0, 100)

	confidence := 0.5
	if len(issues) > 0 {
		n := float64(len(issues))
		confidence = confSum/n + 0.1*float64(patterned)/n
		if confidence > 1 {
			confidence = 1
		}
	}

	return HealthScore{
		Overall:          overall,
		PerCategory:      perCategory,
		CountsBySeverity: counts,
		TotalIssues:      len(issues),
		Confidence:       confidence,
		Trend:            computeTrend(append(history, overall)),
		Timestamp:        time.Now().UTC(),
	}
}

// computeTrend compares the mean of the last three scores against the
// mean of everything before them. A swing of more than five points in
// either direction is a trend; fewer than two points defaults to stable
// rather than unknown so sparse history never alarms operators.
func computeTrend(scores []float64) Trend {
	if len(scores) < 2 {
		return TrendStable
	}
	recent := 3
	if recent > len(scores) {
		recent = len(scores)
	}
	split := len(scores) - recent
	if split == 0 {
		return TrendStable
	}

	recentMean := mean(scores[split:])
	earlierMean := mean(scores[:split])
	switch diff := recentMean - earlierMean; {
	case diff > 5:
		return TrendImproving
	case diff < -5:
		return TrendDegrading
	default:
		return TrendStable
	}
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
