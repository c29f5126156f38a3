// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package health

import (
	"time"

	"github.com/opsforge/healthwatch/services/diagnosis"
	"github.com/opsforge/healthwatch/services/monitor"
)

// StructuralCheck is an externally-supplied health probe result, such as
// database reachability or node connectivity. The aggregator consumes
// them as inputs; running them is someone else's job.
type StructuralCheck struct {
	Name     string           `json:"name"`
	Category monitor.Category `json:"category"`
	Severity monitor.Severity `json:"severity"`
	Passed   bool             `json:"passed"`
	Detail   string           `json:"detail,omitempty"`
}

// Report is the comprehensive output of one check cycle.
type Report struct {
	ID              string              `json:"id"`
	Timestamp       time.Time           `json:"timestamp"`
	Score           monitor.HealthScore `json:"score"`
	TopIssues       []*monitor.Issue    `json:"top_issues"`
	Recommendations []string            `json:"recommendations"`
	Diagnosis       *diagnosis.Response `json:"diagnosis,omitempty"`
	Checks          []StructuralCheck   `json:"checks,omitempty"`
	PatternCount    int                 `json:"pattern_count"`
	DocumentCount   int                 `json:"document_count"`
}
