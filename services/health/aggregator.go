// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package health orchestrates one check cycle end to end: normalize run
// output, extract and persist issues, assign patterns, score, and emit a
// report. Persistence failures inside a cycle degrade to defaults and are
// logged; a check cycle never crashes the host process.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/opsforge/healthwatch/pkg/validation"
	"github.com/opsforge/healthwatch/services/diagnosis"
	"github.com/opsforge/healthwatch/services/monitor"
	"github.com/opsforge/healthwatch/services/normalize"
	"github.com/opsforge/healthwatch/services/retrieval"
)

var tracer = otel.Tracer("healthwatch.health")

const (
	// trendWindow is how far back score history feeds trend detection.
	trendWindow = 7 * 24 * time.Hour

	// structuralCheckConfidence marks issues built from structural
	// checks: deterministic probes, high trust.
	structuralCheckConfidence = 0.9
)

// Aggregator runs check cycles. All collaborators are injected once at
// construction; there is no process-global state.
type Aggregator struct {
	normalizer *normalize.Normalizer
	recognizer *monitor.Recognizer
	issues     *monitor.Store
	documents  *retrieval.Store
	responder  *diagnosis.Responder
	exporter   *ScoreExporter
	metrics    *Metrics
	logger     *slog.Logger

	window    time.Duration
	topIssues int
}

// AggregatorConfig wires an Aggregator.
type AggregatorConfig struct {
	Normalizer *normalize.Normalizer
	Recognizer *monitor.Recognizer
	Issues     *monitor.Store
	Documents  *retrieval.Store
	Responder  *diagnosis.Responder

	// Exporter is optional; nil disables InfluxDB export.
	Exporter *ScoreExporter

	// Meter is optional; nil disables cycle metrics.
	Meter metric.Meter

	Logger *slog.Logger

	// Window is the rolling window for recent issues. Default 24h.
	Window time.Duration

	// TopIssues caps how many issues a report carries. Default 5.
	TopIssues int
}

// NewAggregator validates the wiring and builds an Aggregator.
func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if cfg.Normalizer == nil || cfg.Recognizer == nil || cfg.Issues == nil ||
		cfg.Documents == nil || cfg.Responder == nil {
		return nil, fmt.Errorf("normalizer, recognizer, stores, and responder are all required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.TopIssues <= 0 {
		cfg.TopIssues = 5
	}

	a := &Aggregator{
		normalizer: cfg.Normalizer,
		recognizer: cfg.Recognizer,
		issues:     cfg.Issues,
		documents:  cfg.Documents,
		responder:  cfg.Responder,
		exporter:   cfg.Exporter,
		logger:     cfg.Logger,
		window:     cfg.Window,
		topIssues:  cfg.TopIssues,
	}
	if cfg.Meter != nil {
		m, err := NewMetrics(cfg.Meter)
		if err != nil {
			return nil, err
		}
		a.metrics = m
	}
	return a, nil
}

// RunCycle executes one full check cycle.
//
// # Description
//
// Raw run output is normalized into issues, combined with structural
// check failures, assigned patterns, and persisted. The run itself is
// indexed as a retrieval document so future diagnoses can cite it. The
// cycle then scores the rolling window, appends the snapshot to history,
// and composes a report with recommendations and, when issues exist, a
// diagnosis of the most severe one.
//
// Persistence failures along the way are logged and degraded: a broken
// store yields an empty issue list and a neutral score, never an error.
func (a *Aggregator) RunCycle(ctx context.Context, rawText, runLabel string, hosts []string, checks []StructuralCheck) *Report {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "health.cycle",
		trace.WithAttributes(attribute.String("run.label", runLabel)))
	defer span.End()

	result := a.normalizer.Normalize(ctx, rawText, runLabel)

	issues := a.buildIssues(result, runLabel, rawText, hosts)
	issues = append(issues, a.checkIssues(checks)...)

	for _, issue := range issues {
		a.persistIssue(ctx, issue)
	}

	a.indexRun(ctx, rawText, runLabel, hosts, result.Success)

	recent, err := a.issues.RecentIssues(ctx, a.window, true)
	if err != nil {
		a.countStoreError(ctx)
		a.logger.Error("recent issue query failed, scoring empty set", "error", err)
		recent = nil
	}
	history, err := a.issues.ScoreHistory(ctx, time.Now().Add(-trendWindow))
	if err != nil {
		a.countStoreError(ctx)
		a.logger.Error("score history query failed, trend will be stable", "error", err)
		history = nil
	}

	score := monitor.ComputeScore(recent, history)
	if err := a.issues.SaveScore(ctx, score); err != nil {
		a.countStoreError(ctx)
		a.logger.Error("score snapshot not persisted", "error", err)
	}
	if a.exporter != nil {
		if err := a.exporter.Export(ctx, score); err != nil {
			a.logger.Warn("influx export failed", "error", err)
		}
	}

	report := a.compose(ctx, score, recent)
	report.Checks = checks

	if a.metrics != nil {
		a.metrics.CyclesTotal.Add(ctx, 1)
		a.metrics.CycleDuration.Record(ctx, time.Since(started).Seconds())
		a.metrics.OverallScore.Record(ctx, score.Overall)
		for _, issue := range issues {
			a.metrics.IssuesObserved.Add(ctx, 1,
				metric.WithAttributes(attribute.String("severity", string(issue.Severity))))
		}
	}
	span.SetAttributes(
		attribute.Float64("score.overall", score.Overall),
		attribute.Int("issues.recent", len(recent)),
	)
	return report
}

// buildIssues converts a normalization result into issue objects. A
// successful run produces none.
func (a *Aggregator) buildIssues(result normalize.Result, runLabel, rawText string, hosts []string) []*monitor.Issue {
	if result.Success {
		return nil
	}

	affected := hosts
	if len(result.AffectedHosts) > 0 {
		affected = result.AffectedHosts
	}
	affected, rejected := validation.FilterHosts(affected)
	if len(rejected) > 0 {
		a.logger.Warn("dropped malformed host identifiers", "rejected", rejected)
	}

	description := strings.Join(result.ErrorMessages, "; ")
	if description == "" {
		description = "run reported failure without extractable error lines"
	}
	category := normalize.Categorize(description + " " + strings.Join(result.FailedTasks, " "))

	issue, err := monitor.NewIssue(category, result.Severity,
		fmt.Sprintf("Automation run %q failed", runLabel),
		description, affected, rawText, result.Confidence)
	if err != nil {
		a.logger.Error("issue construction rejected", "run", runLabel, "error", err)
		return nil
	}
	issue.SuggestedActions = result.SuggestedActions
	return []*monitor.Issue{issue}
}

// checkIssues converts failed structural checks into issues.
func (a *Aggregator) checkIssues(checks []StructuralCheck) []*monitor.Issue {
	var issues []*monitor.Issue
	for _, check := range checks {
		if check.Passed {
			continue
		}
		issue, err := monitor.NewIssue(check.Category, check.Severity,
			fmt.Sprintf("Structural check %q failed", check.Name),
			check.Detail, nil, check.Detail, structuralCheckConfidence)
		if err != nil {
			a.logger.Error("structural check rejected", "check", check.Name, "error", err)
			continue
		}
		issues = append(issues, issue)
	}
	return issues
}

// persistIssue assigns a pattern, folds in accumulated pattern
// suggestions, and upserts. Failures are logged per step and the cycle
// carries on.
func (a *Aggregator) persistIssue(ctx context.Context, issue *monitor.Issue) {
	patternID, err := a.recognizer.Assign(ctx, issue)
	if err != nil {
		a.logger.Warn("pattern assignment failed", "issue", issue.ID, "error", err)
	}
	issue.PatternID = patternID

	if patternID != "" {
		suggestions, serr := a.recognizer.Suggestions(ctx, patternID)
		if serr != nil {
			a.logger.Warn("pattern suggestion lookup failed", "pattern", patternID, "error", serr)
		}
		issue.SuggestedActions = append(issue.SuggestedActions, suggestions...)
	}

	if err := a.issues.UpsertIssue(ctx, issue); err != nil {
		a.countStoreError(ctx)
		a.logger.Error("issue not persisted", "issue", issue.ID, "error", err)
	}
}

// indexRun stores the run output as a retrieval document.
func (a *Aggregator) indexRun(ctx context.Context, rawText, runLabel string, hosts []string, success bool) {
	if strings.TrimSpace(rawText) == "" {
		return
	}
	_, err := a.documents.Add(ctx, rawText, map[string]any{
		"type":           "run",
		"success":        success,
		"playbook":       runLabel,
		"affected_hosts": strings.Join(hosts, ","),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		a.logger.Warn("run output not indexed", "run", runLabel, "error", err)
	}
}

// severityOrder ranks severities worst-first for report ordering.
var severityOrder = map[monitor.Severity]int{
	monitor.SeverityCritical: 0,
	monitor.SeverityHigh:     1,
	monitor.SeverityMedium:   2,
	monitor.SeverityLow:      3,
	monitor.SeverityInfo:     4,
}

// compose assembles the report from the cycle's outputs. Issues are
// listed worst severity first, most recently seen first within a tier.
func (a *Aggregator) compose(ctx context.Context, score monitor.HealthScore, recent []*monitor.Issue) *Report {
	top := make([]*monitor.Issue, len(recent))
	copy(top, recent)
	sort.SliceStable(top, func(i, j int) bool {
		return severityOrder[top[i].Severity] < severityOrder[top[j].Severity]
	})
	if len(top) > a.topIssues {
		top = top[:a.topIssues]
	}

	var recommendations []string
	seen := make(map[string]struct{})
	for _, issue := range top {
		for _, action := range issue.SuggestedActions {
			if _, ok := seen[action]; ok {
				continue
			}
			seen[action] = struct{}{}
			recommendations = append(recommendations, action)
		}
	}

	report := &Report{
		ID:              uuid.NewString(),
		Timestamp:       time.Now().UTC(),
		Score:           score,
		TopIssues:       top,
		Recommendations: recommendations,
	}

	if len(top) > 0 {
		resp := a.responder.Respond(ctx, top[0].Title+" "+top[0].Description, nil)
		report.Diagnosis = &resp
	}

	if n, err := a.issues.PatternCount(ctx); err == nil {
		report.PatternCount = n
	}
	if n, err := a.documents.Count(ctx); err == nil {
		report.DocumentCount = n
	}
	return report
}

// Resolve marks an issue resolved and indexes the resolution as a
// successful fix document so future diagnoses can reuse it.
func (a *Aggregator) Resolve(ctx context.Context, issueID, notes string) error {
	if err := a.issues.MarkResolved(ctx, issueID, notes); err != nil {
		return fmt.Errorf("resolve issue %s: %w", issueID, err)
	}
	if strings.TrimSpace(notes) == "" {
		return nil
	}

	issue, err := a.issues.GetIssue(ctx, issueID)
	if err != nil {
		a.logger.Warn("resolved issue not readable, fix not indexed", "issue", issueID, "error", err)
		return nil
	}
	_, err = a.documents.Add(ctx, issue.Title+"\n"+notes, map[string]any{
		"type":      "solution",
		"success":   true,
		"issue_id":  issueID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		a.logger.Warn("resolution not indexed", "issue", issueID, "error", err)
	}
	return nil
}

// Ask answers an ad-hoc operator query using the diagnosis responder.
func (a *Aggregator) Ask(ctx context.Context, query string) diagnosis.Response {
	return a.responder.Respond(ctx, query, nil)
}

func (a *Aggregator) countStoreError(ctx context.Context) {
	if a.metrics != nil {
		a.metrics.StoreErrors.Add(ctx, 1)
	}
}
