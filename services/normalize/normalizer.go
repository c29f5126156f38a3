// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package normalize extracts structured signals from raw automation-run
// output. A model-backed path produces richer extractions when an LLM is
// configured; a deterministic rule-based fallback guarantees the function
// never fails, only degrades to low confidence.
package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opsforge/healthwatch/services/llm"
	"github.com/opsforge/healthwatch/services/monitor"
)

var tracer = otel.Tracer("healthwatch.normalize")

const (
	// promptBudget bounds how much raw output is sent over the network.
	promptBudget = 2000

	// fallbackConfidence marks rule-based extractions as lower trust
	// than model-backed ones.
	fallbackConfidence = 0.3

	maxFailedTasks   = 5
	maxErrorMessages = 3
	maxWarnings      = 3
)

// Result is the structured form of one automation run's output.
type Result struct {
	Success          bool             `json:"success"`
	FailedTasks      []string         `json:"failed_tasks"`
	ErrorMessages    []string         `json:"error_messages"`
	Warnings         []string         `json:"warnings"`
	AffectedHosts    []string         `json:"affected_hosts"`
	Severity         monitor.Severity `json:"severity"`
	SuggestedActions []string         `json:"suggested_actions"`
	Confidence       float64          `json:"confidence"`
}

// Normalizer converts raw run output into Results.
type Normalizer struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

// NewNormalizer builds a normalizer. A nil client or llm.Disabled means
// every call takes the rule-based path.
func NewNormalizer(client llm.Client, logger *slog.Logger) *Normalizer {
	if client == nil {
		client = llm.Disabled{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{client: client, logger: logger}
}

// Normalize extracts structure from raw automation output.
//
// # Description
//
// The model path sends a bounded prompt requesting exactly the Result
// JSON shape. Any call failure, timeout, or malformed response falls
// back to deterministic rule-based extraction; the function never
// returns an error, degraded trust is expressed through the confidence
// field instead.
//
// # Inputs
//   - rawText: unbounded run output; truncated before any network call.
//   - runLabel: playbook or operation name for context.
//
// # Outputs
//   - Result: always well-formed; fallback results carry confidence 0.3.
func (n *Normalizer) Normalize(ctx context.Context, rawText, runLabel string) Result {
	ctx, span := tracer.Start(ctx, "normalize.run",
		trace.WithAttributes(attribute.String("run.label", runLabel)))
	defer span.End()

	result, err := n.modelNormalize(ctx, rawText, runLabel)
	if err != nil {
		span.SetAttributes(attribute.String("path", "fallback"))
		n.logger.Debug("model normalization unavailable, using rules",
			"run", runLabel, "error", err)
		return ruleNormalize(rawText)
	}
	span.SetAttributes(attribute.String("path", "model"))
	return result
}

func (n *Normalizer) modelNormalize(ctx context.Context, rawText, runLabel string) (Result, error) {
	truncated := rawText
	if len(truncated) > promptBudget {
		truncated = truncated[:promptBudget]
	}

	prompt := fmt.Sprintf(`Analyze this automation run output and respond with a JSON object
with exactly these keys:
  "success" (boolean), "failed_tasks" (array of strings),
  "error_messages" (array of strings), "warnings" (array of strings),
  "affected_hosts" (array of strings),
  "severity" (one of: critical, high, medium, low, info),
  "suggested_actions" (array of strings), "confidence" (number 0-1).

Run: %s
Output:
%s`, runLabel, truncated)

	raw, err := n.client.Generate(ctx, prompt, llm.Params{JSONFormat: true})
	if err != nil {
		return Result{}, err
	}

	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return Result{}, fmt.Errorf("malformed model response: %w", err)
	}
	if !result.Severity.Valid() {
		return Result{}, fmt.Errorf("model returned invalid severity %q", result.Severity)
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return Result{}, fmt.Errorf("model returned confidence %v out of range", result.Confidence)
	}
	return result, nil
}

var (
	failedTaskRe = regexp.MustCompile(`(?mi)^(?:TASK|task)\s*\[([^\]]+)\].*$`)
	errorLineRe  = regexp.MustCompile(`(?mi)^.*(?:ERROR:|fatal:).*$`)
	warnLineRe   = regexp.MustCompile(`(?mi)^.*(?:WARNING|warn).*$`)
	hostFailRe   = regexp.MustCompile(`(?mi)^([\w.-]+)\s*:\s*.*failed=([1-9]\d*)`)
)

// failureMarkers flag a run as failed regardless of anything else in
// the output.
var failureMarkers = []string{"FAILED", "fatal:", "ERROR", "UNREACHABLE"}

// ruleNormalize is the deterministic fallback extraction. Extraction
// counts are bounded so result size never tracks input size.
func ruleNormalize(rawText string) Result {
	result := Result{
		Success:    true,
		Severity:   monitor.SeverityInfo,
		Confidence: fallbackConfidence,
	}

	for _, marker := range failureMarkers {
		if strings.Contains(rawText, marker) {
			result.Success = false
			result.Severity = monitor.SeverityHigh
			break
		}
	}

	for _, m := range failedTaskRe.FindAllStringSubmatch(rawText, maxFailedTasks) {
		result.FailedTasks = append(result.FailedTasks, strings.TrimSpace(m[1]))
	}
	for _, m := range errorLineRe.FindAllString(rawText, maxErrorMessages) {
		result.ErrorMessages = append(result.ErrorMessages, strings.TrimSpace(m))
	}
	for _, m := range warnLineRe.FindAllString(rawText, maxWarnings) {
		result.Warnings = append(result.Warnings, strings.TrimSpace(m))
	}
	for _, m := range hostFailRe.FindAllStringSubmatch(rawText, -1) {
		result.AffectedHosts = append(result.AffectedHosts, m[1])
	}

	if !result.Success {
		result.SuggestedActions = append(result.SuggestedActions,
			"Review the failed task output and re-run the playbook")
	}
	return result
}

// Categorize maps free text to the issue category its keywords suggest.
// Order matters: the first matching rule wins, most specific first.
func Categorize(text string) monitor.Category {
	lower := strings.ToLower(text)

	rules := []struct {
		keywords []string
		category monitor.Category
	}{
		{[]string{"permission", "denied", "unauthorized", "certificate", "auth"}, monitor.CategorySecurity},
		{[]string{"ssh", "connection", "unreachable", "timeout", "dns", "network"}, monitor.CategoryNetwork},
		{[]string{"disk", "storage", "volume", "mount", "space"}, monitor.CategoryStorage},
		{[]string{"slow", "latency", "cpu", "memory", "load"}, monitor.CategoryPerformance},
		{[]string{"package", "dependency", "version", "snap", "apt", "pip"}, monitor.CategoryDependencies},
		{[]string{"playbook", "ansible", "task", "role"}, monitor.CategoryAutomation},
		{[]string{"config", "setting", "parameter", "yaml"}, monitor.CategoryConfiguration},
	}
	for _, rule := range rules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.category
			}
		}
	}
	return monitor.CategorySystem
}
