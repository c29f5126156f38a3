// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package health

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the health check cycle.
// All metrics use the "healthwatch_" prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// CyclesTotal counts completed check cycles by outcome.
	CyclesTotal metric.Int64Counter

	// CycleDuration records check cycle duration in seconds.
	CycleDuration metric.Float64Histogram

	// IssuesObserved counts issues extracted per cycle by severity.
	IssuesObserved metric.Int64Counter

	// OverallScore records the overall health score per cycle.
	OverallScore metric.Float64Histogram

	// StoreErrors counts persistence failures that were degraded
	// rather than surfaced.
	StoreErrors metric.Int64Counter
}

// NewMetrics registers all cycle metrics with the provided meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.CyclesTotal, err = meter.Int64Counter(
		"healthwatch_cycles_total",
		metric.WithDescription("Completed health check cycles"),
	); err != nil {
		return nil, fmt.Errorf("create cycles counter: %w", err)
	}
	if m.CycleDuration, err = meter.Float64Histogram(
		"healthwatch_cycle_duration_seconds",
		metric.WithDescription("Health check cycle duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create cycle duration histogram: %w", err)
	}
	if m.IssuesObserved, err = meter.Int64Counter(
		"healthwatch_issues_observed_total",
		metric.WithDescription("Issues extracted from run output"),
	); err != nil {
		return nil, fmt.Errorf("create issues counter: %w", err)
	}
	if m.OverallScore, err = meter.Float64Histogram(
		"healthwatch_overall_score",
		metric.WithDescription("Overall health score per cycle"),
	); err != nil {
		return nil, fmt.Errorf("create score histogram: %w", err)
	}
	if m.StoreErrors, err = meter.Int64Counter(
		"healthwatch_store_errors_total",
		metric.WithDescription("Persistence failures degraded to defaults"),
	); err != nil {
		return nil, fmt.Errorf("create store errors counter: %w", err)
	}
	return m, nil
}
