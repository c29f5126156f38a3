// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/opsforge/healthwatch/services/monitor"
)

// ScoreExporter pushes score snapshots to InfluxDB for dashboarding.
// Export failures are logged and dropped; the snapshot in SQLite is the
// record of truth.
type ScoreExporter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	logger   *slog.Logger
}

// NewScoreExporter connects to an InfluxDB instance.
func NewScoreExporter(url, token, org, bucket string, logger *slog.Logger) (*ScoreExporter, error) {
	if url == "" || org == "" || bucket == "" {
		return nil, fmt.Errorf("influx url, org, and bucket are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClient(url, token)
	return &ScoreExporter{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		logger:   logger,
	}, nil
}

// Export writes one snapshot as a point per category plus the overall.
func (e *ScoreExporter) Export(ctx context.Context, score monitor.HealthScore) error {
	fields := map[string]any{
		"overall":      score.Overall,
		"confidence":   score.Confidence,
		"total_issues": score.TotalIssues,
		"critical":     score.CountsBySeverity.Critical,
		"high":         score.CountsBySeverity.High,
		"medium":       score.CountsBySeverity.Medium,
		"low":          score.CountsBySeverity.Low,
	}
	for cat, v := range score.PerCategory {
		fields["score_"+string(cat)] = v
	}

	point := influxdb2.NewPoint("health_score",
		map[string]string{"trend": string(score.Trend)},
		fields,
		score.Timestamp)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("write score point: %w", err)
	}
	return nil
}

// Close shuts down the underlying client.
func (e *ScoreExporter) Close() {
	e.client.Close()
}
