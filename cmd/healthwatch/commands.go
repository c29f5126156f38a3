// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opsforge/healthwatch/pkg/validation"
	"github.com/opsforge/healthwatch/services/cluster"
	"github.com/opsforge/healthwatch/services/ingest"
	"github.com/opsforge/healthwatch/services/monitor"
	"github.com/opsforge/healthwatch/services/similarity"
)

var (
	configPath    string
	runLabel      string
	runHosts      []string
	resolveNotes  string
	watchInterval time.Duration
	trainK        int
	trainIters    int
	trainWindow   int

	rootCmd = &cobra.Command{
		Use:   "healthwatch",
		Short: "Infrastructure health scoring and incident retrieval",
		Long: `healthwatch scores the health of a managed fleet from automation-run
output, clusters recurring failures into patterns, and answers diagnosis
queries from past incidents and their fixes.`,
		SilenceUsage: true,
	}

	checkCmd = &cobra.Command{
		Use:   "check [run-output-file]",
		Short: "Run one health check cycle over run output (file or stdin)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCheck,
	}

	askCmd = &cobra.Command{
		Use:   "ask <question>",
		Short: "Diagnose a failure using past incidents and fixes",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAsk,
	}

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Watch the spool directory and ingest run output continuously",
		RunE:  runWatch,
	}

	reportCmd = &cobra.Command{
		Use:   "report",
		Short: "Print the latest health score and recent unresolved issues",
		RunE:  runReport,
	}

	resolveCmd = &cobra.Command{
		Use:   "resolve <issue-id>",
		Short: "Mark an issue resolved and index the fix for future diagnoses",
		Args:  cobra.ExactArgs(1),
		RunE:  runResolve,
	}

	trainCmd = &cobra.Command{
		Use:   "train",
		Short: "Train the pattern clustering model from stored issues",
		RunE:  runTrain,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.healthwatch/healthwatch.yaml)")

	checkCmd.Flags().StringVar(&runLabel, "run-label", "manual", "label identifying the automation run")
	checkCmd.Flags().StringSliceVar(&runHosts, "hosts", nil, "affected host identifiers")

	watchCmd.Flags().DurationVar(&watchInterval, "rescore-interval", time.Hour, "how often to re-score the rolling window")

	resolveCmd.Flags().StringVar(&resolveNotes, "notes", "", "what fixed the issue")

	trainCmd.Flags().IntVar(&trainK, "clusters", 8, "number of clusters")
	trainCmd.Flags().IntVar(&trainIters, "iterations", 50, "maximum training iterations")
	trainCmd.Flags().IntVar(&trainWindow, "window-days", 30, "how many days of issues to train on")

	rootCmd.AddCommand(checkCmd, askCmd, watchCmd, reportCmd, resolveCmd, trainCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	app, err := setup(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	var raw []byte
	if len(args) == 1 {
		raw, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read run output: %w", err)
		}
	} else {
		raw, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}

	report := app.Aggregator.RunCycle(cmd.Context(), string(raw), runLabel, runHosts, nil)
	return printJSON(report)
}

func runAsk(cmd *cobra.Command, args []string) error {
	app, err := setup(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	response := app.Aggregator.Ask(cmd.Context(), strings.Join(args, " "))

	fmt.Printf("Diagnosis:  %s\n", response.Diagnosis)
	for i, step := range response.FixSteps {
		fmt.Printf("  %d. %s\n", i+1, step)
	}
	if response.Prevention != "" {
		fmt.Printf("Prevention: %s\n", response.Prevention)
	}
	fmt.Printf("Confidence: %d/10 (%s, %d past incidents used)\n",
		response.Confidence, response.Method, response.ContextUsed)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	app, err := setup(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	if app.Config.SpoolDir == "" {
		return fmt.Errorf("spool_dir is not configured")
	}

	watcher, err := ingest.NewWatcher(app.Aggregator, app.Config.SpoolDir, app.Logger.Logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app.Logger.Info("watching spool directory",
		"dir", app.Config.SpoolDir, "rescore_interval", watchInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watcher.Run(gctx)
	})
	g.Go(func() error {
		// Periodic empty cycle re-scores the rolling window so the
		// score and trend stay current between ingested runs.
		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				app.Aggregator.RunCycle(gctx, "", "periodic", nil, nil)
			}
		}
	})
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func runReport(cmd *cobra.Command, args []string) error {
	app, err := setup(cmd)
	if err != nil {
		return err
	}
	defer app.Close()
	ctx := cmd.Context()

	score, err := app.Issues.LatestScore(ctx)
	if err != nil {
		return fmt.Errorf("no score history yet, run 'healthwatch check' first")
	}
	recent, err := app.Issues.RecentIssues(ctx, app.Config.Window(), true)
	if err != nil {
		return fmt.Errorf("query recent issues: %w", err)
	}

	fmt.Printf("Overall: %.1f/100 (%s, confidence %.2f)\n",
		score.Overall, score.Trend, score.Confidence)
	for _, cat := range monitor.Categories {
		fmt.Printf("  %-14s %.1f\n", cat, score.PerCategory[cat])
	}
	fmt.Printf("\nUnresolved issues (last %s): %d\n", app.Config.Window(), len(recent))
	for _, issue := range recent {
		fmt.Printf("  [%s/%s] %s  (id %s, seen %dx)\n",
			issue.Severity, issue.Category, issue.Title, issue.ID, issue.Frequency)
	}
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	if err := validation.ValidateIssueID(args[0]); err != nil {
		return err
	}
	app, err := setup(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Aggregator.Resolve(cmd.Context(), args[0], resolveNotes); err != nil {
		return err
	}
	fmt.Printf("Issue %s marked resolved\n", args[0])
	return nil
}

func runTrain(cmd *cobra.Command, args []string) error {
	app, err := setup(cmd)
	if err != nil {
		return err
	}
	defer app.Close()
	ctx := cmd.Context()

	window := time.Duration(trainWindow) * 24 * time.Hour
	issues, err := app.Issues.RecentIssues(ctx, window, false)
	if err != nil {
		return fmt.Errorf("load training issues: %w", err)
	}
	if len(issues) < 2 {
		return fmt.Errorf("need at least 2 issues to train, have %d", len(issues))
	}

	vectors := make([][]float32, 0, len(issues))
	for _, issue := range issues {
		vec, verr := app.Similarity.Vectorize(ctx, issue.SearchText())
		if verr != nil || vec.IsZero() {
			continue
		}
		if fv := similarity.Featurize(vec, monitor.FeatureDim); fv != nil {
			vectors = append(vectors, fv)
		}
	}
	if len(vectors) < 2 {
		return fmt.Errorf("not enough vectorizable issues to train")
	}

	model := cluster.NewKMeans()
	if err := model.Fit(vectors, trainK, trainIters, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("train clustering model: %w", err)
	}
	artifact := app.Config.ArtifactPath()
	if err := model.Save(artifact); err != nil {
		return fmt.Errorf("save model: %w", err)
	}

	fmt.Printf("Trained %d clusters from %d issues, saved to %s\n",
		len(model.Centroids), len(vectors), artifact)
	return nil
}

func setup(cmd *cobra.Command) (*App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(cmd.Context(), *cfg)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
