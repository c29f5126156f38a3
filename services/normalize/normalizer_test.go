// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package normalize

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/healthwatch/services/llm"
	"github.com/opsforge/healthwatch/services/monitor"
)

// scriptedClient returns a canned response or error for Generate.
type scriptedClient struct {
	response string
	err      error
	prompts  []string
}

func (c *scriptedClient) Generate(ctx context.Context, prompt string, params llm.Params) (string, error) {
	c.prompts = append(c.prompts, prompt)
	if c.err != nil {
		return "", c.err
	}
	return c.response, nil
}

func (c *scriptedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, llm.ErrBackendDisabled
}

const failedRun = `
PLAY [deploy monitoring] *******************************************************

TASK [install snap packages] ***************************************************
fatal: [node-01]: FAILED! => {"msg": "snap command not found"}
ERROR: snap install prometheus failed
ERROR: snap install grafana failed
ERROR: could not contact snap store
WARNING: retrying connection

PLAY RECAP *********************************************************************
node-01 : ok=3 changed=1 unreachable=0 failed=1
`

func TestFallbackNormalization(t *testing.T) {
	n := NewNormalizer(llm.Disabled{}, nil)
	result := n.Normalize(context.Background(), failedRun, "deploy-monitoring")

	assert.False(t, result.Success)
	assert.Equal(t, monitor.SeverityHigh, result.Severity)
	assert.LessOrEqual(t, len(result.ErrorMessages), 3)
	assert.NotEmpty(t, result.ErrorMessages)
	assert.Equal(t, 0.3, result.Confidence)
	assert.Contains(t, result.FailedTasks, "install snap packages")
	assert.Contains(t, result.AffectedHosts, "node-01")
	assert.NotEmpty(t, result.SuggestedActions)
}

func TestFallbackCleanRun(t *testing.T) {
	n := NewNormalizer(nil, nil)
	result := n.Normalize(context.Background(), "PLAY RECAP\nnode-01 : ok=5 changed=2 unreachable=0 failed=0", "deploy")

	assert.True(t, result.Success)
	assert.Equal(t, monitor.SeverityInfo, result.Severity)
	assert.Empty(t, result.ErrorMessages)
	assert.Empty(t, result.AffectedHosts)
}

func TestFallbackBoundsExtraction(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&b, "TASK [task number %d]\n", i)
		fmt.Fprintf(&b, "ERROR: failure %d\n", i)
		fmt.Fprintf(&b, "WARNING: warning %d\n", i)
	}
	result := ruleNormalize(b.String())

	assert.Len(t, result.FailedTasks, 5)
	assert.Len(t, result.ErrorMessages, 3)
	assert.Len(t, result.Warnings, 3)
}

func TestModelNormalization(t *testing.T) {
	client := &scriptedClient{response: `{
		"success": false,
		"failed_tasks": ["install snap packages"],
		"error_messages": ["snap command not found"],
		"warnings": [],
		"affected_hosts": ["node-01"],
		"severity": "high",
		"suggested_actions": ["install snapd first"],
		"confidence": 0.9
	}`}
	n := NewNormalizer(client, nil)
	result := n.Normalize(context.Background(), failedRun, "deploy-monitoring")

	assert.False(t, result.Success)
	assert.Equal(t, 0.9, result.Confidence)
	assert.Equal(t, []string{"install snapd first"}, result.SuggestedActions)
}

func TestModelPromptTruncated(t *testing.T) {
	client := &scriptedClient{err: fmt.Errorf("unavailable")}
	n := NewNormalizer(client, nil)

	huge := strings.Repeat("x", 100_000)
	n.Normalize(context.Background(), huge, "big-run")

	require.Len(t, client.prompts, 1)
	assert.Less(t, len(client.prompts[0]), 3000)
}

func TestMalformedModelResponseFallsBack(t *testing.T) {
	cases := map[string]string{
		"not json":         "the run failed because of snap",
		"invalid severity": `{"success": false, "severity": "catastrophic", "confidence": 0.9}`,
		"bad confidence":   `{"success": false, "severity": "high", "confidence": 7}`,
	}
	for name, response := range cases {
		t.Run(name, func(t *testing.T) {
			n := NewNormalizer(&scriptedClient{response: response}, nil)
			result := n.Normalize(context.Background(), failedRun, "deploy")
			assert.Equal(t, 0.3, result.Confidence)
			assert.False(t, result.Success)
		})
	}
}

func TestCategorize(t *testing.T) {
	cases := []struct {
		text string
		want monitor.Category
	}{
		{"permission denied while opening file", monitor.CategorySecurity},
		{"ssh connection refused by gateway", monitor.CategoryNetwork},
		{"no space left on device", monitor.CategoryStorage},
		{"high cpu load on worker", monitor.CategoryPerformance},
		{"snap package missing", monitor.CategoryDependencies},
		{"playbook task skipped", monitor.CategoryAutomation},
		{"bad yaml indentation", monitor.CategoryConfiguration},
		{"kernel panic", monitor.CategorySystem},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Categorize(tc.text), "text %q", tc.text)
	}
}
