// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package diagnosis answers operator queries by combining retrieved past
// incidents with either a model-backed synthesis or an always-available
// rule table. Degradation is expressed through confidence, never through
// errors: a query always gets a structured answer.
package diagnosis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opsforge/healthwatch/services/llm"
	"github.com/opsforge/healthwatch/services/retrieval"
)

var tracer = otel.Tracer("healthwatch.diagnosis")

const (
	// MethodModel marks a response synthesized by the LLM collaborator.
	MethodModel = "model"
	// MethodRuleBased marks a response from the keyword rule table.
	MethodRuleBased = "rule-based"

	// contextDocLimit is how many documents are retrieved when the
	// caller does not supply context and no override is configured.
	contextDocLimit = 3

	// contextMinSimilarity is the default retrieval threshold.
	contextMinSimilarity = 0.1

	// contextDocBudget bounds each document's contribution to the
	// prompt context.
	contextDocBudget = 500
)

// Response is a structured diagnosis. Confidence (1-10) rates the
// diagnosis itself; Support (0-1) rates how much retrieved evidence
// backs it.
type Response struct {
	Diagnosis   string   `json:"diagnosis"`
	FixSteps    []string `json:"fix_steps"`
	Prevention  string   `json:"prevention"`
	Confidence  int      `json:"confidence"`
	ContextUsed int      `json:"context_used"`
	Method      string   `json:"method"`
	Support     float64  `json:"support"`
}

// Responder produces diagnoses from queries.
type Responder struct {
	store  *retrieval.Store
	client llm.Client
	logger *slog.Logger

	topK          int
	minSimilarity float64
}

// Option customizes a Responder at construction time.
type Option func(*Responder)

// WithRetrievalLimits overrides how much context is fetched per query.
// Out-of-range values keep the defaults.
func WithRetrievalLimits(topK int, minSimilarity float64) Option {
	return func(r *Responder) {
		if topK > 0 {
			r.topK = topK
		}
		if minSimilarity >= 0 && minSimilarity <= 1 {
			r.minSimilarity = minSimilarity
		}
	}
}

// NewResponder wires a responder. A nil client disables the model path.
func NewResponder(store *retrieval.Store, client llm.Client, logger *slog.Logger, opts ...Option) (*Responder, error) {
	if store == nil {
		return nil, fmt.Errorf("retrieval store is required")
	}
	if client == nil {
		client = llm.Disabled{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Responder{
		store:         store,
		client:        client,
		logger:        logger,
		topK:          contextDocLimit,
		minSimilarity: contextMinSimilarity,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Respond diagnoses a query, retrieving context when none is supplied.
//
// # Description
//
// Context documents are fetched from the retrieval store (top-3 at
// similarity 0.1 unless configured otherwise) unless the caller passes
// their own. The model path is tried first when a
// client is configured; any failure or unparseable response falls
// through to the rule table, which always answers. Support is derived
// purely from how many context documents were available.
func (r *Responder) Respond(ctx context.Context, query string, contextDocs []retrieval.Result) Response {
	ctx, span := tracer.Start(ctx, "diagnosis.respond")
	defer span.End()

	if contextDocs == nil {
		docs, err := r.store.Search(ctx, query, r.topK, r.minSimilarity)
		if err != nil {
			r.logger.Warn("context retrieval failed, diagnosing without context", "error", err)
		} else {
			contextDocs = docs
		}
	}

	response, err := r.modelRespond(ctx, query, contextDocs)
	if err != nil {
		r.logger.Debug("model diagnosis unavailable, using rule table", "error", err)
		response = ruleRespond(query, contextDocs)
	}

	response.ContextUsed = len(contextDocs)
	response.Support = supportScore(len(contextDocs))
	span.SetAttributes(
		attribute.String("method", response.Method),
		attribute.Int("context_used", response.ContextUsed),
	)
	return response
}

// supportScore converts retrieval support into a 0-1 score.
func supportScore(contextUsed int) float64 {
	s := 0.3 + 0.2*float64(contextUsed)
	if s > 1 {
		s = 1
	}
	return s
}

func (r *Responder) modelRespond(ctx context.Context, query string, contextDocs []retrieval.Result) (Response, error) {
	var b strings.Builder
	for i, doc := range contextDocs {
		content := doc.Document.Content
		if len(content) > contextDocBudget {
			content = content[:contextDocBudget]
		}
		fmt.Fprintf(&b, "Incident %d (similarity %.2f):\n%s\n\n", i+1, doc.Similarity, content)
	}

	prompt := fmt.Sprintf(`You are diagnosing an infrastructure failure. Using the past
incidents below as context, respond with a JSON object with exactly
these keys: "diagnosis" (string), "fix_steps" (array of strings),
"prevention" (string), "confidence" (integer 1-10).

%sQuery: %s`, b.String(), query)

	raw, err := r.client.Generate(ctx, prompt, llm.Params{JSONFormat: true})
	if err != nil {
		return Response{}, err
	}

	var parsed struct {
		Diagnosis  string   `json:"diagnosis"`
		FixSteps   []string `json:"fix_steps"`
		Prevention string   `json:"prevention"`
		Confidence int      `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil || parsed.Diagnosis == "" {
		// A model that answered but not in shape still counts as a model
		// response, just a degraded one.
		return Response{
			Diagnosis:  "parsing failed",
			Confidence: 1,
			Method:     MethodModel,
		}, nil
	}
	if parsed.Confidence < 1 {
		parsed.Confidence = 1
	}
	if parsed.Confidence > 10 {
		parsed.Confidence = 10
	}
	return Response{
		Diagnosis:  parsed.Diagnosis,
		FixSteps:   parsed.FixSteps,
		Prevention: parsed.Prevention,
		Confidence: parsed.Confidence,
		Method:     MethodModel,
	}, nil
}

// diagnosisRule is one entry in the keyword-triggered rule table.
type diagnosisRule struct {
	keywords   []string
	diagnosis  string
	fixSteps   []string
	prevention string
	confidence int
}

// ruleTable is evaluated in order; the first keyword hit wins.
var ruleTable = []diagnosisRule{
	{
		keywords:  []string{"snap"},
		diagnosis: "Package manager issue: the snap tooling is missing or misconfigured",
		fixSteps: []string{
			"Verify snapd is installed and the snapd socket is active",
			"Run 'sudo apt install snapd' on the affected host",
			"Retry the failed snap command",
		},
		prevention: "Include snapd installation in base provisioning",
		confidence: 6,
	},
	{
		keywords:  []string{"permission", "denied"},
		diagnosis: "Authentication or permissions issue: the operation was rejected by the target",
		fixSteps: []string{
			"Check the credentials and key material used for the connection",
			"Verify file and directory ownership on the target",
			"Confirm sudo rules cover the failing command",
		},
		prevention: "Audit credentials and sudo policies regularly",
		confidence: 6,
	},
	{
		keywords:  []string{"microk8s", "kubernetes"},
		diagnosis: "Orchestration issue: the Kubernetes layer is unhealthy",
		fixSteps: []string{
			"Run 'microk8s status' on the affected node",
			"Inspect kubelet and apiserver logs",
			"Restart the cluster services if they are wedged",
		},
		prevention: "Monitor cluster component health continuously",
		confidence: 6,
	},
	{
		keywords:  []string{"ssh", "connection"},
		diagnosis: "Connectivity issue: the target host could not be reached",
		fixSteps: []string{
			"Verify the host is up and reachable on the network",
			"Check sshd is running and listening on the expected port",
			"Review firewall rules between controller and target",
		},
		prevention: "Add reachability checks before running playbooks",
		confidence: 6,
	},
}

// defaultRule answers when nothing in the table matches.
var defaultRule = diagnosisRule{
	diagnosis: "Configuration issue: the failure does not match a known pattern",
	fixSteps: []string{
		"Review the full run output for the first error",
		"Compare the current configuration against a known-good state",
	},
	prevention: "Keep configuration under version control and validated",
	confidence: 4,
}

// ruleRespond is the always-available diagnosis path. When the retrieved
// context contains a document marked success=true, its content becomes
// the suggested fix and the confidence is boosted.
func ruleRespond(query string, contextDocs []retrieval.Result) Response {
	lower := strings.ToLower(query)

	rule := defaultRule
match:
	for _, candidate := range ruleTable {
		for _, kw := range candidate.keywords {
			if strings.Contains(lower, kw) {
				rule = candidate
				break match
			}
		}
	}

	response := Response{
		Diagnosis:  rule.diagnosis,
		FixSteps:   append([]string(nil), rule.fixSteps...),
		Prevention: rule.prevention,
		Confidence: rule.confidence,
		Method:     MethodRuleBased,
	}

	for _, doc := range contextDocs {
		if success, ok := doc.Document.Metadata["success"].(bool); ok && success {
			fix := doc.Document.Content
			if len(fix) > contextDocBudget {
				fix = fix[:contextDocBudget]
			}
			response.FixSteps = append([]string{"A previous fix worked for a similar failure: " + fix}, response.FixSteps...)
			response.Confidence += 2
			if response.Confidence > 9 {
				response.Confidence = 9
			}
			break
		}
	}
	return response
}
