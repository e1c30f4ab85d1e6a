// Package planner implements the two-phase LLM-driven Planner: Phase 0
// retrieves insights from past workflows, Phase 1 analyzes the goal for
// ambiguity, Phase 2 generates a validated workflow, with a bounded
// format-correction retry loop around each LLM call.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/agentflow/internal/domain"
	"github.com/c360studio/agentflow/internal/insights"
	"github.com/c360studio/agentflow/internal/llm"
	"github.com/google/uuid"
)

// maxFormatRetries bounds total LLM call attempts per phase when the
// response isn't valid JSON; each retry feeds the parse error back as a
// correction message.
const maxFormatRetries = 5

const (
	analyzeCapability  = "planning"
	generateCapability = "planning"
)

// AmbiguousGoalError is a meaningful outcome, not a failure: the goal needs
// clarification before a workflow can be produced.
type AmbiguousGoalError struct {
	ClarifyingQuestion string
}

func (e *AmbiguousGoalError) Error() string {
	return fmt.Sprintf("goal is ambiguous: %s", e.ClarifyingQuestion)
}

// PlannerSchemaError is raised when Phase 2's workflow JSON fails
// validation (unknown fields, dependency typos, cycles).
type PlannerSchemaError struct {
	Err error
}

func (e *PlannerSchemaError) Error() string { return fmt.Sprintf("planner schema error: %s", e.Err) }
func (e *PlannerSchemaError) Unwrap() error { return e.Err }

// PlannerError wraps any other planner failure (LLM call failure, exhausted
// format retries).
type PlannerError struct {
	Err error
}

func (e *PlannerError) Error() string { return fmt.Sprintf("planner error: %s", e.Err) }
func (e *PlannerError) Unwrap() error { return e.Err }

// analysis is the Phase 1 structured response.
type analysis struct {
	Summary            string   `json:"summary"`
	IsAmbiguous        bool     `json:"is_ambiguous"`
	ClarifyingQuestion string   `json:"clarifying_question,omitempty"`
	HighLevelSteps     []string `json:"high_level_steps"`
}

// generatedWorkflow is the Phase 2 structured response, prior to being
// wrapped in a domain.Workflow.
type generatedWorkflow struct {
	Tasks []*domain.TaskBlock `json:"tasks"`
}

// Planner produces workflows from natural-language goals.
type Planner struct {
	llm   llm.Client
	store insights.Store
	log   *slog.Logger
}

// New constructs a Planner. store may be nil; insight retrieval failure (or
// absence) is non-fatal.
func New(client llm.Client, store insights.Store, log *slog.Logger) *Planner {
	return &Planner{llm: client, store: store, log: log}
}

// Plan runs the full pipeline for a fresh goal: retrieve insights, analyze
// for ambiguity, and on success generate a validated workflow.
func (p *Planner) Plan(ctx context.Context, goal string) (*domain.Workflow, error) {
	return p.run(ctx, goal)
}

// Replan concatenates the original prompt with the clarification answer and
// re-runs the full pipeline.
func (p *Planner) Replan(ctx context.Context, originalPrompt, clarification string) (*domain.Workflow, error) {
	goal := fmt.Sprintf("%s\n\nClarification: %s", originalPrompt, clarification)
	return p.run(ctx, goal)
}

func (p *Planner) run(ctx context.Context, goal string) (*domain.Workflow, error) {
	lessons := p.retrieveInsights(ctx, goal)

	a, err := p.analyze(ctx, goal, lessons)
	if err != nil {
		return nil, &PlannerError{Err: err}
	}
	if a.IsAmbiguous {
		return nil, &AmbiguousGoalError{ClarifyingQuestion: a.ClarifyingQuestion}
	}

	gw, err := p.generate(ctx, goal, a)
	if err != nil {
		return nil, err // already wrapped as PlannerError/PlannerSchemaError
	}

	wf := domain.NewWorkflow(uuid.New().String(), goal)
	wf.Tasks = gw.Tasks
	if err := wf.ValidateGraph(); err != nil {
		return nil, &PlannerSchemaError{Err: err}
	}
	return wf, nil
}

// retrieveInsights is Phase 0. Any failure (embed, query, nil store) is
// logged and treated as "no lessons", never fatal.
func (p *Planner) retrieveInsights(ctx context.Context, goal string) []insights.Insight {
	if p.store == nil {
		return nil
	}
	embedding, err := p.store.Embed(ctx, goal)
	if err != nil {
		p.log.Warn("insight embed failed, continuing with no lessons", "error", err)
		return nil
	}
	const k = 3
	result, err := p.store.Retrieve(ctx, embedding, k)
	if err != nil {
		p.log.Warn("insight retrieval failed, continuing with no lessons", "error", err)
		return nil
	}
	return result
}

// analyze is Phase 1: ask the LLM to summarize the goal and flag ambiguity.
func (p *Planner) analyze(ctx context.Context, goal string, lessons []insights.Insight) (*analysis, error) {
	system := analyzeSystemPrompt
	user := buildAnalyzeUserPrompt(goal, lessons)

	var out analysis
	if err := p.completeWithFormatRetry(ctx, analyzeCapability, system, user, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// generate is Phase 2: ask the LLM for a full workflow JSON.
func (p *Planner) generate(ctx context.Context, goal string, a *analysis) (*generatedWorkflow, error) {
	system := generateSystemPrompt
	user := buildGenerateUserPrompt(goal, a)

	var out generatedWorkflow
	if err := p.completeWithFormatRetry(ctx, generateCapability, system, user, &out); err != nil {
		return nil, &PlannerSchemaError{Err: err}
	}
	return &out, nil
}

// completeWithFormatRetry calls the LLM with format-correction retry: if
// the response isn't valid JSON matching out's shape, the parse error is
// fed back as a correction message, up to maxFormatRetries total attempts.
func (p *Planner) completeWithFormatRetry(ctx context.Context, capability, system, user string, out any) error {
	messages := []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}

	var lastErr error
	for attempt := 0; attempt < maxFormatRetries; attempt++ {
		resp, err := p.llm.Complete(ctx, llm.Request{Capability: capability, Messages: messages})
		if err != nil {
			return fmt.Errorf("LLM completion: %w", err)
		}

		parseErr := parseJSONResponse(resp.Content, out)
		if parseErr == nil {
			return nil
		}
		lastErr = parseErr

		if attempt+1 >= maxFormatRetries {
			break
		}
		p.log.Warn("planner format retry", "attempt", attempt+1, "error", parseErr)
		messages = append(messages,
			llm.Message{Role: "assistant", Content: resp.Content},
			llm.Message{Role: "user", Content: formatCorrectionPrompt(parseErr)},
		)
	}
	return fmt.Errorf("parse LLM response: %w", lastErr)
}

// parseJSONResponse extracts a ```json fenced block if present, else treats
// the whole content as JSON, and unmarshals into out, rejecting fields that
// out does not declare.
func parseJSONResponse(content string, out any) error {
	jsonContent := extractJSON(content)
	if jsonContent == "" {
		return fmt.Errorf("no JSON found in response")
	}
	dec := json.NewDecoder(strings.NewReader(jsonContent))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("parse JSON: %w", err)
	}
	if strings.TrimSpace(jsonContent[dec.InputOffset():]) != "" {
		return fmt.Errorf("parse JSON: unexpected data after the JSON value")
	}
	return nil
}

func extractJSON(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		if idx := strings.Index(trimmed, "\n"); idx != -1 {
			trimmed = trimmed[idx+1:]
		}
		if idx := strings.LastIndex(trimmed, "```"); idx != -1 {
			trimmed = trimmed[:idx]
		}
		return strings.TrimSpace(trimmed)
	}
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return trimmed
	}
	start := strings.IndexAny(trimmed, "{[")
	if start == -1 {
		return ""
	}
	return strings.TrimSpace(trimmed[start:])
}

func formatCorrectionPrompt(err error) string {
	return fmt.Sprintf(
		"Your response could not be parsed as JSON. Error: %s\n\nPlease respond with ONLY a valid JSON object matching the requested schema.",
		err.Error(),
	)
}
