package planner

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentflow/internal/llm"
)

type scriptedLLM struct {
	responses []string
	calls     int
}

func (s *scriptedLLM) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	resp := s.responses[s.calls]
	s.calls++
	return &llm.Response{Content: resp}, nil
}

func newTestPlanner(responses ...string) *Planner {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(&scriptedLLM{responses: responses}, nil, log)
}

func TestPlan_HappyPath(t *testing.T) {
	analysis := `{"summary":"fetch then summarize","is_ambiguous":false,"high_level_steps":["fetch","summarize"]}`
	workflow := `{"tasks":[{"task_id":"t1","kind":"agent_task","agent_personality":"default","prompt":"fetch"},
		{"task_id":"t2","kind":"agent_task","agent_personality":"default","prompt":"summarize {{ tasks.t1 }}","dependencies":["t1"]}]}`

	p := newTestPlanner(analysis, workflow)
	wf, err := p.Plan(context.Background(), "fetch then summarize")
	require.NoError(t, err)
	assert.Len(t, wf.Tasks, 2)
	assert.Equal(t, "t1", wf.Tasks[0].TaskID)
}

func TestPlan_AmbiguousGoal(t *testing.T) {
	analysis := `{"summary":"","is_ambiguous":true,"clarifying_question":"which service?"}`
	p := newTestPlanner(analysis)

	_, err := p.Plan(context.Background(), "fix the bug")
	var ambiguous *AmbiguousGoalError
	require.ErrorAs(t, err, &ambiguous)
	assert.Equal(t, "which service?", ambiguous.ClarifyingQuestion)
}

func TestPlan_FormatRetryRecoversFromBadJSON(t *testing.T) {
	analysis := `{"summary":"x","is_ambiguous":false,"high_level_steps":["x"]}`
	badWorkflow := "not json at all"
	goodWorkflow := `{"tasks":[{"task_id":"t1","kind":"agent_task","agent_personality":"default","prompt":"go"}]}`

	p := newTestPlanner(analysis, badWorkflow, goodWorkflow)
	wf, err := p.Plan(context.Background(), "do something")
	require.NoError(t, err)
	assert.Len(t, wf.Tasks, 1)
}

func TestPlan_InvalidWorkflowGraphSurfacesSchemaError(t *testing.T) {
	analysis := `{"summary":"x","is_ambiguous":false,"high_level_steps":["x"]}`
	workflow := `{"tasks":[{"task_id":"t1","kind":"agent_task","dependencies":["ghost"]}]}`

	p := newTestPlanner(analysis, workflow)
	_, err := p.Plan(context.Background(), "do something")
	var schemaErr *PlannerSchemaError
	assert.ErrorAs(t, err, &schemaErr)
}

func TestReplan_ConcatenatesClarification(t *testing.T) {
	analysis := `{"summary":"x","is_ambiguous":false,"high_level_steps":["x"]}`
	workflow := `{"tasks":[{"task_id":"t1","kind":"agent_task","agent_personality":"default","prompt":"go"}]}`
	p := newTestPlanner(analysis, workflow)

	wf, err := p.Replan(context.Background(), "fix the bug", "the checkout service")
	require.NoError(t, err)
	assert.Contains(t, wf.OriginalPrompt, "fix the bug")
	assert.Contains(t, wf.OriginalPrompt, "the checkout service")
}
