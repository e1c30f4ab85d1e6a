package workflowmanager

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentflow/internal/bus"
	"github.com/c360studio/agentflow/internal/domain"
	"github.com/c360studio/agentflow/internal/store"
	"github.com/c360studio/agentflow/internal/tagged"
)

func newTestManager(t *testing.T) (*Manager, *bus.FakeBus) {
	t.Helper()
	b := bus.NewFakeBus()
	wfStore, err := store.NewWorkflowStore(context.Background(), b)
	require.NoError(t, err)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(wfStore, b, log), b
}

func TestCreate_RejectsInvalidGraph(t *testing.T) {
	mgr, _ := newTestManager(t)
	wf := domain.NewWorkflow("wf-1", "test")
	wf.Tasks = []*domain.TaskBlock{
		{TaskID: "t1", Kind: domain.KindAgentTask, Dependencies: []string{"ghost"}},
	}
	err := mgr.Create(context.Background(), wf)
	assert.Error(t, err)
}

func TestCreate_DefaultsUnsetBlockStatusesToPending(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	wf := domain.NewWorkflow("wf-defaults", "planner output")
	wf.Tasks = []*domain.TaskBlock{
		{TaskID: "t1", Kind: domain.KindAgentTask, AgentPersonality: "default", Prompt: "go"},
		{
			TaskID: "cond1",
			Kind:   domain.KindConditionalBlock,
			Branches: []domain.Branch{
				{Condition: "true", Tasks: []*domain.TaskBlock{{TaskID: "t2", Kind: domain.KindAgentTask, Prompt: "next"}}},
			},
			Dependencies: []string{"t1"},
		},
	}
	require.NoError(t, mgr.Create(ctx, wf))

	stored, err := mgr.Get(ctx, "wf-defaults")
	require.NoError(t, err)
	for _, b := range stored.AllBlocks() {
		assert.Equal(t, domain.BlockPending, b.Status, "block %s", b.TaskID)
	}
}

func TestUpdateTaskStatus_IdempotentNoOp(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	wf := domain.NewWorkflow("wf-2", "test")
	wf.Tasks = []*domain.TaskBlock{{TaskID: "t1", Kind: domain.KindAgentTask, Status: domain.BlockCompleted}}
	require.NoError(t, mgr.Create(ctx, wf))

	applied, err := mgr.UpdateTaskStatus(ctx, "wf-2", "t1", domain.BlockCompleted, nil, nil)
	assert.NoError(t, err)
	assert.False(t, applied, "a duplicate transition must report not-applied so callers skip side effects")
}

func TestUpdateTaskStatus_IllegalTransition(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	wf := domain.NewWorkflow("wf-3", "test")
	wf.Tasks = []*domain.TaskBlock{{TaskID: "t1", Kind: domain.KindAgentTask, Status: domain.BlockPending}}
	require.NoError(t, mgr.Create(ctx, wf))

	_, err := mgr.UpdateTaskStatus(ctx, "wf-3", "t1", domain.BlockCompleted, nil, nil)
	assert.Error(t, err)
}

func TestUpdateTaskStatus_MergesSharedContext(t *testing.T) {
	mgr, b := newTestManager(t)
	ctx := context.Background()

	wf := domain.NewWorkflow("wf-4", "test")
	wf.Tasks = []*domain.TaskBlock{{TaskID: "t1", Kind: domain.KindAgentTask, Status: domain.BlockDispatched}}
	wf.SharedContext["tasks"] = tagged.Object(map[string]tagged.Value{})
	require.NoError(t, mgr.Create(ctx, wf))

	result := tagged.String("raw-data")
	updates := map[string]tagged.Value{
		"tasks": tagged.Object(map[string]tagged.Value{
			"t1": tagged.Object(map[string]tagged.Value{"result": result}),
		}),
	}
	applied, err := mgr.UpdateTaskStatus(ctx, "wf-4", "t1", domain.BlockCompleted, &result, updates)
	require.NoError(t, err)
	require.True(t, applied)

	stored, err := mgr.Get(ctx, "wf-4")
	require.NoError(t, err)
	assert.Equal(t, domain.BlockCompleted, stored.FindBlock("t1").Status)
	r, _ := stored.SharedContext["tasks"].Field("t1").Field("result").AsString()
	assert.Equal(t, "raw-data", r)

	assert.NotEmpty(t, b.Published, "a successful status transition must publish a dashboard event and status update")
}
