package executor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentflow/internal/bus"
	"github.com/c360studio/agentflow/internal/dispatcher"
	"github.com/c360studio/agentflow/internal/domain"
	"github.com/c360studio/agentflow/internal/store"
	"github.com/c360studio/agentflow/internal/tagged"
	"github.com/c360studio/agentflow/internal/workflowmanager"
)

type alwaysSelect struct{ reg domain.AgentRegistration }

func (s alwaysSelect) Select(string) (domain.AgentRegistration, bool) { return s.reg, true }

func newTestRig(t *testing.T) (*workflowmanager.Manager, *Executor, *ConditionalWorker, *bus.FakeBus) {
	t.Helper()
	b := bus.NewFakeBus()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	wfStore, err := store.NewWorkflowStore(context.Background(), b)
	require.NoError(t, err)
	mgr := workflowmanager.New(wfStore, b, log)

	sel := alwaysSelect{reg: domain.AgentRegistration{AgentID: "agent-1", TaskTopic: "tasks.agent-1", Personality: "default"}}
	disp := dispatcher.New(b, sel, "default-model")

	exec := New(mgr, disp, b, nil, log)
	worker := NewConditionalWorker(mgr, log)
	_, err = worker.Start(context.Background(), b)
	require.NoError(t, err)

	return mgr, exec, worker, b
}

func mustUpdate(t *testing.T, mgr *workflowmanager.Manager, ctx context.Context, workflowID, taskID string, status domain.BlockStatus, result *tagged.Value) {
	t.Helper()
	applied, err := mgr.UpdateTaskStatus(ctx, workflowID, taskID, status, result, nil)
	require.NoError(t, err)
	require.True(t, applied)
}

func TestAdvance_LinearWorkflow_DispatchesAndCompletes(t *testing.T) {
	mgr, exec, _, _ := newTestRig(t)
	ctx := context.Background()

	wf := domain.NewWorkflow("wf-linear", "fetch then summarize")
	wf.Tasks = []*domain.TaskBlock{
		{TaskID: "t1", Kind: domain.KindAgentTask, Status: domain.BlockPending, AgentPersonality: "default", Prompt: "fetch"},
		{TaskID: "t2", Kind: domain.KindAgentTask, Status: domain.BlockPending, AgentPersonality: "default",
			Prompt: "summarize {{ tasks.t1 }}", Dependencies: []string{"t1"}},
	}
	require.NoError(t, mgr.Create(ctx, wf))

	require.NoError(t, exec.Advance(ctx, "wf-linear"))
	wf, err := mgr.Get(ctx, "wf-linear")
	require.NoError(t, err)
	assert.Equal(t, domain.BlockDispatched, wf.FindBlock("t1").Status)
	assert.Equal(t, domain.BlockPending, wf.FindBlock("t2").Status, "t2 depends on t1 and must not yet be eligible")

	result := tagged.String("raw-data")
	mustUpdate(t, mgr, ctx, "wf-linear", "t1", domain.BlockCompleted, &result)

	require.NoError(t, exec.Advance(ctx, "wf-linear"))
	wf, err = mgr.Get(ctx, "wf-linear")
	require.NoError(t, err)
	assert.Equal(t, domain.BlockDispatched, wf.FindBlock("t2").Status)

	result2 := tagged.String("summary")
	mustUpdate(t, mgr, ctx, "wf-linear", "t2", domain.BlockCompleted, &result2)
	require.NoError(t, exec.Advance(ctx, "wf-linear"))

	wf, err = mgr.Get(ctx, "wf-linear")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompleted, wf.Status)
}

func TestAdvance_ConditionalBranch_CancelsUnchosenBranch(t *testing.T) {
	mgr, exec, _, _ := newTestRig(t)
	ctx := context.Background()

	wf := domain.NewWorkflow("wf-cond", "branch test")
	wf.Tasks = []*domain.TaskBlock{
		{TaskID: "t1", Kind: domain.KindAgentTask, Status: domain.BlockPending, AgentPersonality: "default", Prompt: "check status"},
		{
			TaskID:       "cond1",
			Kind:         domain.KindConditionalBlock,
			Status:       domain.BlockPending,
			Dependencies: []string{"t1"},
			Branches: []domain.Branch{
				{Condition: `tasks.t1 == "ok"`, Tasks: []*domain.TaskBlock{
					{TaskID: "t2", Kind: domain.KindAgentTask, Status: domain.BlockPending, AgentPersonality: "default", Prompt: "handle ok"},
				}},
				{Condition: "true", Tasks: []*domain.TaskBlock{
					{TaskID: "t3", Kind: domain.KindAgentTask, Status: domain.BlockPending, AgentPersonality: "default", Prompt: "handle fallback"},
				}},
			},
		},
	}
	require.NoError(t, mgr.Create(ctx, wf))

	require.NoError(t, exec.Advance(ctx, "wf-cond"))
	result := tagged.String("ok")
	mustUpdate(t, mgr, ctx, "wf-cond", "t1", domain.BlockCompleted, &result)

	// This Advance pass publishes the conditional evaluation, which the
	// ConditionalWorker subscribed on the same FakeBus processes
	// synchronously, completing cond1 with branch_taken=t2 before Advance
	// returns.
	require.NoError(t, exec.Advance(ctx, "wf-cond"))

	wf, err := mgr.Get(ctx, "wf-cond")
	require.NoError(t, err)
	cond1 := wf.FindBlock("cond1")
	require.Equal(t, domain.BlockCompleted, cond1.Status)
	branchTaken, _ := cond1.Result.Field("branch_taken").AsString()
	assert.Equal(t, "t2", branchTaken)

	// t2/t3 eligibility is only evaluated at the start of an Advance pass, so
	// a further call is needed to see them act on cond1's now-COMPLETED
	// status.
	require.NoError(t, exec.Advance(ctx, "wf-cond"))

	wf, err = mgr.Get(ctx, "wf-cond")
	require.NoError(t, err)
	assert.Equal(t, domain.BlockDispatched, wf.FindBlock("t2").Status, "chosen branch's task must be dispatched")
	assert.Equal(t, domain.BlockCancelled, wf.FindBlock("t3").Status, "unchosen branch's task must be cancelled, never dispatched")
}

func TestAdvance_ZeroTaskWorkflow_CompletesImmediately(t *testing.T) {
	mgr, exec, _, _ := newTestRig(t)
	ctx := context.Background()

	wf := domain.NewWorkflow("wf-empty", "nothing to do")
	require.NoError(t, mgr.Create(ctx, wf))

	require.NoError(t, exec.Advance(ctx, "wf-empty"))

	wf, err := mgr.Get(ctx, "wf-empty")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompleted, wf.Status)
}

func TestAdvance_FinishedWorkflow_IssuesZeroPublishes(t *testing.T) {
	mgr, exec, _, b := newTestRig(t)
	ctx := context.Background()

	wf := domain.NewWorkflow("wf-done", "single step")
	wf.Tasks = []*domain.TaskBlock{
		{TaskID: "t1", Kind: domain.KindAgentTask, Status: domain.BlockPending, AgentPersonality: "default", Prompt: "go"},
	}
	require.NoError(t, mgr.Create(ctx, wf))

	require.NoError(t, exec.Advance(ctx, "wf-done"))
	result := tagged.String("done")
	mustUpdate(t, mgr, ctx, "wf-done", "t1", domain.BlockCompleted, &result)
	require.NoError(t, exec.Advance(ctx, "wf-done"))

	wf, err := mgr.Get(ctx, "wf-done")
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCompleted, wf.Status)

	before := len(b.Published)
	require.NoError(t, exec.Advance(ctx, "wf-done"))
	assert.Equal(t, before, len(b.Published), "re-advancing an unchanged workflow must issue zero publishes")
}

func TestAdvance_UnmetCondition_CancelsWithoutBlockingCompletion(t *testing.T) {
	mgr, exec, _, _ := newTestRig(t)
	ctx := context.Background()

	wf := domain.NewWorkflow("wf-skip", "conditional skip")
	wf.Tasks = []*domain.TaskBlock{
		{TaskID: "t1", Kind: domain.KindAgentTask, Status: domain.BlockPending, AgentPersonality: "default", Prompt: "probe"},
		{TaskID: "t2", Kind: domain.KindAgentTask, Status: domain.BlockPending, AgentPersonality: "default",
			Prompt: "escalate", Condition: `tasks.t1 == "bad"`, Dependencies: []string{"t1"}},
	}
	require.NoError(t, mgr.Create(ctx, wf))

	require.NoError(t, exec.Advance(ctx, "wf-skip"))
	result := tagged.String("good")
	mustUpdate(t, mgr, ctx, "wf-skip", "t1", domain.BlockCompleted, &result)
	require.NoError(t, exec.Advance(ctx, "wf-skip"))

	wf, err := mgr.Get(ctx, "wf-skip")
	require.NoError(t, err)
	assert.Equal(t, domain.BlockCancelled, wf.FindBlock("t2").Status)

	require.NoError(t, exec.Advance(ctx, "wf-skip"))
	wf, err = mgr.Get(ctx, "wf-skip")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompleted, wf.Status, "a CANCELLED block must not block workflow completion")
}

func TestAdvance_RenderError_FailsBlockAndWorkflow(t *testing.T) {
	mgr, exec, _, _ := newTestRig(t)
	ctx := context.Background()

	wf := domain.NewWorkflow("wf-render", "broken template")
	wf.Tasks = []*domain.TaskBlock{
		{TaskID: "t1", Kind: domain.KindAgentTask, Status: domain.BlockPending, AgentPersonality: "default",
			Prompt: "use {{ no_such_var.field }}"},
	}
	require.NoError(t, mgr.Create(ctx, wf))

	require.NoError(t, exec.Advance(ctx, "wf-render"))
	wf, err := mgr.Get(ctx, "wf-render")
	require.NoError(t, err)
	assert.Equal(t, domain.BlockFailed, wf.FindBlock("t1").Status)

	require.NoError(t, exec.Advance(ctx, "wf-render"))
	wf, err = mgr.Get(ctx, "wf-render")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowFailed, wf.Status)
}

func TestAdvance_OrphanedBranchTasks_CancelledWhenParentDies(t *testing.T) {
	mgr, exec, _, _ := newTestRig(t)
	ctx := context.Background()

	wf := domain.NewWorkflow("wf-orphan", "dead parent")
	wf.Tasks = []*domain.TaskBlock{
		{
			TaskID: "cond1",
			Kind:   domain.KindConditionalBlock,
			Status: domain.BlockPending,
			Branches: []domain.Branch{
				{Condition: `{{ missing_var }}`, Tasks: []*domain.TaskBlock{
					{TaskID: "t1", Kind: domain.KindAgentTask, Status: domain.BlockPending, AgentPersonality: "default", Prompt: "never runs"},
				}},
			},
		},
	}
	require.NoError(t, mgr.Create(ctx, wf))

	// The worker evaluates synchronously on the FakeBus; the unknown
	// variable makes branch evaluation fail, so cond1 ends FAILED.
	require.NoError(t, exec.Advance(ctx, "wf-orphan"))
	wf, err := mgr.Get(ctx, "wf-orphan")
	require.NoError(t, err)
	require.Equal(t, domain.BlockFailed, wf.FindBlock("cond1").Status)

	require.NoError(t, exec.Advance(ctx, "wf-orphan"))
	wf, err = mgr.Get(ctx, "wf-orphan")
	require.NoError(t, err)
	assert.Equal(t, domain.BlockCancelled, wf.FindBlock("t1").Status, "a task under a dead ConditionalBlock must not hold the workflow open")

	require.NoError(t, exec.Advance(ctx, "wf-orphan"))
	wf, err = mgr.Get(ctx, "wf-orphan")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowFailed, wf.Status)
}

type neverSelect struct{}

func (neverSelect) Select(string) (domain.AgentRegistration, bool) {
	return domain.AgentRegistration{}, false
}

func TestAdvance_NoAgentAvailable_LeavesPendingUntilSweepFailsIt(t *testing.T) {
	b := bus.NewFakeBus()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	wfStore, err := store.NewWorkflowStore(context.Background(), b)
	require.NoError(t, err)
	mgr := workflowmanager.New(wfStore, b, log)
	disp := dispatcher.New(b, neverSelect{}, "default-model")
	exec := New(mgr, disp, b, nil, log)
	ctx := context.Background()

	wf := domain.NewWorkflow("wf-noagent", "nobody home")
	wf.Tasks = []*domain.TaskBlock{
		{TaskID: "t1", Kind: domain.KindAgentTask, Status: domain.BlockPending, AgentPersonality: "devops", Prompt: "restart"},
	}
	require.NoError(t, mgr.Create(ctx, wf))

	require.NoError(t, exec.Advance(ctx, "wf-noagent"))
	wf, err = mgr.Get(ctx, "wf-noagent")
	require.NoError(t, err)
	assert.Equal(t, domain.BlockPending, wf.FindBlock("t1").Status, "a dispatch miss leaves the task PENDING for a later advance")

	// A negative timeout makes every tracked entry overdue immediately.
	exec.sweepNoAgent(ctx, -time.Second)

	wf, err = mgr.Get(ctx, "wf-noagent")
	require.NoError(t, err)
	block := wf.FindBlock("t1")
	assert.Equal(t, domain.BlockFailed, block.Status)
	reason, _ := block.Result.AsString()
	assert.Equal(t, "no capable agent", reason)
}

func TestAdvance_PendingClarificationWorkflow_IsNotFinalized(t *testing.T) {
	mgr, exec, _, _ := newTestRig(t)
	ctx := context.Background()

	wf := domain.NewWorkflow("wf-clarify", "make my app better")
	wf.Status = domain.WorkflowPendingClarification
	require.NoError(t, mgr.Create(ctx, wf))

	require.NoError(t, exec.Advance(ctx, "wf-clarify"))

	wf, err := mgr.Get(ctx, "wf-clarify")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowPendingClarification, wf.Status, "an empty task list on a workflow awaiting clarification does not mean it is done")
}
