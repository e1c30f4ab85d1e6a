package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c360studio/agentflow/internal/bus"
	"github.com/c360studio/agentflow/internal/domain"
	"github.com/c360studio/agentflow/internal/tagged"
	"github.com/c360studio/agentflow/internal/template"
)

// ConditionalWorker is the Executor's sibling: a consumer on
// conditionalEvaluationsSubject that evaluates a ConditionalBlock's
// branches out of the main advance pass, so branch evaluation does not
// block dispatch of unrelated blocks.
type ConditionalWorker struct {
	wf  WorkflowManager
	log *slog.Logger
}

// NewConditionalWorker constructs a ConditionalWorker.
func NewConditionalWorker(wf WorkflowManager, log *slog.Logger) *ConditionalWorker {
	return &ConditionalWorker{wf: wf, log: log}
}

// Start subscribes to the conditional-evaluation topic under a shared
// subscription, so replicas compete for evaluation jobs.
func (w *ConditionalWorker) Start(ctx context.Context, b bus.Bus) (bus.Subscription, error) {
	return b.Subscribe(ctx, conditionalEvaluationsSubject, bus.Shared, bus.DefaultSubscribeOptions("conditional-worker"), w.handle)
}

func (w *ConditionalWorker) handle(ctx context.Context, msg bus.Message) error {
	var eval ConditionalEvalMessage
	if err := json.Unmarshal(msg.Data, &eval); err != nil {
		w.log.Warn("failed to parse conditional eval message", "error", err)
		return err
	}

	wf, err := w.wf.Get(ctx, eval.WorkflowID)
	if err != nil {
		return err
	}
	block := wf.FindBlock(eval.TaskID)
	if block == nil {
		w.log.Warn("conditional eval references unknown task", "workflow_id", eval.WorkflowID, "task_id", eval.TaskID)
		return nil
	}
	if block.Status.IsTerminal() {
		// Redelivered evaluation job for an already-settled block.
		return nil
	}
	if block.Status == domain.BlockPending {
		// The eval message can outrun the Executor's own DISPATCHED write;
		// take the transition ourselves so the COMPLETED/FAILED write below
		// stays within the legal matrix.
		if _, err := w.wf.UpdateTaskStatus(ctx, eval.WorkflowID, eval.TaskID, domain.BlockDispatched, nil, nil); err != nil {
			return err
		}
	}

	branchTaken, evalErr := evaluateBranches(eval.Branches, eval.Context)
	if evalErr != nil {
		if _, uerr := w.wf.UpdateTaskStatus(ctx, eval.WorkflowID, eval.TaskID, domain.BlockFailed, resultPtr(tagged.String(evalErr.Error())), nil); uerr != nil {
			w.log.Error("failed to mark conditional block failed", "workflow_id", eval.WorkflowID, "task_id", eval.TaskID, "error", uerr)
			return uerr
		}
		return nil
	}

	result := tagged.Object(map[string]tagged.Value{"branch_taken": branchTaken})
	if _, err := w.wf.UpdateTaskStatus(ctx, eval.WorkflowID, eval.TaskID, domain.BlockCompleted, &result, nil); err != nil {
		w.log.Error("failed to complete conditional block", "workflow_id", eval.WorkflowID, "task_id", eval.TaskID, "error", err)
		return err
	}
	return nil
}

// evaluateBranches picks the first branch whose condition is truthy and
// returns the id of its first task, or a Null value if none matched.
func evaluateBranches(branches []domain.Branch, ctx map[string]tagged.Value) (tagged.Value, error) {
	for _, br := range branches {
		ok, err := template.EvalCondition(br.Condition, ctx)
		if err != nil {
			return tagged.Value{}, fmt.Errorf("evaluate branch condition %q: %w", br.Condition, err)
		}
		if ok {
			if len(br.Tasks) == 0 {
				return tagged.Null(), nil
			}
			return tagged.String(br.Tasks[0].TaskID), nil
		}
	}
	return tagged.Null(), nil
}
