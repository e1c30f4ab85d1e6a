// Package reaper implements the dead-letter sweep. It subscribes to the
// DLQ companions of the results and task_status_updates topics and, for any
// message it can still attribute to a (workflow_id, task_id) pair,
// transitions that task to FAILED so the workflow's terminal state reflects
// the lost delivery instead of leaving the block stuck DISPATCHED forever.
package reaper

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/c360studio/agentflow/internal/bus"
	"github.com/c360studio/agentflow/internal/domain"
	"github.com/c360studio/agentflow/internal/tagged"
)

const (
	resultsDLQSubject = "results.DLQ"
	statusDLQSubject  = "task_status_updates.DLQ"

	deadLetterReason = "dead-lettered: exceeded redelivery attempts"
)

// TaskFailer is the subset of workflowmanager.Manager the reaper needs.
type TaskFailer interface {
	UpdateTaskStatus(ctx context.Context, workflowID, taskID string, status domain.BlockStatus, result *tagged.Value, contextUpdates map[string]tagged.Value) (bool, error)
}

// Reaper consumes dead-lettered results and status updates.
type Reaper struct {
	wf  TaskFailer
	log *slog.Logger
}

// New constructs a Reaper.
func New(wf TaskFailer, log *slog.Logger) *Reaper {
	return &Reaper{wf: wf, log: log}
}

// Start subscribes to the results and task_status_updates dead-letter
// topics under shared subscriptions, matching every other work-topic
// consumer in the system.
func (r *Reaper) Start(ctx context.Context, b bus.Bus) ([]bus.Subscription, error) {
	resultsSub, err := b.Subscribe(ctx, resultsDLQSubject, bus.Shared, bus.DefaultSubscribeOptions("result-reaper"), r.handleResult)
	if err != nil {
		return nil, err
	}
	statusSub, err := b.Subscribe(ctx, statusDLQSubject, bus.Shared, bus.DefaultSubscribeOptions("status-reaper"), r.handleStatus)
	if err != nil {
		_ = resultsSub.Unsubscribe()
		return nil, err
	}
	return []bus.Subscription{resultsSub, statusSub}, nil
}

func (r *Reaper) handleResult(ctx context.Context, msg bus.Message) error {
	var result domain.ResultMessage
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		r.log.Warn("reaper: failed to parse dead-lettered result", "error", err)
		return msg.Term()
	}
	r.failTask(ctx, result.WorkflowID, result.TaskID)
	return msg.Term()
}

func (r *Reaper) handleStatus(ctx context.Context, msg bus.Message) error {
	var update domain.StatusUpdateMessage
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		r.log.Warn("reaper: failed to parse dead-lettered status update", "error", err)
		return msg.Term()
	}
	r.failTask(ctx, update.WorkflowID, update.TaskID)
	return msg.Term()
}

func (r *Reaper) failTask(ctx context.Context, workflowID, taskID string) {
	if workflowID == "" || taskID == "" {
		return
	}
	result := tagged.String(deadLetterReason)
	if _, err := r.wf.UpdateTaskStatus(ctx, workflowID, taskID, domain.BlockFailed, &result, nil); err != nil {
		r.log.Error("reaper: failed to mark dead-lettered task FAILED",
			"workflow_id", workflowID, "task_id", taskID, "error", err)
	}
}
