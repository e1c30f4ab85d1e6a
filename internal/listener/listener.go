// Package listener implements the Result & Status Listener: one background
// consumer per topic (results, task_status_updates), each on a shared
// subscription so replicas compete for messages, fulfilling registered
// futures and forwarding task state into the Workflow Manager.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360studio/agentflow/internal/bus"
	"github.com/c360studio/agentflow/internal/domain"
	"github.com/c360studio/agentflow/internal/tagged"
)

const (
	resultsSubject       = "results"
	statusUpdatesSubject = "task_status_updates"
)

// TaskStatusUpdater is the subset of workflowmanager.Manager the listener
// needs, extracted as an interface for testability.
type TaskStatusUpdater interface {
	UpdateTaskStatus(ctx context.Context, workflowID, taskID string, status domain.BlockStatus, result *tagged.Value, contextUpdates map[string]tagged.Value) (bool, error)
}

// PendingDecrementer is the subset of dispatcher.Dispatcher the listener
// needs to decrement per-personality pending counters on result arrival.
type PendingDecrementer interface {
	DecrementPending(personality string)
}

// Listener consumes results and status updates.
type Listener struct {
	wf  TaskStatusUpdater
	pd  PendingDecrementer
	log *slog.Logger

	mu      sync.Mutex
	futures map[string]chan tagged.Value // task_id -> waiting caller
}

// New constructs a Listener.
func New(wf TaskStatusUpdater, pd PendingDecrementer, log *slog.Logger) *Listener {
	return &Listener{
		wf:      wf,
		pd:      pd,
		log:     log,
		futures: make(map[string]chan tagged.Value),
	}
}

// RegisterFuture registers a waiter for a task_id's result (the synchronous
// delegation path). The returned cancel func removes the waiter on caller
// timeout; the listener tolerates a late arrival after removal by simply
// dropping the value on a full/closed channel.
func (l *Listener) RegisterFuture(taskID string) (<-chan tagged.Value, func()) {
	ch := make(chan tagged.Value, 1)
	l.mu.Lock()
	l.futures[taskID] = ch
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if existing, ok := l.futures[taskID]; ok && existing == ch {
			delete(l.futures, taskID)
		}
	}
	return ch, cancel
}

func (l *Listener) fulfill(taskID string, value tagged.Value) {
	l.mu.Lock()
	ch, ok := l.futures[taskID]
	if ok {
		delete(l.futures, taskID)
	}
	l.mu.Unlock()
	if ok {
		select {
		case ch <- value:
		default:
			// Caller already abandoned the future; tolerate silently.
		}
	}
}

// Start subscribes to the results and status-update topics, both under
// shared subscriptions.
func (l *Listener) Start(ctx context.Context, b bus.Bus) ([]bus.Subscription, error) {
	resultsSub, err := b.Subscribe(ctx, resultsSubject, bus.Shared, bus.DefaultSubscribeOptions("result-listener"), l.handleResult)
	if err != nil {
		return nil, fmt.Errorf("subscribe results: %w", err)
	}
	statusSub, err := b.Subscribe(ctx, statusUpdatesSubject, bus.Shared, bus.DefaultSubscribeOptions("status-listener"), l.handleStatusUpdate)
	if err != nil {
		_ = resultsSub.Unsubscribe()
		return nil, fmt.Errorf("subscribe status updates: %w", err)
	}
	return []bus.Subscription{resultsSub, statusSub}, nil
}

func (l *Listener) handleResult(ctx context.Context, msg bus.Message) error {
	var result domain.ResultMessage
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		l.log.Warn("failed to parse result message", "error", err)
		return err
	}

	trace := domain.ExtractTraceContext(msg.Properties)
	value := tagged.FromRaw(result.Result)

	if result.WorkflowID != "" && result.TaskID != "" {
		applied, err := l.wf.UpdateTaskStatus(ctx, result.WorkflowID, result.TaskID, domain.BlockCompleted, &value, nil)
		if err != nil {
			l.log.Error("failed to apply result to workflow",
				"workflow_id", result.WorkflowID, "task_id", result.TaskID,
				"trace_id", trace.TraceID, "error", err)
			return err
		}
		// A redelivered result for an already-COMPLETED task must not
		// decrement the pending counter a second time.
		if applied && result.AgentPersonality != "" {
			l.pd.DecrementPending(result.AgentPersonality)
		}
	}

	l.fulfill(result.TaskID, value)

	return nil
}

// handleStatusUpdate applies status transitions published by workers that
// advance state asynchronously (e.g. an external escalation process). The
// Workflow Manager also echoes every committed transition onto this same
// topic so the Executor can react to it; re-applying an already current
// status is a safe no-op.
func (l *Listener) handleStatusUpdate(ctx context.Context, msg bus.Message) error {
	var update domain.StatusUpdateMessage
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		l.log.Warn("failed to parse status update message", "error", err)
		return err
	}
	if update.WorkflowID == "" || update.TaskID == "" {
		return nil
	}
	if update.Source == "workflow-manager" {
		// The Workflow Manager echoes every transition it has already
		// committed; re-applying its own echo is pure no-op churn.
		return nil
	}

	var result *tagged.Value
	if update.Result != "" {
		v := tagged.FromRaw(update.Result)
		result = &v
	}

	if _, err := l.wf.UpdateTaskStatus(ctx, update.WorkflowID, update.TaskID, update.Status, result, nil); err != nil {
		l.log.Error("failed to apply status update to workflow",
			"workflow_id", update.WorkflowID, "task_id", update.TaskID, "error", err)
		return err
	}

	return nil
}
