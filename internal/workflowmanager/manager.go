// Package workflowmanager implements the Workflow Manager: sole owner of
// the durable workflow record, exposing create/get/update and the atomic
// task-status mutation used by every status-producing path in the system.
package workflowmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c360studio/agentflow/internal/bus"
	"github.com/c360studio/agentflow/internal/domain"
	"github.com/c360studio/agentflow/internal/store"
	"github.com/c360studio/agentflow/internal/tagged"
)

const (
	statusUpdatesSubject   = "task_status_updates"
	dashboardEventsSubject = "dashboard_events"
)

// StoreUnavailableError wraps a durable-store failure; the caller must
// treat the status update as not applied and rely on redelivery.
type StoreUnavailableError struct {
	Err error
}

func (e *StoreUnavailableError) Error() string { return fmt.Sprintf("store unavailable: %s", e.Err) }
func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// Manager is the Workflow Manager.
type Manager struct {
	store *store.WorkflowStore
	bus   bus.Bus
	log   *slog.Logger
}

// New constructs a Manager over the given workflow store and bus.
func New(wfStore *store.WorkflowStore, b bus.Bus, log *slog.Logger) *Manager {
	return &Manager{store: wfStore, bus: b, log: log}
}

// Create inserts a new workflow, erroring if workflow_id already exists.
// Blocks arriving without a status (planner and template output) are
// defaulted to PENDING before the record is stored.
func (m *Manager) Create(ctx context.Context, wf *domain.Workflow) error {
	wf.ApplyDefaults()
	if err := wf.ValidateGraph(); err != nil {
		return fmt.Errorf("invalid workflow graph: %w", err)
	}
	if err := m.store.Create(ctx, wf); err != nil {
		return &StoreUnavailableError{Err: err}
	}
	return nil
}

// Get reads a workflow by id.
func (m *Manager) Get(ctx context.Context, workflowID string) (*domain.Workflow, error) {
	wf, err := m.store.Get(ctx, workflowID)
	if err != nil {
		return nil, &StoreUnavailableError{Err: err}
	}
	return wf, nil
}

// Update replaces the whole workflow record (used for the final status
// transition in the Executor).
func (m *Manager) Update(ctx context.Context, wf *domain.Workflow) error {
	if err := m.store.Put(ctx, wf); err != nil {
		return &StoreUnavailableError{Err: err}
	}
	return nil
}

// ListRunning returns active workflows for startup recovery.
func (m *Manager) ListRunning(ctx context.Context) ([]*domain.Workflow, error) {
	wfs, err := m.store.ListRunning(ctx)
	if err != nil {
		return nil, &StoreUnavailableError{Err: err}
	}
	return wfs, nil
}

// GetByEventID finds the workflow created for an external event, used for
// event-driven de-duplication.
func (m *Manager) GetByEventID(ctx context.Context, eventID string) (*domain.Workflow, bool, error) {
	wf, ok, err := m.store.GetByEventID(ctx, eventID)
	if err != nil {
		return nil, false, &StoreUnavailableError{Err: err}
	}
	return wf, ok, nil
}

// maxCASRetries bounds the compare-and-swap retry loop on revision
// conflicts before UpdateTaskStatus gives up and surfaces a store error.
const maxCASRetries = 10

// UpdateTaskStatus atomically transitions one block's status, merges any
// context updates into shared_context (deep-merge, last-writer-wins per
// leaf), and broadcasts a TASK_STATUS_UPDATE dashboard event plus a
// StatusUpdateMessage on success. Illegal transitions are rejected without
// reaching the store. The whole operation is retried under optimistic
// concurrency control up to maxCASRetries times so that two concurrent
// advances on the same workflow serialize correctly.
//
// The returned applied flag is false when the block was already in
// newStatus: a redelivered result/status message must not re-run its
// side effects (pending-counter decrement in particular), so callers key
// those off applied.
func (m *Manager) UpdateTaskStatus(
	ctx context.Context,
	workflowID, taskID string,
	newStatus domain.BlockStatus,
	result *tagged.Value,
	contextUpdates map[string]tagged.Value,
) (applied bool, err error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		wf, rev, err := m.store.GetRevisioned(ctx, workflowID)
		if err != nil {
			return false, &StoreUnavailableError{Err: err}
		}

		block := wf.FindBlock(taskID)
		if block == nil {
			return false, fmt.Errorf("task %s not found in workflow %s", taskID, workflowID)
		}

		// Idempotency: a duplicate status-update message for an
		// already-terminal block is a no-op, not an error, so replaying
		// the same result N times leaves workflow state byte-identical.
		if block.Status == newStatus {
			return false, nil
		}
		if !domain.ValidBlockTransition(block.Status, newStatus) {
			return false, fmt.Errorf("illegal transition for task %s: %s -> %s", taskID, block.Status, newStatus)
		}

		block.Status = newStatus
		if result != nil {
			block.Result = *result
		}
		if newStatus == domain.BlockFailed || newStatus == domain.BlockCancelled {
			if result != nil {
				block.FailureReason = result.String()
			}
		}

		for k, v := range contextUpdates {
			existing, ok := wf.SharedContext[k]
			if ok {
				wf.SharedContext[k] = tagged.DeepMerge(existing, v)
			} else {
				wf.SharedContext[k] = v
			}
		}

		if _, err := m.store.CompareAndSwap(ctx, wf, rev); err != nil {
			if attempt < maxCASRetries-1 {
				continue
			}
			return false, &StoreUnavailableError{Err: err}
		}

		m.broadcast(ctx, workflowID, taskID, newStatus, block)
		return true, nil
	}
	return false, &StoreUnavailableError{Err: fmt.Errorf("exceeded %d CAS retries", maxCASRetries)}
}

func (m *Manager) broadcast(ctx context.Context, workflowID, taskID string, status domain.BlockStatus, block *domain.TaskBlock) {
	event := domain.DashboardEvent{
		EventType:  domain.EventTaskStatusUpdate,
		WorkflowID: workflowID,
		TaskID:     taskID,
		Data:       map[string]any{"status": string(status)},
	}
	if data, err := json.Marshal(event); err == nil {
		if err := m.bus.Publish(ctx, dashboardEventsSubject, data, nil); err != nil {
			m.log.Warn("failed to publish dashboard event", "error", err)
		}
	}

	statusMsg := domain.StatusUpdateMessage{
		WorkflowID: workflowID,
		TaskID:     taskID,
		Status:     status,
		Result:     block.Result.String(),
		Source:     "workflow-manager",
	}
	if data, err := json.Marshal(statusMsg); err == nil {
		if err := m.bus.Publish(ctx, statusUpdatesSubject, data, nil); err != nil {
			m.log.Warn("failed to publish status update", "error", err)
		}
	}
}
