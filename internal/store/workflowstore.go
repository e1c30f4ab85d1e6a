// Package store persists Workflow and Goal records in durable KV bus
// buckets: "workflows" keyed by workflow_id, queryable by status and
// event_id; "goals" keyed by goal_id, queryable by is_active.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360studio/agentflow/internal/bus"
	"github.com/c360studio/agentflow/internal/domain"
)

const workflowsBucket = "workflows"

// WorkflowStore is the low-level durable accessor used exclusively by the
// Workflow Manager, the sole owner of the workflow record's durable
// storage.
type WorkflowStore struct {
	kv bus.KVStore
}

// NewWorkflowStore opens (creating if needed) the "workflows" KV bucket.
func NewWorkflowStore(ctx context.Context, b bus.Bus) (*WorkflowStore, error) {
	kv, err := b.KV(ctx, workflowsBucket)
	if err != nil {
		return nil, fmt.Errorf("open workflows bucket: %w", err)
	}
	return &WorkflowStore{kv: kv}, nil
}

// GetRevisioned reads a workflow along with its current KV revision, so the
// Workflow Manager can compare-and-swap its write back.
func (s *WorkflowStore) GetRevisioned(ctx context.Context, workflowID string) (*domain.Workflow, uint64, error) {
	data, rev, ok, err := s.kv.Get(ctx, workflowID)
	if err != nil {
		return nil, 0, fmt.Errorf("get workflow %s: %w", workflowID, err)
	}
	if !ok {
		return nil, 0, bus.ErrKeyNotFound
	}
	var wf domain.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, 0, fmt.Errorf("decode workflow %s: %w", workflowID, err)
	}
	return &wf, rev, nil
}

// Get reads a workflow by id.
func (s *WorkflowStore) Get(ctx context.Context, workflowID string) (*domain.Workflow, error) {
	wf, _, err := s.GetRevisioned(ctx, workflowID)
	return wf, err
}

// CompareAndSwap writes wf back only if the stored revision still matches
// expectedRevision, returning bus.ErrRevisionMismatch on conflict so the
// caller can reload and retry. Contention on a single workflow is
// serialized by this compare-and-swap, not by any in-process lock.
func (s *WorkflowStore) CompareAndSwap(ctx context.Context, wf *domain.Workflow, expectedRevision uint64) (uint64, error) {
	data, err := json.Marshal(wf)
	if err != nil {
		return 0, fmt.Errorf("encode workflow: %w", err)
	}
	rev, err := s.kv.CompareAndSwap(ctx, wf.WorkflowID, expectedRevision, data)
	if err != nil {
		return 0, err
	}
	return rev, nil
}

// Create inserts a new workflow record, failing if workflowID already
// exists.
func (s *WorkflowStore) Create(ctx context.Context, wf *domain.Workflow) error {
	if _, _, ok, _ := s.kv.Get(ctx, wf.WorkflowID); ok {
		return fmt.Errorf("workflow %s already exists", wf.WorkflowID)
	}
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}
	_, err = s.kv.CompareAndSwap(ctx, wf.WorkflowID, 0, data)
	if err != nil {
		return fmt.Errorf("create workflow %s: %w", wf.WorkflowID, err)
	}
	return nil
}

// Put replaces the stored workflow wholesale, used for whole-workflow
// mutation such as the final status transition.
func (s *WorkflowStore) Put(ctx context.Context, wf *domain.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}
	if err := s.kv.Put(ctx, wf.WorkflowID, data); err != nil {
		return fmt.Errorf("put workflow %s: %w", wf.WorkflowID, err)
	}
	return nil
}

// ListRunning returns every workflow whose status is RUNNING or
// PENDING_CLARIFICATION; a bounded query used at startup recovery.
func (s *WorkflowStore) ListRunning(ctx context.Context) ([]*domain.Workflow, error) {
	keys, err := s.kv.Keys(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list workflow keys: %w", err)
	}
	var out []*domain.Workflow
	for _, key := range keys {
		wf, err := s.Get(ctx, key)
		if err != nil {
			continue
		}
		if wf.Status == domain.WorkflowRunning || wf.Status == domain.WorkflowPendingClarification {
			out = append(out, wf)
		}
	}
	return out, nil
}

// GetByEventID finds the workflow created for the given external event id,
// used for event-driven de-duplication.
func (s *WorkflowStore) GetByEventID(ctx context.Context, eventID string) (*domain.Workflow, bool, error) {
	keys, err := s.kv.Keys(ctx, "")
	if err != nil {
		return nil, false, fmt.Errorf("list workflow keys: %w", err)
	}
	for _, key := range keys {
		wf, err := s.Get(ctx, key)
		if err != nil {
			continue
		}
		if wf.EventID == eventID {
			return wf, true, nil
		}
	}
	return nil, false, nil
}
