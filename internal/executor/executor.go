// Package executor implements the Workflow Executor: event-driven, one
// advance pass per status-update event, walking the recursive block tree to
// dispatch newly-eligible blocks and to detect workflow completion.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/agentflow/internal/bus"
	"github.com/c360studio/agentflow/internal/dispatcher"
	"github.com/c360studio/agentflow/internal/domain"
	"github.com/c360studio/agentflow/internal/insights"
	"github.com/c360studio/agentflow/internal/metrics"
	"github.com/c360studio/agentflow/internal/tagged"
	"github.com/c360studio/agentflow/internal/template"
)

const (
	statusUpdatesSubject          = "task_status_updates"
	conditionalEvaluationsSubject = "conditional_evaluations"
	dashboardEventsSubject        = "dashboard_events"

	reflectorPersonality = "reflector"
)

// WorkflowManager is the subset of workflowmanager.Manager the Executor
// needs.
type WorkflowManager interface {
	Get(ctx context.Context, workflowID string) (*domain.Workflow, error)
	Update(ctx context.Context, wf *domain.Workflow) error
	UpdateTaskStatus(ctx context.Context, workflowID, taskID string, status domain.BlockStatus, result *tagged.Value, contextUpdates map[string]tagged.Value) (bool, error)
}

// Dispatcher is the subset of dispatcher.Dispatcher the Executor needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, prompt, selector, taskID, workflowID, model string, trace domain.TraceContext) (string, error)
}

// ConditionalEvalMessage is published on conditionalEvaluationsSubject so
// the sibling ConditionalWorker can evaluate a ConditionalBlock's branches
// in parallel with the rest of the advance pass.
type ConditionalEvalMessage struct {
	WorkflowID string                  `json:"workflow_id"`
	TaskID     string                  `json:"task_id"`
	Branches   []domain.Branch         `json:"branches"`
	Context    map[string]tagged.Value `json:"context"`
}

// Executor advances workflows in response to status-update events.
type Executor struct {
	wf   WorkflowManager
	disp Dispatcher
	bus  bus.Bus
	kg   insights.KnowledgeGraph
	log  *slog.Logger

	mu     sync.Mutex
	locked map[string]bool // workflow_id -> advance in progress

	// noAgent tracks tasks left PENDING because no capable agent was
	// registered at dispatch time, keyed workflow_id+"/"+task_id, holding
	// the first time the miss was observed. Swept by RunNoAgentSweep.
	naMu    sync.Mutex
	noAgent map[string]noAgentEntry
}

type noAgentEntry struct {
	workflowID string
	taskID     string
	since      time.Time
}

// New constructs an Executor. kg may be nil; a nil knowledge graph simply
// skips post-mortem ingestion for event-driven workflows with no reflector.
func New(wf WorkflowManager, disp Dispatcher, b bus.Bus, kg insights.KnowledgeGraph, log *slog.Logger) *Executor {
	return &Executor{
		wf:      wf,
		disp:    disp,
		bus:     b,
		kg:      kg,
		log:     log,
		locked:  make(map[string]bool),
		noAgent: make(map[string]noAgentEntry),
	}
}

// Start subscribes to the status-update topic; every message triggers an
// advance() of its referenced workflow.
func (e *Executor) Start(ctx context.Context, b bus.Bus) (bus.Subscription, error) {
	return b.Subscribe(ctx, statusUpdatesSubject, bus.Shared, bus.DefaultSubscribeOptions("workflow-executor"), e.handleStatusUpdate)
}

func (e *Executor) handleStatusUpdate(ctx context.Context, msg bus.Message) error {
	var update domain.StatusUpdateMessage
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		e.log.Warn("failed to parse status update", "error", err)
		return err
	}
	if update.WorkflowID == "" {
		return nil
	}
	if err := e.Advance(ctx, update.WorkflowID); err != nil {
		e.log.Error("advance failed", "workflow_id", update.WorkflowID, "error", err)
		return err
	}
	return nil
}

// Advance loads the referenced workflow and runs one dispatch/completion
// pass over its block tree. A per-workflow in-process lock keeps two
// concurrent advances on the same workflow_id from racing to dispatch the
// same block twice while both are between their GetRevisioned read and
// their CompareAndSwap write; the Workflow Manager's own compare-and-swap
// loop is what actually serialises the durable write across replicas, this
// lock only removes needless redundant work within one process.
func (e *Executor) Advance(ctx context.Context, workflowID string) error {
	if !e.tryLock(workflowID) {
		return nil
	}
	defer e.unlock(workflowID)

	wf, err := e.wf.Get(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("load workflow %s: %w", workflowID, err)
	}

	completed := completedSet(wf)
	evalCtx := evaluationContext(wf)
	membership := buildBranchMembership(wf)

	for _, b := range wf.AllBlocks() {
		if b.Status != domain.BlockPending {
			continue
		}

		if m, ok := membership[b.TaskID]; ok {
			parent := wf.FindBlock(m.parentTaskID)
			if parent == nil {
				continue
			}
			if parent.Status == domain.BlockFailed || parent.Status == domain.BlockCancelled {
				// The owning ConditionalBlock itself died (or sat in an
				// unchosen outer branch): nothing nested under it may ever
				// run, and it must not hold the workflow open.
				if _, err := e.wf.UpdateTaskStatus(ctx, workflowID, b.TaskID, domain.BlockCancelled, resultPtr(tagged.String("parent block "+string(parent.Status))), nil); err != nil {
					e.log.Error("cancel orphaned branch task failed", "workflow_id", workflowID, "task_id", b.TaskID, "error", err)
				}
				continue
			}
			if parent.Status != domain.BlockCompleted {
				// Parent ConditionalBlock hasn't picked a branch yet.
				continue
			}
			chosen, _ := parent.Result.Field("branch_taken").AsString()
			if chosen != m.branchFirstTask {
				if _, err := e.wf.UpdateTaskStatus(ctx, workflowID, b.TaskID, domain.BlockCancelled, resultPtr(tagged.String("branch not taken")), nil); err != nil {
					e.log.Error("cancel unchosen branch task failed", "workflow_id", workflowID, "task_id", b.TaskID, "error", err)
				}
				continue
			}
		}

		if !dependenciesMet(b, completed) {
			continue
		}
		if err := e.advanceBlock(ctx, wf, b, evalCtx); err != nil {
			e.log.Error("advance block failed", "workflow_id", workflowID, "task_id", b.TaskID, "error", err)
		}
	}

	return e.maybeFinish(ctx, wf)
}

func (e *Executor) tryLock(workflowID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked[workflowID] {
		return false
	}
	e.locked[workflowID] = true
	return true
}

func (e *Executor) unlock(workflowID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.locked, workflowID)
}

func (e *Executor) advanceBlock(ctx context.Context, wf *domain.Workflow, b *domain.TaskBlock, evalCtx map[string]tagged.Value) error {
	switch b.Kind {
	case domain.KindAgentTask:
		return e.advanceAgentTask(ctx, wf, b, evalCtx)
	case domain.KindConditionalBlock:
		return e.advanceConditionalBlock(ctx, wf, b, evalCtx)
	case domain.KindApprovalBlock:
		return e.advanceApprovalBlock(ctx, wf, b)
	default:
		return fmt.Errorf("unknown block kind %q", b.Kind)
	}
}

func (e *Executor) advanceAgentTask(ctx context.Context, wf *domain.Workflow, b *domain.TaskBlock, evalCtx map[string]tagged.Value) error {
	if b.Condition != "" {
		ok, err := template.EvalCondition(b.Condition, evalCtx)
		if err != nil {
			_, uerr := e.wf.UpdateTaskStatus(ctx, wf.WorkflowID, b.TaskID, domain.BlockFailed, resultPtr(tagged.String(err.Error())), nil)
			return uerr
		}
		if !ok {
			_, uerr := e.wf.UpdateTaskStatus(ctx, wf.WorkflowID, b.TaskID, domain.BlockCancelled, resultPtr(tagged.String("condition not met")), nil)
			return uerr
		}
	}

	prompt, err := template.RenderString(b.Prompt, evalCtx)
	if err != nil {
		_, uerr := e.wf.UpdateTaskStatus(ctx, wf.WorkflowID, b.TaskID, domain.BlockFailed, resultPtr(tagged.String(err.Error())), nil)
		return uerr
	}

	trace := domain.TraceContext{TraceID: wf.EventID, RequestID: wf.WorkflowID}
	if _, err := e.disp.Dispatch(ctx, prompt, b.AgentPersonality, b.TaskID, wf.WorkflowID, "", trace); err != nil {
		if errors.Is(err, dispatcher.ErrNoAgentAvailable) {
			// Not an error yet: the task stays PENDING and a later advance
			// retries once such an agent registers. The sweep fails it if no
			// agent turns up within the configured timeout.
			e.recordNoAgent(wf.WorkflowID, b.TaskID)
			e.log.Warn("no agent available, task remains pending",
				"workflow_id", wf.WorkflowID, "task_id", b.TaskID, "personality", b.AgentPersonality)
			return nil
		}
		return fmt.Errorf("dispatch %s: %w", b.TaskID, err)
	}
	e.clearNoAgent(wf.WorkflowID, b.TaskID)

	_, err = e.wf.UpdateTaskStatus(ctx, wf.WorkflowID, b.TaskID, domain.BlockDispatched, nil, nil)
	return err
}

func (e *Executor) recordNoAgent(workflowID, taskID string) {
	key := workflowID + "/" + taskID
	e.naMu.Lock()
	defer e.naMu.Unlock()
	if _, ok := e.noAgent[key]; !ok {
		e.noAgent[key] = noAgentEntry{workflowID: workflowID, taskID: taskID, since: time.Now()}
	}
}

func (e *Executor) clearNoAgent(workflowID, taskID string) {
	e.naMu.Lock()
	defer e.naMu.Unlock()
	delete(e.noAgent, workflowID+"/"+taskID)
}

// RunNoAgentSweep blocks, periodically failing tasks that have sat PENDING
// longer than timeout because no capable agent ever registered, until ctx
// is cancelled.
func (e *Executor) RunNoAgentSweep(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepNoAgent(ctx, timeout)
		}
	}
}

func (e *Executor) sweepNoAgent(ctx context.Context, timeout time.Duration) {
	cutoff := time.Now().Add(-timeout)
	e.naMu.Lock()
	var overdue []noAgentEntry
	for key, entry := range e.noAgent {
		if entry.since.Before(cutoff) {
			overdue = append(overdue, entry)
			delete(e.noAgent, key)
		}
	}
	e.naMu.Unlock()

	for _, entry := range overdue {
		if _, err := e.wf.UpdateTaskStatus(ctx, entry.workflowID, entry.taskID, domain.BlockFailed, resultPtr(tagged.String("no capable agent")), nil); err != nil {
			e.log.Error("failed to fail stranded task", "workflow_id", entry.workflowID, "task_id", entry.taskID, "error", err)
		}
	}
}

func (e *Executor) advanceConditionalBlock(ctx context.Context, wf *domain.Workflow, b *domain.TaskBlock, evalCtx map[string]tagged.Value) error {
	msg := ConditionalEvalMessage{
		WorkflowID: wf.WorkflowID,
		TaskID:     b.TaskID,
		Branches:   b.Branches,
		Context:    evalCtx,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal conditional eval: %w", err)
	}
	if err := e.bus.Publish(ctx, conditionalEvaluationsSubject, data, nil); err != nil {
		return fmt.Errorf("publish conditional eval: %w", err)
	}
	// Marking DISPATCHED here is what makes a duplicate advance issue zero
	// publishes for this block; the Workflow Worker moves it on to
	// COMPLETED/FAILED once it has picked a branch (conditional_worker.go).
	if _, err := e.wf.UpdateTaskStatus(ctx, wf.WorkflowID, b.TaskID, domain.BlockDispatched, nil, nil); err != nil {
		// A fast worker can consume the eval job and settle the block before
		// this write lands; the block having left PENDING is success here.
		cur, gerr := e.wf.Get(ctx, wf.WorkflowID)
		if gerr == nil {
			if blk := cur.FindBlock(b.TaskID); blk != nil && blk.Status != domain.BlockPending {
				return nil
			}
		}
		return err
	}
	return nil
}

func (e *Executor) advanceApprovalBlock(ctx context.Context, wf *domain.Workflow, b *domain.TaskBlock) error {
	if _, err := e.wf.UpdateTaskStatus(ctx, wf.WorkflowID, b.TaskID, domain.BlockPendingApproval, nil, nil); err != nil {
		return err
	}
	event := domain.DashboardEvent{
		EventType:  domain.EventApprovalRequired,
		WorkflowID: wf.WorkflowID,
		TaskID:     b.TaskID,
		Data:       map[string]any{"message": b.Message, "required_role": b.RequiredRole},
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil
	}
	if err := e.bus.Publish(ctx, dashboardEventsSubject, data, nil); err != nil {
		e.log.Warn("failed to publish approval-required event", "error", err)
	}
	return nil
}

// maybeFinish checks whether every block has reached a terminal status
// and, if so, transitions the workflow itself, emits WORKFLOW_COMPLETED,
// records metrics, and triggers either a reflection task or a
// knowledge-graph ingest for event-driven workflows.
func (e *Executor) maybeFinish(ctx context.Context, wf *domain.Workflow) error {
	done, succeeded := wf.Terminal()
	if !done {
		return nil
	}
	// Only RUNNING workflows finalize: already-finished ones must see zero
	// publishes on re-invocation, and one awaiting clarification has an
	// empty task list that does not mean it is done.
	if wf.Status != domain.WorkflowRunning {
		return nil
	}

	if succeeded {
		wf.Status = domain.WorkflowCompleted
	} else {
		wf.Status = domain.WorkflowFailed
	}
	if err := e.wf.Update(ctx, wf); err != nil {
		return fmt.Errorf("finalize workflow %s: %w", wf.WorkflowID, err)
	}

	metrics.RecordWorkflowTerminal(succeeded, time.Since(wf.CreatedAt))
	byStatus := make(map[string]int)
	for _, b := range wf.AllBlocks() {
		byStatus[string(b.Status)]++
	}
	for status, n := range byStatus {
		metrics.RecordTaskOutcome(status, n)
	}

	event := domain.DashboardEvent{
		EventType:  domain.EventWorkflowCompleted,
		WorkflowID: wf.WorkflowID,
		Data:       map[string]any{"status": string(wf.Status)},
	}
	if data, err := json.Marshal(event); err == nil {
		if err := e.bus.Publish(ctx, dashboardEventsSubject, data, nil); err != nil {
			e.log.Warn("failed to publish workflow-completed event", "error", err)
		}
	}

	if wf.EventID != "" {
		e.ingestReport(ctx, wf, succeeded)
	} else {
		e.dispatchReflection(ctx, wf)
	}

	return nil
}

func (e *Executor) dispatchReflection(ctx context.Context, wf *domain.Workflow) {
	serialized, err := json.Marshal(wf)
	if err != nil {
		e.log.Warn("failed to serialize workflow for reflection", "workflow_id", wf.WorkflowID, "error", err)
		return
	}
	trace := domain.TraceContext{TraceID: wf.EventID, RequestID: wf.WorkflowID}
	if _, err := e.disp.Dispatch(ctx, string(serialized), reflectorPersonality, "", wf.WorkflowID, "", trace); err != nil {
		e.log.Warn("failed to dispatch reflection task", "workflow_id", wf.WorkflowID, "error", err)
	}
}

func (e *Executor) ingestReport(ctx context.Context, wf *domain.Workflow, succeeded bool) {
	if e.kg == nil {
		return
	}
	outcome := "completed"
	if !succeeded {
		outcome = "failed"
	}
	report := insights.Report{
		WorkflowID: wf.WorkflowID,
		EventID:    wf.EventID,
		Outcome:    outcome,
		Summary:    wf.OriginalPrompt,
	}
	if err := e.kg.IngestReport(ctx, report); err != nil {
		e.log.Warn("failed to ingest knowledge-graph report", "workflow_id", wf.WorkflowID, "error", err)
	}
}

func resultPtr(v tagged.Value) *tagged.Value { return &v }
