// Package domain defines the core data model shared across the orchestrator:
// workflows, task blocks, goals, agent registrations, and the wire message
// shapes exchanged over the bus. Types here carry no transport or storage
// logic; they are plain structs mutated only by the owning components
// (Workflow Manager, Goal Manager, Agent Registry).
package domain

import (
	"fmt"
	"time"

	"github.com/c360studio/agentflow/internal/tagged"
)

// WorkflowStatus is the status of an entire workflow.
type WorkflowStatus string

const (
	WorkflowRunning              WorkflowStatus = "RUNNING"
	WorkflowCompleted            WorkflowStatus = "COMPLETED"
	WorkflowFailed               WorkflowStatus = "FAILED"
	WorkflowPendingClarification WorkflowStatus = "PENDING_CLARIFICATION"
)

// BlockStatus is the status of a single TaskBlock.
type BlockStatus string

const (
	BlockPending         BlockStatus = "PENDING"
	BlockDispatched      BlockStatus = "DISPATCHED"
	BlockPendingApproval BlockStatus = "PENDING_APPROVAL"
	BlockCompleted       BlockStatus = "COMPLETED"
	BlockFailed          BlockStatus = "FAILED"
	BlockCancelled       BlockStatus = "CANCELLED"
)

// IsTerminal reports whether the status is one of COMPLETED, FAILED, CANCELLED.
func (s BlockStatus) IsTerminal() bool {
	switch s {
	case BlockCompleted, BlockFailed, BlockCancelled:
		return true
	default:
		return false
	}
}

// legalBlockTransitions enumerates the legal block-status transition matrix.
// PENDING may move straight to FAILED: a prompt/condition that fails to
// render fails the block before it is ever dispatched.
var legalBlockTransitions = map[BlockStatus]map[BlockStatus]bool{
	BlockPending: {
		BlockDispatched:      true,
		BlockPendingApproval: true,
		BlockCancelled:       true,
		BlockFailed:          true,
	},
	BlockDispatched: {
		BlockCompleted: true,
		BlockFailed:    true,
	},
	BlockPendingApproval: {
		BlockCompleted: true,
		BlockFailed:    true,
	},
}

// ValidBlockTransition reports whether from->to is legal.
func ValidBlockTransition(from, to BlockStatus) bool {
	if from == to {
		return false
	}
	allowed, ok := legalBlockTransitions[from]
	return ok && allowed[to]
}

// BlockKind distinguishes the three TaskBlock variants.
type BlockKind string

const (
	KindAgentTask        BlockKind = "agent_task"
	KindConditionalBlock BlockKind = "conditional_block"
	KindApprovalBlock    BlockKind = "approval_block"
)

// Branch is one arm of a ConditionalBlock: a templated predicate and the
// nested blocks that become eligible (subject to their own dependencies)
// when this branch is chosen.
type Branch struct {
	Condition string       `json:"condition"`
	Tasks     []*TaskBlock `json:"tasks"`
}

// TaskBlock is a vertex in the workflow graph. Exactly one of the
// kind-specific field groups is populated, selected by Kind. Nested blocks
// (inside ConditionalBlock branches) are addressed by TaskID and reached
// through Workflow.AllBlocks/FindBlock, which walk the tree on each call;
// they are never reached via direct pointers from outside their own branch
// to avoid ownership cycles.
type TaskBlock struct {
	TaskID       string      `json:"task_id"`
	Kind         BlockKind   `json:"kind"`
	Status       BlockStatus `json:"status"`
	Dependencies []string    `json:"dependencies,omitempty"`

	// AgentTask fields.
	AgentPersonality string       `json:"agent_personality,omitempty"`
	Prompt           string       `json:"prompt,omitempty"`
	Condition        string       `json:"condition,omitempty"`
	Result           tagged.Value `json:"result,omitempty"`

	// ConditionalBlock fields.
	Branches []Branch `json:"branches,omitempty"`

	// ApprovalBlock fields.
	Message      string `json:"message,omitempty"`
	RequiredRole string `json:"required_role,omitempty"`

	// FailureReason carries the error text for a FAILED/CANCELLED block.
	FailureReason string `json:"failure_reason,omitempty"`
}

// Workflow is the durable execution record owned exclusively by the
// Workflow Manager.
type Workflow struct {
	WorkflowID     string                  `json:"workflow_id"`
	OriginalPrompt string                  `json:"original_prompt"`
	Status         WorkflowStatus          `json:"status"`
	SharedContext  map[string]tagged.Value `json:"shared_context"`
	Tasks          []*TaskBlock            `json:"tasks"`
	EventID        string                  `json:"event_id,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
}

// NewWorkflow constructs a Workflow with an initialized (non-nil) shared
// context map, ready to be handed to the Workflow Manager's create().
func NewWorkflow(workflowID, prompt string) *Workflow {
	return &Workflow{
		WorkflowID:     workflowID,
		OriginalPrompt: prompt,
		Status:         WorkflowRunning,
		SharedContext:  make(map[string]tagged.Value),
		Tasks:          nil,
		CreatedAt:      time.Now(),
	}
}

// ApplyDefaults fills the fields a freshly generated block tree leaves
// unset: an empty block status means the block has never been touched and
// defaults to PENDING (planner and template JSON carry no status field),
// and a nil shared context becomes an empty map so merges can write into
// it.
func (w *Workflow) ApplyDefaults() {
	if w.SharedContext == nil {
		w.SharedContext = make(map[string]tagged.Value)
	}
	for _, b := range w.AllBlocks() {
		if b.Status == "" {
			b.Status = BlockPending
		}
	}
}

// AllBlocks walks the recursive block tree (top-level tasks plus every
// ConditionalBlock branch's nested tasks) and returns every block in the
// workflow, flattened. Used by the Executor's graph-advance pass and by
// graph validation.
func (w *Workflow) AllBlocks() []*TaskBlock {
	var out []*TaskBlock
	var walk func([]*TaskBlock)
	walk = func(blocks []*TaskBlock) {
		for _, b := range blocks {
			out = append(out, b)
			if b.Kind == KindConditionalBlock {
				for _, br := range b.Branches {
					walk(br.Tasks)
				}
			}
		}
	}
	walk(w.Tasks)
	return out
}

// FindBlock returns the block with the given id, or nil.
func (w *Workflow) FindBlock(taskID string) *TaskBlock {
	for _, b := range w.AllBlocks() {
		if b.TaskID == taskID {
			return b
		}
	}
	return nil
}

// ValidateGraph checks that task ids are unique, every dependency resolves
// to a real task, and the dependency graph is acyclic, over the whole
// recursive tree.
func (w *Workflow) ValidateGraph() error {
	all := w.AllBlocks()
	seen := make(map[string]bool, len(all))
	for _, b := range all {
		if b.TaskID == "" {
			return fmt.Errorf("task_id must not be empty")
		}
		if seen[b.TaskID] {
			return fmt.Errorf("duplicate task_id %q", b.TaskID)
		}
		seen[b.TaskID] = true
	}
	for _, b := range all {
		for _, dep := range b.Dependencies {
			if !seen[dep] {
				return fmt.Errorf("task %q depends on unknown task %q", b.TaskID, dep)
			}
		}
	}
	return detectCycle(all)
}

func detectCycle(all []*TaskBlock) error {
	byID := make(map[string]*TaskBlock, len(all))
	for _, b := range all {
		byID[b.TaskID] = b
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(all))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("circular dependency detected at task %q", id)
		}
		color[id] = gray
		for _, dep := range byID[id].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, b := range all {
		if err := visit(b.TaskID); err != nil {
			return err
		}
	}
	return nil
}

// Terminal reports whether every non-CANCELLED block has reached a terminal
// status, and if so whether the workflow as a whole succeeded.
func (w *Workflow) Terminal() (done bool, succeeded bool) {
	done = true
	succeeded = true
	for _, b := range w.AllBlocks() {
		if !b.Status.IsTerminal() {
			done = false
			return
		}
		if b.Status == BlockFailed {
			succeeded = false
		}
	}
	return
}
