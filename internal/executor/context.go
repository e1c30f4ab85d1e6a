package executor

import (
	"github.com/c360studio/agentflow/internal/domain"
	"github.com/c360studio/agentflow/internal/tagged"
)

// evaluationContext builds the merge of shared_context with
// {tasks: {<task_id>: <parsed-result-or-raw-string>}} for every completed
// AgentTask. It is available to templated prompts and every condition
// expression.
func evaluationContext(wf *domain.Workflow) map[string]tagged.Value {
	ctx := make(map[string]tagged.Value, len(wf.SharedContext)+1)
	for k, v := range wf.SharedContext {
		ctx[k] = v
	}

	tasks := make(map[string]tagged.Value)
	for _, b := range wf.AllBlocks() {
		if b.Kind == domain.KindAgentTask && b.Status == domain.BlockCompleted {
			tasks[b.TaskID] = b.Result
		}
	}
	ctx["tasks"] = tagged.Object(tasks)
	return ctx
}

// completedSet returns the set of task ids whose block is COMPLETED, used
// to resolve a block's dependencies-satisfied check.
func completedSet(wf *domain.Workflow) map[string]bool {
	out := make(map[string]bool)
	for _, b := range wf.AllBlocks() {
		if b.Status == domain.BlockCompleted {
			out[b.TaskID] = true
		}
	}
	return out
}

// branchMembership records, for a block nested directly inside a
// ConditionalBlock's branch, which block owns it and which branch (by the
// first task id of that branch, the same id the block is completed with as
// result.branch_taken).
type branchMembership struct {
	parentTaskID    string
	branchFirstTask string // "" if the branch has no tasks
}

// buildBranchMembership walks the recursive block tree and records, for
// every block nested inside a ConditionalBlock branch, which branch it
// belongs to. A block's dependency list alone can't express "only eligible
// if my branch was the one picked"; that eligibility is structural, not
// list-based.
func buildBranchMembership(wf *domain.Workflow) map[string]branchMembership {
	out := make(map[string]branchMembership)
	var walk func([]*domain.TaskBlock)
	walk = func(blocks []*domain.TaskBlock) {
		for _, b := range blocks {
			if b.Kind != domain.KindConditionalBlock {
				continue
			}
			for _, br := range b.Branches {
				first := ""
				if len(br.Tasks) > 0 {
					first = br.Tasks[0].TaskID
				}
				for _, t := range br.Tasks {
					out[t.TaskID] = branchMembership{parentTaskID: b.TaskID, branchFirstTask: first}
				}
				walk(br.Tasks)
			}
		}
	}
	walk(wf.Tasks)
	return out
}

// dependenciesMet reports whether every dependency of b is in completed.
func dependenciesMet(b *domain.TaskBlock, completed map[string]bool) bool {
	for _, dep := range b.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}
