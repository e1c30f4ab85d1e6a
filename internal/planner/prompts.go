package planner

import (
	"fmt"
	"strings"

	"github.com/c360studio/agentflow/internal/insights"
)

const analyzeSystemPrompt = `You analyze a user's goal for an autonomous agent orchestrator.
Respond with ONLY a JSON object of this shape:
{
  "summary": "<one paragraph summary of what the user wants>",
  "is_ambiguous": <true|false>,
  "clarifying_question": "<question to ask the user, only if is_ambiguous>",
  "high_level_steps": ["<step>", ...]
}`

const generateSystemPrompt = `You convert an analyzed goal into a workflow of task blocks for an
autonomous agent orchestrator. Respond with ONLY a JSON object of this shape:
{
  "tasks": [
    {
      "task_id": "<unique id>",
      "kind": "agent_task" | "conditional_block" | "approval_block",
      "dependencies": ["<task_id>", ...],
      "agent_personality": "<capability tag, agent_task only>",
      "prompt": "<templated prompt, agent_task only>",
      "condition": "<optional templated predicate, agent_task only>",
      "branches": [{"condition": "<templated predicate>", "tasks": [...]}],
      "message": "<approval_block only>",
      "required_role": "<approval_block only>"
    }
  ]
}
Every dependency must reference a task_id present in this same document. The
graph must be acyclic.`

func buildAnalyzeUserPrompt(goal string, lessons []insights.Insight) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", goal)
	if len(lessons) > 0 {
		b.WriteString("\nRelevant lessons from past workflows:\n")
		for _, l := range lessons {
			fmt.Fprintf(&b, "- %s\n", l.Summary)
		}
	}
	return b.String()
}

func buildGenerateUserPrompt(goal string, a *analysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", goal)
	fmt.Fprintf(&b, "Summary: %s\n", a.Summary)
	if len(a.HighLevelSteps) > 0 {
		b.WriteString("High level steps:\n")
		for _, s := range a.HighLevelSteps {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	return b.String()
}
