// Package insights defines the contract-only interfaces for two
// out-of-scope collaborators the Planner and Executor reach into: the
// vector store used for long-term agent memory, and the knowledge graph
// used for insights and post-mortems. Only the contract lives here;
// implementations are either the real external services or a local dev
// store.
package insights

import "context"

// Insight is a stored artefact from a past reflection, biasing future
// planning.
type Insight struct {
	ID      string
	Summary string
	Score   float64 // cosine similarity to the query, filled in by Retrieve
}

// Store is the vector-store contract used by the Planner's Phase 0 insight
// retrieval.
type Store interface {
	// Embed turns a goal/prompt into a dense vector using a fixed
	// sentence-embedding model.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Retrieve returns the top-k closest Insight entities by cosine
	// distance to the given embedding.
	Retrieve(ctx context.Context, embedding []float32, k int) ([]Insight, error)
	// Record stores a new insight, produced by a completed reflection task.
	Record(ctx context.Context, summary string, embedding []float32) error
}

// Report is a structured post-mortem persisted to the knowledge graph for
// an event-driven workflow that did not trigger a reflector task.
type Report struct {
	WorkflowID string
	EventID    string
	Outcome    string // "completed" | "failed"
	Summary    string
}

// KnowledgeGraph is the contract for the out-of-scope knowledge graph
// service.
type KnowledgeGraph interface {
	IngestReport(ctx context.Context, report Report) error
}
