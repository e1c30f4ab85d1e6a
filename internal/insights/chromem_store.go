package insights

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// collectionName is the single chromem-go collection used to store every
// insight; a local/dev deployment has no need to partition by tenant.
const collectionName = "insights"

// EmbeddingFunc turns text into a dense vector. Production deployments wire
// this to the same embedding model the out-of-scope vector-store service
// uses; local/dev runs can use chromem-go's built-in OpenAI-compatible
// embedding func or a deterministic stub in tests.
type EmbeddingFunc func(ctx context.Context, text string) ([]float32, error)

// ChromemStore is a local/dev Store backed by an in-process chromem-go
// collection (cosine similarity over an in-memory/on-disk vector index). It
// satisfies the same contract the real vector-store service would expose
// over the network, so the Planner's Phase 0 insight retrieval does not
// need to know which one it is talking to.
type ChromemStore struct {
	embed EmbeddingFunc

	mu   sync.Mutex
	db   *chromem.DB
	coll *chromem.Collection
}

// NewChromemStore opens (or creates) a persistent chromem-go database at
// path, or an in-memory one if path is empty.
func NewChromemStore(path string, embed EmbeddingFunc) (*ChromemStore, error) {
	var db *chromem.DB
	var err error
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	}

	s := &ChromemStore{embed: embed, db: db}

	coll, err := db.GetOrCreateCollection(collectionName, nil, func(ctx context.Context, text string) ([]float32, error) {
		return s.embed(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("create insights collection: %w", err)
	}
	s.coll = coll
	return s, nil
}

// Embed delegates to the configured embedding function.
func (s *ChromemStore) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.embed(ctx, text)
}

// Retrieve returns the k nearest insights to embedding by cosine similarity.
// chromem-go queries by text through its configured embedding func, so
// Retrieve re-embeds nothing; instead it asks chromem-go to rank every
// stored document against a precomputed query vector via QueryEmbedding.
func (s *ChromemStore) Retrieve(ctx context.Context, embedding []float32, k int) ([]Insight, error) {
	s.mu.Lock()
	count := s.coll.Count()
	s.mu.Unlock()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := s.coll.QueryEmbedding(ctx, embedding, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query insights: %w", err)
	}

	out := make([]Insight, 0, len(results))
	for _, r := range results {
		out = append(out, Insight{
			ID:      r.ID,
			Summary: r.Content,
			Score:   float64(r.Similarity),
		})
	}
	return out, nil
}

// Record stores a new insight with a generated document id.
func (s *ChromemStore) Record(ctx context.Context, summary string, embedding []float32) error {
	doc := chromem.Document{
		ID:        fmt.Sprintf("insight-%d", s.nextID()),
		Content:   summary,
		Embedding: embedding,
	}
	if err := s.coll.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("record insight: %w", err)
	}
	return nil
}

func (s *ChromemStore) nextID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coll.Count() + 1
}
