package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360studio/agentflow/internal/bus"
	"github.com/c360studio/agentflow/internal/domain"
)

const goalsBucket = "goals"

// GoalStore is the durable accessor for Goal records, owned by the Goal
// Manager and read-only to the Goal Monitor.
type GoalStore struct {
	kv bus.KVStore
}

// NewGoalStore opens (creating if needed) the "goals" KV bucket.
func NewGoalStore(ctx context.Context, b bus.Bus) (*GoalStore, error) {
	kv, err := b.KV(ctx, goalsBucket)
	if err != nil {
		return nil, fmt.Errorf("open goals bucket: %w", err)
	}
	return &GoalStore{kv: kv}, nil
}

// Create inserts a new goal.
func (s *GoalStore) Create(ctx context.Context, g *domain.Goal) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode goal: %w", err)
	}
	if err := s.kv.Put(ctx, g.GoalID, data); err != nil {
		return fmt.Errorf("create goal %s: %w", g.GoalID, err)
	}
	return nil
}

// Get reads a goal by id.
func (s *GoalStore) Get(ctx context.Context, goalID string) (*domain.Goal, error) {
	data, _, ok, err := s.kv.Get(ctx, goalID)
	if err != nil {
		return nil, fmt.Errorf("get goal %s: %w", goalID, err)
	}
	if !ok {
		return nil, bus.ErrKeyNotFound
	}
	var g domain.Goal
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode goal %s: %w", goalID, err)
	}
	return &g, nil
}

// Update replaces a goal's stored record (used by the goal API for
// activate/deactivate and condition edits).
func (s *GoalStore) Update(ctx context.Context, g *domain.Goal) error {
	return s.Create(ctx, g)
}

// List returns every goal, optionally filtered to is_active.
func (s *GoalStore) List(ctx context.Context, activeOnly bool) ([]*domain.Goal, error) {
	keys, err := s.kv.Keys(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list goal keys: %w", err)
	}
	var out []*domain.Goal
	for _, key := range keys {
		g, err := s.Get(ctx, key)
		if err != nil {
			continue
		}
		if !activeOnly || g.IsActive {
			out = append(out, g)
		}
	}
	return out, nil
}
