// Package registry implements the Agent Registry: tracking live agents by
// capability and inbox topic, and selecting one on demand. A single bus
// topic is watched under a failover subscription, feeding an in-process
// table behind a reader-writer lock.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/c360studio/agentflow/internal/bus"
	"github.com/c360studio/agentflow/internal/domain"
)

const registrationsSubject = "registrations"

// Registry tracks AgentRegistration entries in memory. Concurrent lookups
// are safe; writes come only from the single registration consumer.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]domain.AgentRegistration

	logger *slog.Logger
}

// New constructs an empty Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]domain.AgentRegistration),
		logger: logger,
	}
}

// Start subscribes to the registrations topic with a failover subscription
// (single active consumer) and applies each registration to the table.
func (r *Registry) Start(ctx context.Context, b bus.Bus) (bus.Subscription, error) {
	opts := bus.DefaultSubscribeOptions("agent-registry")
	return b.Subscribe(ctx, registrationsSubject, bus.Failover, opts, r.handle)
}

func (r *Registry) handle(ctx context.Context, msg bus.Message) error {
	var reg domain.AgentRegistration
	if err := json.Unmarshal(msg.Data, &reg); err != nil {
		// Registration messages that fail to parse are acknowledged and
		// dropped with a warning.
		r.logger.Warn("failed to parse agent registration", "error", err)
		return nil
	}
	r.Register(reg)
	return nil
}

// Register records or refreshes an agent's capability and inbox topic.
func (r *Registry) Register(reg domain.AgentRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[reg.AgentID] = reg
	r.logger.Debug("agent registered", "agent_id", reg.AgentID, "personality", reg.Personality)
}

// Unregister removes an agent's entry. Nothing publishes a deregister
// message today; this supports an explicit unregister or an expiry policy
// layered on top.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
}

// GetAny returns a randomly chosen live agent, or false if none registered.
func (r *Registry) GetAny() (domain.AgentRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.agents) == 0 {
		return domain.AgentRegistration{}, false
	}
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return r.agents[ids[rand.IntN(len(ids))]], true
}

// GetByID returns the registration for a specific agent_id.
func (r *Registry) GetByID(agentID string) (domain.AgentRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[agentID]
	return reg, ok
}

// FindByPrefix returns the first agent whose id starts with the given
// capability tag prefix. No ordering guarantee beyond a single atomic read
// of the table.
func (r *Registry) FindByPrefix(prefix string) (domain.AgentRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, reg := range r.agents {
		if strings.HasPrefix(id, prefix) {
			return reg, true
		}
	}
	return domain.AgentRegistration{}, false
}

// Select resolves a dispatch selector: either a literal agent_id (tried via
// GetByID) or a personality prefix (tried via FindByPrefix).
func (r *Registry) Select(selector string) (domain.AgentRegistration, bool) {
	if reg, ok := r.GetByID(selector); ok {
		return reg, true
	}
	return r.FindByPrefix(selector)
}
