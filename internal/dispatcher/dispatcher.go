// Package dispatcher implements the Task Dispatcher: resolves a selector
// against the Agent Registry, serializes a TaskMessage, and publishes it to
// the chosen agent's inbox topic. Registry resolution, atomic pending
// counters, and the absence of internal retry all follow the same shape as
// a production task-dispatch component.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/agentflow/internal/bus"
	"github.com/c360studio/agentflow/internal/domain"
	"github.com/c360studio/agentflow/internal/metrics"
	"github.com/google/uuid"
)

// ErrNoAgentAvailable is returned when the selector resolves to no live
// agent.
var ErrNoAgentAvailable = errors.New("dispatcher: no agent available")

// DispatchFailedError wraps a transient bus publish failure.
type DispatchFailedError struct {
	Err error
}

func (e *DispatchFailedError) Error() string { return fmt.Sprintf("dispatch failed: %s", e.Err) }
func (e *DispatchFailedError) Unwrap() error { return e.Err }

// Selector resolves a dispatch target (agent_id or personality) to a live
// AgentRegistration, mirroring registry.Registry.Select without importing
// the registry package directly, so the dispatcher can be unit tested
// against a stub.
type Selector interface {
	Select(selector string) (domain.AgentRegistration, bool)
}

// Dispatcher publishes TaskMessages to agent inbox topics.
type Dispatcher struct {
	bus          bus.Bus
	selector     Selector
	defaultModel string

	mu      sync.Mutex
	pending map[string]int64 // personality -> pending task count
}

// New constructs a Dispatcher over the given bus and agent selector.
// defaultModel fills TaskMessages whose caller did not name a model.
func New(b bus.Bus, selector Selector, defaultModel string) *Dispatcher {
	return &Dispatcher{
		bus:          b,
		selector:     selector,
		defaultModel: defaultModel,
		pending:      make(map[string]int64),
	}
}

// Dispatch resolves selector to an agent, publishes the task on its inbox
// topic, and increments the personality's pending counter. If taskID is
// empty one is generated. Counter decrement happens in the Result Listener
// on a matching result.
func (d *Dispatcher) Dispatch(ctx context.Context, prompt, selector, taskID, workflowID, model string, trace domain.TraceContext) (string, error) {
	agent, ok := d.selector.Select(selector)
	if !ok {
		return "", ErrNoAgentAvailable
	}

	if taskID == "" {
		taskID = uuid.New().String()
	}
	if model == "" {
		model = d.defaultModel
	}

	msg := domain.TaskMessage{
		ID:               uuid.New().String(),
		Prompt:           prompt,
		Model:            model,
		Timestamp:        time.Now(),
		WorkflowID:       workflowID,
		TaskID:           taskID,
		AgentPersonality: agent.Personality,
		Properties:       trace.Inject(nil),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", &DispatchFailedError{Err: err}
	}

	if err := d.bus.Publish(ctx, agent.TaskTopic, data, msg.Properties); err != nil {
		return "", &DispatchFailedError{Err: err}
	}

	d.mu.Lock()
	d.pending[agent.Personality]++
	d.mu.Unlock()
	metrics.RecordDispatch(agent.Personality)

	return taskID, nil
}

// DecrementPending is called by the Result Listener when a result arrives
// for a dispatched task.
func (d *Dispatcher) DecrementPending(personality string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending[personality] > 0 {
		d.pending[personality]--
		metrics.RecordResult(personality)
	}
}

// PendingCount returns the current pending-task count for a personality.
// Dispatch does not consult it; nothing in the dispatch path backs off on
// a saturated capability.
func (d *Dispatcher) PendingCount(personality string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending[personality]
}
