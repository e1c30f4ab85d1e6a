// Package eventlistener consumes the external platform-events topic and
// reacts to well-known event shapes by broadcasting to the dashboard and
// either invoking the Planner or instantiating a templated workflow file.
package eventlistener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c360studio/agentflow/internal/bus"
	"github.com/c360studio/agentflow/internal/domain"
	"github.com/c360studio/agentflow/internal/planner"
	"github.com/c360studio/agentflow/internal/tagged"
	"github.com/c360studio/agentflow/internal/template"
	"github.com/google/uuid"
)

const (
	platformEventsSubject  = "platform_events"
	dashboardEventsSubject = "dashboard_events"

	eventAnomalyErrorRate      = "anomaly.detected.error_rate"
	eventModelFeedbackReceived = "MODEL_FEEDBACK_RECEIVED"
)

// PlatformEvent is the shape of every message on platform_events.
type PlatformEvent struct {
	EventType string                  `json:"event_type"`
	EventID   string                  `json:"event_id"`
	Service   string                  `json:"service,omitempty"`
	Data      map[string]tagged.Value `json:"data,omitempty"`
}

// WorkflowManager is the subset of workflowmanager.Manager needed to
// de-duplicate by event id and store a new workflow.
type WorkflowManager interface {
	GetByEventID(ctx context.Context, eventID string) (*domain.Workflow, bool, error)
	Create(ctx context.Context, wf *domain.Workflow) error
}

// Advancer is the subset of executor.Executor needed to kick the first
// graph-advance pass on a workflow the instant it is created from an
// external event.
type Advancer interface {
	Advance(ctx context.Context, workflowID string) error
}

// WorkflowTemplate is a static, Jinja-templated workflow file matched to a
// well-known event shape.
type WorkflowTemplate struct {
	EventType    string
	PromptField  string // carried with the template; instantiateTemplate does not read it
	TaskTemplate string // JSON task list with {{ }} placeholders substituted from the event's Data
}

// Listener is the Event Listener.
type Listener struct {
	bus       bus.Bus
	wf        WorkflowManager
	planner   *planner.Planner
	templates map[string]WorkflowTemplate
	executor  Advancer
	log       *slog.Logger
}

// New constructs a Listener. templates maps event_type to a static workflow
// template for well-known shapes; event types absent from the map fall
// through to the Planner.
func New(b bus.Bus, wf WorkflowManager, p *planner.Planner, templates map[string]WorkflowTemplate, executor Advancer, log *slog.Logger) *Listener {
	return &Listener{bus: b, wf: wf, planner: p, templates: templates, executor: executor, log: log}
}

func (l *Listener) kickAdvance(ctx context.Context, workflowID string) {
	if l.executor == nil {
		return
	}
	if err := l.executor.Advance(ctx, workflowID); err != nil {
		l.log.Error("initial advance failed", "workflow_id", workflowID, "error", err)
	}
}

// Start subscribes to the platform-events topic.
func (l *Listener) Start(ctx context.Context, b bus.Bus) (bus.Subscription, error) {
	return b.Subscribe(ctx, platformEventsSubject, bus.Shared, bus.DefaultSubscribeOptions("event-listener"), l.handle)
}

func (l *Listener) handle(ctx context.Context, msg bus.Message) error {
	var event PlatformEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		l.log.Warn("failed to parse platform event", "error", err)
		return err
	}

	switch event.EventType {
	case eventAnomalyErrorRate:
		if err := l.handleAnomaly(ctx, event); err != nil {
			l.log.Error("failed to handle anomaly event", "event_id", event.EventID, "error", err)
			return err
		}
	case eventModelFeedbackReceived:
		l.broadcast(ctx, event)
	default:
		l.log.Debug("ignoring unrecognised platform event", "event_type", event.EventType)
	}
	return nil
}

func (l *Listener) handleAnomaly(ctx context.Context, event PlatformEvent) error {
	l.broadcast(ctx, event)

	if existing, ok, err := l.wf.GetByEventID(ctx, event.EventID); err != nil {
		return fmt.Errorf("check existing workflow for event %s: %w", event.EventID, err)
	} else if ok {
		l.log.Debug("workflow already exists for event, skipping", "event_id", event.EventID, "workflow_id", existing.WorkflowID)
		return nil
	}

	if tpl, ok := l.templates[event.EventType]; ok {
		return l.instantiateTemplate(ctx, event, tpl)
	}

	if l.planner == nil {
		return fmt.Errorf("no planner configured and no template for event type %s", event.EventType)
	}

	prompt := fmt.Sprintf("Investigate an error-rate anomaly on service %q (event %s).", event.Service, event.EventID)
	wf, err := l.planner.Plan(ctx, prompt)
	if err != nil {
		return fmt.Errorf("plan investigation workflow: %w", err)
	}
	wf.EventID = event.EventID
	if err := l.wf.Create(ctx, wf); err != nil {
		return err
	}
	l.kickAdvance(ctx, wf.WorkflowID)
	return nil
}

func (l *Listener) instantiateTemplate(ctx context.Context, event PlatformEvent, tpl WorkflowTemplate) error {
	rendered, err := template.RenderString(tpl.TaskTemplate, event.Data)
	if err != nil {
		return fmt.Errorf("render workflow template: %w", err)
	}

	var tasks []*domain.TaskBlock
	if err := json.Unmarshal([]byte(rendered), &tasks); err != nil {
		return fmt.Errorf("parse rendered workflow template: %w", err)
	}

	wf := domain.NewWorkflow(uuid.New().String(), fmt.Sprintf("templated response to %s", event.EventType))
	wf.Tasks = tasks
	wf.EventID = event.EventID
	if err := wf.ValidateGraph(); err != nil {
		return fmt.Errorf("invalid templated workflow: %w", err)
	}
	if err := l.wf.Create(ctx, wf); err != nil {
		return err
	}
	l.kickAdvance(ctx, wf.WorkflowID)
	return nil
}

func (l *Listener) broadcast(ctx context.Context, event PlatformEvent) {
	dashEvent := domain.DashboardEvent{
		EventType:  event.EventType,
		WorkflowID: "",
		Data:       map[string]any{"event_id": event.EventID, "service": event.Service},
	}
	data, err := json.Marshal(dashEvent)
	if err != nil {
		return
	}
	if err := l.bus.Publish(ctx, dashboardEventsSubject, data, nil); err != nil {
		l.log.Warn("failed to publish dashboard event", "error", err)
	}
}
