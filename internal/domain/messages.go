package domain

import "time"

// TaskMessage is published by the Task Dispatcher onto an agent's inbox
// topic.
type TaskMessage struct {
	ID               string            `json:"id"`
	Prompt           string            `json:"prompt"`
	Model            string            `json:"model,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	WorkflowID       string            `json:"workflow_id,omitempty"`
	TaskID           string            `json:"task_id,omitempty"`
	AgentPersonality string            `json:"agent_personality,omitempty"`
	Properties       map[string]string `json:"properties,omitempty"`
}

// ResultMessage is published by agents on the results topic.
type ResultMessage struct {
	ID               string            `json:"id"`
	Result           string            `json:"result"`
	LLMModel         string            `json:"llm_model,omitempty"`
	Prompt           string            `json:"prompt,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	WorkflowID       string            `json:"workflow_id,omitempty"`
	TaskID           string            `json:"task_id,omitempty"`
	AgentPersonality string            `json:"agent_personality,omitempty"`
	Properties       map[string]string `json:"properties,omitempty"`
}

// StatusUpdateMessage is published by workers that advance state
// asynchronously.
type StatusUpdateMessage struct {
	WorkflowID string      `json:"workflow_id"`
	TaskID     string      `json:"task_id"`
	Status     BlockStatus `json:"status"`
	Result     string      `json:"result,omitempty"`
	Source     string      `json:"source,omitempty"`
}

// TraceContext carries the trace/request identifiers propagated through
// message properties and reattached to logs on the consuming side.
type TraceContext struct {
	TraceID   string `json:"trace_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Inject writes the trace context into a message property map, creating the
// map if necessary.
func (t TraceContext) Inject(props map[string]string) map[string]string {
	if props == nil {
		props = make(map[string]string)
	}
	if t.TraceID != "" {
		props["trace_id"] = t.TraceID
	}
	if t.RequestID != "" {
		props["request_id"] = t.RequestID
	}
	return props
}

// ExtractTraceContext reconstructs a TraceContext from message properties.
func ExtractTraceContext(props map[string]string) TraceContext {
	return TraceContext{
		TraceID:   props["trace_id"],
		RequestID: props["request_id"],
	}
}

// DashboardEvent is the JSON shape broadcast on the dashboard-events topic
// and delivered to WebSocket observers.
type DashboardEvent struct {
	EventType  string         `json:"event_type"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

const (
	EventTaskStatusUpdate  = "TASK_STATUS_UPDATE"
	EventApprovalRequired  = "APPROVAL_REQUIRED"
	EventWorkflowCompleted = "WORKFLOW_COMPLETED"
)
