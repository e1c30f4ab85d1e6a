// Package httpapi exposes the orchestrator's external HTTP surface over
// chi/v5: task submission, workflow inspection, context patching, approval
// decisions, goal clarification, and goal CRUD.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/c360studio/agentflow/internal/bus"
	"github.com/c360studio/agentflow/internal/dashboard"
	"github.com/c360studio/agentflow/internal/domain"
	"github.com/c360studio/agentflow/internal/planner"
	"github.com/c360studio/agentflow/internal/tagged"
	"github.com/c360studio/agentflow/internal/workflowmanager"
)

// GoalStore is the subset of store.GoalStore the API needs.
type GoalStore interface {
	Create(ctx context.Context, g *domain.Goal) error
	Get(ctx context.Context, goalID string) (*domain.Goal, error)
	Update(ctx context.Context, g *domain.Goal) error
	List(ctx context.Context, activeOnly bool) ([]*domain.Goal, error)
}

// Advancer is the subset of executor.Executor the API needs to kick a
// first graph-advance pass right after a workflow is created or replaces,
// since the Executor otherwise only reacts to status-update events that a
// freshly stored workflow hasn't produced yet.
type Advancer interface {
	Advance(ctx context.Context, workflowID string) error
}

// Server wires the Planner, Workflow Manager, and Goal Store into HTTP
// handlers.
type Server struct {
	planner  *planner.Planner
	wf       *workflowmanager.Manager
	goals    GoalStore
	bus      bus.Bus
	dash     *dashboard.Broadcaster
	executor Advancer
	log      *slog.Logger
}

// New constructs a Server.
func New(p *planner.Planner, wf *workflowmanager.Manager, goals GoalStore, b bus.Bus, dash *dashboard.Broadcaster, executor Advancer, log *slog.Logger) *Server {
	return &Server{planner: p, wf: wf, goals: goals, bus: b, dash: dash, executor: executor, log: log}
}

// kickAdvance runs one graph-advance pass right after a workflow is stored,
// so a zero-task workflow reaches COMPLETED immediately and a non-empty
// workflow's first-layer tasks dispatch without waiting on an external
// status event. Failures are logged, not surfaced to the caller: the next
// real status-update event will retry the same idempotent pass.
func (s *Server) kickAdvance(ctx context.Context, workflowID string) {
	if s.executor == nil {
		return
	}
	if err := s.executor.Advance(ctx, workflowID); err != nil {
		s.log.Error("initial advance failed", "workflow_id", workflowID, "error", err)
	}
}

// Router builds the chi router mounting every endpoint this API exposes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/v1/tasks", s.handleSubmitTask)
	r.Get("/v1/workflows/{workflow_id}", s.handleGetWorkflow)
	r.Get("/v1/workflows/{workflow_id}/context", s.handleGetContext)
	r.Patch("/v1/workflows/{workflow_id}/context", s.handlePatchContext)
	r.Post("/v1/workflows/{workflow_id}/tasks/{task_id}/approve", s.handleApprove)
	r.Post("/v1/goals/{workflow_id}/clarify", s.handleClarify)
	r.Post("/v1/goals", s.handleCreateGoal)
	r.Get("/v1/goals", s.handleListGoals)
	r.Get("/v1/goals/{goal_id}", s.handleGetGoal)
	r.Get("/v1/dashboard/ws", s.dash.ServeWS)

	return r
}

type submitTaskRequest struct {
	Prompt string `json:"prompt"`
}

type submitTaskResponse struct {
	WorkflowID         string `json:"workflow_id"`
	Status             string `json:"status"`
	NumTasks           int    `json:"num_tasks"`
	ClarifyingQuestion string `json:"clarifying_question,omitempty"`
}

// handleSubmitTask implements POST /v1/tasks.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	wf, err := s.planner.Plan(r.Context(), req.Prompt)
	var ambiguous *planner.AmbiguousGoalError
	if errors.As(err, &ambiguous) {
		wf := domain.NewWorkflow(uuid.New().String(), req.Prompt)
		wf.Status = domain.WorkflowPendingClarification
		if cerr := s.wf.Create(r.Context(), wf); cerr != nil {
			writeError(w, http.StatusServiceUnavailable, cerr.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, submitTaskResponse{
			WorkflowID:         wf.WorkflowID,
			Status:             string(domain.WorkflowPendingClarification),
			ClarifyingQuestion: ambiguous.ClarifyingQuestion,
		})
		return
	}
	var schemaErr *planner.PlannerSchemaError
	if errors.As(err, &schemaErr) {
		writeError(w, http.StatusBadRequest, schemaErr.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	if err := s.wf.Create(r.Context(), wf); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.kickAdvance(r.Context(), wf.WorkflowID)

	status := "Workflow accepted for execution."
	if len(wf.Tasks) == 1 {
		status = "Dispatched as single task."
	}
	writeJSON(w, http.StatusAccepted, submitTaskResponse{
		WorkflowID: wf.WorkflowID,
		Status:     status,
		NumTasks:   len(wf.Tasks),
	})
}

// handleGetWorkflow implements GET /v1/workflows/{workflow_id}.
func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflow_id")
	wf, err := s.wf.Get(r.Context(), workflowID)
	if err != nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// handleGetContext implements GET /v1/workflows/{workflow_id}/context.
func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflow_id")
	wf, err := s.wf.Get(r.Context(), workflowID)
	if err != nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, wf.SharedContext)
}

// handlePatchContext implements PATCH /v1/workflows/{workflow_id}/context:
// the request body is a JSON object merged into shared_context.
func (s *Server) handlePatchContext(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflow_id")
	var patch map[string]tagged.Value
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	wf, err := s.wf.Get(r.Context(), workflowID)
	if err != nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	for k, v := range patch {
		if existing, ok := wf.SharedContext[k]; ok {
			wf.SharedContext[k] = tagged.DeepMerge(existing, v)
		} else {
			wf.SharedContext[k] = v
		}
	}
	if err := s.wf.Update(r.Context(), wf); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, wf.SharedContext)
}

type approveRequest struct {
	Approved bool `json:"approved"`
}

// rolesHeader carries the caller's role tags, injected by the identity
// provider's gateway middleware (an out-of-scope auth boundary) after
// token validation. Comma-separated.
const rolesHeader = "X-User-Roles"

func callerHasRole(r *http.Request, required string) bool {
	if required == "" {
		return true
	}
	for _, role := range strings.Split(r.Header.Get(rolesHeader), ",") {
		if strings.TrimSpace(role) == required {
			return true
		}
	}
	return false
}

// handleApprove implements POST .../tasks/{task_id}/approve. The decision
// is authorised only if the caller holds the block's required_role; a
// caller lacking it gets 403 with the block status unchanged.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflow_id")
	taskID := chi.URLParam(r, "task_id")

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	wf, err := s.wf.Get(r.Context(), workflowID)
	if err != nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	block := wf.FindBlock(taskID)
	if block == nil || block.Kind != domain.KindApprovalBlock {
		writeError(w, http.StatusNotFound, "approval task not found")
		return
	}
	if !callerHasRole(r, block.RequiredRole) {
		writeError(w, http.StatusForbidden, "caller lacks required role "+block.RequiredRole)
		return
	}
	if block.Status != domain.BlockPendingApproval {
		writeError(w, http.StatusConflict, "task is not awaiting approval")
		return
	}

	if req.Approved {
		_, err = s.wf.UpdateTaskStatus(r.Context(), workflowID, taskID, domain.BlockCompleted, resultPtr(tagged.String("approved")), nil)
	} else {
		_, err = s.wf.UpdateTaskStatus(r.Context(), workflowID, taskID, domain.BlockFailed, resultPtr(tagged.String("rejected")), nil)
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type clarifyRequest struct {
	Answer string `json:"answer"`
}

// handleClarify implements POST /v1/goals/{workflow_id}/clarify.
func (s *Server) handleClarify(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflow_id")
	var req clarifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	existing, err := s.wf.Get(r.Context(), workflowID)
	if err != nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}

	wf, err := s.planner.Replan(r.Context(), existing.OriginalPrompt, req.Answer)
	var ambiguous *planner.AmbiguousGoalError
	if errors.As(err, &ambiguous) {
		writeJSON(w, http.StatusAccepted, submitTaskResponse{
			WorkflowID:         existing.WorkflowID,
			Status:             string(domain.WorkflowPendingClarification),
			ClarifyingQuestion: ambiguous.ClarifyingQuestion,
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	wf.WorkflowID = existing.WorkflowID
	wf.CreatedAt = existing.CreatedAt
	wf.EventID = existing.EventID
	wf.ApplyDefaults()
	if err := s.wf.Update(r.Context(), wf); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.kickAdvance(r.Context(), wf.WorkflowID)
	writeJSON(w, http.StatusOK, wf)
}

// handleCreateGoal implements POST /v1/goals.
func (s *Server) handleCreateGoal(w http.ResponseWriter, r *http.Request) {
	var g domain.Goal
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if g.GoalID == "" {
		g.GoalID = uuid.New().String()
	}
	if err := s.goals.Create(r.Context(), &g); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// handleListGoals implements GET /v1/goals.
func (s *Server) handleListGoals(w http.ResponseWriter, r *http.Request) {
	goals, err := s.goals.List(r.Context(), false)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, goals)
}

// handleGetGoal implements GET /v1/goals/{goal_id}.
func (s *Server) handleGetGoal(w http.ResponseWriter, r *http.Request) {
	goalID := chi.URLParam(r, "goal_id")
	g, err := s.goals.Get(r.Context(), goalID)
	if err != nil {
		writeError(w, http.StatusNotFound, "goal not found")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func resultPtr(v tagged.Value) *tagged.Value { return &v }
