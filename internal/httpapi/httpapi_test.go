package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentflow/internal/bus"
	"github.com/c360studio/agentflow/internal/dashboard"
	"github.com/c360studio/agentflow/internal/domain"
	"github.com/c360studio/agentflow/internal/llm"
	"github.com/c360studio/agentflow/internal/planner"
	"github.com/c360studio/agentflow/internal/store"
	"github.com/c360studio/agentflow/internal/workflowmanager"
)

type scriptedLLM struct {
	responses []string
	calls     int
}

func (s *scriptedLLM) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	resp := s.responses[s.calls]
	s.calls++
	return &llm.Response{Content: resp}, nil
}

type fakeGoalStore struct {
	goals map[string]*domain.Goal
}

func newFakeGoalStore() *fakeGoalStore { return &fakeGoalStore{goals: make(map[string]*domain.Goal)} }

func (f *fakeGoalStore) Create(ctx context.Context, g *domain.Goal) error {
	f.goals[g.GoalID] = g
	return nil
}
func (f *fakeGoalStore) Get(ctx context.Context, goalID string) (*domain.Goal, error) {
	g, ok := f.goals[goalID]
	if !ok {
		return nil, assert.AnError
	}
	return g, nil
}
func (f *fakeGoalStore) Update(ctx context.Context, g *domain.Goal) error { return f.Create(ctx, g) }
func (f *fakeGoalStore) List(ctx context.Context, activeOnly bool) ([]*domain.Goal, error) {
	var out []*domain.Goal
	for _, g := range f.goals {
		if !activeOnly || g.IsActive {
			out = append(out, g)
		}
	}
	return out, nil
}

func newTestServer(t *testing.T, llmResponses ...string) (*Server, *workflowmanager.Manager) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.NewFakeBus()

	wfStore, err := store.NewWorkflowStore(context.Background(), b)
	require.NoError(t, err)
	mgr := workflowmanager.New(wfStore, b, log)

	p := planner.New(&scriptedLLM{responses: llmResponses}, nil, log)
	dash := dashboard.New(log)

	srv := New(p, mgr, newFakeGoalStore(), b, dash, nil, log)
	return srv, mgr
}

func TestHandleSubmitTask_CreatesWorkflow(t *testing.T) {
	analysis := `{"summary":"x","is_ambiguous":false,"high_level_steps":["x"]}`
	workflow := `{"tasks":[{"task_id":"t1","kind":"agent_task","agent_personality":"default","prompt":"go"}]}`
	srv, _ := newTestServer(t, analysis, workflow)

	body, _ := json.Marshal(submitTaskRequest{Prompt: "do something"})
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.WorkflowID)
	assert.Equal(t, 1, resp.NumTasks)
}

func TestHandleSubmitTask_AmbiguousGoalReturnsAccepted(t *testing.T) {
	analysis := `{"summary":"","is_ambiguous":true,"clarifying_question":"which service?"}`
	srv, _ := newTestServer(t, analysis)

	body, _ := json.Marshal(submitTaskRequest{Prompt: "fix it"})
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "which service?", resp.ClarifyingQuestion)
	assert.Equal(t, string(domain.WorkflowPendingClarification), resp.Status)
}

func TestHandleGetWorkflow_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/workflows/missing", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlePatchContext_MergesSharedContext(t *testing.T) {
	srv, mgr := newTestServer(t)
	wf := domain.NewWorkflow("wf-1", "test")
	require.NoError(t, mgr.Create(context.Background(), wf))

	body := []byte(`{"notes":"looks fine"}`)
	req := httptest.NewRequest(http.MethodPatch, "/v1/workflows/wf-1/context", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	stored, err := mgr.Get(context.Background(), "wf-1")
	require.NoError(t, err)
	notes, _ := stored.SharedContext["notes"].AsString()
	assert.Equal(t, "looks fine", notes)
}

func TestHandleApprove_RejectsWhenNotAwaitingApproval(t *testing.T) {
	srv, mgr := newTestServer(t)
	wf := domain.NewWorkflow("wf-2", "test")
	wf.Tasks = []*domain.TaskBlock{{TaskID: "t1", Kind: domain.KindApprovalBlock, Status: domain.BlockPending}}
	require.NoError(t, mgr.Create(context.Background(), wf))

	body, _ := json.Marshal(approveRequest{Approved: true})
	req := httptest.NewRequest(http.MethodPost, "/v1/workflows/wf-2/tasks/t1/approve", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleApprove_CompletesPendingApproval(t *testing.T) {
	srv, mgr := newTestServer(t)
	wf := domain.NewWorkflow("wf-3", "test")
	wf.Tasks = []*domain.TaskBlock{{TaskID: "t1", Kind: domain.KindApprovalBlock, Status: domain.BlockPendingApproval}}
	require.NoError(t, mgr.Create(context.Background(), wf))

	body, _ := json.Marshal(approveRequest{Approved: true})
	req := httptest.NewRequest(http.MethodPost, "/v1/workflows/wf-3/tasks/t1/approve", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	stored, err := mgr.Get(context.Background(), "wf-3")
	require.NoError(t, err)
	assert.Equal(t, domain.BlockCompleted, stored.FindBlock("t1").Status)
}

func TestHandleApprove_ForbiddenWithoutRequiredRole(t *testing.T) {
	srv, mgr := newTestServer(t)
	wf := domain.NewWorkflow("wf-4", "test")
	wf.Tasks = []*domain.TaskBlock{{TaskID: "t1", Kind: domain.KindApprovalBlock, Status: domain.BlockPendingApproval, RequiredRole: "sre"}}
	require.NoError(t, mgr.Create(context.Background(), wf))

	body, _ := json.Marshal(approveRequest{Approved: true})
	req := httptest.NewRequest(http.MethodPost, "/v1/workflows/wf-4/tasks/t1/approve", bytes.NewReader(body))
	req.Header.Set("X-User-Roles", "viewer")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	stored, err := mgr.Get(context.Background(), "wf-4")
	require.NoError(t, err)
	assert.Equal(t, domain.BlockPendingApproval, stored.FindBlock("t1").Status, "status must be unchanged on 403")
}

func TestHandleApprove_RejectionFailsBlock(t *testing.T) {
	srv, mgr := newTestServer(t)
	wf := domain.NewWorkflow("wf-5", "test")
	wf.Tasks = []*domain.TaskBlock{{TaskID: "t1", Kind: domain.KindApprovalBlock, Status: domain.BlockPendingApproval, RequiredRole: "sre"}}
	require.NoError(t, mgr.Create(context.Background(), wf))

	body, _ := json.Marshal(approveRequest{Approved: false})
	req := httptest.NewRequest(http.MethodPost, "/v1/workflows/wf-5/tasks/t1/approve", bytes.NewReader(body))
	req.Header.Set("X-User-Roles", "sre, viewer")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	stored, err := mgr.Get(context.Background(), "wf-5")
	require.NoError(t, err)
	block := stored.FindBlock("t1")
	assert.Equal(t, domain.BlockFailed, block.Status)
	rejected, _ := block.Result.AsString()
	assert.Equal(t, "rejected", rejected)
}

func TestHandleCreateAndGetGoal(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(domain.Goal{Objective: "keep latency low", IsActive: true})
	req := httptest.NewRequest(http.MethodPost, "/v1/goals", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created domain.Goal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.GoalID)

	getReq := httptest.NewRequest(http.MethodGet, "/v1/goals/"+created.GoalID, nil)
	getRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(getRec, getReq)
	assert.Equal(t, http.StatusOK, getRec.Code)
}
