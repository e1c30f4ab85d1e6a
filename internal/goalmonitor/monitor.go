// Package goalmonitor implements the Goal Monitor: a periodic background
// loop evaluating active goals' conditions against live and forecast metric
// stores, triggering remediation on breach.
package goalmonitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/agentflow/internal/domain"
	"github.com/c360studio/agentflow/internal/metrics"
	"github.com/c360studio/agentflow/internal/planner"
)

const defaultInterval = 60 * time.Second

// MetricStore reads the current value of a service's metric.
type MetricStore interface {
	Current(ctx context.Context, service, metric string) (value float64, ok bool, err error)
	// Forecast returns forecasted (timestamp, value) pairs for the metric,
	// used to detect predicted breaches.
	Forecast(ctx context.Context, service, metric string) (map[time.Time]float64, error)
}

// GoalStore is the subset of store.GoalStore the monitor needs.
type GoalStore interface {
	List(ctx context.Context, activeOnly bool) ([]*domain.Goal, error)
	Get(ctx context.Context, goalID string) (*domain.Goal, error)
}

// WorkflowManager is the subset of workflowmanager.Manager needed to
// activate a pre-built remediation workflow.
type WorkflowManager interface {
	Get(ctx context.Context, workflowID string) (*domain.Workflow, error)
	Update(ctx context.Context, wf *domain.Workflow) error
	Create(ctx context.Context, wf *domain.Workflow) error
}

// Advancer is the subset of executor.Executor needed to kick the first
// graph-advance pass on a remediation workflow the instant it is stored or
// activated.
type Advancer interface {
	Advance(ctx context.Context, workflowID string) error
}

// Monitor is the Goal Monitor.
type Monitor struct {
	goals    GoalStore
	wf       WorkflowManager
	metric   MetricStore
	planner  *planner.Planner
	executor Advancer
	log      *slog.Logger
	interval time.Duration
}

// New constructs a Monitor ticking every interval (~60 s when zero).
// planner may be nil if no goal ever lacks a remediation_workflow_id, but a
// goal that does and has a nil planner will log and skip.
func New(goals GoalStore, wf WorkflowManager, metric MetricStore, p *planner.Planner, executor Advancer, interval time.Duration, log *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Monitor{goals: goals, wf: wf, metric: metric, planner: p, executor: executor, log: log, interval: interval}
}

// Run blocks, ticking every interval, until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	goals, err := m.goals.List(ctx, true)
	if err != nil {
		m.log.Error("failed to list active goals", "error", err)
		return
	}
	for _, g := range goals {
		m.evaluateGoal(ctx, g)
	}
}

func (m *Monitor) evaluateGoal(ctx context.Context, g *domain.Goal) {
	for _, cond := range g.Conditions {
		current, ok, err := m.metric.Current(ctx, cond.Service, cond.Metric)
		if err != nil {
			m.log.Error("failed to read current metric", "goal_id", g.GoalID, "service", cond.Service, "metric", cond.Metric, "error", err)
			continue
		}
		if ok && cond.Operator.Evaluate(current, cond.Value) {
			metrics.RecordGoalBreach(g.GoalID, "current")
			m.remediate(ctx, g, false)
			return
		}

		forecast, err := m.metric.Forecast(ctx, cond.Service, cond.Metric)
		if err != nil {
			m.log.Error("failed to read forecast metric", "goal_id", g.GoalID, "service", cond.Service, "metric", cond.Metric, "error", err)
			continue
		}
		for _, v := range forecast {
			if cond.Operator.Evaluate(v, cond.Value) {
				metrics.RecordGoalBreach(g.GoalID, "forecast")
				m.remediate(ctx, g, true)
				return
			}
		}
	}
}

// remediate activates the goal's pre-built remediation workflow if it has
// one, otherwise synthesizes a prompt and invokes the Planner. Failure is
// logged; no retry is scheduled inside this tick.
func (m *Monitor) remediate(ctx context.Context, g *domain.Goal, predicted bool) {
	if g.RemediationWorkflowID != "" {
		wf, err := m.wf.Get(ctx, g.RemediationWorkflowID)
		if err != nil {
			m.log.Error("failed to load remediation workflow", "goal_id", g.GoalID, "workflow_id", g.RemediationWorkflowID, "error", err)
			return
		}
		wf.Status = domain.WorkflowRunning
		if err := m.wf.Update(ctx, wf); err != nil {
			m.log.Error("failed to activate remediation workflow", "goal_id", g.GoalID, "workflow_id", g.RemediationWorkflowID, "error", err)
			return
		}
		m.kickAdvance(ctx, wf.WorkflowID)
		return
	}

	if m.planner == nil {
		m.log.Error("goal breached with no remediation workflow and no planner configured", "goal_id", g.GoalID)
		return
	}

	prompt := synthesizeRemediationPrompt(g, predicted)
	wf, err := m.planner.Plan(ctx, prompt)
	if err != nil {
		m.log.Error("failed to synthesize remediation plan", "goal_id", g.GoalID, "error", err)
		return
	}
	if err := m.wf.Create(ctx, wf); err != nil {
		m.log.Error("failed to store remediation workflow", "goal_id", g.GoalID, "error", err)
		return
	}
	m.kickAdvance(ctx, wf.WorkflowID)
}

func (m *Monitor) kickAdvance(ctx context.Context, workflowID string) {
	if m.executor == nil {
		return
	}
	if err := m.executor.Advance(ctx, workflowID); err != nil {
		m.log.Error("initial advance failed", "workflow_id", workflowID, "error", err)
	}
}

func synthesizeRemediationPrompt(g *domain.Goal, predicted bool) string {
	kind := "breached"
	if predicted {
		kind = "is forecast to breach"
	}
	return fmt.Sprintf("Goal %q (%s) %s its SLO conditions. Produce a remediation plan.", g.GoalID, g.Objective, kind)
}
