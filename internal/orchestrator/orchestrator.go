// Package orchestrator wires every subsystem into a single Orchestrator
// value constructed at startup; no subsystem lives in package-level state.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/c360studio/agentflow/internal/bus"
	"github.com/c360studio/agentflow/internal/config"
	"github.com/c360studio/agentflow/internal/dashboard"
	"github.com/c360studio/agentflow/internal/dispatcher"
	"github.com/c360studio/agentflow/internal/eventlistener"
	"github.com/c360studio/agentflow/internal/executor"
	"github.com/c360studio/agentflow/internal/goalmonitor"
	"github.com/c360studio/agentflow/internal/httpapi"
	"github.com/c360studio/agentflow/internal/insights"
	"github.com/c360studio/agentflow/internal/listener"
	"github.com/c360studio/agentflow/internal/llm"
	"github.com/c360studio/agentflow/internal/planner"
	"github.com/c360studio/agentflow/internal/reaper"
	"github.com/c360studio/agentflow/internal/registry"
	"github.com/c360studio/agentflow/internal/store"
	"github.com/c360studio/agentflow/internal/workflowmanager"
)

// Orchestrator owns every subsystem explicitly; nothing here is a package
// global.
type Orchestrator struct {
	cfg *config.Config
	log *slog.Logger

	Bus bus.Bus

	WorkflowStore *store.WorkflowStore
	GoalStore     *store.GoalStore

	Registry   *registry.Registry
	Dispatcher *dispatcher.Dispatcher
	Listener   *listener.Listener
	Manager    *workflowmanager.Manager
	Executor   *executor.Executor
	Worker     *executor.ConditionalWorker
	Planner    *planner.Planner
	Monitor    *goalmonitor.Monitor
	Events     *eventlistener.Listener
	Dashboard  *dashboard.Broadcaster
	API        *httpapi.Server
	Reaper     *reaper.Reaper

	subs []bus.Subscription

	httpServer *http.Server
}

// Deps are the externally-constructed collaborators an Orchestrator needs
// that this package has no business constructing itself: the bus
// connection, the LLM gateway client, the vector store, and the knowledge
// graph.
type Deps struct {
	Bus            bus.Bus
	LLM            llm.Client
	Insights       insights.Store
	KnowledgeGraph insights.KnowledgeGraph
	MetricStore    goalmonitor.MetricStore
	Templates      map[string]eventlistener.WorkflowTemplate
}

// New constructs every subsystem and wires their dependencies, but does not
// start any consumer or HTTP listener yet.
func New(ctx context.Context, cfg *config.Config, deps Deps, log *slog.Logger) (*Orchestrator, error) {
	wfStore, err := store.NewWorkflowStore(ctx, deps.Bus)
	if err != nil {
		return nil, fmt.Errorf("open workflow store: %w", err)
	}
	goalStore, err := store.NewGoalStore(ctx, deps.Bus)
	if err != nil {
		return nil, fmt.Errorf("open goal store: %w", err)
	}

	reg := registry.New(log)
	disp := dispatcher.New(deps.Bus, reg, cfg.Model.Default)
	mgr := workflowmanager.New(wfStore, deps.Bus, log)
	lis := listener.New(mgr, disp, log)
	exec := executor.New(mgr, disp, deps.Bus, deps.KnowledgeGraph, log)
	worker := executor.NewConditionalWorker(mgr, log)
	p := planner.New(deps.LLM, deps.Insights, log)
	mon := goalmonitor.New(goalStore, mgr, deps.MetricStore, p, exec, cfg.Intervals.GoalMonitor.Std(), log)
	events := eventlistener.New(deps.Bus, mgr, p, deps.Templates, exec, log)
	dash := dashboard.New(log)
	api := httpapi.New(p, mgr, goalStore, deps.Bus, dash, exec, log)
	rpr := reaper.New(mgr, log)

	return &Orchestrator{
		cfg:           cfg,
		log:           log,
		Bus:           deps.Bus,
		WorkflowStore: wfStore,
		GoalStore:     goalStore,
		Registry:      reg,
		Dispatcher:    disp,
		Listener:      lis,
		Manager:       mgr,
		Executor:      exec,
		Worker:        worker,
		Planner:       p,
		Monitor:       mon,
		Events:        events,
		Dashboard:     dash,
		API:           api,
		Reaper:        rpr,
	}, nil
}

// Start subscribes every consumer, starts the Goal Monitor's background
// loop, and starts the HTTP listener. It returns once every subscription
// has been established; the HTTP server and Goal Monitor loop run in their
// own goroutines until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	regSub, err := o.Registry.Start(ctx, o.Bus)
	if err != nil {
		return fmt.Errorf("start registry: %w", err)
	}
	o.subs = append(o.subs, regSub)

	listenerSubs, err := o.Listener.Start(ctx, o.Bus)
	if err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	o.subs = append(o.subs, listenerSubs...)

	execSub, err := o.Executor.Start(ctx, o.Bus)
	if err != nil {
		return fmt.Errorf("start executor: %w", err)
	}
	o.subs = append(o.subs, execSub)

	workerSub, err := o.Worker.Start(ctx, o.Bus)
	if err != nil {
		return fmt.Errorf("start conditional worker: %w", err)
	}
	o.subs = append(o.subs, workerSub)

	eventSub, err := o.Events.Start(ctx, o.Bus)
	if err != nil {
		return fmt.Errorf("start event listener: %w", err)
	}
	o.subs = append(o.subs, eventSub)

	dashSub, err := o.Dashboard.Start(ctx, o.Bus)
	if err != nil {
		return fmt.Errorf("start dashboard broadcaster: %w", err)
	}
	o.subs = append(o.subs, dashSub)

	reaperSubs, err := o.Reaper.Start(ctx, o.Bus)
	if err != nil {
		return fmt.Errorf("start dead-letter reaper: %w", err)
	}
	o.subs = append(o.subs, reaperSubs...)

	o.recoverRunningWorkflows(ctx)

	go o.Monitor.Run(ctx)
	go o.Executor.RunNoAgentSweep(ctx, o.cfg.Intervals.NoAgentSweep.Std(), o.cfg.Intervals.NoAgentTimeout.Std())

	o.httpServer = &http.Server{Addr: o.cfg.HTTP.Addr, Handler: o.API.Router()}
	go func() {
		if err := o.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			o.log.Error("http server failed", "error", err)
		}
	}()

	return nil
}

// recoverRunningWorkflows runs one advance pass over every RUNNING workflow
// at startup, so a workflow left mid-flight by a prior process crash isn't
// stuck waiting for a status-update event that may never arrive (e.g. the
// dispatch that would have produced it never happened before the crash).
func (o *Orchestrator) recoverRunningWorkflows(ctx context.Context) {
	wfs, err := o.Manager.ListRunning(ctx)
	if err != nil {
		o.log.Error("startup recovery: failed to list running workflows", "error", err)
		return
	}
	for _, wf := range wfs {
		if err := o.Executor.Advance(ctx, wf.WorkflowID); err != nil {
			o.log.Error("startup recovery: advance failed", "workflow_id", wf.WorkflowID, "error", err)
		}
	}
}

// Shutdown unsubscribes every consumer, stops the HTTP listener, and closes
// the bus connection.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o.httpServer != nil {
		_ = o.httpServer.Shutdown(ctx)
	}
	for _, sub := range o.subs {
		_ = sub.Unsubscribe()
	}
	return o.Bus.Close()
}
