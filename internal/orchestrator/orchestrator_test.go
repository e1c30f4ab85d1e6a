package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentflow/internal/bus"
	"github.com/c360studio/agentflow/internal/config"
	"github.com/c360studio/agentflow/internal/eventlistener"
	"github.com/c360studio/agentflow/internal/llm"
)

type stubLLM struct{}

func (stubLLM) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: `{"summary":"x","is_ambiguous":false,"high_level_steps":["x"]}`}, nil
}

func TestNew_WiresEverySubsystem(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.HTTP.Addr = "127.0.0.1:0"
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.NewFakeBus()

	deps := Deps{
		Bus:       b,
		LLM:       stubLLM{},
		Templates: map[string]eventlistener.WorkflowTemplate{},
	}

	orch, err := New(context.Background(), cfg, deps, log)
	require.NoError(t, err)
	require.NotNil(t, orch.Registry)
	require.NotNil(t, orch.Dispatcher)
	require.NotNil(t, orch.Manager)
	require.NotNil(t, orch.Executor)
	require.NotNil(t, orch.Planner)
	require.NotNil(t, orch.Monitor)
	require.NotNil(t, orch.Events)
	require.NotNil(t, orch.Dashboard)
	require.NotNil(t, orch.API)
	require.NotNil(t, orch.Reaper)
}

func TestStartAndShutdown_SubscribesAndTearsDownCleanly(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.HTTP.Addr = "127.0.0.1:0"
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.NewFakeBus()

	deps := Deps{
		Bus:       b,
		LLM:       stubLLM{},
		Templates: map[string]eventlistener.WorkflowTemplate{},
	}

	orch, err := New(context.Background(), cfg, deps, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, orch.Start(ctx))
	require.NotEmpty(t, orch.subs)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	require.NoError(t, orch.Shutdown(shutdownCtx))
}
