// Package main implements the agentflow orchestrator CLI.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/agentflow/internal/bus"
	"github.com/c360studio/agentflow/internal/config"
	"github.com/c360studio/agentflow/internal/domain"
	"github.com/c360studio/agentflow/internal/eventlistener"
	"github.com/c360studio/agentflow/internal/goalmonitor"
	"github.com/c360studio/agentflow/internal/insights"
	"github.com/c360studio/agentflow/internal/llm"
	"github.com/c360studio/agentflow/internal/orchestrator"
	"github.com/c360studio/agentflow/internal/store"
)

// configError marks a failure in loading or validating configuration,
// reported with exit code 2.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if _, ok := err.(*configError); ok {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run() error {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Agent orchestration platform",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (defaults built-in if omitted)")

	rootCmd.AddCommand(newServeCmd(&configPath))
	rootCmd.AddCommand(newBootstrapGoalsCmd(&configPath))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path == "" {
		cfg = config.DefaultConfig()
	} else {
		cfg, err = config.LoadFromFile(path)
		if err != nil {
			return nil, &configError{err}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &configError{err}
	}
	return cfg, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator: dispatcher, executor, goal monitor, planner, and HTTP/WebSocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := cfg.ApplySecrets(ctx, config.EnvSecretsProvider{Prefix: "AGENTFLOW_"}); err != nil {
		return &configError{err}
	}

	subjects := []string{
		cfg.Topics.Registrations,
		cfg.Topics.Results,
		cfg.Topics.TaskStatusUpdates,
		cfg.Topics.ConditionalEvaluations,
		cfg.Topics.DashboardEvents,
		cfg.Topics.PlatformEvents,
		// Agent task inboxes are registered under this prefix by convention;
		// an agent's task_topic must live under "agent_task." to be routable
		// on the single shared stream.
		"agent_task.>",
	}
	for _, s := range subjects[:6] {
		subjects = append(subjects, s+".DLQ")
	}

	natsBus, err := bus.Connect(ctx, cfg.Bus.URL, cfg.Bus.StreamName, subjects)
	if err != nil {
		return fmt.Errorf("connect to bus: %w", err)
	}

	insightsStore, err := insights.NewChromemStore(cfg.Services.VectorStorePath, devEmbed)
	if err != nil {
		return fmt.Errorf("open insights store: %w", err)
	}

	metricStore := goalmonitor.NewHTTPMetricStore(cfg.Services.StatsStoreURL)

	deps := orchestrator.Deps{
		Bus:         natsBus,
		LLM:         llm.NewHTTPClient(cfg.Services.LLMGatewayURL),
		Insights:    insightsStore,
		MetricStore: metricStore,
		Templates:   map[string]eventlistener.WorkflowTemplate{},
	}

	orch, err := orchestrator.New(ctx, cfg, deps, log)
	if err != nil {
		return fmt.Errorf("construct orchestrator: %w", err)
	}

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	log.Info("orchestrator started", "http_addr", cfg.HTTP.Addr, "bus_url", cfg.Bus.URL)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown orchestrator: %w", err)
	}
	return nil
}

// devEmbed is a deterministic, dependency-free stand-in for the out-of-scope
// sentence-embedding model: it hashes the whole text with SHA-256 and
// spreads the digest over a fixed-size vector. It is good enough to exercise cosine-similarity
// retrieval in local/dev runs; it is not a semantic embedding.
func devEmbed(_ context.Context, text string) ([]float32, error) {
	const dims = 32
	vec := make([]float32, dims)
	sum := sha256.Sum256([]byte(text))
	for i := 0; i < dims; i++ {
		v := binary.BigEndian.Uint32(sum[(i*4)%28 : (i*4)%28+4])
		vec[i] = float32(v%1000) / 1000.0
	}
	return vec, nil
}

func newBootstrapGoalsCmd(configPath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "bootstrap-goals",
		Short: "Load Goal records from a YAML file into the goals store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return &configError{fmt.Errorf("--file is required")}
			}
			return runBootstrapGoals(cmd.Context(), *configPath, file)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Path to a YAML file containing a list of goals")
	return cmd
}

func runBootstrapGoals(ctx context.Context, configPath, file string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read goals file: %w", err)
	}
	var goals []*domain.Goal
	if err := yaml.Unmarshal(data, &goals); err != nil {
		return &configError{fmt.Errorf("parse goals file: %w", err)}
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := cfg.ApplySecrets(ctx, config.EnvSecretsProvider{Prefix: "AGENTFLOW_"}); err != nil {
		return &configError{err}
	}

	subjects := []string{
		cfg.Topics.Registrations,
		cfg.Topics.Results,
		cfg.Topics.TaskStatusUpdates,
		cfg.Topics.ConditionalEvaluations,
		cfg.Topics.DashboardEvents,
		cfg.Topics.PlatformEvents,
		"agent_task.>",
	}
	natsBus, err := bus.Connect(ctx, cfg.Bus.URL, cfg.Bus.StreamName, subjects)
	if err != nil {
		return fmt.Errorf("connect to bus: %w", err)
	}
	defer natsBus.Close()

	goalStore, err := store.NewGoalStore(ctx, natsBus)
	if err != nil {
		return fmt.Errorf("open goal store: %w", err)
	}

	for _, g := range goals {
		if err := goalStore.Create(ctx, g); err != nil {
			return fmt.Errorf("create goal %s: %w", g.GoalID, err)
		}
		log.Info("bootstrapped goal", "goal_id", g.GoalID, "objective", g.Objective)
	}
	log.Info("bootstrap complete", "count", len(goals))
	return nil
}
