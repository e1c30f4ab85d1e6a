// Package config provides configuration loading for the orchestrator: a
// YAML-backed struct with defaults, validation, and a secrets-service
// overlay applied at startup.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete orchestrator configuration.
type Config struct {
	Bus       BusConfig       `yaml:"bus"`
	Store     StoreConfig     `yaml:"store"`
	Topics    TopicsConfig    `yaml:"topics"`
	Services  ServicesConfig  `yaml:"services"`
	Model     ModelConfig     `yaml:"model"`
	Intervals IntervalsConfig `yaml:"intervals"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// BusConfig configures the NATS JetStream connection.
type BusConfig struct {
	URL        string `yaml:"url"`
	StreamName string `yaml:"stream_name"`
}

// StoreConfig names the durable KV buckets. The stores do not read these
// fields: WorkflowStore and GoalStore always open the buckets "workflows"
// and "goals".
type StoreConfig struct {
	WorkflowsBucket string `yaml:"workflows_bucket"`
	GoalsBucket     string `yaml:"goals_bucket"`
}

// TopicsConfig names the wire topics. Only the bus stream's subject list is
// built from these names; every component publishes and subscribes on its
// own fixed topic names, so changing a value here does not rename a topic.
type TopicsConfig struct {
	Registrations          string `yaml:"registrations"`
	Results                string `yaml:"results"`
	TaskStatusUpdates      string `yaml:"task_status_updates"`
	ConditionalEvaluations string `yaml:"conditional_evaluations"`
	DashboardEvents        string `yaml:"dashboard_events"`
	PlatformEvents         string `yaml:"platform_events"`
}

// ServicesConfig points at the out-of-scope collaborator services.
type ServicesConfig struct {
	LLMGatewayURL     string `yaml:"llm_gateway_url"`
	VectorStorePath   string `yaml:"vector_store_path"`
	KnowledgeGraphURL string `yaml:"knowledge_graph_url"`
	StatsStoreURL     string `yaml:"stats_store_url"`
}

// ModelConfig configures the default model name the Task Dispatcher puts on
// a TaskMessage whose caller names no model. Planner LLM requests carry no
// model name.
type ModelConfig struct {
	Default string `yaml:"default"`
}

// Duration wraps time.Duration so intervals can be written as "60s"/"5m"
// in YAML; a bare integer is taken as a number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.ShortTag() == "!!int" {
		var n int64
		if err := value.Decode(&n); err != nil {
			return fmt.Errorf("invalid duration value: %w", err)
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// IntervalsConfig configures the poll intervals and timeouts of background
// loops.
type IntervalsConfig struct {
	GoalMonitor Duration `yaml:"goal_monitor"`
	// NoAgentSweep is how often the executor sweeps tasks stuck PENDING
	// because no capable agent was registered at dispatch time.
	NoAgentSweep Duration `yaml:"no_agent_sweep"`
	// NoAgentTimeout is how long such a task may stay PENDING before the
	// sweep fails it.
	NoAgentTimeout Duration `yaml:"no_agent_timeout"`
}

// HTTPConfig configures the external HTTP/WebSocket listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// SecretsProvider is the contract for the external secrets service the
// orchestrator reads parts of its configuration from at startup.
type SecretsProvider interface {
	GetSecret(ctx context.Context, key string) (string, error)
}

// EnvSecretsProvider reads secrets from environment variables, the
// local/dev stand-in for the real secrets service: the key "bus.url"
// becomes the variable "<Prefix>BUS_URL". A missing variable is an empty
// value, not an error.
type EnvSecretsProvider struct {
	Prefix string
}

func (p EnvSecretsProvider) GetSecret(_ context.Context, key string) (string, error) {
	name := p.Prefix + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
	return os.Getenv(name), nil
}

// ApplySecrets overlays secrets-service values onto the config: bus and
// store endpoints, collaborator service URLs, and the default model name.
// Empty values leave the corresponding field untouched, so file/default
// configuration still applies where the secrets service holds nothing.
func (c *Config) ApplySecrets(ctx context.Context, sp SecretsProvider) error {
	targets := []struct {
		key string
		dst *string
	}{
		{"bus.url", &c.Bus.URL},
		{"bus.stream_name", &c.Bus.StreamName},
		{"services.llm_gateway_url", &c.Services.LLMGatewayURL},
		{"services.vector_store_path", &c.Services.VectorStorePath},
		{"services.knowledge_graph_url", &c.Services.KnowledgeGraphURL},
		{"services.stats_store_url", &c.Services.StatsStoreURL},
		{"model.default", &c.Model.Default},
	}
	for _, t := range targets {
		v, err := sp.GetSecret(ctx, t.key)
		if err != nil {
			return fmt.Errorf("read secret %s: %w", t.key, err)
		}
		if v != "" {
			*t.dst = v
		}
	}
	return nil
}

// DefaultConfig returns sensible defaults, overridden by LoadFromFile.
func DefaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			URL:        "nats://localhost:4222",
			StreamName: "AGENTFLOW",
		},
		Store: StoreConfig{
			WorkflowsBucket: "workflows",
			GoalsBucket:     "goals",
		},
		Topics: TopicsConfig{
			Registrations:          "registrations",
			Results:                "results",
			TaskStatusUpdates:      "task_status_updates",
			ConditionalEvaluations: "conditional_evaluations",
			DashboardEvents:        "dashboard_events",
			PlatformEvents:         "platform_events",
		},
		Model: ModelConfig{Default: "default"},
		Intervals: IntervalsConfig{
			GoalMonitor:    Duration(60 * time.Second),
			NoAgentSweep:   Duration(time.Minute),
			NoAgentTimeout: Duration(10 * time.Minute),
		},
		HTTP: HTTPConfig{Addr: ":8080"},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Bus.URL == "" {
		return fmt.Errorf("bus.url is required")
	}
	if c.Bus.StreamName == "" {
		return fmt.Errorf("bus.stream_name is required")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file, starting from
// DefaultConfig so unset fields keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}
