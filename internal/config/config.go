// Package config loads service configuration from defaults, an optional YAML file and
// AGENTIC_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Store        StoreConfig        `mapstructure:"store"`
	Workflow     WorkflowConfig     `mapstructure:"workflow"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Review       ReviewConfig       `mapstructure:"review"`
	OpenAI       OpenAIConfig       `mapstructure:"openai"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// StoreConfig selects persistence. An empty path keeps workflows in memory.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type WorkflowConfig struct {
	DefinitionsFile string        `mapstructure:"definitions_file"`
	ApprovalMode    string        `mapstructure:"approval_mode"`
	ApprovalExpiry  time.Duration `mapstructure:"approval_expiry"`
	// SweepInterval of 0 disables the expired-approval sweeper.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// ExpiryAction is applied to expired approvals by the sweeper; empty leaves them open.
	ExpiryAction string      `mapstructure:"expiry_action"`
	Retry        RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	Strategy    string        `mapstructure:"strategy"`
	Interval    time.Duration `mapstructure:"interval"`
	MaxInterval time.Duration `mapstructure:"max_interval"`
	Jitter      float64       `mapstructure:"jitter"`
}

type OrchestratorConfig struct {
	SuccessThreshold float64 `mapstructure:"success_threshold"`
	MaxConcurrency   int     `mapstructure:"max_concurrency"`
}

type ReviewConfig struct {
	FileThreshold int `mapstructure:"file_threshold"`
}

type OpenAIConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

const (
	RetryFixed       = "fixed"
	RetryExponential = "exponential"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)

	v.SetDefault("store.path", "agentic.db")

	v.SetDefault("workflow.definitions_file", "")
	v.SetDefault("workflow.approval_mode", "interactive")
	v.SetDefault("workflow.approval_expiry", "24h")
	v.SetDefault("workflow.sweep_interval", "0s")
	v.SetDefault("workflow.expiry_action", "")
	v.SetDefault("workflow.retry.strategy", RetryFixed)
	v.SetDefault("workflow.retry.interval", "5s")
	v.SetDefault("workflow.retry.max_interval", "1m")
	v.SetDefault("workflow.retry.jitter", 0.0)

	v.SetDefault("orchestrator.success_threshold", 0.8)
	v.SetDefault("orchestrator.max_concurrency", 0)

	v.SetDefault("review.file_threshold", 1000)

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.model", "")
}

// Load reads path when set, otherwise an optional ./agentic.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("agentic")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix("AGENTIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("openai.api_key", "AGENTIC_OPENAI_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, fmt.Errorf("binding env: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Workflow.ApprovalMode {
	case "interactive", "automatic":
	default:
		return fmt.Errorf("workflow.approval_mode must be interactive or automatic, got %q", c.Workflow.ApprovalMode)
	}
	switch c.Workflow.Retry.Strategy {
	case RetryFixed, RetryExponential:
	default:
		return fmt.Errorf("workflow.retry.strategy must be %s or %s, got %q", RetryFixed, RetryExponential, c.Workflow.Retry.Strategy)
	}
	switch c.Workflow.ExpiryAction {
	case "", "approve", "retry", "skip", "cancel":
	default:
		return fmt.Errorf("workflow.expiry_action must be approve, retry, skip or cancel, got %q", c.Workflow.ExpiryAction)
	}
	if c.Orchestrator.SuccessThreshold < 0 || c.Orchestrator.SuccessThreshold > 1 {
		return fmt.Errorf("orchestrator.success_threshold must be within [0, 1], got %v", c.Orchestrator.SuccessThreshold)
	}
	return nil
}
