package config

import (
	"fmt"
	"time"
)

// Config is the full driver configuration.
type Config struct {
	// Data directory for the shared store database and logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Driver timing
	PollInterval time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	TickTimeout  time.Duration `json:"tick_timeout" mapstructure:"tick_timeout"`

	// Stack limits
	StackCap      int `json:"stack_cap" mapstructure:"stack_cap"`
	DedupLookback int `json:"dedup_lookback" mapstructure:"dedup_lookback"`

	// Evaluation dedup window
	EvalDedupTTL time.Duration `json:"eval_dedup_ttl" mapstructure:"eval_dedup_ttl"`

	// Queues maps queue name to worker concurrency
	Queues map[string]int `json:"queues" mapstructure:"queues"`

	// Gateway listen address for worker acks (empty disables)
	GatewayAddr string `json:"gateway_addr" mapstructure:"gateway_addr"`

	// Metrics listen address (empty disables)
	MetricsAddr string `json:"metrics_addr" mapstructure:"metrics_addr"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// Queue names routed by task name.
const (
	QueueTicks    = "ticks"
	QueueTools    = "tools"
	QueueEvals    = "evals"
	QueueRollouts = "rollouts"
)

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:       "",
		PollInterval:  2 * time.Second,
		TickTimeout:   45 * time.Second,
		StackCap:      2000,
		DedupLookback: 100,
		EvalDedupTTL:  5 * time.Second,
		Queues: map[string]int{
			QueueTicks:    1,
			QueueTools:    4,
			QueueEvals:    2,
			QueueRollouts: 2,
		},
		GatewayAddr: "127.0.0.1:8713",
		MetricsAddr: "127.0.0.1:9713",
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.TickTimeout <= 0 {
		return fmt.Errorf("tick_timeout must be positive")
	}
	if c.StackCap < 2 {
		return fmt.Errorf("stack_cap must be at least 2")
	}
	if c.DedupLookback <= 0 {
		return fmt.Errorf("dedup_lookback must be positive")
	}
	if c.EvalDedupTTL <= 0 {
		return fmt.Errorf("eval_dedup_ttl must be positive")
	}
	for name, concurrency := range c.Queues {
		if concurrency <= 0 {
			return fmt.Errorf("queue %s concurrency must be positive", name)
		}
	}
	return nil
}
