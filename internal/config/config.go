package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	fableerrors "fable/internal/errors"
)

// RetryConfig holds the backoff policy applied to external calls.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// ServiceConfig locates one external tool service.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
}

// Config holds all engine tunables. Zero values are replaced with defaults
// by Load and Default.
type Config struct {
	// Flow execution
	MaxIterations     int           `yaml:"max_iterations"`
	FanOutConcurrency int           `yaml:"fanout_concurrency"`
	HistoryLimit      int           `yaml:"history_limit"`
	TaskTimeout       time.Duration `yaml:"task_timeout"` // 0 = no per-task deadline

	// External calls
	ToolCallTimeout time.Duration `yaml:"tool_call_timeout"`
	ReasonTimeout   time.Duration `yaml:"reason_timeout"`
	Retry           RetryConfig   `yaml:"retry"`

	// Subscribers
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	// Collaborators
	ReasonerURL string          `yaml:"reasoner_url"`
	Services    []ServiceConfig `yaml:"services"`

	// Server
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file, falling back to defaults for any field the
// file leaves unset. A missing file is not an error; env overrides apply last.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 50
	}
	if c.FanOutConcurrency == 0 {
		c.FanOutConcurrency = 4
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 100
	}
	if c.ToolCallTimeout == 0 {
		c.ToolCallTimeout = 30 * time.Second
	}
	if c.ReasonTimeout == 0 {
		c.ReasonTimeout = 60 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = 500 * time.Millisecond
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 10 * time.Second
	}
	if c.SubscriberBuffer == 0 {
		c.SubscriberBuffer = 64
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8086
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FABLE_REASONER_URL"); v != "" {
		c.ReasonerURL = v
	}
	if v := os.Getenv("FABLE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("FABLE_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxIterations = n
		}
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be positive, got %d", c.MaxIterations)
	}
	if c.FanOutConcurrency < 1 {
		return fmt.Errorf("fanout_concurrency must be positive, got %d", c.FanOutConcurrency)
	}
	if c.SubscriberBuffer < 1 {
		return fmt.Errorf("subscriber_buffer must be positive, got %d", c.SubscriberBuffer)
	}
	for _, svc := range c.Services {
		if svc.Name == "" || svc.Endpoint == "" {
			return fmt.Errorf("service entries require both name and endpoint")
		}
	}
	return nil
}

// RetryPolicy translates the configured backoff settings into the policy the
// retry helpers consume.
func (c *Config) RetryPolicy() fableerrors.RetryConfig {
	policy := fableerrors.DefaultRetryConfig()
	policy.MaxAttempts = c.Retry.MaxAttempts
	policy.BaseDelay = c.Retry.BaseDelay
	policy.MaxDelay = c.Retry.MaxDelay
	return policy
}

// ServiceEndpoint returns the locator configured for a named service, or ""
// when the service is not configured.
func (c *Config) ServiceEndpoint(name string) string {
	for _, svc := range c.Services {
		if svc.Name == name {
			return svc.Endpoint
		}
	}
	return ""
}
