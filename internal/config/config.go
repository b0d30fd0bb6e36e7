// Package config loads service configuration from agentmesh.yaml with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Bus           BusConfig           `mapstructure:"bus"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Templates     TemplatesConfig     `mapstructure:"templates"`
}

// ServerConfig holds the HTTP facade and admin server knobs.
type ServerConfig struct {
	Port      int `mapstructure:"port"`
	AdminPort int `mapstructure:"admin_port"`
}

// EngineConfig holds orchestrator defaults.
type EngineConfig struct {
	DefaultWorkflowTimeoutMin int `mapstructure:"default_workflow_timeout_min"`
	SchedulerIdleYieldMs      int `mapstructure:"scheduler_idle_yield_ms"`
}

// BusConfig holds communication bus knobs.
type BusConfig struct {
	QueueCapacity   int `mapstructure:"queue_capacity"`
	ProcessingRate  int `mapstructure:"processing_rate"`
	DeliveryRetries int `mapstructure:"delivery_retries"`
}

// AuditConfig configures the optional Redis Streams handoff sink.
type AuditConfig struct {
	RedisAddr string `mapstructure:"redis_addr"`
	Stream    string `mapstructure:"stream"`
	MaxLen    int64  `mapstructure:"max_len"`
}

// ObservabilityConfig groups metrics, logging, and tracing knobs.
type ObservabilityConfig struct {
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
	Tracing struct {
		Enabled      bool   `mapstructure:"enabled"`
		ServiceName  string `mapstructure:"service_name"`
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	} `mapstructure:"tracing"`
}

// TemplatesConfig points at the workflow template directory.
type TemplatesConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// Load reads agentmesh.yaml from CONFIG_PATH or ./config/agentmesh.yaml and
// applies defaults. A missing file is not an error; defaults apply.
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "./config/agentmesh.yaml"
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)

	cfg := defaults()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	cfg.Server.Port = 8080
	cfg.Server.AdminPort = 8081
	cfg.Engine.DefaultWorkflowTimeoutMin = 5
	cfg.Engine.SchedulerIdleYieldMs = 50
	cfg.Bus.QueueCapacity = 1000
	cfg.Bus.ProcessingRate = 10
	cfg.Bus.DeliveryRetries = 3
	cfg.Audit.Stream = "agentmesh:handoffs"
	cfg.Audit.MaxLen = 10000
	cfg.Observability.Metrics.Enabled = true
	cfg.Observability.Metrics.Port = 9090
	cfg.Observability.Logging.Level = "info"
	cfg.Templates.Dir = "./config/templates"
	cfg.Templates.Watch = true
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("ADMIN_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.AdminPort = n
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Audit.RedisAddr = v
	}
	if v := os.Getenv("TEMPLATES_DIR"); v != "" {
		cfg.Templates.Dir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
}

// DefaultWorkflowTimeout returns the workflow-level deadline fallback.
func (c *Config) DefaultWorkflowTimeout() time.Duration {
	if c.Engine.DefaultWorkflowTimeoutMin > 0 {
		return time.Duration(c.Engine.DefaultWorkflowTimeoutMin) * time.Minute
	}
	return 5 * time.Minute
}

// IdleYield returns the scheduler's idle backoff between readiness scans.
func (c *Config) IdleYield() time.Duration {
	if c.Engine.SchedulerIdleYieldMs > 0 {
		return time.Duration(c.Engine.SchedulerIdleYieldMs) * time.Millisecond
	}
	return 50 * time.Millisecond
}
