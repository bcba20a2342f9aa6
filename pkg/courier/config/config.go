// Package config loads the courier configuration from YAML with environment
// variable expansion and .env support.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full courier configuration.
type Config struct {
	// AgentID namespaces session keys for this deployment.
	AgentID string `yaml:"agent_id"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Queue      QueueConfig      `yaml:"queue"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Moderation ModerationConfig `yaml:"moderation"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig connects the durable queue and the distributed lock. When
// Addr is empty the in-memory queue and locker are used instead.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig is the default retry policy for enqueued jobs.
type QueueConfig struct {
	Prefix        string `yaml:"prefix"`
	MaxAttempts   int    `yaml:"max_attempts"`
	BackoffBaseMs int    `yaml:"backoff_base_ms"`
}

// DispatchConfig tunes the worker pool.
type DispatchConfig struct {
	Workers         int      `yaml:"workers"`
	CloseDelay      Duration `yaml:"close_delay"`
	StageTimeout    Duration `yaml:"stage_timeout"`
	LockTTL         Duration `yaml:"lock_ttl"`
	SessionScope    string   `yaml:"session_scope"`
	PipelineRetries int      `yaml:"pipeline_retries"`
}

// Duration unmarshals YAML strings like "5m" or "45s".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		var n int64
		if err := value.Decode(&n); err != nil {
			return fmt.Errorf("duration must be a string like \"5m\"")
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ModerationConfig feeds the built-in keyword classifier.
type ModerationConfig struct {
	Keywords []string `yaml:"keywords"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		AgentID:  "courier",
		LogLevel: "info",
		Database: DatabaseConfig{Path: "courier.db"},
		Queue: QueueConfig{
			Prefix:        "courier:q",
			MaxAttempts:   5,
			BackoffBaseMs: 2000,
		},
		Dispatch: DispatchConfig{
			Workers:         4,
			CloseDelay:      Duration(3 * time.Minute),
			StageTimeout:    Duration(15 * time.Second),
			LockTTL:         Duration(30 * time.Second),
			SessionScope:    "main",
			PipelineRetries: 2,
		},
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} references in the raw
// YAML text.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Load reads the YAML file at path, expanding environment variables first.
// A .env file next to the working directory is loaded when present. A
// missing config file yields the defaults.
func Load(path string) (*Config, error) {
	// Missing .env is fine.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse overlays YAML bytes onto the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := envVarPattern.ReplaceAllStringFunc(string(data), func(m string) string {
		groups := envVarPattern.FindStringSubmatch(m)
		if v, ok := os.LookupEnv(groups[1]); ok {
			return v
		}
		return groups[2]
	})

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("agent_id must not be empty")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive, got %d", c.Queue.MaxAttempts)
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch.workers must be positive, got %d", c.Dispatch.Workers)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

// UseRedis reports whether the Redis-backed queue and locker are configured.
func (c *Config) UseRedis() bool { return c.Redis.Addr != "" }
