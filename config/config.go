// Package config loads taskflow configuration from YAML with environment
// variable overrides. Defaults apply first, then the file, then the
// environment, so a deployment can override any single knob without
// rewriting the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Checkpoint store backends.
const (
	BackendFile   = "file"
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// CheckpointConfig selects and parameterizes the checkpoint store.
type CheckpointConfig struct {
	Backend    string        `yaml:"backend"`
	Dir        string        `yaml:"dir"`
	SQLitePath string        `yaml:"sqlite_path"`
	RedisAddr  string        `yaml:"redis_addr"`
	RedisDB    int           `yaml:"redis_db"`
	Retention  time.Duration `yaml:"retention"`
}

// EngineConfig holds the scheduler knobs.
type EngineConfig struct {
	MaxParallel       int           `yaml:"max_parallel"`
	TaskTimeout       time.Duration `yaml:"task_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	ContinueOnFailure bool          `yaml:"continue_on_failure"`
	OutputDir         string        `yaml:"output_dir"`
}

// RetryConfig holds the dispatch retry knobs.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffFactor time.Duration `yaml:"backoff_factor"`
}

// BreakerConfig holds the circuit breaker knobs.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// LogConfig holds the logging knobs.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Config is the root configuration.
type Config struct {
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Engine     EngineConfig     `yaml:"engine"`
	Retry      RetryConfig      `yaml:"retry"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Log        LogConfig        `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Checkpoint: CheckpointConfig{
			Backend:   BackendFile,
			Dir:       "checkpoints",
			RedisAddr: "localhost:6379",
			Retention: 7 * 24 * time.Hour,
		},
		Engine: EngineConfig{
			MaxParallel: 1,
			TaskTimeout: 5 * time.Minute,
			MaxRetries:  3,
			OutputDir:   "output",
		},
		Retry: RetryConfig{
			MaxAttempts:   3,
			BackoffFactor: 100 * time.Millisecond,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (skipped when path is empty or the file does not exist), then
// TASKFLOW_* environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

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

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Checkpoint.Backend, "TASKFLOW_CHECKPOINT_BACKEND")
	setString(&c.Checkpoint.Dir, "TASKFLOW_CHECKPOINT_DIR")
	setString(&c.Checkpoint.SQLitePath, "TASKFLOW_CHECKPOINT_SQLITE_PATH")
	setString(&c.Checkpoint.RedisAddr, "TASKFLOW_CHECKPOINT_REDIS_ADDR")
	setInt(&c.Checkpoint.RedisDB, "TASKFLOW_CHECKPOINT_REDIS_DB")
	setDuration(&c.Checkpoint.Retention, "TASKFLOW_CHECKPOINT_RETENTION")

	setInt(&c.Engine.MaxParallel, "TASKFLOW_ENGINE_MAX_PARALLEL")
	setDuration(&c.Engine.TaskTimeout, "TASKFLOW_ENGINE_TASK_TIMEOUT")
	setInt(&c.Engine.MaxRetries, "TASKFLOW_ENGINE_MAX_RETRIES")
	setBool(&c.Engine.ContinueOnFailure, "TASKFLOW_ENGINE_CONTINUE_ON_FAILURE")
	setString(&c.Engine.OutputDir, "TASKFLOW_ENGINE_OUTPUT_DIR")

	setInt(&c.Retry.MaxAttempts, "TASKFLOW_RETRY_MAX_ATTEMPTS")
	setDuration(&c.Retry.BackoffFactor, "TASKFLOW_RETRY_BACKOFF_FACTOR")

	setInt(&c.Breaker.FailureThreshold, "TASKFLOW_BREAKER_FAILURE_THRESHOLD")
	setDuration(&c.Breaker.ResetTimeout, "TASKFLOW_BREAKER_RESET_TIMEOUT")

	setString(&c.Log.Level, "TASKFLOW_LOG_LEVEL")
	setBool(&c.Log.Development, "TASKFLOW_LOG_DEVELOPMENT")
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Checkpoint.Backend {
	case BackendFile, BackendMemory, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}
	if c.Checkpoint.Backend == BackendFile && c.Checkpoint.Dir == "" {
		return fmt.Errorf("checkpoint.dir is required for the file backend")
	}
	if c.Checkpoint.Backend == BackendSQLite && c.Checkpoint.SQLitePath == "" {
		return fmt.Errorf("checkpoint.sqlite_path is required for the sqlite backend")
	}
	if c.Checkpoint.Backend == BackendRedis && c.Checkpoint.RedisAddr == "" {
		return fmt.Errorf("checkpoint.redis_addr is required for the redis backend")
	}
	if c.Checkpoint.Retention < 0 {
		return fmt.Errorf("checkpoint.retention cannot be negative")
	}
	if c.Engine.MaxParallel < 1 {
		return fmt.Errorf("engine.max_parallel must be at least 1")
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries cannot be negative")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.BackoffFactor < 0 {
		return fmt.Errorf("retry.backoff_factor cannot be negative")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("breaker.reset_timeout must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
