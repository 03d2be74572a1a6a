package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env      string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port     string `env:"PORT" envDefault:"8080" validate:"required"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`

	// EngineResumeURL is the process-engine core's internal endpoint the
	// scheduler calls to resume an execution point.
	EngineResumeURL  string `env:"ENGINE_RESUME_URL,required" validate:"required,url"`
	ResumeTimeoutSec int    `env:"RESUME_TIMEOUT_SEC" envDefault:"60" validate:"min=1"`

	// Acquisition tuning. LockDurationSec must exceed the slowest resume
	// callback, or a live job can be re-acquired mid-execution.
	MaxJobsPerAcquisition int `env:"MAX_JOBS_PER_ACQUISITION" envDefault:"3" validate:"min=1,max=100"`
	LockDurationSec       int `env:"LOCK_DURATION_SEC" envDefault:"300" validate:"min=1"`
	PollIntervalSec       int `env:"POLL_INTERVAL_SEC" envDefault:"1" validate:"min=1,max=60"`
	TimerIntervalSec      int `env:"TIMER_INTERVAL_SEC" envDefault:"5" validate:"min=1,max=300"`
	WorkerCount           int `env:"WORKER_COUNT" envDefault:"5" validate:"min=1,max=100"`

	// Retry waits. Message-triggered jobs get the longer wait.
	RetryWaitSec        int `env:"RETRY_WAIT_SEC" envDefault:"30" validate:"min=1"`
	MessageRetryWaitSec int `env:"MESSAGE_RETRY_WAIT_SEC" envDefault:"300" validate:"min=1"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

func (c *Config) TimerInterval() time.Duration {
	return time.Duration(c.TimerIntervalSec) * time.Second
}

func (c *Config) LockDuration() time.Duration {
	return time.Duration(c.LockDurationSec) * time.Second
}

func (c *Config) RetryWait() time.Duration {
	return time.Duration(c.RetryWaitSec) * time.Second
}

func (c *Config) MessageRetryWait() time.Duration {
	return time.Duration(c.MessageRetryWaitSec) * time.Second
}

func (c *Config) ResumeTimeout() time.Duration {
	return time.Duration(c.ResumeTimeoutSec) * time.Second
}
