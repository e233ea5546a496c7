package app

import (
	"errors"
	"time"
)

// Config holds everything one invocation needs besides the pipeline file.
type Config struct {
	ConfigPath string // .hcl, .yaml or .yml

	Version     string
	PipelineID  string
	Retry       []string
	RetryFailed bool

	// Overrides of the pipeline file; zero values keep the file's setting.
	Workers  int
	Timeout  time.Duration
	FailFast *bool

	LogFormat       string
	LogLevel        string
	LogFile         string
	HealthcheckPort int
}

// NewConfig checks the invocation settings that do not depend on the
// pipeline file.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.ConfigPath == "" {
		return nil, errors.New("ConfigPath is a required configuration field and cannot be empty")
	}
	if cfg.Workers < 0 {
		return nil, errors.New("workers must not be negative")
	}
	if cfg.Timeout < 0 {
		return nil, errors.New("timeout must not be negative")
	}
	if cfg.HealthcheckPort < 0 {
		return nil, errors.New("healthcheck port must not be negative")
	}
	return &cfg, nil
}
