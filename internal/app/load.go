package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/vk/relgrid/internal/config"
	"github.com/vk/relgrid/internal/ctxlog"
	"github.com/vk/relgrid/internal/errs"
	"github.com/vk/relgrid/internal/hcl_adapter"
	"github.com/vk/relgrid/internal/yaml_adapter"
)

// loaderFor picks the configuration loader by file extension.
func loaderFor(path string) (config.Loader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		return hcl_adapter.NewLoader(), nil
	case ".yaml", ".yml":
		return yaml_adapter.NewLoader(), nil
	}
	return nil, errs.Newf(errs.CodeInvalidConfig, "config", "%s: unsupported configuration format (want .hcl, .yaml or .yml)", path)
}

// loadModel loads the pipeline file, applies the invocation overrides and
// validates the result.
func loadModel(ctx context.Context, cfg *Config) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)

	loader, err := loaderFor(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	model, err := loader.Load(ctx, cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.Workers > 0 {
		model.Pipeline.Workers = cfg.Workers
	}
	if cfg.Timeout > 0 {
		model.Pipeline.Timeout = cfg.Timeout
	}
	if cfg.FailFast != nil {
		model.Pipeline.FailFast = *cfg.FailFast
	}

	if err := model.Validate(); err != nil {
		return nil, err
	}
	logger.Debug("Configuration loaded and validated.", "project", model.Project, "targets", model.Targets)
	return model, nil
}
