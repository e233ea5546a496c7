package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/relgrid/internal/ctxlog"
	"github.com/vk/relgrid/internal/errs"
	"github.com/vk/relgrid/internal/executor"
	"github.com/vk/relgrid/internal/pipeline"
)

// Run executes one release trigger. A returned error means the run never
// started; otherwise the outcome reports how it ended.
func (a *App) Run(ctx context.Context) (out *pipeline.Outcome, err error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if err := a.Validate(); err != nil {
		return nil, err
	}
	retryAddrs, err := a.retryAddresses()
	if err != nil {
		return nil, err
	}

	if a.config.HealthcheckPort > 0 {
		a.startHealthcheckServer(a.config.HealthcheckPort)
		defer func() {
			err = errors.Join(err, a.closeHealthcheckServer(ctx))
		}()
	}

	p, closeState, err := newPipeline(ctx, a.model, a.config.Version)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := closeState(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close state store: %w", cerr))
		}
	}()

	a.logger.Info("🏷️ Releasing.", "project", a.model.Project, "version", a.config.Version, "targets", a.model.Targets)
	out, err = p.Run(ctx, pipeline.Trigger{
		Version:     a.config.Version,
		PipelineID:  a.config.PipelineID,
		Retry:       retryAddrs,
		RetryFailed: a.config.RetryFailed,
	}, executor.WithObserver(a.status.observe))
	if err != nil {
		return nil, err
	}

	if out.Release != nil {
		a.logger.Info("📦 Release ready.", "release", out.Release.ID, "tag", out.Release.Tag, "assets", len(out.Assets))
	}
	a.logger.Debug("App.Run method finished.", "status", out.Status)
	return out, nil
}

func invalidRetry(raw string, err error) error {
	return errs.Wrap(errs.CodeInvalidConfig, "retry", fmt.Errorf("%q: %w", raw, err))
}
