package pipeline

import (
	"context"

	"github.com/vk/relgrid/internal/artifact"
	"github.com/vk/relgrid/internal/cache"
	"github.com/vk/relgrid/internal/ctxlog"
	"github.com/vk/relgrid/internal/errs"
	"github.com/vk/relgrid/internal/executor"
)

// buildStage restores the dependency cache, runs the builder, populates the
// cache on anything but an exact hit and hands the binary to the artifact
// store. Cache trouble never fails a build.
func (p *Pipeline) buildStage(artifacts *artifact.Store) executor.StageFunc {
	return func(ctx context.Context, job executor.Job) (err error) {
		target := job.Target()
		logger := ctxlog.FromContext(ctx)
		defer func() {
			if err != nil {
				artifacts.Fail(target, err)
			}
		}()

		restored := cache.Restored{Kind: cache.Miss}
		if p.cfg.Cache != nil && p.cfg.CacheKey != "" {
			r, cerr := p.cfg.Cache.Restore(ctx, p.cfg.CacheKey, p.cfg.RestoreKeys)
			if cerr != nil {
				logger.Warn("Cache restore failed, building cold.", "key", p.cfg.CacheKey, "error", cerr)
			} else {
				restored = r
			}
			logger.Info("Cache restore.", "key", p.cfg.CacheKey, "result", restored.Kind.String(), "restored", restored.Key)
		}

		out, err := p.cfg.Builder.Run(ctx, target, restored)
		if err != nil {
			return err
		}

		if p.cfg.Cache != nil && p.cfg.CacheKey != "" && restored.Kind != cache.Hit && out.State != nil {
			if _, cerr := p.cfg.Cache.Populate(ctx, p.cfg.CacheKey, out.State); cerr != nil {
				logger.Warn("Cache populate failed.", "key", p.cfg.CacheKey, "error", cerr)
			}
		}

		if _, err := artifacts.Put(ctx, target, job.Address.String(), out.Binary); err != nil {
			if errs.Is(err, errs.CodeAlreadyExists) {
				logger.Warn("Artifact already stored, keeping the first one.", "error", err)
				return nil
			}
			return err
		}
		return nil
	}
}
