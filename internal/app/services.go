package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vk/relgrid/internal/archive"
	"github.com/vk/relgrid/internal/blob"
	"github.com/vk/relgrid/internal/blob/s3blob"
	"github.com/vk/relgrid/internal/build"
	"github.com/vk/relgrid/internal/cache"
	"github.com/vk/relgrid/internal/config"
	"github.com/vk/relgrid/internal/ctxlog"
	"github.com/vk/relgrid/internal/errs"
	"github.com/vk/relgrid/internal/executor"
	"github.com/vk/relgrid/internal/gitref"
	"github.com/vk/relgrid/internal/inmemorystore"
	"github.com/vk/relgrid/internal/nodestore"
	"github.com/vk/relgrid/internal/pipeline"
	"github.com/vk/relgrid/internal/publish"
	"github.com/vk/relgrid/internal/release"
	"github.com/vk/relgrid/internal/retry"
	"github.com/vk/relgrid/internal/sqlstore"
)

// stateStores is everything the state block selects.
type stateStores struct {
	nodes    nodestore.Store
	releases release.Store
	assets   publish.AssetStore
	close    func() error
}

func openState(ctx context.Context, m *config.Model) (*stateStores, error) {
	if m.State.Path == "" {
		ctxlog.FromContext(ctx).Warn("No state path configured; pipeline state is kept in memory and cannot be resumed by a later invocation.")
		return &stateStores{
			nodes:    inmemorystore.New(),
			releases: release.NewMemoryStore(),
			assets:   publish.NewMemoryAssetStore(),
			close:    func() error { return nil },
		}, nil
	}
	if dir := filepath.Dir(m.State.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}
	db, err := sqlstore.Open(ctx, m.State.Path)
	if err != nil {
		return nil, err
	}
	return &stateStores{nodes: db, releases: db, assets: db, close: db.Close}, nil
}

func openBlobs(ctx context.Context, m *config.Model) (blob.Store, error) {
	switch m.Storage.Backend {
	case config.BackendLocal:
		return blob.NewLocalStore(m.Storage.Dir)
	case config.BackendS3:
		s := m.Storage.S3
		return s3blob.New(ctx, s3blob.Options{
			Bucket:    s.Bucket,
			Prefix:    s.Prefix,
			Region:    s.Region,
			Endpoint:  s.Endpoint,
			PathStyle: s.PathStyle,
		})
	default:
		return blob.NewMemoryStore(), nil
	}
}

// cacheKey hashes the manifest files, read relative to the build directory.
func cacheKey(m *config.Model) (string, error) {
	var manifest []byte
	for _, name := range m.Cache.Manifest {
		path := name
		if !filepath.IsAbs(path) && m.Build.Dir != "" {
			path = filepath.Join(m.Build.Dir, name)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", errs.Wrap(errs.CodeInvalidConfig, "cache", fmt.Errorf("read manifest: %w", err))
		}
		manifest = append(manifest, []byte(name+"\x00")...)
		manifest = append(manifest, data...)
	}
	return cache.Key(m.Cache.Key, manifest), nil
}

func retryPolicy(m *config.Model) retry.Policy {
	return retry.Policy{
		MaxAttempts:     m.Retry.MaxAttempts,
		InitialInterval: m.Retry.InitialInterval,
		MaxInterval:     m.Retry.MaxInterval,
	}
}

// newPipeline wires a pipeline for version from the model. The returned
// closer releases the state store.
func newPipeline(ctx context.Context, m *config.Model, version string) (*pipeline.Pipeline, func() error, error) {
	logger := ctxlog.FromContext(ctx)
	policy := retryPolicy(m)

	format, err := archive.ParseFormat(m.Archive.Format)
	if err != nil {
		return nil, nil, errs.Wrap(errs.CodeInvalidConfig, "config", err)
	}

	blobs, err := openBlobs(ctx, m)
	if err != nil {
		return nil, nil, fmt.Errorf("open blob store: %w", err)
	}

	builder, err := build.NewExecBuilder(build.ExecConfig{
		Project:  m.Project,
		Version:  version,
		Dir:      m.Build.Dir,
		Command:  m.Build.Command,
		Env:      m.Build.Env,
		Output:   m.Build.Output,
		CacheDir: m.Build.CacheDir,
	})
	if err != nil {
		return nil, nil, err
	}

	cfg := pipeline.Config{
		Project:        m.Project,
		Targets:        m.Targets,
		FailFast:       m.Pipeline.FailFast,
		Policy:         executor.Policy(m.Pipeline.Policy),
		Workers:        m.Pipeline.Workers,
		Timeout:        m.Pipeline.Timeout,
		Builder:        builder,
		Blobs:          blobs,
		ReleaseName:    m.Release.Name,
		ReleaseOptions: release.Options{Notes: m.Release.Notes, Draft: m.Release.Draft, Prerelease: m.Release.Prerelease},
		Compressor:     archive.New(format),
		Retry:          policy,
	}

	if m.Cache.Key != "" {
		key, err := cacheKey(m)
		if err != nil {
			return nil, nil, err
		}
		cfg.Cache = cache.New(blobs, policy)
		cfg.CacheKey = key
		cfg.RestoreKeys = m.Cache.RestoreKeys
		logger.Debug("Dependency cache enabled.", "key", key, "restoreKeys", m.Cache.RestoreKeys)
	}

	state, err := openState(ctx, m)
	if err != nil {
		return nil, nil, fmt.Errorf("open state store: %w", err)
	}
	cfg.Store = state.nodes
	cfg.Assets = state.assets

	coordOpts := []release.Option{release.WithRetryPolicy(policy)}
	if m.Release.Repository != "" {
		resolver, err := gitref.Open(m.Release.Repository)
		if err != nil {
			return nil, nil, errors.Join(err, state.close())
		}
		coordOpts = append(coordOpts, release.WithCommitResolver(resolver))
	}
	cfg.Releases = release.NewCoordinator(state.releases, coordOpts...)

	return pipeline.New(cfg), state.close, nil
}
