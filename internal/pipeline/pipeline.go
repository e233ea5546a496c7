// Package pipeline wires the release workflow onto the executor: a
// per-target build stage, a create-release barrier and a per-target upload
// stage gated on both.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vk/relgrid/internal/archive"
	"github.com/vk/relgrid/internal/artifact"
	"github.com/vk/relgrid/internal/blob"
	"github.com/vk/relgrid/internal/build"
	"github.com/vk/relgrid/internal/cache"
	"github.com/vk/relgrid/internal/ctxlog"
	"github.com/vk/relgrid/internal/errs"
	"github.com/vk/relgrid/internal/executor"
	"github.com/vk/relgrid/internal/nodeid"
	"github.com/vk/relgrid/internal/nodestore"
	"github.com/vk/relgrid/internal/publish"
	"github.com/vk/relgrid/internal/release"
	"github.com/vk/relgrid/internal/retry"
	"github.com/vk/relgrid/internal/version"
)

// Stage names of the release workflow.
const (
	StageBuild         = "build"
	StageCreateRelease = "create-release"
	StageUpload        = "upload"
)

// Config is the static configuration and the collaborators of the workflow.
type Config struct {
	Project  string
	Targets  []string
	FailFast bool
	Policy   executor.Policy
	Workers  int
	Timeout  time.Duration

	Builder build.Builder
	// Blobs holds artifacts and assets.
	Blobs blob.Store
	// Cache is optional; without it every build is a miss.
	Cache       *cache.Manager
	CacheKey    string
	RestoreKeys []string

	Releases *release.Coordinator
	// ReleaseName is rendered with project and version; empty means the tag.
	ReleaseName    build.Template
	ReleaseOptions release.Options

	Assets     publish.AssetStore
	Compressor archive.Compressor
	Retry      retry.Policy

	// Store persists instance state; required to resume across processes.
	Store nodestore.Store
}

// Trigger is one request to release a version.
type Trigger struct {
	Version string
	// PipelineID resumes an earlier run when set.
	PipelineID  string
	Retry       []nodeid.Address
	RetryFailed bool
}

// Outcome is the result of Run.
type Outcome struct {
	*executor.Result
	Release *release.Release
	Assets  []*publish.Asset
}

// Pipeline runs release triggers.
type Pipeline struct {
	cfg Config
}

// New returns a Pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Compressor == nil {
		cfg.Compressor = archive.New(archive.FormatTarGz)
	}
	return &Pipeline{cfg: cfg}
}

// state is shared by the stage functions of one run.
type state struct {
	mu      sync.Mutex
	release *release.Release
	assets  []*publish.Asset
}

func (s *state) setRelease(r *release.Release) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release = r
}

func (s *state) releaseID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.release == nil {
		return ""
	}
	return s.release.ID
}

func (s *state) addAsset(a *publish.Asset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets = append(s.assets, a)
}

// Run validates the trigger and executes the workflow. A returned error is a
// configuration error raised before any instance was scheduled.
func (p *Pipeline) Run(ctx context.Context, trig Trigger, opts ...executor.Option) (*Outcome, error) {
	tag, err := version.Parse(trig.Version)
	if err != nil {
		return nil, err
	}
	if err := p.cfg.validate(); err != nil {
		return nil, err
	}
	id := trig.PipelineID
	if id == "" {
		id = uuid.NewString()
	}
	ctx, _ = ctxlog.With(ctx, "project", p.cfg.Project, "version", tag.String())

	artifacts := artifact.New(p.cfg.Blobs, p.cfg.Project, id, p.cfg.Retry)
	publisher := publish.New(publish.Config{
		Project:    p.cfg.Project,
		Artifacts:  artifacts,
		Compressor: p.cfg.Compressor,
		Blobs:      p.cfg.Blobs,
		Assets:     p.cfg.Assets,
		Policy:     p.cfg.Retry,
	})
	releaseOpts, err := p.releaseOptions(tag)
	if err != nil {
		return nil, err
	}
	st := &state{}
	ensure := func(ctx context.Context, job executor.Job) error {
		r, err := p.cfg.Releases.EnsureRelease(ctx, job.Version, releaseOpts)
		if err != nil {
			return err
		}
		st.setRelease(r)
		return nil
	}

	plan := executor.Plan{
		PipelineID: id,
		Version:    tag.String(),
		Targets:    p.cfg.Targets,
		FailFast:   p.cfg.FailFast,
		Policy:     p.cfg.Policy,
		Workers:    p.cfg.Workers,
		Timeout:    p.cfg.Timeout,
		Stages: []executor.Stage{
			{
				Name:        StageBuild,
				Parallelism: executor.PerTarget,
				Run:         p.buildStage(artifacts),
				Resume: func(ctx context.Context, job executor.Job) error {
					_, err := artifacts.Recover(ctx, job.Target(), job.Address.String())
					return err
				},
			},
			{
				Name:  StageCreateRelease,
				Needs: []string{StageBuild},
				Run:   ensure,
				// Uploads of a resumed run need the release id again.
				Resume: ensure,
			},
			{
				Name:        StageUpload,
				Needs:       []string{StageBuild, StageCreateRelease},
				Parallelism: executor.PerTarget,
				Run: func(ctx context.Context, job executor.Job) error {
					a, err := publisher.Publish(ctx, job.Target(), st.releaseID())
					if err != nil {
						return err
					}
					st.addAsset(a)
					return nil
				},
			},
		},
	}

	execOpts := append([]executor.Option{}, opts...)
	if p.cfg.Store != nil {
		execOpts = append(execOpts, executor.WithStore(p.cfg.Store))
	}
	if len(trig.Retry) > 0 {
		execOpts = append(execOpts, executor.WithRetry(trig.Retry...))
	}
	if trig.RetryFailed {
		execOpts = append(execOpts, executor.WithRetryFailed())
	}

	res, err := executor.Submit(ctx, plan, execOpts...)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Result: res, Release: st.release, Assets: st.assets}
	return out, nil
}

func (c Config) validate() error {
	switch {
	case c.Project == "":
		return errs.New(errs.CodeInvalidConfig, "pipeline", "project is required")
	case c.Builder == nil:
		return errs.New(errs.CodeInvalidConfig, "pipeline", "builder is required")
	case c.Blobs == nil:
		return errs.New(errs.CodeInvalidConfig, "pipeline", "blob store is required")
	case c.Releases == nil:
		return errs.New(errs.CodeInvalidConfig, "pipeline", "release coordinator is required")
	case c.Assets == nil:
		return errs.New(errs.CodeInvalidConfig, "pipeline", "asset store is required")
	}
	return nil
}

func (p *Pipeline) releaseOptions(tag *version.Tag) (release.Options, error) {
	opts := p.cfg.ReleaseOptions
	if !p.cfg.ReleaseName.IsZero() {
		name, err := p.cfg.ReleaseName.Eval(build.Vars{Project: p.cfg.Project, Version: tag.String()})
		if err != nil {
			return release.Options{}, fmt.Errorf("release name: %w", err)
		}
		opts.Name = name
	}
	return opts, nil
}
