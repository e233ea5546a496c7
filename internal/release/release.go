// Package release creates the single release record of a version tag.
//
// EnsureRelease is idempotent: whichever caller creates the record first
// wins and every other caller, concurrent or retried, gets that record back.
// Uniqueness is enforced by the Store, not by this package.
package release

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vk/relgrid/internal/ctxlog"
	"github.com/vk/relgrid/internal/errs"
	"github.com/vk/relgrid/internal/retry"
	"github.com/vk/relgrid/internal/version"
)

// Release is the published record assets attach to.
type Release struct {
	ID         string
	Tag        string
	Name       string
	Commit     string
	Notes      string
	Draft      bool
	Prerelease bool
	CreatedAt  time.Time
}

// Store persists releases. Create must fail with errs.CodeReleaseExists when
// a release with the same tag exists; GetByTag returns errs.CodeNotFound when
// none does.
type Store interface {
	GetByTag(ctx context.Context, tag string) (*Release, error)
	Create(ctx context.Context, r *Release) error
}

// CommitResolver finds the commit a tag points at.
type CommitResolver interface {
	ResolveTag(ctx context.Context, tag string) (string, error)
}

// Options shape a newly created release. They are ignored when the release
// already exists.
type Options struct {
	// Name defaults to the tag.
	Name  string
	Notes string
	Draft bool
	// Prerelease overrides detection from the tag's pre-release part.
	Prerelease *bool
	// Commit defaults to the resolver's answer, when a resolver is set.
	Commit string
}

// Coordinator implements EnsureRelease over a Store.
type Coordinator struct {
	store    Store
	resolver CommitResolver
	policy   retry.Policy
	now      func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCommitResolver sets the resolver used when Options.Commit is empty.
func WithCommitResolver(r CommitResolver) Option {
	return func(c *Coordinator) { c.resolver = r }
}

// WithRetryPolicy bounds retries of transient store errors.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator returns a Coordinator over store.
func NewCoordinator(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{store: store, policy: retry.DefaultPolicy, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureRelease returns the release for tag, creating it if none exists.
// A create that loses to a concurrent creator returns the winner. Tags are
// matched in canonical form, so "1.2.3" finds the release of "v1.2.3".
func (c *Coordinator) EnsureRelease(ctx context.Context, tag string, opts Options) (*Release, error) {
	parsed, err := version.Parse(tag)
	if err != nil {
		return nil, err
	}
	tag = parsed.Canonical()
	logger := ctxlog.FromContext(ctx).With("tag", tag)

	var out *Release
	err = retry.Do(ctx, c.policy, func(ctx context.Context, attempt int) error {
		existing, err := c.store.GetByTag(ctx, tag)
		if err == nil {
			logger.Info("♻️ Reusing existing release.", "releaseID", existing.ID, "attempt", attempt)
			out = existing
			return nil
		}
		if !errs.Is(err, errs.CodeNotFound) {
			return err
		}

		candidate := c.newRelease(ctx, parsed, opts)
		err = c.store.Create(ctx, candidate)
		switch {
		case err == nil:
			logger.Info("🏷️ Release created.", "releaseID", candidate.ID, "commit", candidate.Commit)
			out = candidate
			return nil
		case errs.Is(err, errs.CodeReleaseExists):
			winner, ferr := c.store.GetByTag(ctx, tag)
			if ferr != nil {
				// The winner is not visible yet; try the whole sequence again.
				return errs.Transient("release fetch after conflict", ferr)
			}
			logger.Info("♻️ Release created concurrently, reusing it.", "releaseID", winner.ID)
			out = winner
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return nil, fmt.Errorf("ensure release %s: %w", tag, err)
	}
	return out, nil
}

func (c *Coordinator) newRelease(ctx context.Context, tag *version.Tag, opts Options) *Release {
	r := &Release{
		ID:         uuid.NewString(),
		Tag:        tag.Canonical(),
		Name:       opts.Name,
		Notes:      opts.Notes,
		Draft:      opts.Draft,
		Prerelease: tag.Prerelease(),
		Commit:     opts.Commit,
		CreatedAt:  c.now().UTC(),
	}
	if r.Name == "" {
		r.Name = r.Tag
	}
	if opts.Prerelease != nil {
		r.Prerelease = *opts.Prerelease
	}
	if r.Commit == "" && c.resolver != nil {
		// The repository holds the tag as the trigger spelled it.
		commit, err := c.resolver.ResolveTag(ctx, tag.String())
		if err != nil {
			ctxlog.FromContext(ctx).Warn("Could not resolve commit for tag.", "tag", tag.String(), "error", err)
		} else {
			r.Commit = commit
		}
	}
	return r
}
