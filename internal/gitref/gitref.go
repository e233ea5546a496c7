// Package gitref resolves release tags to commits in a local git repository.
package gitref

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/vk/relgrid/internal/errs"
)

// Resolver looks tags up in one repository.
type Resolver struct {
	repo *git.Repository
}

// Open opens the repository containing path, searching parent directories
// for the .git directory.
func Open(path string) (*Resolver, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open git repository at %s: %w", path, err)
	}
	return &Resolver{repo: repo}, nil
}

// New wraps an already opened repository.
func New(repo *git.Repository) *Resolver {
	return &Resolver{repo: repo}
}

// ResolveTag returns the commit hash tag points at. Annotated tags are
// peeled to their commit.
func (r *Resolver) ResolveTag(_ context.Context, tag string) (string, error) {
	ref, err := r.repo.Tag(tag)
	if errors.Is(err, git.ErrTagNotFound) {
		return "", errs.Newf(errs.CodeNotFound, "resolve tag", "tag %s not found", tag)
	}
	if err != nil {
		return "", fmt.Errorf("resolve tag %s: %w", tag, err)
	}

	obj, err := r.repo.TagObject(ref.Hash())
	switch {
	case err == nil:
		commit, err := obj.Commit()
		if err != nil {
			return "", fmt.Errorf("peel tag %s: %w", tag, err)
		}
		return commit.Hash.String(), nil
	case errors.Is(err, plumbing.ErrObjectNotFound):
		// Lightweight tag: the reference points straight at the commit.
		return ref.Hash().String(), nil
	default:
		return "", fmt.Errorf("resolve tag %s: %w", tag, err)
	}
}
