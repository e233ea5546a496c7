// Package build defines the opaque per-target build command and its default
// implementation, which runs a configured argv template as a child process.
package build

import (
	"context"

	"github.com/vk/relgrid/internal/cache"
)

// Output is what a successful build produces.
type Output struct {
	// Binary is the build output handed to the artifact store.
	Binary []byte
	// State is the dependency state to populate the cache with. Nil means
	// nothing worth caching was produced.
	State []byte
}

// Builder compiles the project for one target. A returned error carrying
// errs.CodeBuildFailed is terminal for the instance; anything else is treated
// as infrastructure failure.
type Builder interface {
	Run(ctx context.Context, target string, restored cache.Restored) (*Output, error)
}

// Func adapts a function to Builder.
type Func func(ctx context.Context, target string, restored cache.Restored) (*Output, error)

// Run implements Builder.
func (f Func) Run(ctx context.Context, target string, restored cache.Restored) (*Output, error) {
	return f(ctx, target, restored)
}
