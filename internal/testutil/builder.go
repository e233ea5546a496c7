package testutil

import (
	"context"
	"sync"

	"github.com/vk/relgrid/internal/build"
	"github.com/vk/relgrid/internal/cache"
	"github.com/vk/relgrid/internal/errs"
)

// BuildCall records one invocation of FakeBuilder.
type BuildCall struct {
	Target string
	Cache  cache.Kind
}

// FakeBuilder is a build.Builder that produces "bin:<target>" and records
// every call.
type FakeBuilder struct {
	// Fail lists targets whose build fails with errs.CodeBuildFailed.
	Fail map[string]bool
	// Hook, when set, runs inside every call before the outcome is decided.
	// A non-nil error fails the build with it.
	Hook func(ctx context.Context, target string) error

	mu    sync.Mutex
	calls []BuildCall
}

var _ build.Builder = (*FakeBuilder)(nil)

// NewFakeBuilder returns a builder failing the given targets.
func NewFakeBuilder(failing ...string) *FakeBuilder {
	f := &FakeBuilder{Fail: map[string]bool{}}
	for _, t := range failing {
		f.Fail[t] = true
	}
	return f
}

// Run implements build.Builder.
func (f *FakeBuilder) Run(ctx context.Context, target string, restored cache.Restored) (*build.Output, error) {
	f.mu.Lock()
	f.calls = append(f.calls, BuildCall{Target: target, Cache: restored.Kind})
	f.mu.Unlock()

	if f.Hook != nil {
		if err := f.Hook(ctx, target); err != nil {
			return nil, err
		}
	}
	if f.Fail[target] {
		return nil, errs.Newf(errs.CodeBuildFailed, "build", "compile %s: exit status 1", target)
	}
	out := &build.Output{Binary: []byte("bin:" + target)}
	if restored.Kind != cache.Hit {
		out.State = []byte("deps-state")
	}
	return out, nil
}

// Calls returns a copy of every recorded call.
func (f *FakeBuilder) Calls() []BuildCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]BuildCall(nil), f.calls...)
}

// FullBuilds counts calls that did not start from an exact cache hit.
func (f *FakeBuilder) FullBuilds() int {
	n := 0
	for _, c := range f.Calls() {
		if c.Cache != cache.Hit {
			n++
		}
	}
	return n
}
