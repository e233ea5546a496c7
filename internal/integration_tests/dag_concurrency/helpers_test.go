package integration_tests

import (
	"sync"
	"time"

	"github.com/vk/relgrid/internal/archive"
	"github.com/vk/relgrid/internal/blob"
	"github.com/vk/relgrid/internal/build"
	"github.com/vk/relgrid/internal/node"
	"github.com/vk/relgrid/internal/pipeline"
	"github.com/vk/relgrid/internal/publish"
	"github.com/vk/relgrid/internal/release"
	"github.com/vk/relgrid/internal/retry"
)

// timeline keeps the final snapshot of every instance reported to the
// executor observer.
type timeline struct {
	mu    sync.Mutex
	final map[string]node.Snapshot
}

func newTimeline() *timeline {
	return &timeline{final: make(map[string]node.Snapshot)}
}

func (tl *timeline) observe(_ string, s node.Snapshot) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if s.Status.Terminal() {
		tl.final[s.Address.String()] = s
	}
}

func (tl *timeline) get(id string) node.Snapshot {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.final[id]
}

func releaseConfig(targets []string, b build.Builder) pipeline.Config {
	policy := retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	return pipeline.Config{
		Project:    "tool",
		Targets:    targets,
		Builder:    b,
		Blobs:      blob.NewMemoryStore(),
		Releases:   release.NewCoordinator(release.NewMemoryStore(), release.WithRetryPolicy(policy)),
		Assets:     publish.NewMemoryAssetStore(),
		Compressor: archive.New(archive.FormatTarGz),
		Retry:      policy,
	}
}
