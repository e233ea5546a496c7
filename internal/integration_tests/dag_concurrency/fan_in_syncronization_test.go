package integration_tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/relgrid/internal/executor"
	"github.com/vk/relgrid/internal/pipeline"
	"github.com/vk/relgrid/internal/testutil"
)

// Test for: the release waits for every build, and uploads wait for the release.
func TestDagConcurrency_FanInSynchronization(t *testing.T) {
	// --- Arrange ---
	targets := []string{"A", "B", "C"}
	delays := map[string]time.Duration{"A": 10 * time.Millisecond, "B": 60 * time.Millisecond, "C": 30 * time.Millisecond}
	b := testutil.NewFakeBuilder()
	b.Hook = func(ctx context.Context, target string) error {
		time.Sleep(delays[target])
		return nil
	}
	tl := newTimeline()

	// --- Act ---
	out, err := pipeline.New(releaseConfig(targets, b)).Run(context.Background(),
		pipeline.Trigger{Version: "v1.0.0"}, executor.WithObserver(tl.observe))

	// --- Assert ---
	require.NoError(t, err)
	require.Equal(t, executor.StatusSucceeded, out.Status)

	release := tl.get("create-release")
	require.False(t, release.StartedAt.IsZero())
	for _, target := range targets {
		built := tl.get("build[" + target + "]")
		assert.False(t, release.StartedAt.Before(built.EndedAt), "release started before build[%s] finished", target)

		uploaded := tl.get("upload[" + target + "]")
		assert.False(t, uploaded.StartedAt.Before(release.EndedAt), "upload[%s] started before the release existed", target)
	}
}
