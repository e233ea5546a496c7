package pipeline

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/relgrid/internal/archive"
	"github.com/vk/relgrid/internal/blob"
	"github.com/vk/relgrid/internal/build"
	"github.com/vk/relgrid/internal/cache"
	"github.com/vk/relgrid/internal/errs"
	"github.com/vk/relgrid/internal/executor"
	"github.com/vk/relgrid/internal/inmemorystore"
	"github.com/vk/relgrid/internal/node"
	"github.com/vk/relgrid/internal/nodeid"
	"github.com/vk/relgrid/internal/publish"
	"github.com/vk/relgrid/internal/release"
	"github.com/vk/relgrid/internal/retry"
	"github.com/vk/relgrid/internal/sqlstore"
	"github.com/vk/relgrid/internal/testutil"
)

var fastRetry = retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

type fixture struct {
	blobs    *blob.BillyStore
	releases *release.MemoryStore
	assets   *publish.MemoryAssetStore
	cache    *cache.Manager
}

func newFixture() *fixture {
	blobs := blob.NewMemoryStore()
	return &fixture{
		blobs:    blobs,
		releases: release.NewMemoryStore(),
		assets:   publish.NewMemoryAssetStore(),
		cache:    cache.New(blobs, fastRetry),
	}
}

func (f *fixture) config(b build.Builder, failFast bool) Config {
	return Config{
		Project:    "tool",
		Targets:    []string{"A", "B"},
		FailFast:   failFast,
		Builder:    b,
		Blobs:      f.blobs,
		Cache:      f.cache,
		CacheKey:   cache.Key("go", []byte("go.sum contents")),
		Releases:   release.NewCoordinator(f.releases, release.WithRetryPolicy(fastRetry)),
		Assets:     f.assets,
		Compressor: archive.New(archive.FormatTarGz),
		Retry:      fastRetry,
	}
}

func (f *fixture) assetNames(t *testing.T, releaseID string) []string {
	t.Helper()
	list, err := f.assets.ListAssets(context.Background(), releaseID)
	require.NoError(t, err)
	names := make([]string, 0, len(list))
	for _, a := range list {
		names = append(names, a.Filename)
	}
	sort.Strings(names)
	return names
}

func TestRunEndToEnd(t *testing.T) {
	f := newFixture()
	p := New(f.config(testutil.NewFakeBuilder(), false))

	out, err := p.Run(context.Background(), Trigger{Version: "v1.2.3"})
	require.NoError(t, err)
	assert.Equal(t, executor.StatusSucceeded, out.Status)

	rels := f.releases.List()
	require.Len(t, rels, 1)
	assert.Equal(t, "v1.2.3", rels[0].Tag)
	require.NotNil(t, out.Release)
	assert.Equal(t, rels[0].ID, out.Release.ID)
	assert.Len(t, out.Assets, 2)
	assert.Equal(t, []string{"tool-A.tar.gz", "tool-B.tar.gz"}, f.assetNames(t, rels[0].ID))

	// The uploaded archive holds the binary the build produced.
	asset := out.Assets[0]
	data, err := f.blobs.Get(context.Background(), asset.Locator)
	require.NoError(t, err)
	files, err := archive.Extract(archive.FormatTarGz, data)
	require.NoError(t, err)
	target := "A"
	if asset.Filename == "tool-B.tar.gz" {
		target = "B"
	}
	assert.Equal(t, []byte("bin:"+target), files["tool"])
}

func TestRunWithoutFailFastPublishesSurvivors(t *testing.T) {
	f := newFixture()
	p := New(f.config(testutil.NewFakeBuilder("A"), false))

	out, err := p.Run(context.Background(), Trigger{Version: "v1.2.3"})
	require.NoError(t, err)
	assert.Equal(t, executor.StatusFailed, out.Status)
	assert.Equal(t, []string{"A"}, out.FailedTargets())
	assert.True(t, errs.Is(out.Err(), errs.CodeBuildFailed))

	require.Len(t, f.releases.List(), 1)
	assert.Equal(t, []string{"tool-B.tar.gz"}, f.assetNames(t, out.Release.ID))

	up, _ := out.Instance(nodeid.ForTarget(StageUpload, "A"))
	assert.Equal(t, node.StatusSkipped, up.Status)
}

func TestRunFailFastLetsRunningBuildFinish(t *testing.T) {
	f := newFixture()
	bStarted := make(chan struct{})
	aFailed := make(chan struct{})
	b := testutil.NewFakeBuilder("A")
	b.Hook = func(ctx context.Context, target string) error {
		switch target {
		case "A":
			<-bStarted
			close(aFailed)
		case "B":
			close(bStarted)
			<-aFailed
			time.Sleep(20 * time.Millisecond)
		}
		return nil
	}
	p := New(f.config(b, true))

	out, err := p.Run(context.Background(), Trigger{Version: "v1.2.3"})
	require.NoError(t, err)
	assert.Equal(t, executor.StatusFailed, out.Status)

	bBuild, _ := out.Instance(nodeid.ForTarget(StageBuild, "B"))
	assert.Equal(t, node.StatusSucceeded, bBuild.Status)
	assert.Empty(t, f.releases.List())
	assert.Nil(t, out.Release)
	assert.Empty(t, out.Assets)
	for _, id := range []string{"create-release", "upload[A]", "upload[B]"} {
		s, _ := out.Instance(nodeid.MustParse(id))
		assert.Equal(t, node.StatusSkipped, s.Status, id)
	}
}

func TestRunExactCacheHitSkipsFullBuild(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	cold := testutil.NewFakeBuilder()
	_, err := New(f.config(cold, false)).Run(ctx, Trigger{Version: "v1.2.3"})
	require.NoError(t, err)
	assert.Equal(t, 2, cold.FullBuilds())

	// Both builds populated the same key concurrently: one entry survives.
	entries, err := f.blobs.List(ctx, "cache/")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	warm := testutil.NewFakeBuilder()
	_, err = New(f.config(warm, false)).Run(ctx, Trigger{Version: "v1.2.4"})
	require.NoError(t, err)
	assert.Len(t, warm.Calls(), 2)
	assert.Zero(t, warm.FullBuilds())
}

func TestRunRepublishKeepsOneReleaseAndOneAssetPerTarget(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		out, err := New(f.config(testutil.NewFakeBuilder(), false)).Run(ctx, Trigger{Version: "v2.0.0"})
		require.NoError(t, err)
		assert.Equal(t, executor.StatusSucceeded, out.Status)
	}
	rels := f.releases.List()
	require.Len(t, rels, 1)
	assert.Equal(t, []string{"tool-A.tar.gz", "tool-B.tar.gz"}, f.assetNames(t, rels[0].ID))
}

func TestRunResumeRetriesOnlyFailedBuild(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	store := inmemorystore.New()

	cfg := f.config(testutil.NewFakeBuilder("A"), false)
	cfg.Store = store
	first, err := New(cfg).Run(ctx, Trigger{Version: "v1.2.3", PipelineID: "p-1"})
	require.NoError(t, err)
	require.Equal(t, executor.StatusFailed, first.Status)

	fixed := testutil.NewFakeBuilder()
	cfg = f.config(fixed, false)
	cfg.Store = store
	second, err := New(cfg).Run(ctx, Trigger{Version: "v1.2.3", PipelineID: "p-1", RetryFailed: true})
	require.NoError(t, err)
	assert.Equal(t, executor.StatusSucceeded, second.Status)

	calls := fixed.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "A", calls[0].Target)
	bBuild, _ := second.Instance(nodeid.ForTarget(StageBuild, "B"))
	assert.True(t, bBuild.Reused)

	require.Len(t, f.releases.List(), 1)
	assert.Equal(t, []string{"tool-A.tar.gz", "tool-B.tar.gz"}, f.assetNames(t, second.Release.ID))
}

func TestRunRejectsInvalidTrigger(t *testing.T) {
	f := newFixture()
	b := testutil.NewFakeBuilder()
	p := New(f.config(b, false))

	_, err := p.Run(context.Background(), Trigger{Version: "1.2"})
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidConfig, errs.CodeOf(err))
	assert.Empty(t, b.Calls())

	cfg := f.config(b, false)
	cfg.Targets = nil
	_, err = New(cfg).Run(context.Background(), Trigger{Version: "v1.2.3"})
	assert.Equal(t, errs.CodeInvalidConfig, errs.CodeOf(err))
	assert.Empty(t, b.Calls())
}

func TestRunCacheFailureDoesNotFailBuild(t *testing.T) {
	f := newFixture()
	flaky := testutil.NewFlakyStore(f.blobs)
	flaky.FailNext("get", 100)
	flaky.FailNext("list", 100)

	cfg := f.config(testutil.NewFakeBuilder(), false)
	cfg.Cache = cache.New(flaky, fastRetry)
	out, err := New(cfg).Run(context.Background(), Trigger{Version: "v1.2.3"})
	require.NoError(t, err)
	assert.Equal(t, executor.StatusSucceeded, out.Status)
}

func TestRunReleaseName(t *testing.T) {
	f := newFixture()
	cfg := f.config(testutil.NewFakeBuilder(), false)
	cfg.ReleaseName = build.MustParseTemplate("${project} ${version}")
	out, err := New(cfg).Run(context.Background(), Trigger{Version: "v1.2.3-rc.1"})
	require.NoError(t, err)
	require.NotNil(t, out.Release)
	assert.Equal(t, "tool v1.2.3-rc.1", out.Release.Name)
	assert.True(t, out.Release.Prerelease)
}

func TestRunWithSQLiteState(t *testing.T) {
	ctx := context.Background()
	db, err := sqlstore.Open(ctx, t.TempDir()+"/state.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	blobs, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	p := New(Config{
		Project:  "tool",
		Targets:  []string{"linux/amd64", "windows/amd64"},
		Builder:  testutil.NewFakeBuilder(),
		Blobs:    blobs,
		Releases: release.NewCoordinator(db, release.WithRetryPolicy(fastRetry)),
		Assets:   db,
		Retry:    fastRetry,
		Store:    db,
	})

	out, err := p.Run(ctx, Trigger{Version: "v0.9.0", PipelineID: "p-sql"})
	require.NoError(t, err)
	assert.Equal(t, executor.StatusSucceeded, out.Status)

	list, err := db.ListAssets(ctx, out.Release.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	var names []string
	for _, a := range list {
		names = append(names, a.Filename)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"tool-linux-amd64.tar.gz", "tool-windows-amd64.tar.gz"}, names)

	saved, found, err := db.LoadPipeline(ctx, "p-sql")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, string(executor.StatusSucceeded), saved.Status)
}

func TestRunBuildHonoursTimeout(t *testing.T) {
	f := newFixture()
	b := testutil.NewFakeBuilder()
	b.Hook = func(ctx context.Context, target string) error {
		<-ctx.Done()
		return ctx.Err()
	}
	cfg := f.config(b, false)
	cfg.Timeout = 20 * time.Millisecond

	out, err := New(cfg).Run(context.Background(), Trigger{Version: "v1.2.3"})
	require.NoError(t, err)
	assert.Equal(t, executor.StatusTimedOut, out.Status)
	assert.Empty(t, f.releases.List())
	assert.True(t, errors.Is(out.Err(), context.DeadlineExceeded) || errs.Is(out.Err(), errs.CodeTimeout))
}
