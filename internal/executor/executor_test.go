package executor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/relgrid/internal/ctxlog"
	"github.com/vk/relgrid/internal/errs"
	"github.com/vk/relgrid/internal/inmemorystore"
	"github.com/vk/relgrid/internal/node"
	"github.com/vk/relgrid/internal/nodeid"
)

// recorder collects the order in which instances ran.
type recorder struct {
	mu    sync.Mutex
	ran   []string
	calls map[string]int
}

func newRecorder() *recorder {
	return &recorder{calls: map[string]int{}}
}

func (r *recorder) record(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, job.Address.String())
	r.calls[job.Address.String()]++
}

func (r *recorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func (r *recorder) index(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, v := range r.ran {
		if v == id {
			return i
		}
	}
	return -1
}

func ok(rec *recorder) StageFunc {
	return func(_ context.Context, job Job) error {
		rec.record(job)
		return nil
	}
}

var errBuild = errs.New(errs.CodeBuildFailed, "build", "exit status 1")

// releasePlan is the build → create-release → upload shape.
func releasePlan(targets []string, build, create, upload StageFunc) Plan {
	return Plan{
		PipelineID: "p-test",
		Version:    "v1.2.3",
		Targets:    targets,
		Stages: []Stage{
			{Name: "build", Parallelism: PerTarget, Run: build},
			{Name: "create-release", Needs: []string{"build"}, Run: create},
			{Name: "upload", Needs: []string{"build", "create-release"}, Parallelism: PerTarget, Run: upload},
		},
	}
}

func status(t *testing.T, res *Result, id string) node.Status {
	t.Helper()
	s, found := res.Instance(nodeid.MustParse(id))
	require.True(t, found, "instance %s", id)
	return s.Status
}

func TestSubmitAllSucceed(t *testing.T) {
	rec := newRecorder()
	plan := releasePlan([]string{"A", "B"}, ok(rec), ok(rec), ok(rec))

	res, err := Submit(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.NoError(t, res.Err())
	assert.Len(t, res.Instances, 5)
	assert.Equal(t, 5, res.Count(node.StatusSucceeded))

	// Fan-in: release after every build, uploads after the release.
	release := rec.index("create-release")
	assert.Greater(t, release, rec.index("build[A]"))
	assert.Greater(t, release, rec.index("build[B]"))
	assert.Greater(t, rec.index("upload[A]"), release)
	assert.Greater(t, rec.index("upload[B]"), release)
}

func TestSubmitWithoutFailFastIsolatesFailedTarget(t *testing.T) {
	rec := newRecorder()
	build := func(ctx context.Context, job Job) error {
		rec.record(job)
		if job.Target() == "A" {
			return errBuild
		}
		return nil
	}
	plan := releasePlan([]string{"A", "B"}, build, ok(rec), ok(rec))

	res, err := Submit(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, node.StatusFailed, status(t, res, "build[A]"))
	assert.Equal(t, node.StatusSucceeded, status(t, res, "create-release"))
	assert.Equal(t, node.StatusSkipped, status(t, res, "upload[A]"))
	assert.Equal(t, node.StatusSucceeded, status(t, res, "upload[B]"))
	assert.Equal(t, 0, rec.count("upload[A]"))

	require.Len(t, res.Failures, 1)
	assert.Equal(t, nodeid.ForTarget("build", "A"), res.Failures[0].Address)
	assert.Equal(t, []string{"A"}, res.FailedTargets())
	assert.ErrorContains(t, res.Err(), "build[A]")
	assert.True(t, errs.Is(res.Err(), errs.CodeBuildFailed))
}

func TestSubmitFailFastLetsRunningSiblingFinish(t *testing.T) {
	rec := newRecorder()
	var bFinished atomic.Bool
	bStarted := make(chan struct{})
	build := func(ctx context.Context, job Job) error {
		rec.record(job)
		if job.Target() == "A" {
			<-bStarted
			return errBuild
		}
		close(bStarted)
		// B is still running when A fails; it finishes on its own.
		select {
		case <-job.Halted():
		case <-time.After(5 * time.Second):
			return errors.New("halt was never signalled")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		bFinished.Store(true)
		return nil
	}
	plan := releasePlan([]string{"A", "B"}, build, ok(rec), ok(rec))
	plan.FailFast = true
	plan.Workers = 2

	var logs bytes.Buffer
	ctx := ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(&logs, nil)))
	res, err := Submit(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, bFinished.Load())
	assert.Equal(t, node.StatusSucceeded, status(t, res, "build[B]"))
	assert.Equal(t, node.StatusSkipped, status(t, res, "create-release"))
	assert.Equal(t, node.StatusSkipped, status(t, res, "upload[A]"))
	assert.Equal(t, node.StatusSkipped, status(t, res, "upload[B]"))
	assert.Zero(t, rec.count("create-release"))
	assert.Zero(t, rec.count("upload[B]"))
	assert.NotNil(t, res.Cause)
	assert.Contains(t, logs.String(), "downstream=\"[create-release upload]\"")
}

func TestSubmitStrictPolicySkipsSingleDependent(t *testing.T) {
	rec := newRecorder()
	build := func(_ context.Context, job Job) error {
		if job.Target() == "A" {
			return errBuild
		}
		return nil
	}
	plan := releasePlan([]string{"A", "B"}, build, ok(rec), ok(rec))
	plan.Policy = PolicyStrict

	res, err := Submit(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, node.StatusSkipped, status(t, res, "create-release"))
	assert.Equal(t, node.StatusSkipped, status(t, res, "upload[B]"))
	assert.Zero(t, rec.count("create-release"))
}

func TestSubmitPermissiveNeedsOneSuccess(t *testing.T) {
	rec := newRecorder()
	build := func(context.Context, Job) error { return errBuild }
	plan := releasePlan([]string{"A", "B"}, build, ok(rec), ok(rec))

	res, err := Submit(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, node.StatusSkipped, status(t, res, "create-release"))
	assert.Len(t, res.Failures, 2)
	skipped, _ := res.Instance(nodeid.New("create-release"))
	assert.True(t, errs.Is(skipped.Err, errs.CodeSkipped))
}

func TestSubmitTimeout(t *testing.T) {
	rec := newRecorder()
	build := func(ctx context.Context, job Job) error {
		rec.record(job)
		<-ctx.Done()
		return ctx.Err()
	}
	plan := releasePlan([]string{"A", "B"}, build, ok(rec), ok(rec))
	plan.Timeout = 30 * time.Millisecond

	res, err := Submit(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.Equal(t, node.StatusFailed, status(t, res, "build[A]"))
	assert.Equal(t, node.StatusSkipped, status(t, res, "create-release"))
	assert.Zero(t, rec.count("create-release"))
	assert.True(t, errs.Is(res.Cause, errs.CodeTimeout))
	assert.ErrorContains(t, res.Err(), "timed out")
}

func TestSubmitTimeoutDiscardsLateSuccess(t *testing.T) {
	plan := Plan{
		PipelineID: "p-late",
		Version:    "v1.2.3",
		Targets:    []string{"A"},
		Stages: []Stage{{
			Name:        "build",
			Parallelism: PerTarget,
			Run: func(context.Context, Job) error {
				time.Sleep(150 * time.Millisecond)
				return nil
			},
		}},
		Timeout: 30 * time.Millisecond,
	}

	res, err := Submit(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.Equal(t, node.StatusSucceeded, status(t, res, "build[A]"))
	assert.True(t, errs.Is(res.Cause, errs.CodeTimeout))
	require.Error(t, res.Err())
	assert.True(t, errs.Is(res.Err(), errs.CodeTimeout))
}

func TestSubmitBoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	build := func(context.Context, Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil
	}
	rec := newRecorder()
	plan := releasePlan([]string{"a", "b", "c", "d", "e", "f"}, build, ok(rec), ok(rec))
	plan.Workers = 2

	res, err := Submit(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestSubmitRejectsInvalidPlans(t *testing.T) {
	noop := func(context.Context, Job) error { return nil }
	base := func() Plan { return releasePlan([]string{"A"}, noop, noop, noop) }

	tests := []struct {
		name   string
		mutate func(p *Plan)
	}{
		{"missing version", func(p *Plan) { p.Version = "" }},
		{"no targets", func(p *Plan) { p.Targets = nil }},
		{"duplicate target", func(p *Plan) { p.Targets = []string{"A", "A"} }},
		{"unknown need", func(p *Plan) { p.Stages[1].Needs = []string{"compile"} }},
		{"cycle", func(p *Plan) { p.Stages[0].Needs = []string{"upload"} }},
		{"duplicate stage", func(p *Plan) { p.Stages[2].Name = "build" }},
		{"no run function", func(p *Plan) { p.Stages[1].Run = nil }},
		{"bad policy", func(p *Plan) { p.Policy = "lenient" }},
		{"target in stage name", func(p *Plan) { p.Stages[0].Name = "build[A]" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			tt.mutate(&p)
			res, err := Submit(context.Background(), p)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, errs.Is(err, errs.CodeInvalidConfig), "got %v", err)
		})
	}
}

func TestSubmitRecoversPanics(t *testing.T) {
	rec := newRecorder()
	build := func(context.Context, Job) error { panic("boom") }
	res, err := Submit(context.Background(), releasePlan([]string{"A"}, build, ok(rec), ok(rec)))
	require.NoError(t, err)
	assert.Equal(t, node.StatusFailed, status(t, res, "build[A]"))
	assert.ErrorContains(t, res.Err(), "panic: boom")
}

func TestSubmitGeneratesPipelineID(t *testing.T) {
	rec := newRecorder()
	plan := releasePlan([]string{"A"}, ok(rec), ok(rec), ok(rec))
	plan.PipelineID = ""
	res, err := Submit(context.Background(), plan)
	require.NoError(t, err)
	assert.Len(t, res.PipelineID, 36)
}

func TestSubmitObserverSeesTransitions(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]node.Status{}
	observer := func(_ string, s node.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen[s.Address.String()] = append(seen[s.Address.String()], s.Status)
	}
	rec := newRecorder()
	_, err := Submit(context.Background(), releasePlan([]string{"A"}, ok(rec), ok(rec), ok(rec)), WithObserver(observer))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []node.Status{node.StatusRunning, node.StatusSucceeded}, seen["build[A]"])
}

func TestSubmitResume(t *testing.T) {
	store := inmemorystore.New()
	ctx := context.Background()

	var failA atomic.Bool
	failA.Store(true)
	rec := newRecorder()
	var resumed atomic.Int32
	build := func(_ context.Context, job Job) error {
		rec.record(job)
		if job.Target() == "A" && failA.Load() {
			return errBuild
		}
		return nil
	}
	plan := releasePlan([]string{"A", "B"}, build, ok(rec), ok(rec))
	plan.Stages[0].Resume = func(context.Context, Job) error {
		resumed.Add(1)
		return nil
	}

	first, err := Submit(ctx, plan, WithStore(store))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, first.Status)
	assert.Equal(t, 1, rec.count("build[B]"))

	persisted, found, err := store.LoadPipeline(ctx, "p-test")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "failed", persisted.Status)

	// Resubmitting without a retry request keeps A failed and reuses B.
	second, err := Submit(ctx, plan, WithStore(store))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, second.Status)
	assert.Equal(t, 1, rec.count("build[A]"))
	assert.Equal(t, 1, rec.count("build[B]"))
	assert.Equal(t, int32(1), resumed.Load())
	a, _ := second.Instance(nodeid.ForTarget("build", "A"))
	assert.True(t, errs.Is(a.Err, errs.CodePreviouslyFailed))
	b, _ := second.Instance(nodeid.ForTarget("build", "B"))
	assert.True(t, b.Reused)

	// An explicit retry of the failures reruns A only.
	failA.Store(false)
	third, err := Submit(ctx, plan, WithStore(store), WithRetryFailed())
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, third.Status)
	assert.Equal(t, 2, rec.count("build[A]"))
	assert.Equal(t, 1, rec.count("build[B]"))
	assert.Equal(t, 1, rec.count("upload[A]"))
}

func TestSubmitResumeFallsBackWhenResultIsGone(t *testing.T) {
	store := inmemorystore.New()
	ctx := context.Background()
	rec := newRecorder()

	plan := releasePlan([]string{"A"}, ok(rec), ok(rec), ok(rec))
	plan.Stages[0].Resume = func(context.Context, Job) error {
		return errs.New(errs.CodeNotFound, "artifact recover", "gone")
	}
	_, err := Submit(ctx, plan, WithStore(store))
	require.NoError(t, err)

	res, err := Submit(ctx, plan, WithStore(store), WithRetry(nodeid.New("create-release")))
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 2, rec.count("build[A]"), "unusable previous result is rebuilt")
	assert.Equal(t, 2, rec.count("create-release"), "explicit retry reruns")
	assert.Equal(t, 2, rec.count("upload[A]"), "stages without a resume hook always rerun")
}

func TestSubmitResumeRejectsChangedTrigger(t *testing.T) {
	store := inmemorystore.New()
	rec := newRecorder()
	plan := releasePlan([]string{"A"}, ok(rec), ok(rec), ok(rec))
	_, err := Submit(context.Background(), plan, WithStore(store))
	require.NoError(t, err)

	plan.Version = "v9.9.9"
	_, err = Submit(context.Background(), plan, WithStore(store))
	assert.True(t, errs.Is(err, errs.CodeInvalidConfig))
}
