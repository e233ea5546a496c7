// Package executor runs a release pipeline: a graph of stages expanded into
// one instance per target for fan-out stages, executed on a bounded worker
// pool with fan-in barriers, gating, fail-fast, a wall-clock budget and
// resume from persisted instance state.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vk/relgrid/internal/ctxlog"
	"github.com/vk/relgrid/internal/node"
	"github.com/vk/relgrid/internal/nodeid"
	"github.com/vk/relgrid/internal/nodestore"
)

// Parallelism says whether a stage runs once or once per target.
type Parallelism int

const (
	Single Parallelism = iota
	PerTarget
)

func (p Parallelism) String() string {
	if p == PerTarget {
		return "per-target"
	}
	return "single"
}

// Policy decides the gate of a single stage that needs a fan-out stage.
type Policy string

const (
	// PolicyPermissive runs the dependent when at least one predecessor
	// instance succeeded.
	PolicyPermissive Policy = "permissive"
	// PolicyStrict runs the dependent only when every predecessor instance
	// succeeded.
	PolicyStrict Policy = "strict"
)

// Job identifies the instance a stage function is invoked for.
type Job struct {
	PipelineID string
	Version    string
	Address    nodeid.Address

	halted <-chan struct{}
}

// Target returns the instance target, or "" for single stages.
func (j Job) Target() string {
	return j.Address.Target
}

// Halted is closed once the run stops scheduling new instances after a
// fail-fast trigger. Running stages may watch it to wind down early; they
// are never forced to.
func (j Job) Halted() <-chan struct{} {
	return j.halted
}

// StageFunc runs one instance of a stage.
type StageFunc func(ctx context.Context, job Job) error

// Stage is the static definition of a pipeline stage.
type Stage struct {
	Name        string
	Needs       []string
	Parallelism Parallelism
	Run         StageFunc
	// Resume, when set, is consulted for an instance that succeeded in an
	// earlier invocation of the same pipeline. Returning nil reuses that
	// result; an error makes the instance run again. Stages without Resume
	// always run again.
	Resume StageFunc
}

// Plan is one trigger of the pipeline.
type Plan struct {
	// PipelineID identifies the run. An empty ID gets a fresh UUID; reusing
	// an earlier ID resumes that run when a Store is configured.
	PipelineID string
	Version    string
	Targets    []string
	Stages     []Stage
	FailFast   bool
	Policy     Policy
	// Workers bounds concurrently running instances. Zero means one worker
	// per target.
	Workers int
	// Timeout is the wall-clock budget of the whole run. Zero means none.
	Timeout time.Duration
}

// Option configures Submit.
type Option func(*options)

type options struct {
	store       nodestore.Store
	retry       map[nodeid.Address]bool
	retryFailed bool
	observer    func(pipelineID string, s node.Snapshot)
	now         func() time.Time
}

// WithStore persists instance state and enables resume.
func WithStore(s nodestore.Store) Option {
	return func(o *options) { o.store = s }
}

// WithRetry forces the listed instances to run again on resume, whatever
// their previous status.
func WithRetry(addrs ...nodeid.Address) Option {
	return func(o *options) {
		for _, a := range addrs {
			o.retry[a] = true
		}
	}
}

// WithRetryFailed runs every previously failed instance again on resume.
func WithRetryFailed() Option {
	return func(o *options) { o.retryFailed = true }
}

// WithObserver is called after every instance transition.
func WithObserver(fn func(pipelineID string, s node.Snapshot)) Option {
	return func(o *options) { o.observer = fn }
}

// WithClock overrides time.Now for recorded timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Submit validates plan, expands it and runs it to a terminal state. A
// returned error means the plan was rejected before any instance was
// scheduled; execution outcomes are reported in the Result.
func Submit(ctx context.Context, plan Plan, opts ...Option) (*Result, error) {
	o := &options{retry: make(map[nodeid.Address]bool), now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if plan.PipelineID == "" {
		plan.PipelineID = uuid.NewString()
	}
	if plan.Policy == "" {
		plan.Policy = PolicyPermissive
	}

	ctx, logger := ctxlog.With(ctx, "pipelineID", plan.PipelineID)

	r, err := newRun(plan, o)
	if err != nil {
		return nil, err
	}
	if err := r.loadPrevious(ctx); err != nil {
		return nil, err
	}

	logger.Info("🚀 Pipeline submitted.",
		"version", plan.Version,
		"targets", len(plan.Targets),
		"instances", len(r.entries),
		"workers", r.workers,
		"failFast", plan.FailFast,
		"policy", string(plan.Policy),
	)
	res := r.execute(ctx)
	switch res.Status {
	case StatusSucceeded:
		logger.Info("✅ Pipeline succeeded.", "duration", res.Duration())
	default:
		logger.Error(fmt.Sprintf("❌ Pipeline %s.", res.Status), "duration", res.Duration(), "error", res.Err())
	}
	return res, nil
}
