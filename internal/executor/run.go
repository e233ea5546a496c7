package executor

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/vk/relgrid/internal/ctxlog"
	"github.com/vk/relgrid/internal/dag"
	"github.com/vk/relgrid/internal/errs"
	"github.com/vk/relgrid/internal/node"
	"github.com/vk/relgrid/internal/nodeid"
	"github.com/vk/relgrid/internal/nodestore"
)

// entry is one expanded instance together with its wiring.
type entry struct {
	inst       *node.Instance
	stage      *Stage
	preds      []*entry
	dependents []*entry

	// resumable is set when an earlier invocation recorded success.
	resumable bool
	// carried holds the failure of an earlier invocation that is not retried.
	carried error
}

// run is the state of one Submit call.
type run struct {
	plan    Plan
	opts    *options
	workers int

	stages  map[string]*Stage
	graph   *dag.Graph
	entries []*entry
	byAddr  map[nodeid.Address]*entry

	wg       sync.WaitGroup
	haltOnce sync.Once
	halted   chan struct{}
	cause    error

	// previous is the pipeline row of an earlier invocation, if resuming.
	previous *nodestore.Pipeline
}

func invalid(format string, args ...any) error {
	return errs.Newf(errs.CodeInvalidConfig, "submit", format, args...)
}

// newRun validates the plan and expands every stage into its instances.
func newRun(plan Plan, o *options) (*run, error) {
	if plan.Version == "" {
		return nil, invalid("version is required")
	}
	if len(plan.Targets) == 0 {
		return nil, invalid("at least one target is required")
	}
	seenTargets := make(map[string]bool, len(plan.Targets))
	for _, t := range plan.Targets {
		if t == "" {
			return nil, invalid("empty target")
		}
		if seenTargets[t] {
			return nil, invalid("duplicate target %q", t)
		}
		seenTargets[t] = true
	}
	if plan.Policy != PolicyPermissive && plan.Policy != PolicyStrict {
		return nil, invalid("unknown downstream policy %q", plan.Policy)
	}
	if plan.Workers < 0 || plan.Timeout < 0 {
		return nil, invalid("workers and timeout must not be negative")
	}
	if len(plan.Stages) == 0 {
		return nil, invalid("no stages")
	}

	r := &run{
		plan:    plan,
		opts:    o,
		workers: plan.Workers,
		stages:  make(map[string]*Stage, len(plan.Stages)),
		byAddr:  make(map[nodeid.Address]*entry),
		halted:  make(chan struct{}),
	}
	if r.workers == 0 {
		r.workers = len(plan.Targets)
	}

	g := dag.New()
	for i := range plan.Stages {
		s := &plan.Stages[i]
		if a, err := nodeid.Parse(s.Name); err != nil || a.HasTarget() {
			return nil, invalid("invalid stage name %q", s.Name)
		}
		if _, dup := r.stages[s.Name]; dup {
			return nil, invalid("duplicate stage %q", s.Name)
		}
		if s.Run == nil {
			return nil, invalid("stage %q has no run function", s.Name)
		}
		r.stages[s.Name] = s
		g.AddNode(s.Name)
	}
	for _, s := range plan.Stages {
		for _, need := range s.Needs {
			if err := g.AddEdge(need, s.Name); err != nil {
				return nil, errs.Wrap(errs.CodeInvalidConfig, "submit", err)
			}
		}
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidConfig, "submit", err)
	}
	r.graph = g

	for _, name := range order {
		s := r.stages[name]
		for _, addr := range r.addresses(s) {
			e := &entry{inst: node.New(addr), stage: s}
			needs, _ := g.Dependencies(name)
			for _, need := range needs {
				for _, predAddr := range r.addresses(r.stages[need]) {
					pred := r.byAddr[predAddr]
					e.preds = append(e.preds, pred)
					pred.dependents = append(pred.dependents, e)
				}
			}
			e.inst.SetPending(int32(len(e.preds)))
			r.entries = append(r.entries, e)
			r.byAddr[addr] = e
		}
	}
	return r, nil
}

// addresses lists the instance addresses of a stage in target order.
func (r *run) addresses(s *Stage) []nodeid.Address {
	if s.Parallelism != PerTarget {
		return []nodeid.Address{nodeid.New(s.Name)}
	}
	out := make([]nodeid.Address, 0, len(r.plan.Targets))
	for _, t := range r.plan.Targets {
		out = append(out, nodeid.ForTarget(s.Name, t))
	}
	return out
}

// loadPrevious applies the records of an earlier invocation of the same
// pipeline id.
func (r *run) loadPrevious(ctx context.Context) error {
	store := r.opts.store
	if store == nil {
		return nil
	}
	logger := ctxlog.FromContext(ctx)

	prev, ok, err := store.LoadPipeline(ctx, r.plan.PipelineID)
	if err != nil {
		return fmt.Errorf("load pipeline %s: %w", r.plan.PipelineID, err)
	}
	if !ok {
		return nil
	}
	r.previous = &prev
	if prev.Version != r.plan.Version || !slices.Equal(prev.Targets, r.plan.Targets) {
		return invalid("pipeline %s was created for %s %v; a resumed run must use the same version and targets",
			prev.ID, prev.Version, prev.Targets)
	}

	records, err := store.LoadInstances(ctx, r.plan.PipelineID)
	if err != nil {
		return fmt.Errorf("load instances of %s: %w", r.plan.PipelineID, err)
	}
	reused, rerun := 0, 0
	for addr, rec := range records {
		e, ok := r.byAddr[addr]
		if !ok || r.opts.retry[addr] {
			continue
		}
		switch rec.Status {
		case node.StatusSucceeded:
			e.resumable = true
			reused++
		case node.StatusFailed:
			if r.opts.retryFailed {
				rerun++
				continue
			}
			e.carried = errs.Newf(errs.CodePreviouslyFailed, "resume", "failed in a previous invocation: %s", rec.Error)
		}
	}
	logger.Info("♻️ Resuming pipeline.", "previousStatus", prev.Status, "records", len(records), "resumable", reused, "retriedFailures", rerun)
	return nil
}

func (r *run) createdAt(now time.Time) time.Time {
	if r.previous != nil && !r.previous.CreatedAt.IsZero() {
		return r.previous.CreatedAt
	}
	return now
}

func (r *run) save(ctx context.Context, p nodestore.Pipeline) {
	if r.opts.store == nil {
		return
	}
	if err := r.opts.store.SavePipeline(context.WithoutCancel(ctx), p); err != nil {
		ctxlog.FromContext(ctx).Warn("Could not persist pipeline state.", "error", err)
	}
}

// observe persists and publishes the current state of e. State is saved
// even when ctx is already cancelled by the pipeline budget.
func (r *run) observe(ctx context.Context, e *entry) {
	ctx = context.WithoutCancel(ctx)
	snap := e.inst.Snapshot()
	if r.opts.store != nil {
		if err := r.opts.store.SaveInstance(ctx, r.plan.PipelineID, nodestore.RecordFrom(snap)); err != nil {
			ctxlog.FromContext(ctx).Warn("Could not persist instance state.", "instance", e.inst.ID(), "error", err)
		}
	}
	if r.opts.observer != nil {
		r.opts.observer(r.plan.PipelineID, snap)
	}
}
