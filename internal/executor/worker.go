package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/vk/relgrid/internal/ctxlog"
	"github.com/vk/relgrid/internal/errs"
	"github.com/vk/relgrid/internal/node"
	"github.com/vk/relgrid/internal/nodestore"
)

// execute schedules every instance and blocks until all are terminal.
func (r *run) execute(ctx context.Context) *Result {
	logger := ctxlog.FromContext(ctx)
	started := r.opts.now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if r.plan.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeoutCause(runCtx, r.plan.Timeout,
			errs.Newf(errs.CodeTimeout, "timeout", "pipeline exceeded its %s budget", r.plan.Timeout))
		defer cancelTimeout()
	}

	r.save(ctx, nodestore.Pipeline{
		ID:        r.plan.PipelineID,
		Version:   r.plan.Version,
		Targets:   r.plan.Targets,
		Status:    "running",
		CreatedAt: r.createdAt(started),
		UpdatedAt: started,
	})

	// Every instance passes through readyChan exactly once, so the buffer
	// never fills up.
	readyChan := make(chan *entry, len(r.entries))
	r.wg.Add(len(r.entries))

	finished := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-runCtx.Done():
			r.halt(runCtx, haltCause(runCtx))
		case <-finished:
		}
	}()

	logger.Debug("Finding root instances.")
	for _, e := range r.entries {
		if e.inst.Pending() == 0 {
			logger.Debug("Found root instance.", "instance", e.inst.ID())
			readyChan <- e
		}
	}

	logger.Debug("Starting worker pool.", "workers", r.workers)
	for i := 0; i < r.workers; i++ {
		go r.worker(runCtx, readyChan, i)
	}

	r.wg.Wait()
	close(finished)
	<-watcherDone
	close(readyChan)
	if runCtx.Err() != nil {
		// The budget ran out while the last instances were finishing.
		r.halt(runCtx, haltCause(runCtx))
	}

	res := r.result(started, r.opts.now())
	r.save(ctx, nodestore.Pipeline{
		ID:        r.plan.PipelineID,
		Version:   r.plan.Version,
		Targets:   r.plan.Targets,
		Status:    string(res.Status),
		UpdatedAt: res.EndedAt,
	})
	return res
}

func haltCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errs.Is(cause, errs.CodeTimeout) {
		return cause
	}
	return fmt.Errorf("pipeline cancelled: %w", cause)
}

// halt stops scheduling: every instance that has not started yet is skipped
// with cause. Running instances are left alone.
func (r *run) halt(ctx context.Context, cause error) {
	r.haltOnce.Do(func() {
		r.cause = cause
		close(r.halted)
		ctxlog.FromContext(ctx).Warn("🛑 Halting pipeline, skipping instances that have not started.", "reason", cause)
		now := r.opts.now()
		for _, e := range r.entries {
			if e.inst.Skip(now, cause) {
				r.observe(ctx, e)
			}
		}
	})
}

func (r *run) isHalted() bool {
	select {
	case <-r.halted:
		return true
	default:
		return false
	}
}

// worker is the processing loop of one pool goroutine.
func (r *run) worker(ctx context.Context, readyChan chan *entry, workerID int) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Worker started.", "workerID", workerID)

	for e := range readyChan {
		workerLogger := logger.With("workerID", workerID, "instance", e.inst.ID())
		r.process(ctxlog.WithLogger(ctx, workerLogger), e)

		for _, dependent := range e.dependents {
			if dependent.inst.DecrementPending() == 0 {
				workerLogger.Debug("Unlocking dependent instance.", "dependent", dependent.inst.ID())
				readyChan <- dependent
			}
		}
		r.wg.Done()
	}
	logger.Debug("Worker finished.", "workerID", workerID)
}

// process drives one ready instance to a terminal state.
func (r *run) process(ctx context.Context, e *entry) {
	logger := ctxlog.FromContext(ctx)
	now := r.opts.now

	if e.inst.Status() != node.StatusPending {
		// Skipped by halt while it was waiting.
		logger.Debug("Instance already terminal.", "status", e.inst.Status().String())
		return
	}
	if r.isHalted() {
		if e.inst.Skip(now(), r.cause) {
			r.observe(ctx, e)
		}
		return
	}
	if reason := r.gate(e); reason != nil {
		logger.Warn("⏭️ Skipping instance.", "reason", reason)
		if e.inst.Skip(now(), reason) {
			r.observe(ctx, e)
		}
		return
	}

	job := Job{PipelineID: r.plan.PipelineID, Version: r.plan.Version, Address: e.inst.Address(), halted: r.halted}
	if e.resumable && e.stage.Resume != nil {
		err := r.call(ctx, e.stage.Resume, job)
		if err == nil {
			if e.inst.Reuse(now()) == nil {
				logger.Info("♻️ Reusing result from previous invocation.")
				r.observe(ctx, e)
			}
			return
		}
		logger.Info("Previous result not reusable, running again.", "error", err)
	}

	if err := e.inst.Start(now()); err != nil {
		logger.Debug("Instance did not start.", "error", err)
		return
	}
	r.observe(ctx, e)

	var err error
	if e.carried != nil {
		err = e.carried
	} else {
		logger.Info("▶️ Starting instance.")
		err = r.call(ctx, e.stage.Run, job)
	}

	if err != nil {
		logger.Error("Instance failed.", "error", err)
		_ = e.inst.Fail(now(), err)
		r.observe(ctx, e)
		if r.plan.FailFast {
			downstream, _ := r.graph.Descendants(e.stage.Name)
			logger.Warn("Fail-fast triggered.", "downstream", downstream)
			r.halt(ctx, errs.Newf(errs.CodeSkipped, "fail-fast", "%s failed", e.inst.ID()))
		}
		return
	}
	_ = e.inst.Succeed(now())
	logger.Info("✅ Finished instance.", "duration", e.inst.Snapshot().Duration())
	r.observe(ctx, e)
}

// call runs fn, converting a panic into an error so one broken stage cannot
// take the pool down.
func (r *run) call(ctx context.Context, fn StageFunc, job Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errs.Newf(errs.CodeInternal, "run", "panic: %v", p)
		}
	}()
	return fn(ctx, job)
}

// gate returns nil when the predecessors e needs to have succeeded did, or
// the reason to skip e.
func (r *run) gate(e *entry) error {
	var missing []string
	byStage := make(map[string][]*entry)
	var stages []string
	for _, p := range e.preds {
		if _, ok := byStage[p.stage.Name]; !ok {
			stages = append(stages, p.stage.Name)
		}
		byStage[p.stage.Name] = append(byStage[p.stage.Name], p)
	}

	for _, name := range stages {
		preds := byStage[name]
		switch {
		case r.stages[name].Parallelism == PerTarget && e.stage.Parallelism == PerTarget:
			for _, p := range preds {
				if p.inst.Target() == e.inst.Target() && p.inst.Status() != node.StatusSucceeded {
					missing = append(missing, p.inst.ID())
				}
			}
		case r.stages[name].Parallelism == PerTarget:
			var failed []string
			for _, p := range preds {
				if p.inst.Status() != node.StatusSucceeded {
					failed = append(failed, p.inst.ID())
				}
			}
			if r.plan.Policy == PolicyStrict && len(failed) > 0 {
				missing = append(missing, failed...)
			} else if len(failed) == len(preds) {
				missing = append(missing, name+"[*]")
			}
		default:
			for _, p := range preds {
				if p.inst.Status() != node.StatusSucceeded {
					missing = append(missing, p.inst.ID())
				}
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return errs.Newf(errs.CodeSkipped, "gate", "needs %s which did not succeed", strings.Join(missing, ", "))
}
