package executor

import (
	"fmt"
	"strings"
	"time"

	"github.com/vk/relgrid/internal/errs"
	"github.com/vk/relgrid/internal/node"
	"github.com/vk/relgrid/internal/nodeid"
)

// Status is the terminal status of a pipeline run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed-out"
)

// Failure names one failed instance.
type Failure struct {
	Address nodeid.Address
	Err     error
}

// Result is the outcome of Submit.
type Result struct {
	PipelineID string
	Status     Status
	StartedAt  time.Time
	EndedAt    time.Time
	// Instances holds every instance snapshot in expansion order.
	Instances []node.Snapshot
	// Failures lists instances that failed, in expansion order. Skipped
	// instances are not failures.
	Failures []Failure
	// Cause is why scheduling was halted early, if it was.
	Cause error
}

// Duration returns the wall-clock time of the run.
func (r *Result) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// Instance returns the snapshot of addr.
func (r *Result) Instance(addr nodeid.Address) (node.Snapshot, bool) {
	for _, s := range r.Instances {
		if s.Address == addr {
			return s, true
		}
	}
	return node.Snapshot{}, false
}

// Count returns how many instances ended with status.
func (r *Result) Count(status node.Status) int {
	n := 0
	for _, s := range r.Instances {
		if s.Status == status {
			n++
		}
	}
	return n
}

// FailedTargets returns the distinct targets of failed per-target instances.
func (r *Result) FailedTargets() []string {
	var out []string
	seen := make(map[string]bool)
	for _, f := range r.Failures {
		if f.Address.HasTarget() && !seen[f.Address.Target] {
			seen[f.Address.Target] = true
			out = append(out, f.Address.Target)
		}
	}
	return out
}

// Err returns nil for a succeeded run, or an error naming every failed
// instance and wrapping the first failure.
func (r *Result) Err() error {
	if r.Status == StatusSucceeded {
		return nil
	}
	if len(r.Failures) == 0 {
		if r.Cause != nil {
			return fmt.Errorf("pipeline %s: %w", r.Status, r.Cause)
		}
		return errs.Newf(errs.CodeSkipped, "pipeline", "pipeline %s: no instance succeeded", r.Status)
	}
	names := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		names = append(names, f.Address.String())
	}
	if r.Status == StatusTimedOut {
		return fmt.Errorf("pipeline timed out; failed: %s: %w", strings.Join(names, ", "), r.Failures[0].Err)
	}
	return fmt.Errorf("execution failed for %s: %w", strings.Join(names, ", "), r.Failures[0].Err)
}

func (r *run) result(started, ended time.Time) *Result {
	res := &Result{
		PipelineID: r.plan.PipelineID,
		StartedAt:  started,
		EndedAt:    ended,
		Cause:      r.cause,
	}
	allSucceeded := true
	for _, e := range r.entries {
		snap := e.inst.Snapshot()
		res.Instances = append(res.Instances, snap)
		if snap.Status != node.StatusSucceeded {
			allSucceeded = false
		}
		if snap.Status == node.StatusFailed {
			res.Failures = append(res.Failures, Failure{Address: snap.Address, Err: snap.Err})
		}
	}
	// An expired budget wins over instances that finished after it.
	switch {
	case errs.Is(r.cause, errs.CodeTimeout):
		res.Status = StatusTimedOut
	case allSucceeded:
		res.Status = StatusSucceeded
	default:
		res.Status = StatusFailed
	}
	return res
}
