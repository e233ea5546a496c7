// Package node holds the mutable execution state of a single stage instance.
// An Instance is owned by the executor; its status only changes through the
// transition methods below, each of which rejects an illegal transition.
package node

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vk/relgrid/internal/nodeid"
)

// Instance is one vertex of the expanded execution graph: a (stage, target)
// pair for fan-out stages, or a stage alone for single stages.
type Instance struct {
	addr nodeid.Address

	mu        sync.Mutex
	status    Status
	startedAt time.Time
	endedAt   time.Time
	err       error
	reused    bool

	// pending counts predecessor instances that are not yet terminal.
	pending atomic.Int32
}

// New creates a pending instance for addr.
func New(addr nodeid.Address) *Instance {
	return &Instance{addr: addr, status: StatusPending}
}

// ID returns the canonical string form of the instance address.
func (n *Instance) ID() string {
	return n.addr.String()
}

// Address returns the structured address of the instance.
func (n *Instance) Address() nodeid.Address {
	return n.addr
}

// Stage returns the stage name.
func (n *Instance) Stage() string {
	return n.addr.Stage
}

// Target returns the target, or "" for single stages.
func (n *Instance) Target() string {
	return n.addr.Target
}

// SetPending sets the number of predecessor instances to wait for.
func (n *Instance) SetPending(count int32) {
	n.pending.Store(count)
}

// Pending returns the number of predecessor instances not yet terminal.
func (n *Instance) Pending() int32 {
	return n.pending.Load()
}

// DecrementPending atomically records one predecessor reaching a terminal
// state and returns how many remain.
func (n *Instance) DecrementPending() int32 {
	return n.pending.Add(-1)
}

// Status returns the current status.
func (n *Instance) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// Err returns the failure or skip reason, if any.
func (n *Instance) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// Start transitions pending → running.
func (n *Instance) Start(now time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status != StatusPending {
		return n.illegal(StatusRunning)
	}
	n.status = StatusRunning
	n.startedAt = now
	return nil
}

// Succeed transitions running → succeeded.
func (n *Instance) Succeed(now time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status != StatusRunning {
		return n.illegal(StatusSucceeded)
	}
	n.status = StatusSucceeded
	n.endedAt = now
	return nil
}

// Fail transitions running → failed, recording the cause.
func (n *Instance) Fail(now time.Time, cause error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status != StatusRunning {
		return n.illegal(StatusFailed)
	}
	n.status = StatusFailed
	n.endedAt = now
	n.err = cause
	return nil
}

// Skip transitions pending → skipped. It returns false if the instance had
// already left the pending state, which makes concurrent skips safe.
func (n *Instance) Skip(now time.Time, reason error) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status != StatusPending {
		return false
	}
	n.status = StatusSkipped
	n.endedAt = now
	n.err = reason
	return true
}

// Reuse transitions pending → succeeded without running, for instances whose
// result is carried over from a previous invocation of the same pipeline.
func (n *Instance) Reuse(now time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status != StatusPending {
		return n.illegal(StatusSucceeded)
	}
	n.status = StatusSucceeded
	n.startedAt = now
	n.endedAt = now
	n.reused = true
	return nil
}

// Snapshot returns a copy of the instance state safe to hand to other goroutines.
func (n *Instance) Snapshot() Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Snapshot{
		Address:   n.addr,
		Status:    n.status,
		StartedAt: n.startedAt,
		EndedAt:   n.endedAt,
		Err:       n.err,
		Reused:    n.reused,
	}
}

func (n *Instance) illegal(to Status) error {
	return fmt.Errorf("instance %s: illegal transition %s -> %s", n.addr, n.status, to)
}

// Snapshot is a point-in-time copy of an instance.
type Snapshot struct {
	Address   nodeid.Address
	Status    Status
	StartedAt time.Time
	EndedAt   time.Time
	Err       error
	Reused    bool
}

// Duration returns how long the instance ran, or zero if it never started.
func (s Snapshot) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}
