// Package artifact hands build outputs from build instances to upload
// instances through a durable blob store.
//
// Every target owns one write-once slot per pipeline run. Readers block on
// the slot until its producer reports a terminal state, so a consumer never
// polls and never observes a half-written output.
package artifact

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/vk/relgrid/internal/blob"
	"github.com/vk/relgrid/internal/ctxlog"
	"github.com/vk/relgrid/internal/errs"
	"github.com/vk/relgrid/internal/retry"
)

// Artifact describes a stored build output.
type Artifact struct {
	Target   string
	Producer string
	Locator  string
	Size     int64
}

// slot tracks the producer state of one target.
type slot struct {
	done     chan struct{}
	once     sync.Once
	artifact *Artifact
	cause    error
}

func (s *slot) finish(a *Artifact, cause error) bool {
	finished := false
	s.once.Do(func() {
		s.artifact = a
		s.cause = cause
		close(s.done)
		finished = true
	})
	return finished
}

func (s *slot) terminal() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Store is the artifact store of a single pipeline run.
type Store struct {
	blobs      blob.Store
	project    string
	pipelineID string
	policy     retry.Policy

	mu    sync.Mutex
	slots map[string]*slot
}

// New returns a Store addressing artifacts of pipelineID for project.
func New(blobs blob.Store, project, pipelineID string, policy retry.Policy) *Store {
	return &Store{
		blobs:      blobs,
		project:    project,
		pipelineID: pipelineID,
		policy:     policy,
		slots:      make(map[string]*slot),
	}
}

// SafeName maps a target identifier onto a string usable in keys and
// filenames, e.g. "linux/amd64" becomes "linux-amd64".
func SafeName(target string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		}
		return '-'
	}, target)
}

// Locator returns the blob key that holds the artifact of target.
func (s *Store) Locator(target string) string {
	return fmt.Sprintf("artifacts/%s/%s/%s", SafeName(s.project), s.pipelineID, SafeName(target))
}

func (s *Store) slot(target string) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[target]
	if !ok {
		sl = &slot{done: make(chan struct{})}
		s.slots[target] = sl
	}
	return sl
}

// Put writes the output of target's producer. The slot is write-once: a
// second Put for the same target returns CodeAlreadyExists and leaves the
// first output in place.
func (s *Store) Put(ctx context.Context, target, producer string, data []byte) (*Artifact, error) {
	sl := s.slot(target)
	if sl.terminal() {
		if sl.artifact != nil {
			return sl.artifact, errs.Newf(errs.CodeAlreadyExists, "artifact put", "artifact for %s already written by %s", target, sl.artifact.Producer)
		}
		return nil, errs.Newf(errs.CodeAlreadyExists, "artifact put", "producer of %s already reported failure", target)
	}

	key := s.Locator(target)
	var created bool
	err := retry.Do(ctx, s.policy, func(ctx context.Context, _ int) error {
		var perr error
		created, perr = s.blobs.PutIfAbsent(ctx, key, data)
		return perr
	})
	if err != nil {
		return nil, fmt.Errorf("artifact put %s: %w", target, err)
	}

	a := &Artifact{Target: target, Producer: producer, Locator: key, Size: int64(len(data))}
	if !created {
		// An earlier attempt of this run already stored it; the stored copy
		// is authoritative and becomes readable once it is confirmed present.
		info, err := s.stat(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("artifact put %s: existing artifact at %s: %w", target, key, err)
		}
		a.Size = info.Size
		sl.finish(a, nil)
		return sl.artifact, errs.Newf(errs.CodeAlreadyExists, "artifact put", "artifact for %s already exists at %s", target, key)
	}
	if !sl.finish(a, nil) {
		return sl.artifact, errs.Newf(errs.CodeAlreadyExists, "artifact put", "artifact for %s already written", target)
	}
	ctxlog.FromContext(ctx).Debug("Artifact stored.", "target", target, "locator", key, "size", a.Size)
	return a, nil
}

// Fail reports that target's producer ended without an output. Readers
// blocked in Get are released with CodeProducerFailed. Fail after a
// successful Put is ignored.
func (s *Store) Fail(target string, cause error) {
	if cause == nil {
		cause = errs.New(errs.CodeProducerFailed, "artifact", "producer did not succeed")
	}
	s.slot(target).finish(nil, cause)
}

// Get blocks until target's producer is terminal and returns the output, or
// CodeProducerFailed if the producer did not succeed.
func (s *Store) Get(ctx context.Context, target string) ([]byte, error) {
	sl := s.slot(target)
	select {
	case <-sl.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("artifact get %s: %w", target, ctx.Err())
	}
	return s.read(ctx, target, sl)
}

// TryGet is the non-blocking form of Get; it returns CodeNotReady while the
// producer is still running.
func (s *Store) TryGet(ctx context.Context, target string) ([]byte, error) {
	sl := s.slot(target)
	if !sl.terminal() {
		return nil, errs.Newf(errs.CodeNotReady, "artifact get", "producer of %s has not finished", target)
	}
	return s.read(ctx, target, sl)
}

func (s *Store) read(ctx context.Context, target string, sl *slot) ([]byte, error) {
	if sl.cause != nil {
		return nil, &errs.Error{Code: errs.CodeProducerFailed, Op: "artifact get", Target: target, Err: sl.cause}
	}
	var data []byte
	err := retry.Do(ctx, s.policy, func(ctx context.Context, _ int) error {
		var gerr error
		data, gerr = s.blobs.Get(ctx, sl.artifact.Locator)
		return gerr
	})
	if err != nil {
		return nil, fmt.Errorf("artifact get %s: %w", target, err)
	}
	return data, nil
}

// Recover marks target ready when its output from an earlier invocation of
// the same pipeline is still in the blob store. It returns CodeNotFound
// otherwise.
func (s *Store) Recover(ctx context.Context, target, producer string) (*Artifact, error) {
	key := s.Locator(target)
	info, err := s.stat(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("artifact recover %s: %w", target, err)
	}
	sl := s.slot(target)
	sl.finish(&Artifact{Target: target, Producer: producer, Locator: key, Size: info.Size}, nil)
	if sl.artifact == nil {
		return nil, errs.Newf(errs.CodeProducerFailed, "artifact recover", "producer of %s already reported failure", target)
	}
	return sl.artifact, nil
}

func (s *Store) stat(ctx context.Context, key string) (blob.Info, error) {
	var info blob.Info
	err := retry.Do(ctx, s.policy, func(ctx context.Context, _ int) error {
		var serr error
		info, serr = s.blobs.Stat(ctx, key)
		return serr
	})
	return info, err
}
