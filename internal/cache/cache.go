// Package cache implements content-addressed restore and populate of build
// dependency state on top of a blob.Store.
//
// Keys are derived from the dependency manifest only, so every target and
// every run that sees the same manifest shares one entry. Entries are
// first-writer-wins and never rewritten.
package cache

import (
	"context"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/vk/relgrid/internal/blob"
	"github.com/vk/relgrid/internal/ctxlog"
	"github.com/vk/relgrid/internal/errs"
	"github.com/vk/relgrid/internal/retry"
)

// keyspace is the blob key prefix under which entries live.
const keyspace = "cache/"

// Kind classifies a restore outcome. Neither Miss nor Partial is an error.
type Kind int

const (
	Miss Kind = iota
	Partial
	Hit
)

func (k Kind) String() string {
	switch k {
	case Hit:
		return "hit"
	case Partial:
		return "partial"
	default:
		return "miss"
	}
}

// Restored is the outcome of Restore.
type Restored struct {
	Kind Kind
	// Key is the entry actually restored; it differs from the requested key
	// on a partial restore and is empty on a miss.
	Key   string
	State []byte
}

// Key derives a cache key from the dependency manifest content.
func Key(prefix string, manifest []byte) string {
	d := digest.SHA256.FromBytes(manifest)
	if prefix == "" {
		return d.Encoded()
	}
	return prefix + "-" + d.Encoded()
}

// Manager restores and populates cache entries.
type Manager struct {
	store  blob.Store
	policy retry.Policy
}

// New returns a Manager over store. Transient store errors are retried
// according to policy.
func New(store blob.Store, policy retry.Policy) *Manager {
	return &Manager{store: store, policy: policy}
}

// Restore looks up key exactly, then falls back through restoreKeys in order.
// For each restore key the newest entry whose key starts with it is used.
func (m *Manager) Restore(ctx context.Context, key string, restoreKeys []string) (Restored, error) {
	logger := ctxlog.FromContext(ctx).With("key", key)

	state, err := m.get(ctx, key)
	switch {
	case err == nil:
		logger.Debug("Cache hit.")
		return Restored{Kind: Hit, Key: key, State: state}, nil
	case !errs.Is(err, errs.CodeNotFound):
		return Restored{}, err
	}

	for _, rk := range restoreKeys {
		if rk == "" {
			continue
		}
		var candidates []blob.Info
		err := retry.Do(ctx, m.policy, func(ctx context.Context, _ int) error {
			var lerr error
			candidates, lerr = m.store.List(ctx, keyspace+rk)
			return lerr
		})
		if err != nil {
			return Restored{}, err
		}
		for _, c := range newestFirst(candidates) {
			found := strings.TrimPrefix(c.Key, keyspace)
			state, err := m.get(ctx, found)
			if errs.Is(err, errs.CodeNotFound) {
				continue
			}
			if err != nil {
				return Restored{}, err
			}
			logger.Debug("Cache partial restore.", "restoreKey", rk, "restored", found)
			return Restored{Kind: Partial, Key: found, State: state}, nil
		}
	}

	logger.Debug("Cache miss.")
	return Restored{Kind: Miss}, nil
}

// Populate stores state under key unless an entry already exists. It reports
// whether this call created the entry; losing the race is not an error.
func (m *Manager) Populate(ctx context.Context, key string, state []byte) (bool, error) {
	if key == "" {
		return false, errs.New(errs.CodeInvalidConfig, "cache populate", "empty cache key")
	}
	var created bool
	err := retry.Do(ctx, m.policy, func(ctx context.Context, _ int) error {
		var perr error
		created, perr = m.store.PutIfAbsent(ctx, keyspace+key, state)
		return perr
	})
	if err != nil {
		return false, err
	}
	ctxlog.FromContext(ctx).Debug("Cache populate.", "key", key, "created", created)
	return created, nil
}

func (m *Manager) get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, m.policy, func(ctx context.Context, _ int) error {
		var gerr error
		data, gerr = m.store.Get(ctx, keyspace+key)
		return gerr
	})
	return data, err
}

// newestFirst orders candidates by modification time, newest first, breaking
// ties by key so the order is stable.
func newestFirst(in []blob.Info) []blob.Info {
	out := append([]blob.Info(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		return out[i].Key > out[j].Key
	})
	return out
}
