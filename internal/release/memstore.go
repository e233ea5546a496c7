package release

import (
	"context"
	"sync"

	"github.com/vk/relgrid/internal/errs"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	byTag map[string]*Release
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTag: make(map[string]*Release)}
}

// GetByTag implements Store.
func (m *MemoryStore) GetByTag(_ context.Context, tag string) (*Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byTag[tag]
	if !ok {
		return nil, errs.Newf(errs.CodeNotFound, "release get", "no release for tag %s", tag)
	}
	c := *r
	return &c, nil
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, r *Release) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byTag[r.Tag]; ok {
		return errs.Newf(errs.CodeReleaseExists, "release create", "release for tag %s already exists", r.Tag)
	}
	c := *r
	m.byTag[r.Tag] = &c
	return nil
}

// List returns every stored release.
func (m *MemoryStore) List() []*Release {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Release, 0, len(m.byTag))
	for _, r := range m.byTag {
		c := *r
		out = append(out, &c)
	}
	return out
}
