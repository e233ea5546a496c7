package publish

import (
	"context"
	"sort"
	"sync"

	"github.com/vk/relgrid/internal/errs"
)

type assetKey struct {
	releaseID string
	filename  string
}

// MemoryAssetStore is an in-process AssetStore.
type MemoryAssetStore struct {
	mu     sync.Mutex
	assets map[assetKey]*Asset
}

var _ AssetStore = (*MemoryAssetStore)(nil)

// NewMemoryAssetStore returns an empty store.
func NewMemoryAssetStore() *MemoryAssetStore {
	return &MemoryAssetStore{assets: make(map[assetKey]*Asset)}
}

// CreateAsset implements AssetStore.
func (m *MemoryAssetStore) CreateAsset(_ context.Context, a *Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := assetKey{a.ReleaseID, a.Filename}
	if _, ok := m.assets[k]; ok {
		return errs.Newf(errs.CodeAssetConflict, "asset create", "asset %s already attached to release %s", a.Filename, a.ReleaseID)
	}
	c := *a
	m.assets[k] = &c
	return nil
}

// ReplaceAsset implements AssetStore.
func (m *MemoryAssetStore) ReplaceAsset(_ context.Context, a *Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *a
	m.assets[assetKey{a.ReleaseID, a.Filename}] = &c
	return nil
}

// ListAssets implements AssetStore.
func (m *MemoryAssetStore) ListAssets(_ context.Context, releaseID string) ([]*Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Asset
	for k, a := range m.assets {
		if k.releaseID == releaseID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}
