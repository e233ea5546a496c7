package inmemorystore

import (
	"context"
	"sync"

	"github.com/vk/relgrid/internal/nodeid"
	"github.com/vk/relgrid/internal/nodestore"
)

// Store is an in-memory implementation of nodestore.Store.
type Store struct {
	pipelines sync.Map // Key: pipeline ID, Value: nodestore.Pipeline
	instances sync.Map // Key: pipeline ID, Value: *sync.Map of nodeid.Address -> nodestore.Record
}

// New creates a new, empty in-memory store.
func New() *Store {
	return &Store{}
}

var _ nodestore.Store = (*Store)(nil)

// SavePipeline creates or updates the pipeline entry.
func (s *Store) SavePipeline(ctx context.Context, p nodestore.Pipeline) error {
	if prev, ok := s.pipelines.Load(p.ID); ok && p.CreatedAt.IsZero() {
		p.CreatedAt = prev.(nodestore.Pipeline).CreatedAt
	}
	p.Targets = append([]string(nil), p.Targets...)
	s.pipelines.Store(p.ID, p)
	return nil
}

// LoadPipeline returns the saved pipeline, if any.
func (s *Store) LoadPipeline(ctx context.Context, id string) (nodestore.Pipeline, bool, error) {
	v, ok := s.pipelines.Load(id)
	if !ok {
		return nodestore.Pipeline{}, false, nil
	}
	return v.(nodestore.Pipeline), true, nil
}

// SaveInstance records the latest state of one instance.
func (s *Store) SaveInstance(ctx context.Context, pipelineID string, rec nodestore.Record) error {
	m, _ := s.instances.LoadOrStore(pipelineID, &sync.Map{})
	m.(*sync.Map).Store(rec.Address, rec)
	return nil
}

// LoadInstances returns a copy of every record saved for the pipeline.
func (s *Store) LoadInstances(ctx context.Context, pipelineID string) (map[nodeid.Address]nodestore.Record, error) {
	out := make(map[nodeid.Address]nodestore.Record)
	m, ok := s.instances.Load(pipelineID)
	if !ok {
		return out, nil
	}
	m.(*sync.Map).Range(func(k, v any) bool {
		out[k.(nodeid.Address)] = v.(nodestore.Record)
		return true
	})
	return out, nil
}
