// Package nodestore defines where the executor persists instance state so a
// partially completed pipeline can be resubmitted and resumed.
//
// The executor writes one Record per instance transition and, on resubmit
// with the same pipeline id, loads the previous records to decide which
// instances to reuse and which to run again. The in-memory implementation
// (internal/inmemorystore) only survives within a process; the sqlite
// implementation (internal/sqlstore) survives across invocations.
package nodestore

import (
	"context"
	"time"

	"github.com/vk/relgrid/internal/node"
	"github.com/vk/relgrid/internal/nodeid"
)

// Pipeline is the persisted identity of one pipeline run.
type Pipeline struct {
	ID        string
	Version   string
	Targets   []string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Record is the persisted state of one instance.
type Record struct {
	Address   nodeid.Address
	Status    node.Status
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
}

// Store persists pipelines and their instance records.
//
// Implementations MUST be safe for concurrent use: instances of the same
// pipeline save their records from different goroutines.
type Store interface {
	// SavePipeline creates or updates the pipeline row.
	SavePipeline(ctx context.Context, p Pipeline) error

	// LoadPipeline returns the pipeline and true, or false if it was never saved.
	LoadPipeline(ctx context.Context, id string) (Pipeline, bool, error)

	// SaveInstance creates or replaces the record for rec.Address.
	SaveInstance(ctx context.Context, pipelineID string, rec Record) error

	// LoadInstances returns every record saved for the pipeline.
	LoadInstances(ctx context.Context, pipelineID string) (map[nodeid.Address]Record, error)
}

// RecordFrom converts an instance snapshot into a persistable record.
func RecordFrom(s node.Snapshot) Record {
	rec := Record{
		Address:   s.Address,
		Status:    s.Status,
		StartedAt: s.StartedAt,
		EndedAt:   s.EndedAt,
	}
	if s.Err != nil {
		rec.Error = s.Err.Error()
	}
	return rec
}
