package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vk/relgrid/internal/node"
	"github.com/vk/relgrid/internal/nodeid"
	"github.com/vk/relgrid/internal/nodestore"
)

var _ nodestore.Store = (*Store)(nil)

// SavePipeline implements nodestore.Store. The original created_at survives
// updates.
func (s *Store) SavePipeline(ctx context.Context, p nodestore.Pipeline) error {
	targets, err := json.Marshal(p.Targets)
	if err != nil {
		return err
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = p.UpdatedAt
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipelines (id, version, targets, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			version = excluded.version,
			targets = excluded.targets,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		p.ID, p.Version, string(targets), p.Status, formatTime(created), formatTime(p.UpdatedAt))
	return classify("save pipeline", err, "")
}

// LoadPipeline implements nodestore.Store.
func (s *Store) LoadPipeline(ctx context.Context, id string) (nodestore.Pipeline, bool, error) {
	var (
		p                nodestore.Pipeline
		targets          string
		created, updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, version, targets, status, created_at, updated_at FROM pipelines WHERE id = ?`, id).
		Scan(&p.ID, &p.Version, &targets, &p.Status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nodestore.Pipeline{}, false, nil
	}
	if err != nil {
		return nodestore.Pipeline{}, false, classify("load pipeline", err, "")
	}
	if err := json.Unmarshal([]byte(targets), &p.Targets); err != nil {
		return nodestore.Pipeline{}, false, fmt.Errorf("load pipeline %s: targets: %w", id, err)
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nodestore.Pipeline{}, false, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return nodestore.Pipeline{}, false, err
	}
	return p, true, nil
}

// SaveInstance implements nodestore.Store.
func (s *Store) SaveInstance(ctx context.Context, pipelineID string, rec nodestore.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (pipeline_id, address, status, error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (pipeline_id, address) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at`,
		pipelineID, rec.Address.String(), rec.Status.String(), rec.Error,
		formatTime(rec.StartedAt), formatTime(rec.EndedAt))
	return classify("save instance", err, "")
}

// LoadInstances implements nodestore.Store.
func (s *Store) LoadInstances(ctx context.Context, pipelineID string) (map[nodeid.Address]nodestore.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, status, error, started_at, ended_at FROM instances WHERE pipeline_id = ?`, pipelineID)
	if err != nil {
		return nil, classify("load instances", err, "")
	}
	defer rows.Close()

	out := make(map[nodeid.Address]nodestore.Record)
	for rows.Next() {
		var addr, status, started, ended string
		var rec nodestore.Record
		if err := rows.Scan(&addr, &status, &rec.Error, &started, &ended); err != nil {
			return nil, err
		}
		if rec.Address, err = nodeid.Parse(addr); err != nil {
			return nil, fmt.Errorf("load instances: %w", err)
		}
		if rec.Status, err = node.ParseStatus(status); err != nil {
			return nil, fmt.Errorf("load instances: %w", err)
		}
		if rec.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if rec.EndedAt, err = parseTime(ended); err != nil {
			return nil, err
		}
		out[rec.Address] = rec
	}
	return out, rows.Err()
}
