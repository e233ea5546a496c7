package sqlstore

import (
	"context"

	"github.com/vk/relgrid/internal/errs"
	"github.com/vk/relgrid/internal/publish"
)

var _ publish.AssetStore = (*Store)(nil)

// CreateAsset implements publish.AssetStore.
func (s *Store) CreateAsset(ctx context.Context, a *publish.Asset) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assets (release_id, filename, locator, content_type, size, digest, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ReleaseID, a.Filename, a.Locator, a.ContentType, a.Size, a.Digest, formatTime(a.UploadedAt))
	return classify("asset create", err, errs.CodeAssetConflict)
}

// ReplaceAsset implements publish.AssetStore.
func (s *Store) ReplaceAsset(ctx context.Context, a *publish.Asset) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assets (release_id, filename, locator, content_type, size, digest, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (release_id, filename) DO UPDATE SET
			locator = excluded.locator,
			content_type = excluded.content_type,
			size = excluded.size,
			digest = excluded.digest,
			uploaded_at = excluded.uploaded_at`,
		a.ReleaseID, a.Filename, a.Locator, a.ContentType, a.Size, a.Digest, formatTime(a.UploadedAt))
	return classify("asset replace", err, "")
}

// ListAssets implements publish.AssetStore.
func (s *Store) ListAssets(ctx context.Context, releaseID string) ([]*publish.Asset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT release_id, filename, locator, content_type, size, digest, uploaded_at
		FROM assets WHERE release_id = ? ORDER BY filename`, releaseID)
	if err != nil {
		return nil, classify("list assets", err, "")
	}
	defer rows.Close()

	var out []*publish.Asset
	for rows.Next() {
		var a publish.Asset
		var uploaded string
		if err := rows.Scan(&a.ReleaseID, &a.Filename, &a.Locator, &a.ContentType, &a.Size, &a.Digest, &uploaded); err != nil {
			return nil, err
		}
		if a.UploadedAt, err = parseTime(uploaded); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
