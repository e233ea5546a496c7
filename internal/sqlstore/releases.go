package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/vk/relgrid/internal/errs"
	"github.com/vk/relgrid/internal/release"
)

var _ release.Store = (*Store)(nil)

// GetByTag implements release.Store.
func (s *Store) GetByTag(ctx context.Context, tag string) (*release.Release, error) {
	var (
		r                 release.Release
		draft, prerelease int
		created           string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tag, name, commit_sha, notes, draft, prerelease, created_at
		FROM releases WHERE tag = ?`, tag).
		Scan(&r.ID, &r.Tag, &r.Name, &r.Commit, &r.Notes, &draft, &prerelease, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Newf(errs.CodeNotFound, "release get", "no release for tag %s", tag)
	}
	if err != nil {
		return nil, classify("release get", err, "")
	}
	r.Draft = draft != 0
	r.Prerelease = prerelease != 0
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &r, nil
}

// Create implements release.Store. A duplicate tag fails with
// errs.CodeReleaseExists.
func (s *Store) Create(ctx context.Context, r *release.Release) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO releases (id, tag, name, commit_sha, notes, draft, prerelease, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Tag, r.Name, r.Commit, r.Notes, boolInt(r.Draft), boolInt(r.Prerelease), formatTime(r.CreatedAt))
	return classify("release create", err, errs.CodeReleaseExists)
}

// Releases returns every release, oldest first.
func (s *Store) Releases(ctx context.Context) ([]*release.Release, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tag FROM releases ORDER BY created_at, tag`)
	if err != nil {
		return nil, classify("list releases", err, "")
	}
	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			rows.Close()
			return nil, err
		}
		tags = append(tags, tag)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*release.Release, 0, len(tags))
	for _, tag := range tags {
		r, err := s.GetByTag(ctx, tag)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
