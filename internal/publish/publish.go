// Package publish packages build artifacts and attaches them to a release.
//
// Uploads are idempotent by overwrite: the blob is rewritten in place and the
// asset record keyed by (release, filename) is replaced, so retrying a publish
// whose first attempt landed server side never yields a second asset.
package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/opencontainers/go-digest"

	"github.com/vk/relgrid/internal/archive"
	"github.com/vk/relgrid/internal/artifact"
	"github.com/vk/relgrid/internal/blob"
	"github.com/vk/relgrid/internal/build"
	"github.com/vk/relgrid/internal/ctxlog"
	"github.com/vk/relgrid/internal/errs"
	"github.com/vk/relgrid/internal/retry"
)

// Asset is a packaged file attached to a release.
type Asset struct {
	ReleaseID   string
	Filename    string
	Locator     string
	ContentType string
	Size        int64
	Digest      string
	UploadedAt  time.Time
}

// AssetStore persists asset records. CreateAsset fails with
// errs.CodeAssetConflict when (ReleaseID, Filename) is taken.
type AssetStore interface {
	CreateAsset(ctx context.Context, a *Asset) error
	ReplaceAsset(ctx context.Context, a *Asset) error
	ListAssets(ctx context.Context, releaseID string) ([]*Asset, error)
}

// ArtifactSource hands out build outputs, blocking until they are final.
type ArtifactSource interface {
	Get(ctx context.Context, target string) ([]byte, error)
}

// Config configures a Publisher.
type Config struct {
	Project    string
	Artifacts  ArtifactSource
	Compressor archive.Compressor
	Blobs      blob.Store
	Assets     AssetStore
	Policy     retry.Policy
	// Now defaults to time.Now.
	Now func() time.Time
}

// Publisher implements Publish.
type Publisher struct {
	cfg Config
}

// New returns a Publisher.
func New(cfg Config) *Publisher {
	if cfg.Compressor == nil {
		cfg.Compressor = archive.New(archive.FormatTarGz)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Publisher{cfg: cfg}
}

// Filename returns the asset filename of target, "{project}-{target}.{ext}".
func Filename(project, target, ext string) string {
	return artifact.SafeName(project+"-"+target) + "." + ext
}

// Locator returns the blob key of an asset.
func Locator(releaseID, filename string) string {
	return fmt.Sprintf("releases/%s/%s", releaseID, filename)
}

// entryName is the name of the binary inside the archive.
func entryName(project, target string) string {
	if goos, _ := build.OSArch(target); goos == "windows" {
		return project + ".exe"
	}
	return project
}

// Publish packages target's artifact and attaches it to releaseID. A failed
// producer surfaces as errs.CodeProducerFailed without any upload.
func (p *Publisher) Publish(ctx context.Context, target, releaseID string) (*Asset, error) {
	if releaseID == "" {
		return nil, errs.New(errs.CodeInternal, "publish", "release id is required")
	}
	data, err := p.cfg.Artifacts.Get(ctx, target)
	if err != nil {
		return nil, err
	}

	filename := Filename(p.cfg.Project, target, p.cfg.Compressor.Ext())
	packed, err := p.cfg.Compressor.Archive(data, entryName(p.cfg.Project, target))
	if err != nil {
		return nil, fmt.Errorf("archive %s: %w", filename, err)
	}

	asset := &Asset{
		ReleaseID:   releaseID,
		Filename:    filename,
		Locator:     Locator(releaseID, filename),
		ContentType: mimetype.Detect(packed).String(),
		Size:        int64(len(packed)),
		Digest:      digest.FromBytes(packed).String(),
	}
	logger := ctxlog.FromContext(ctx).With("asset", filename, "releaseID", releaseID)

	err = retry.Do(ctx, p.cfg.Policy, func(ctx context.Context, attempt int) error {
		logger.Debug("Uploading asset.", "attempt", attempt, "size", asset.Size)
		if err := p.cfg.Blobs.Put(ctx, asset.Locator, packed); err != nil {
			return err
		}
		asset.UploadedAt = p.cfg.Now().UTC()
		err := p.cfg.Assets.CreateAsset(ctx, asset)
		if errs.Is(err, errs.CodeAssetConflict) {
			logger.Debug("Asset exists, replacing.", "attempt", attempt)
			err = p.cfg.Assets.ReplaceAsset(ctx, asset)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", filename, err)
	}
	logger.Info("📦 Asset published.", "digest", asset.Digest, "contentType", asset.ContentType)
	return asset, nil
}
