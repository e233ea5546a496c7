// Package version validates release tags supplied by a trigger.
package version

import (
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/vk/relgrid/internal/errs"
)

// Tag is a validated semantic version tag as supplied by the trigger.
type Tag struct {
	// Raw is the tag exactly as given, e.g. "v1.2.3".
	Raw     string
	Version *semver.Version
}

// Parse validates raw as a semantic tag. A leading "v" is accepted; the rest
// must be a full MAJOR.MINOR.PATCH version with optional pre-release and
// build metadata.
func Parse(raw string) (*Tag, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errs.New(errs.CodeInvalidConfig, "version", "version tag is required")
	}
	v, err := semver.StrictNewVersion(strings.TrimPrefix(raw, "v"))
	if err != nil {
		return nil, errs.Newf(errs.CodeInvalidConfig, "version", "%q is not a semantic version tag: %v", raw, err)
	}
	return &Tag{Raw: raw, Version: v}, nil
}

// String returns the tag as given.
func (t *Tag) String() string {
	return t.Raw
}

// Canonical returns the tag with exactly one leading "v", so "1.2.3" and
// "v1.2.3" name the same release.
func (t *Tag) Canonical() string {
	return "v" + t.Version.Original()
}

// Prerelease reports whether the tag carries a pre-release part, e.g. "-rc.1".
func (t *Tag) Prerelease() bool {
	return t.Version.Prerelease() != ""
}
