package config

import (
	"strings"

	"github.com/vk/relgrid/internal/archive"
	"github.com/vk/relgrid/internal/errs"
	"github.com/vk/relgrid/internal/nodeid"
)

// Validate reports the first problem that would prevent the pipeline from
// running. Every error carries errs.CodeInvalidConfig.
func (m *Model) Validate() error {
	if strings.TrimSpace(m.Project) == "" {
		return invalid("project is required")
	}
	if len(m.Targets) == 0 {
		return invalid("at least one target is required")
	}
	seen := make(map[string]bool, len(m.Targets))
	for _, t := range m.Targets {
		// A target must round-trip through an instance address.
		if addr, err := nodeid.Parse(nodeid.ForTarget("build", t).String()); err != nil || addr.Target != t {
			return invalid("target %q is not a valid target name", t)
		}
		if seen[t] {
			return invalid("target %q is listed twice", t)
		}
		seen[t] = true
	}

	switch m.Pipeline.Policy {
	case "", "permissive", "strict":
	default:
		return invalid("pipeline policy %q must be permissive or strict", m.Pipeline.Policy)
	}
	if m.Pipeline.Workers < 0 {
		return invalid("pipeline workers must not be negative")
	}
	if m.Pipeline.Timeout < 0 {
		return invalid("pipeline timeout must not be negative")
	}

	if len(m.Build.Command) == 0 {
		return invalid("build command is required")
	}
	if m.Cache.Key != "" && m.Build.CacheDir == "" {
		return invalid("cache key %q is set but build cache_dir is empty", m.Cache.Key)
	}
	if m.Cache.Key == "" && len(m.Cache.RestoreKeys) > 0 {
		return invalid("cache restore_keys require a cache key")
	}

	if _, err := archive.ParseFormat(m.Archive.Format); err != nil {
		return errs.Wrap(errs.CodeInvalidConfig, "config", err)
	}

	switch m.Storage.Backend {
	case "", BackendMemory:
	case BackendLocal:
		if m.Storage.Dir == "" {
			return invalid("storage dir is required for the local backend")
		}
	case BackendS3:
		if m.Storage.S3 == nil || m.Storage.S3.Bucket == "" {
			return invalid("storage s3 bucket is required for the s3 backend")
		}
	default:
		return invalid("storage backend %q must be local, memory or s3", m.Storage.Backend)
	}

	if m.Retry.MaxAttempts < 0 {
		return invalid("retry max_attempts must not be negative")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errs.Newf(errs.CodeInvalidConfig, "config", format, args...)
}
