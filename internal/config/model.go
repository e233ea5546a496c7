package config

import (
	"time"

	"github.com/vk/relgrid/internal/build"
)

// Storage backends.
const (
	BackendLocal  = "local"
	BackendMemory = "memory"
	BackendS3     = "s3"
)

// Model is the unified, format-agnostic representation of a release
// pipeline configuration.
type Model struct {
	Project  string
	Targets  []string
	Pipeline Pipeline
	Build    Build
	Cache    Cache
	Release  Release
	Archive  Archive
	Storage  Storage
	State    State
	Retry    Retry
}

// Pipeline holds the executor settings.
type Pipeline struct {
	FailFast bool
	// Policy is "permissive" or "strict"; empty means permissive.
	Policy  string
	Workers int
	Timeout time.Duration
}

// Build describes the command run once per target.
type Build struct {
	Dir     string
	Command []build.Template
	Env     map[string]build.Template
	Output  build.Template
	// CacheDir is the directory saved to and restored from the cache.
	CacheDir string
}

// Cache configures dependency caching. An empty Key disables it.
type Cache struct {
	Key string
	// Manifest lists the files whose content is hashed into the exact key.
	Manifest    []string
	RestoreKeys []string
}

// Release configures the release record.
type Release struct {
	Name  build.Template
	Notes string
	Draft bool
	// Prerelease overrides the value derived from the tag when set.
	Prerelease *bool
	// Repository is a local git checkout used to resolve the tag's commit.
	Repository string
}

// Archive configures asset packaging.
type Archive struct {
	Format string
}

// Storage selects where artifacts, assets and cache entries live.
type Storage struct {
	Backend string
	Dir     string
	S3      *S3
}

// S3 configures the s3 backend.
type S3 struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// State configures where instance state, releases and assets are recorded.
// An empty Path keeps them in memory for the lifetime of the process.
type State struct {
	Path string
}

// Retry configures the backoff applied to transient infrastructure errors.
type Retry struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}
