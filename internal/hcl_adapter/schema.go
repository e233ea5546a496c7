package hcl_adapter

import "github.com/hashicorp/hcl/v2"

// fileRoot decodes the top level of a pipeline file.
type fileRoot struct {
	Project  string         `hcl:"project"`
	Targets  []string       `hcl:"targets"`
	Pipeline *PipelineBlock `hcl:"pipeline,block"`
	Build    *BuildBlock    `hcl:"build,block"`
	Cache    *CacheBlock    `hcl:"cache,block"`
	Release  *ReleaseBlock  `hcl:"release,block"`
	Archive  *ArchiveBlock  `hcl:"archive,block"`
	Storage  *StorageBlock  `hcl:"storage,block"`
	State    *StateBlock    `hcl:"state,block"`
	Retry    *RetryBlock    `hcl:"retry,block"`
}

// PipelineBlock is the `pipeline` block.
type PipelineBlock struct {
	FailFast bool   `hcl:"fail_fast,optional"`
	Policy   string `hcl:"policy,optional"`
	Workers  int    `hcl:"workers,optional"`
	Timeout  string `hcl:"timeout,optional"`
}

// BuildBlock is the `build` block. Command, env and output stay expressions
// so they can reference per-target variables.
type BuildBlock struct {
	Dir      string         `hcl:"dir,optional"`
	Command  hcl.Expression `hcl:"command"`
	Env      hcl.Expression `hcl:"env,optional"`
	Output   hcl.Expression `hcl:"output,optional"`
	CacheDir string         `hcl:"cache_dir,optional"`
}

// CacheBlock is the `cache` block.
type CacheBlock struct {
	Key         string   `hcl:"key"`
	Manifest    []string `hcl:"manifest,optional"`
	RestoreKeys []string `hcl:"restore_keys,optional"`
}

// ReleaseBlock is the `release` block.
type ReleaseBlock struct {
	Name       hcl.Expression `hcl:"name,optional"`
	Notes      string         `hcl:"notes,optional"`
	Draft      bool           `hcl:"draft,optional"`
	Prerelease hcl.Expression `hcl:"prerelease,optional"`
	Repository string         `hcl:"repository,optional"`
}

// ArchiveBlock is the `archive` block.
type ArchiveBlock struct {
	Format string `hcl:"format,optional"`
}

// StorageBlock is the `storage` block.
type StorageBlock struct {
	Backend string   `hcl:"backend"`
	Dir     string   `hcl:"dir,optional"`
	S3      *S3Block `hcl:"s3,block"`
}

// S3Block is the `s3` block nested in `storage`.
type S3Block struct {
	Bucket    string `hcl:"bucket"`
	Prefix    string `hcl:"prefix,optional"`
	Region    string `hcl:"region,optional"`
	Endpoint  string `hcl:"endpoint,optional"`
	PathStyle bool   `hcl:"path_style,optional"`
}

// StateBlock is the `state` block.
type StateBlock struct {
	Path string `hcl:"path"`
}

// RetryBlock is the `retry` block.
type RetryBlock struct {
	MaxAttempts     int    `hcl:"max_attempts,optional"`
	InitialInterval string `hcl:"initial_interval,optional"`
	MaxInterval     string `hcl:"max_interval,optional"`
}
