// Package yaml_adapter loads pipeline configuration from YAML into the
// format-agnostic config model. String fields that reference per-target
// variables are parsed as HCL templates, so "${os}" means the same thing in
// both formats.
package yaml_adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vk/relgrid/internal/build"
	"github.com/vk/relgrid/internal/config"
	"github.com/vk/relgrid/internal/ctxlog"
	"github.com/vk/relgrid/internal/errs"
)

type fileRoot struct {
	Project  string        `yaml:"project"`
	Targets  []string      `yaml:"targets"`
	Pipeline *pipelineNode `yaml:"pipeline"`
	Build    *buildNode    `yaml:"build"`
	Cache    *cacheNode    `yaml:"cache"`
	Release  *releaseNode  `yaml:"release"`
	Archive  *archiveNode  `yaml:"archive"`
	Storage  *storageNode  `yaml:"storage"`
	State    *stateNode    `yaml:"state"`
	Retry    *retryNode    `yaml:"retry"`
}

type pipelineNode struct {
	FailFast bool   `yaml:"fail_fast"`
	Policy   string `yaml:"policy"`
	Workers  int    `yaml:"workers"`
	Timeout  string `yaml:"timeout"`
}

type buildNode struct {
	Dir      string            `yaml:"dir"`
	Command  []string          `yaml:"command"`
	Env      map[string]string `yaml:"env"`
	Output   string            `yaml:"output"`
	CacheDir string            `yaml:"cache_dir"`
}

type cacheNode struct {
	Key         string   `yaml:"key"`
	Manifest    []string `yaml:"manifest"`
	RestoreKeys []string `yaml:"restore_keys"`
}

type releaseNode struct {
	Name       string `yaml:"name"`
	Notes      string `yaml:"notes"`
	Draft      bool   `yaml:"draft"`
	Prerelease *bool  `yaml:"prerelease"`
	Repository string `yaml:"repository"`
}

type archiveNode struct {
	Format string `yaml:"format"`
}

type storageNode struct {
	Backend string  `yaml:"backend"`
	Dir     string  `yaml:"dir"`
	S3      *s3Node `yaml:"s3"`
}

type s3Node struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

type stateNode struct {
	Path string `yaml:"path"`
}

type retryNode struct {
	MaxAttempts     int    `yaml:"max_attempts"`
	InitialInterval string `yaml:"initial_interval"`
	MaxInterval     string `yaml:"max_interval"`
}

// Loader is the YAML implementation of config.Loader.
type Loader struct{}

var _ config.Loader = (*Loader)(nil)

// NewLoader creates a new YAML configuration loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and decodes a single YAML pipeline file. Unknown keys are
// rejected.
func (l *Loader) Load(ctx context.Context, path string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("YAML loader started.", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidConfig, "config", fmt.Errorf("read %s: %w", path, err))
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var root fileRoot
	if err := dec.Decode(&root); err != nil && !errors.Is(err, io.EOF) {
		return nil, errs.Wrap(errs.CodeInvalidConfig, "config", fmt.Errorf("failed to decode YAML file %s: %w", path, err))
	}

	model, err := translate(&root)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logger.Debug("YAML loading complete.", "project", model.Project, "targets", len(model.Targets))
	return model, nil
}

func translate(root *fileRoot) (*config.Model, error) {
	m := &config.Model{Project: root.Project, Targets: root.Targets}

	if p := root.Pipeline; p != nil {
		timeout, err := config.ParseDuration("pipeline timeout", p.Timeout)
		if err != nil {
			return nil, err
		}
		m.Pipeline = config.Pipeline{FailFast: p.FailFast, Policy: p.Policy, Workers: p.Workers, Timeout: timeout}
	}

	if b := root.Build; b != nil {
		m.Build = config.Build{Dir: b.Dir, CacheDir: b.CacheDir}
		for _, arg := range b.Command {
			t, err := template("build command", arg)
			if err != nil {
				return nil, err
			}
			m.Build.Command = append(m.Build.Command, t)
		}
		if b.Env != nil {
			m.Build.Env = make(map[string]build.Template, len(b.Env))
			for name, src := range b.Env {
				t, err := template("build env "+name, src)
				if err != nil {
					return nil, err
				}
				m.Build.Env[name] = t
			}
		}
		if b.Output != "" {
			t, err := template("build output", b.Output)
			if err != nil {
				return nil, err
			}
			m.Build.Output = t
		}
	}

	if c := root.Cache; c != nil {
		m.Cache = config.Cache{Key: c.Key, Manifest: c.Manifest, RestoreKeys: c.RestoreKeys}
	}

	if r := root.Release; r != nil {
		m.Release = config.Release{Notes: r.Notes, Draft: r.Draft, Prerelease: r.Prerelease, Repository: r.Repository}
		if r.Name != "" {
			t, err := template("release name", r.Name)
			if err != nil {
				return nil, err
			}
			m.Release.Name = t
		}
	}

	if a := root.Archive; a != nil {
		m.Archive.Format = a.Format
	}

	if s := root.Storage; s != nil {
		m.Storage = config.Storage{Backend: s.Backend, Dir: s.Dir}
		if s.S3 != nil {
			m.Storage.S3 = &config.S3{
				Bucket:    s.S3.Bucket,
				Prefix:    s.S3.Prefix,
				Region:    s.S3.Region,
				Endpoint:  s.S3.Endpoint,
				PathStyle: s.S3.PathStyle,
			}
		}
	}

	if s := root.State; s != nil {
		m.State.Path = s.Path
	}

	if r := root.Retry; r != nil {
		initial, err := config.ParseDuration("retry initial_interval", r.InitialInterval)
		if err != nil {
			return nil, err
		}
		maxInterval, err := config.ParseDuration("retry max_interval", r.MaxInterval)
		if err != nil {
			return nil, err
		}
		m.Retry = config.Retry{MaxAttempts: r.MaxAttempts, InitialInterval: initial, MaxInterval: maxInterval}
	}
	return m, nil
}

func template(field, src string) (build.Template, error) {
	t, err := build.ParseTemplate(src)
	if err != nil {
		return build.Template{}, errs.Wrap(errs.CodeInvalidConfig, "config", fmt.Errorf("%s: %w", field, err))
	}
	return t, nil
}
