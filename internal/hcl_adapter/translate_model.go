// This file translates the HCL schema structs into the format-agnostic
// configuration model defined in the config package.

package hcl_adapter

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/relgrid/internal/build"
	"github.com/vk/relgrid/internal/config"
	"github.com/vk/relgrid/internal/errs"
)

func (l *Loader) translate(ctx context.Context, root *fileRoot) (*config.Model, error) {
	m := &config.Model{
		Project: root.Project,
		Targets: root.Targets,
	}

	if p := root.Pipeline; p != nil {
		timeout, err := config.ParseDuration("pipeline timeout", p.Timeout)
		if err != nil {
			return nil, err
		}
		m.Pipeline = config.Pipeline{FailFast: p.FailFast, Policy: p.Policy, Workers: p.Workers, Timeout: timeout}
	}

	if b := root.Build; b != nil {
		built, err := l.translateBuild(ctx, b)
		if err != nil {
			return nil, err
		}
		m.Build = *built
	}

	if c := root.Cache; c != nil {
		m.Cache = config.Cache{Key: c.Key, Manifest: c.Manifest, RestoreKeys: c.RestoreKeys}
	}

	if r := root.Release; r != nil {
		rel, err := l.translateRelease(ctx, r)
		if err != nil {
			return nil, err
		}
		m.Release = *rel
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

// translateBuild keeps command, env and output as templates; they are only
// evaluated once the target is known.
func (l *Loader) translateBuild(ctx context.Context, b *BuildBlock) (*config.Build, error) {
	out := &config.Build{Dir: b.Dir, CacheDir: b.CacheDir}

	items, diags := hcl.ExprList(b.Command)
	if diags.HasErrors() {
		return nil, invalid("build command must be a list: %s", diags.Error())
	}
	for _, item := range items {
		out.Command = append(out.Command, build.NewTemplate(item))
	}

	if isExprDefined(ctx, b.Env, "env") {
		pairs, diags := hcl.ExprMap(b.Env)
		if diags.HasErrors() {
			return nil, invalid("build env must be an object: %s", diags.Error())
		}
		out.Env = make(map[string]build.Template, len(pairs))
		for _, kv := range pairs {
			name, err := keyName(kv.Key)
			if err != nil {
				return nil, err
			}
			out.Env[name] = build.NewTemplate(kv.Value)
		}
	}

	if isExprDefined(ctx, b.Output, "output") {
		out.Output = build.NewTemplate(b.Output)
	}
	return out, nil
}

func (l *Loader) translateRelease(ctx context.Context, r *ReleaseBlock) (*config.Release, error) {
	out := &config.Release{Notes: r.Notes, Draft: r.Draft, Repository: r.Repository}
	if isExprDefined(ctx, r.Name, "name") {
		out.Name = build.NewTemplate(r.Name)
	}
	if isExprDefined(ctx, r.Prerelease, "prerelease") {
		v, diags := r.Prerelease.Value(nil)
		if diags.HasErrors() {
			return nil, invalid("release prerelease: %s", diags.Error())
		}
		if !v.Type().Equals(cty.Bool) || v.IsNull() {
			return nil, invalid("release prerelease must be a bool")
		}
		b := v.True()
		out.Prerelease = &b
	}
	return out, nil
}

// keyName accepts both bare and quoted object keys.
func keyName(expr hcl.Expression) (string, error) {
	if kw := hcl.ExprAsKeyword(expr); kw != "" {
		return kw, nil
	}
	v, diags := expr.Value(nil)
	if diags.HasErrors() || !v.Type().Equals(cty.String) || v.IsNull() {
		return "", invalid("build env keys must be strings")
	}
	return v.AsString(), nil
}

func invalid(format string, args ...any) error {
	return errs.Wrap(errs.CodeInvalidConfig, "config", fmt.Errorf(format, args...))
}
