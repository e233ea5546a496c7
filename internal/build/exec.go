package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/vk/relgrid/internal/archive"
	"github.com/vk/relgrid/internal/artifact"
	"github.com/vk/relgrid/internal/cache"
	"github.com/vk/relgrid/internal/ctxlog"
	"github.com/vk/relgrid/internal/errs"
)

const (
	// tailSize bounds how much command output is kept for error reports.
	tailSize  = 4 << 10
	waitDelay = 2 * time.Second
)

// ExecConfig configures an ExecBuilder.
type ExecConfig struct {
	Project string
	Version string
	// Dir is the working directory of the command. Output and CacheDir are
	// relative to it.
	Dir     string
	Command []Template
	Env     map[string]Template
	// Output locates the produced binary. Defaults to
	// "dist/${project}-<target>" with the target made filename-safe.
	Output Template
	// CacheDir, when set, is restored from the cache before the command runs
	// and packed into Output.State afterwards.
	CacheDir string
}

// ExecBuilder runs the build command as a child process, one per target.
type ExecBuilder struct {
	cfg ExecConfig
	fs  billy.Filesystem
}

var _ Builder = (*ExecBuilder)(nil)

// NewExecBuilder validates cfg and returns a builder rooted at cfg.Dir.
func NewExecBuilder(cfg ExecConfig) (*ExecBuilder, error) {
	if len(cfg.Command) == 0 {
		return nil, errs.New(errs.CodeInvalidConfig, "build", "build command is empty")
	}
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	return &ExecBuilder{cfg: cfg, fs: osfs.New(cfg.Dir)}, nil
}

// Run implements Builder. The command sees RELGRID_TARGET and RELGRID_CACHE
// (hit, partial or miss) in its environment so it can take a fast path on an
// exact cache hit.
func (b *ExecBuilder) Run(ctx context.Context, target string, restored cache.Restored) (*Output, error) {
	logger := ctxlog.FromContext(ctx)
	vars := Vars{Project: b.cfg.Project, Version: b.cfg.Version, Target: target}

	out, err := b.cfg.Output.Eval(vars)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidConfig, "build output", err)
	}
	if out == "" {
		out = "dist/" + artifact.SafeName(b.cfg.Project+"-"+target)
	}
	vars.Output = out

	argv := make([]string, 0, len(b.cfg.Command))
	for _, t := range b.cfg.Command {
		arg, err := t.Eval(vars)
		if err != nil {
			return nil, errs.Wrap(errs.CodeInvalidConfig, "build command", err)
		}
		argv = append(argv, arg)
	}
	env, err := b.environ(vars, restored)
	if err != nil {
		return nil, err
	}

	if b.cfg.CacheDir != "" && restored.Kind != cache.Miss && len(restored.State) > 0 {
		if err := archive.UnpackDir(b.fs, b.cfg.CacheDir, archive.FormatTarZst, restored.State); err != nil {
			logger.Warn("Could not unpack restored cache state, building cold.", "error", err)
		}
	}
	if err := b.fs.MkdirAll(dirOf(out), 0o755); err != nil {
		return nil, errs.Transient("build mkdir", err)
	}

	logger.Debug("Running build command.", "argv", argv, "cache", restored.Kind.String())
	var tail tailBuffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = b.cfg.Dir
	cmd.Env = env
	cmd.Stdout = &tail
	cmd.Stderr = &tail
	// Grandchildren holding the output pipes must not block Wait after a kill.
	cmd.WaitDelay = waitDelay
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("build %s: %w", target, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, errs.Newf(errs.CodeBuildFailed, "build", "command exited with status %d: %s", exitErr.ExitCode(), tail.String())
		}
		return nil, errs.Wrap(errs.CodeBuildFailed, "build", err)
	}
	logger.Debug("Build command finished.", "output", tail.String())

	binary, err := util.ReadFile(b.fs, out)
	if err != nil {
		return nil, errs.Newf(errs.CodeBuildFailed, "build", "command did not produce %s: %v", out, err)
	}
	result := &Output{Binary: binary}
	if b.cfg.CacheDir != "" {
		state, err := archive.PackDir(b.fs, b.cfg.CacheDir, archive.FormatTarZst)
		if err != nil {
			logger.Warn("Could not pack cache state.", "error", err)
		} else {
			result.State = state
		}
	}
	return result, nil
}

func (b *ExecBuilder) environ(vars Vars, restored cache.Restored) ([]string, error) {
	env := os.Environ()
	keys := make([]string, 0, len(b.cfg.Env))
	for k := range b.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := b.cfg.Env[k].Eval(vars)
		if err != nil {
			return nil, errs.Wrap(errs.CodeInvalidConfig, "build env "+k, err)
		}
		env = append(env, k+"="+v)
	}
	goos, goarch := OSArch(vars.Target)
	return append(env,
		"RELGRID_TARGET="+vars.Target,
		"RELGRID_OS="+goos,
		"RELGRID_ARCH="+goarch,
		"RELGRID_OUTPUT="+vars.Output,
		"RELGRID_CACHE="+restored.Kind.String(),
	), nil
}

func dirOf(p string) string {
	if i := strings.LastIndex(p, "/"); i > 0 {
		return p[:i]
	}
	return "."
}

// tailBuffer keeps the last tailSize bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n, _ := t.buf.Write(p)
	if over := t.buf.Len() - tailSize; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(t.buf.String())
}
