package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pipelineHCL = `
project = "tool"
targets = ["linux/amd64", "darwin/arm64"]

build {
  command = ["sh", "-c", "printf bin > \"$RELGRID_OUTPUT\""]
}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr), "unexpected error type %T: %v", err, err)
	return exitErr.Code
}

func TestExecuteHelp(t *testing.T) {
	var out bytes.Buffer
	err := Execute(context.Background(), []string{"--help"}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "release")
	assert.Contains(t, out.String(), "validate")
}

func TestExecuteUnknownFlag(t *testing.T) {
	var out bytes.Buffer
	err := Execute(context.Background(), []string{"release", "--this-is-not-a-valid-flag"}, &out)
	assert.Equal(t, ExitConfig, exitCode(t, err))
	assert.Contains(t, err.Error(), "unknown flag")
}

func TestExecuteReleaseRequiresVersion(t *testing.T) {
	path := writeFile(t, "relgrid.hcl", pipelineHCL)
	err := Execute(context.Background(), []string{"release", "--config", path}, &bytes.Buffer{})
	assert.Equal(t, ExitConfig, exitCode(t, err))
	assert.Contains(t, err.Error(), "version")
}

func TestExecuteRejectsBadLogSettings(t *testing.T) {
	path := writeFile(t, "relgrid.hcl", pipelineHCL)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"format", []string{"validate", "--config", path, "--log-format", "xml"}, "log-format"},
		{"level", []string{"validate", "--config", path, "--log-level", "loud"}, "log-level"},
		{"timeout", []string{"release", "--config", path, "--version", "v1.0.0", "--timeout", "soon"}, "invalid timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Execute(context.Background(), tt.args, &bytes.Buffer{})
			assert.Equal(t, ExitConfig, exitCode(t, err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExecuteValidate(t *testing.T) {
	path := writeFile(t, "relgrid.hcl", pipelineHCL)

	var out bytes.Buffer
	err := Execute(context.Background(), []string{"validate", "--config", path, "--version", "v1.0.0", "--log-level", "error"}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "2 targets (linux/amd64, darwin/arm64)")

	err = Execute(context.Background(), []string{"validate", "--config", path, "--version", "1.0"}, &out)
	assert.Equal(t, ExitConfig, exitCode(t, err))

	missing := filepath.Join(t.TempDir(), "missing.hcl")
	err = Execute(context.Background(), []string{"validate", "--config", missing}, &out)
	assert.Equal(t, ExitConfig, exitCode(t, err))
}

func TestExecuteRelease(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	t.Chdir(t.TempDir())
	path := writeFile(t, "relgrid.hcl", pipelineHCL)

	var out bytes.Buffer
	err := Execute(context.Background(), []string{"release", "--config", path, "--version", "v1.0.0", "--log-level", "error"}, &out)
	require.NoError(t, err, out.String())
	assert.Contains(t, out.String(), "succeeded")
	assert.Contains(t, out.String(), "release v1.0.0")
	assert.Contains(t, out.String(), "tool-linux-amd64.tar.gz")
	assert.Contains(t, out.String(), "tool-darwin-arm64.tar.gz")
}

func TestExecuteReleaseBuildFailureExitsOne(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	t.Chdir(t.TempDir())
	path := writeFile(t, "relgrid.hcl", `
project = "tool"
targets = ["linux/amd64"]

build {
  command = ["sh", "-c", "exit 1"]
}
`)
	var out bytes.Buffer
	err := Execute(context.Background(), []string{"release", "-c", path, "-v", "v1.0.0", "--log-level", "error"}, &out)
	assert.Equal(t, ExitFailed, exitCode(t, err))
	assert.Contains(t, out.String(), "failed build[linux/amd64]")
}
