// Package harness runs the relgrid command line against a throwaway
// working directory for integration tests.
package harness

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/relgrid/internal/app"
	"github.com/vk/relgrid/internal/cli"
)

// Result holds the outcome of one CLI invocation.
type Result struct {
	Output string
	Err    error
	Code   int
}

// Workspace creates a temporary directory holding files, keyed by relative
// path, and makes it the working directory for the rest of the test.
func Workspace(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	t.Chdir(dir)
	return dir
}

// Run invokes the CLI with args in the current working directory.
func Run(t *testing.T, args ...string) *Result {
	t.Helper()
	out := &app.SafeBuffer{}
	err := cli.Execute(context.Background(), args, out)

	res := &Result{Output: out.String(), Err: err}
	var exitErr *cli.ExitError
	switch {
	case err == nil:
		res.Code = cli.ExitOK
	case errors.As(err, &exitErr):
		res.Code = exitErr.Code
	default:
		res.Code = cli.ExitFailed
	}

	if os.Getenv("RELGRID_TEST_LOGS") == "true" {
		t.Logf("--- Full Output for %s (exit %d) ---\n%s", t.Name(), res.Code, res.Output)
	}
	return res
}

// RequireShell skips tests whose build commands need sh.
func RequireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}
