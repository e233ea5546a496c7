package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vk/relgrid/internal/app"
	"github.com/vk/relgrid/internal/errs"
	"github.com/vk/relgrid/internal/executor"
	"github.com/vk/relgrid/internal/pipeline"
)

// Process exit codes.
const (
	ExitOK       = 0
	ExitFailed   = 1
	ExitConfig   = 2
	ExitTimedOut = 3
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

type globalFlags struct {
	config          string
	logFormat       string
	logLevel        string
	logFile         string
	healthcheckPort int
}

// NewRootCommand builds the relgrid command tree writing to outW.
func NewRootCommand(ctx context.Context, outW io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "relgrid",
		Short: "Relgrid - builds, packages and publishes a release for every target.",
		Long: `Relgrid - builds, packages and publishes a release for every target.

A pipeline file (.hcl, .yaml or .yml) declares the project, its targets and
the build command. "relgrid release" builds every target in parallel,
creates the release once all builds are done and uploads one archive per
target.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(outW)
	root.SetErr(outW)
	root.SetContext(ctx)

	pf := root.PersistentFlags()
	pf.StringVarP(&g.config, "config", "c", "relgrid.hcl", "Path to the pipeline file (.hcl, .yaml or .yml).")
	pf.StringVar(&g.logFormat, "log-format", "text", "Log output format. Options: 'text' or 'json'.")
	pf.StringVar(&g.logLevel, "log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	pf.StringVar(&g.logFile, "log-file", "", "Also write logs to this file, rotated by size.")

	root.AddCommand(newReleaseCommand(g), newValidateCommand(g))
	return root
}

func newReleaseCommand(g *globalFlags) *cobra.Command {
	var (
		ver         string
		pipelineID  string
		retryAddrs  []string
		retryFailed bool
		workers     int
		timeout     string
		failFast    bool
	)
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Build, release and publish a version.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := appConfig(g, app.Config{
				Version:     ver,
				PipelineID:  pipelineID,
				Retry:       retryAddrs,
				RetryFailed: retryFailed,
				Workers:     workers,
			}, timeout)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("fail-fast") {
				cfg.FailFast = &failFast
			}

			a, err := app.NewApp(cmd.OutOrStdout(), cfg)
			if err != nil {
				return exitFor(nil, err)
			}
			defer a.Close()

			out, err := a.Run(cmd.Context())
			if out != nil {
				printOutcome(cmd.OutOrStdout(), out)
			}
			return exitFor(out, err)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&ver, "version", "v", "", "Semantic version tag to release, e.g. v1.2.3.")
	f.StringVar(&pipelineID, "pipeline-id", "", "Resume the pipeline with this id instead of starting a new one.")
	f.StringSliceVar(&retryAddrs, "retry", nil, "Instance to run again when resuming, e.g. build[linux/amd64]. Repeatable.")
	f.BoolVar(&retryFailed, "retry-failed", false, "Run every previously failed instance again when resuming.")
	f.IntVar(&workers, "workers", 0, "Maximum concurrently running instances. 0 keeps the pipeline file's value.")
	f.StringVar(&timeout, "timeout", "", "Wall-clock budget of the whole pipeline, e.g. 30m.")
	f.BoolVar(&failFast, "fail-fast", false, "Stop scheduling new instances after the first failure.")
	f.IntVar(&g.healthcheckPort, "healthcheck-port", 0, "Port for the HTTP health and status server. 0 is disabled.")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func newValidateCommand(g *globalFlags) *cobra.Command {
	var ver string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the pipeline file and, optionally, a version tag.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := appConfig(g, app.Config{Version: ver}, "")
			if err != nil {
				return err
			}
			a, err := app.NewApp(cmd.OutOrStdout(), cfg)
			if err != nil {
				return exitFor(nil, err)
			}
			defer a.Close()
			if err := a.Validate(); err != nil {
				return exitFor(nil, err)
			}
			m := a.Model()
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d targets (%s)\n", g.config, len(m.Targets), strings.Join(m.Targets, ", "))
			return nil
		},
	}
	cmd.Flags().StringVarP(&ver, "version", "v", "", "Semantic version tag to check.")
	return cmd
}

// appConfig validates the shared flags and builds the app configuration.
func appConfig(g *globalFlags, cfg app.Config, timeout string) (*app.Config, error) {
	logFormat := strings.ToLower(g.logFormat)
	if logFormat != "text" && logFormat != "json" {
		return nil, &ExitError{Code: ExitConfig, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(g.logLevel)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, &ExitError{Code: ExitConfig, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	if timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, &ExitError{Code: ExitConfig, Message: fmt.Sprintf("invalid timeout: %v", err)}
		}
		cfg.Timeout = d
	}

	cfg.ConfigPath = g.config
	cfg.LogFormat = logFormat
	cfg.LogLevel = logLevel
	cfg.LogFile = g.logFile
	cfg.HealthcheckPort = g.healthcheckPort
	config, err := app.NewConfig(cfg)
	if err != nil {
		return nil, &ExitError{Code: ExitConfig, Message: err.Error()}
	}
	slog.Debug("CLI parameter validation complete.", "config", config.ConfigPath)
	return config, nil
}

// exitFor maps a run outcome to the process exit code.
func exitFor(out *pipeline.Outcome, err error) error {
	if err != nil {
		code := ExitFailed
		if errs.Is(err, errs.CodeInvalidConfig) {
			code = ExitConfig
		}
		return &ExitError{Code: code, Message: err.Error()}
	}
	switch out.Status {
	case executor.StatusSucceeded:
		return nil
	case executor.StatusTimedOut:
		return &ExitError{Code: ExitTimedOut, Message: out.Err().Error()}
	default:
		return &ExitError{Code: ExitFailed, Message: out.Err().Error()}
	}
}

func printOutcome(w io.Writer, out *pipeline.Outcome) {
	fmt.Fprintf(w, "pipeline %s %s in %s\n", out.PipelineID, out.Status, out.Duration().Round(time.Millisecond))
	if out.Release != nil {
		fmt.Fprintf(w, "release %s (%s)\n", out.Release.Tag, out.Release.ID)
	}
	for _, a := range out.Assets {
		fmt.Fprintf(w, "  %s  %d bytes  %s\n", a.Filename, a.Size, a.Digest)
	}
	for _, f := range out.Failures {
		fmt.Fprintf(w, "  failed %s: %v\n", f.Address, f.Err)
	}
}

// Execute runs the command line and returns an *ExitError for non-zero exits.
func Execute(ctx context.Context, args []string, outW io.Writer) error {
	root := NewRootCommand(ctx, outW)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	var exitErr *ExitError
	if err != nil && !errors.As(err, &exitErr) {
		// Flag and argument errors reported by cobra itself.
		return &ExitError{Code: ExitConfig, Message: err.Error()}
	}
	return err
}
