package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/vk/relgrid/internal/config"
	"github.com/vk/relgrid/internal/ctxlog"
	"github.com/vk/relgrid/internal/nodeid"
	"github.com/vk/relgrid/internal/version"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW      io.Writer
	logger    *slog.Logger
	logCloser io.Closer
	config    *Config
	model     *config.Model
	status    *statusBoard

	httpServer *http.Server
}

// NewApp is the constructor for the main application. It configures an
// isolated logger, loads the pipeline file and validates it. Errors carry
// errs.CodeInvalidConfig when the configuration is at fault.
func NewApp(outW io.Writer, appConfig *Config) (*App, error) {
	logger, closer := newLogger(appConfig.LogLevel, appConfig.LogFormat, appConfig.LogFile, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	model, err := loadModel(ctx, appConfig)
	if err != nil {
		return nil, errors.Join(err, closer.Close())
	}

	return &App{
		outW:      outW,
		logger:    logger,
		logCloser: closer,
		config:    appConfig,
		model:     model,
		status:    newStatusBoard(),
	}, nil
}

// Model returns the loaded pipeline configuration. This is primarily for testing.
func (a *App) Model() *config.Model {
	return a.model
}

// Validate checks the trigger settings against the loaded configuration
// without running anything. An empty version is only checked by Run.
func (a *App) Validate() error {
	if a.config.Version != "" {
		if _, err := version.Parse(a.config.Version); err != nil {
			return err
		}
	}
	_, err := a.retryAddresses()
	return err
}

func (a *App) retryAddresses() ([]nodeid.Address, error) {
	addrs := make([]nodeid.Address, 0, len(a.config.Retry))
	for _, raw := range a.config.Retry {
		addr, err := nodeid.Parse(raw)
		if err != nil {
			return nil, invalidRetry(raw, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// Close releases the log file, if any.
func (a *App) Close() error {
	return a.logCloser.Close()
}
