package config

import (
	"context"
	"time"

	"github.com/vk/relgrid/internal/errs"
)

// Loader is the interface for a format-specific configuration loader.
type Loader interface {
	// Load reads the configuration file at path and translates it into the
	// format-agnostic model. It does not validate the model.
	Load(ctx context.Context, path string) (*Model, error)
}

// ParseDuration parses an optional duration attribute. An empty value is zero.
func ParseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errs.Newf(errs.CodeInvalidConfig, "config", "%s: %q is not a duration", field, raw)
	}
	return d, nil
}
