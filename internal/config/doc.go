// Package config defines the format-agnostic configuration model of a
// release pipeline and the Loader interface implemented by the HCL and YAML
// adapters.
//
// The `config.Model` is the single source of truth the app package wires
// the pipeline, its builder and its stores from. Concrete loaders live in
// separate packages (internal/hcl_adapter, internal/yaml_adapter).
package config
