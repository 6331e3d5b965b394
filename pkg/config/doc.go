// Package config loads engine-level settings from an optional YAML file,
// with CLI flags layered on top by the command entry points.
package config
