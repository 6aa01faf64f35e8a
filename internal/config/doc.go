// Package config loads the plugin host configuration from a YAML or JSON file, fills in
// defaults and applies a small set of environment overrides for secrets and endpoints.
package config
