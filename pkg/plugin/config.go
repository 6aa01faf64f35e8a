package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"OpenPlugin-Guard/pkg/manifest"
	"OpenPlugin-Guard/pkg/permission"
)

// ManagerConfig lists the plugins preinstalled on this host and the capability policy
// applied to every registration.
type ManagerConfig struct {
	// PluginDir is the base for relative bundle paths.
	PluginDir string                  `yaml:"pluginDir"`
	Defaults  IsolationPolicy         `yaml:"defaults"`
	Plugins   map[string]PluginConfig `yaml:"plugins"`
}

// PluginConfig is one preinstalled plugin. Version, when set, is a semver range the
// bundle on disk must satisfy.
type PluginConfig struct {
	Enabled bool             `yaml:"enabled"`
	Path    string           `yaml:"path"`
	Version string           `yaml:"version,omitempty"`
	Policy  *IsolationPolicy `yaml:"policy,omitempty"`
}

// IsolationPolicy restricts the capabilities a plugin may declare. An empty allow-list
// admits every capability that is not dangerous.
type IsolationPolicy struct {
	AllowedCapabilities []permission.Capability `yaml:"allowedCapabilities" json:"allowedCapabilities,omitempty"`
	DeniedCapabilities  []permission.Capability `yaml:"deniedCapabilities" json:"deniedCapabilities,omitempty"`
}

// LoadManagerConfig parses a plugins YAML file. A relative pluginDir resolves against
// the file's directory.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	cfg := ManagerConfig{Plugins: map[string]PluginConfig{}}
	if path == "" {
		return cfg, errors.New("plugins config path is empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read plugins config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse plugins config %s: %w", path, err)
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]PluginConfig{}
	}
	if cfg.PluginDir != "" && !filepath.IsAbs(cfg.PluginDir) {
		cfg.PluginDir = filepath.Join(filepath.Dir(path), cfg.PluginDir)
	}
	return cfg, nil
}

// Validate reports every problem in the config at once.
func (c ManagerConfig) Validate() error {
	var errs []error
	if err := c.Defaults.validate(); err != nil {
		errs = append(errs, fmt.Errorf("defaults: %w", err))
	}
	ids := make([]string, 0, len(c.Plugins))
	for id := range c.Plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		pc := c.Plugins[id]
		if !manifest.ValidID(id) {
			errs = append(errs, fmt.Errorf("plugin %q: malformed id", id))
		}
		if pc.Enabled && pc.Path == "" {
			errs = append(errs, fmt.Errorf("plugin %s: enabled without a path", id))
		}
		if pc.Version != "" {
			if _, err := semver.NewConstraint(pc.Version); err != nil {
				errs = append(errs, fmt.Errorf("plugin %s: version %q: %w", id, pc.Version, err))
			}
		}
		if pc.Policy != nil {
			if err := pc.Policy.validate(); err != nil {
				errs = append(errs, fmt.Errorf("plugin %s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (p IsolationPolicy) validate() error {
	var errs []error
	if unknown := permission.Unknown(p.AllowedCapabilities); len(unknown) > 0 {
		errs = append(errs, fmt.Errorf("unknown allowed capabilities %v", unknown))
	}
	if unknown := permission.Unknown(p.DeniedCapabilities); len(unknown) > 0 {
		errs = append(errs, fmt.Errorf("unknown denied capabilities %v", unknown))
	}
	return errors.Join(errs...)
}

// Policy returns the effective policy for id. A plugin's allow-list replaces the
// default one; denials from both levels always apply.
func (c ManagerConfig) Policy(id string) IsolationPolicy {
	pc, ok := c.Plugins[id]
	if !ok || pc.Policy == nil {
		return c.Defaults
	}
	eff := IsolationPolicy{AllowedCapabilities: c.Defaults.AllowedCapabilities}
	if len(pc.Policy.AllowedCapabilities) > 0 {
		eff.AllowedCapabilities = pc.Policy.AllowedCapabilities
	}
	eff.DeniedCapabilities = slices.Clone(c.Defaults.DeniedCapabilities)
	for _, denied := range pc.Policy.DeniedCapabilities {
		if !slices.Contains(eff.DeniedCapabilities, denied) {
			eff.DeniedCapabilities = append(eff.DeniedCapabilities, denied)
		}
	}
	return eff
}

// accepts reports whether version satisfies the configured pin for id.
func (c ManagerConfig) accepts(id, version string) error {
	want := c.Plugins[id].Version
	if want == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(want)
	if err != nil {
		return fmt.Errorf("version pin %q: %w", want, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("version %q: %w", version, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("version %s outside pinned range %s", version, want)
	}
	return nil
}
