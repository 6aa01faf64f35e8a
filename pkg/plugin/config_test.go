package plugin

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	xerrors "OpenPlugin-Guard/internal/errors"
	"OpenPlugin-Guard/internal/monitor"
	"OpenPlugin-Guard/pkg/manifest"
	"OpenPlugin-Guard/pkg/permission"
)

func TestLoadManagerConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plugins.yaml")
	raw := `
pluginDir: bundles
defaults:
  deniedCapabilities: [system:clipboard]
plugins:
  word-count:
    enabled: true
    path: word-count
  link-checker:
    enabled: false
    policy:
      allowedCapabilities: [network:fetch]
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadManagerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PluginDir != filepath.Join(dir, "bundles") {
		t.Fatalf("plugin dir not resolved: %s", cfg.PluginDir)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	policy := cfg.Policy("link-checker")
	if !slices.Contains(policy.AllowedCapabilities, permission.NetworkFetch) ||
		!slices.Contains(policy.DeniedCapabilities, permission.SystemClipboard) {
		t.Fatalf("unexpected merged policy %+v", policy)
	}
	if got := cfg.Policy("unknown"); len(got.AllowedCapabilities) != 0 || len(got.DeniedCapabilities) != 1 {
		t.Fatalf("unexpected default policy %+v", got)
	}
}

func TestManagerConfigValidate(t *testing.T) {
	cases := map[string]ManagerConfig{
		"enabled without path": {Plugins: map[string]PluginConfig{"a": {Enabled: true}}},
		"unknown default":      {Defaults: IsolationPolicy{DeniedCapabilities: []permission.Capability{"disk:format"}}},
		"unknown plugin policy": {Plugins: map[string]PluginConfig{
			"a": {Policy: &IsolationPolicy{AllowedCapabilities: []permission.Capability{"net:raw"}}},
		}},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if _, err := LoadManagerConfig(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestPolicyKeepsHostDenials(t *testing.T) {
	cfg := ManagerConfig{
		Defaults: IsolationPolicy{DeniedCapabilities: []permission.Capability{permission.SystemFilesystem}},
		Plugins: map[string]PluginConfig{
			"sync": {Policy: &IsolationPolicy{DeniedCapabilities: []permission.Capability{permission.UserEmail}}},
		},
	}
	got := cfg.Policy("sync").DeniedCapabilities
	if !slices.Contains(got, permission.SystemFilesystem) || !slices.Contains(got, permission.UserEmail) {
		t.Fatalf("plugin policy dropped host denials: %v", got)
	}
	if len(cfg.Defaults.DeniedCapabilities) != 1 {
		t.Fatalf("defaults mutated: %v", cfg.Defaults.DeniedCapabilities)
	}
}

func TestVersionPin(t *testing.T) {
	cfg := ManagerConfig{Plugins: map[string]PluginConfig{
		"word-count": {Enabled: true, Path: "word-count", Version: "~1.2"},
		"Bad ID":     {Version: "not a range"},
	}}
	if err := cfg.accepts("word-count", "1.2.7"); err != nil {
		t.Fatalf("1.2.7 should satisfy ~1.2: %v", err)
	}
	if err := cfg.accepts("word-count", "1.3.0"); err == nil {
		t.Fatal("1.3.0 accepted outside ~1.2")
	}
	if err := cfg.accepts("unpinned", "9.9.9"); err != nil {
		t.Fatalf("unpinned plugin rejected: %v", err)
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "malformed id") || !strings.Contains(err.Error(), "not a range") {
		t.Fatalf("expected both problems reported, got %v", err)
	}
}

func TestCapabilityIsolation(t *testing.T) {
	m := manifest.Manifest{ID: "p", RequiredPermissions: []permission.Capability{permission.StorageRead, permission.NetworkFetch}}
	iso := CapabilityIsolation{}

	err := iso.Validate(m, IsolationPolicy{})
	if !xerrors.HasCode(err, xerrors.CodePermissionDenied) {
		t.Fatalf("dangerous capability without allow-list: got %v", err)
	}
	if err := iso.Validate(m, IsolationPolicy{AllowedCapabilities: []permission.Capability{permission.StorageRead, permission.NetworkFetch}}); err != nil {
		t.Fatalf("allow-listed: %v", err)
	}
	if err := iso.Validate(m, IsolationPolicy{AllowedCapabilities: []permission.Capability{permission.NetworkFetch}}); err == nil {
		t.Fatal("capability outside the allow-list accepted")
	}
	err = iso.Validate(m, IsolationPolicy{
		AllowedCapabilities: []permission.Capability{permission.StorageRead, permission.NetworkFetch},
		DeniedCapabilities:  []permission.Capability{permission.NetworkFetch},
	})
	if !xerrors.HasCode(err, xerrors.CodePermissionDenied) {
		t.Fatalf("denied capability accepted: %v", err)
	}
	if e, _ := xerrors.From(err); e.Metadata()["capability"] != string(permission.NetworkFetch) {
		t.Fatalf("missing capability metadata: %v", e.Metadata())
	}
}

func TestMergeLimitsOnlyTightens(t *testing.T) {
	host := monitor.Limits{MaxMemoryMB: 64, MaxCPUPercent: 50, MaxStorageBytes: 1024, MaxAPICallsPerMinute: 100}
	got := mergeLimits(host, &manifest.Limits{MaxMemoryMB: 256, MaxCPUPercent: 10, MaxAPICallsPerMinute: 0})
	want := monitor.Limits{MaxMemoryMB: 64, MaxCPUPercent: 10, MaxStorageBytes: 1024, MaxAPICallsPerMinute: 100}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if got := mergeLimits(host, nil); got != host {
		t.Fatalf("nil manifest limits changed host limits: %+v", got)
	}
	open := mergeLimits(monitor.Limits{}, &manifest.Limits{MaxStorageBytes: 10})
	if open.MaxStorageBytes != 10 {
		t.Fatalf("requested limit ignored when host has none: %+v", open)
	}
}
