package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"OpenPlugin-Guard/internal/contentsec"
	xerrors "OpenPlugin-Guard/internal/errors"
	"OpenPlugin-Guard/pkg/manifest"
	"OpenPlugin-Guard/pkg/permission"
)

// IsolationStrategy enforces security restrictions for plugins at runtime.
type IsolationStrategy interface {
	Validate(m manifest.Manifest, policy IsolationPolicy) error
	Prepare(m manifest.Manifest) error
	Cleanup(pluginID string) error
}

// CapabilityIsolation performs only capability validation.
type CapabilityIsolation struct{}

// Validate ensures the plugin requested capabilities are allowed.
func (CapabilityIsolation) Validate(m manifest.Manifest, policy IsolationPolicy) error {
	allowed := map[permission.Capability]struct{}{}
	for _, c := range policy.AllowedCapabilities {
		allowed[c] = struct{}{}
	}
	for _, c := range policy.DeniedCapabilities {
		if slices.Contains(m.RequiredPermissions, c) {
			return denied(m.ID, c, "capability %s is explicitly denied by host policy")
		}
	}
	for _, c := range m.RequiredPermissions {
		if _, ok := allowed[c]; ok {
			continue
		}
		if len(allowed) > 0 {
			return denied(m.ID, c, "capability %s not permitted by host policy")
		}
		// Without an allow-list only safe capabilities pass.
		if permission.IsDangerous(c) {
			return denied(m.ID, c, "capability %s is dangerous and must be allowed explicitly")
		}
	}
	return nil
}

func denied(pluginID string, c permission.Capability, format string) error {
	return xerrors.New(xerrors.CodePermissionDenied, fmt.Sprintf(format, c),
		xerrors.WithPlugin(pluginID),
		xerrors.WithMetadata("capability", string(c)))
}

// Prepare implements IsolationStrategy.
func (CapabilityIsolation) Prepare(manifest.Manifest) error { return nil }

// Cleanup implements IsolationStrategy.
func (CapabilityIsolation) Cleanup(string) error { return nil }

// DirectoryIsolation gives each plugin holding system:filesystem a private directory
// under Root and grants the content filter access to it, and nothing else.
type DirectoryIsolation struct {
	CapabilityIsolation
	Root   string
	Filter *contentsec.Filter
}

// Dir returns the private directory of a plugin.
func (d DirectoryIsolation) Dir(pluginID string) string {
	return filepath.Join(d.Root, pluginID)
}

// Prepare creates the plugin directory and grants read access below it.
func (d DirectoryIsolation) Prepare(m manifest.Manifest) error {
	if d.Root == "" || d.Filter == nil || !slices.Contains(m.RequiredPermissions, permission.SystemFilesystem) {
		return nil
	}
	dir := d.Dir(m.ID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "prepare plugin directory",
			xerrors.WithPlugin(m.ID))
	}
	d.Filter.GrantFileAccess(m.ID, dir)
	return nil
}

// Cleanup revokes every file grant of the plugin. The directory itself is kept.
func (d DirectoryIsolation) Cleanup(pluginID string) error {
	if d.Filter != nil {
		d.Filter.RevokeFileAccess(pluginID, "")
	}
	return nil
}

// NewIsolationStrategy returns a default isolation strategy if none is supplied.
func NewIsolationStrategy(strategy IsolationStrategy) IsolationStrategy {
	if strategy == nil {
		return CapabilityIsolation{}
	}
	return strategy
}
