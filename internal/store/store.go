// Package store persists plugin bundles, installations, per-plugin key-value data and
// migration records.
package store

import (
	"context"
	"time"

	xerrors "OpenPlugin-Guard/internal/errors"
	"OpenPlugin-Guard/pkg/manifest"
)

// Installation records that a plugin is installed for a workspace.
type Installation struct {
	ID          string    `json:"id"`
	PluginID    string    `json:"pluginId"`
	Version     string    `json:"version"`
	Enabled     bool      `json:"enabled"`
	InstalledBy string    `json:"installedBy,omitempty"`
	Workspace   string    `json:"workspace,omitempty"`
	InstalledAt time.Time `json:"installedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// MigrationStatus is the outcome of one data migration.
type MigrationStatus string

const (
	MigrationApplied MigrationStatus = "applied"
	MigrationFailed  MigrationStatus = "failed"
)

// MigrationRecord is the persisted result of migrating a plugin's data between versions.
type MigrationRecord struct {
	PluginID    string          `json:"pluginId"`
	FromVersion string          `json:"fromVersion"`
	ToVersion   string          `json:"toVersion"`
	Status      MigrationStatus `json:"status"`
	Error       string          `json:"error,omitempty"`
	AppliedAt   time.Time       `json:"appliedAt"`
}

// Store is the persistence surface the plugin manager depends on.
type Store interface {
	SaveBundle(ctx context.Context, bundle manifest.Bundle) error
	Bundle(ctx context.Context, pluginID, version string) (manifest.Bundle, error)
	DeleteBundle(ctx context.Context, pluginID, version string) error

	SaveInstallation(ctx context.Context, inst Installation) error
	Installation(ctx context.Context, pluginID string) (Installation, error)
	ListInstallations(ctx context.Context) ([]Installation, error)
	DeleteInstallation(ctx context.Context, pluginID string) error

	GetData(ctx context.Context, pluginID, key string) (string, bool, error)
	SetData(ctx context.Context, pluginID, key, value string) error
	ListData(ctx context.Context, pluginID string) (map[string]string, error)
	DeleteData(ctx context.Context, pluginID string) error
	DataSize(ctx context.Context, pluginID string) (int64, error)

	RecordMigration(ctx context.Context, rec MigrationRecord) error
	Migrations(ctx context.Context, pluginID string) ([]MigrationRecord, error)

	Close() error
}

func notFound(kind, pluginID string) error {
	return xerrors.New(xerrors.CodeNotFound, kind+" not found",
		xerrors.WithPlugin(pluginID))
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return xerrors.HasCode(err, xerrors.CodeNotFound)
}
