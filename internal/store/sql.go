package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	xerrors "OpenPlugin-Guard/internal/errors"
	"OpenPlugin-Guard/pkg/manifest"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// SQLConfig 描述 SQL 存储的连接参数。
type SQLConfig struct {
	Driver          string        `yaml:"driver" json:"driver"`
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// SQLStore implements Store on MySQL or SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// dialect captures the upsert syntax, the only difference between the two drivers.
type dialect struct {
	name   string
	upsert func(table string, cols, keys []string) string
}

var dialects = map[string]dialect{
	DriverMySQL: {name: DriverMySQL, upsert: func(table string, cols, keys []string) string {
		sets := make([]string, 0, len(cols))
		for _, c := range cols {
			if !contains(keys, c) {
				sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", c, c))
			}
		}
		return insertPrefix(table, cols) + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}},
	DriverSQLite: {name: DriverSQLite, upsert: func(table string, cols, keys []string) string {
		sets := make([]string, 0, len(cols))
		for _, c := range cols {
			if !contains(keys, c) {
				sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
			}
		}
		return insertPrefix(table, cols) + " ON CONFLICT(" + strings.Join(keys, ", ") + ") DO UPDATE SET " + strings.Join(sets, ", ")
	}},
}

func insertPrefix(table string, cols []string) string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), marks)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// OpenSQL connects, applies the embedded schema migrations and returns the store.
func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	d, ok := dialects[cfg.Driver]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unsupported store driver",
			xerrors.WithMetadata("driver", cfg.Driver))
	}
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open plugin store")
	}
	s := &SQLStore{db: db, dialect: d}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "migrate plugin store")
	}
	return s, nil
}

// Close releases the connection pool.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) SaveBundle(ctx context.Context, bundle manifest.Bundle) error {
	raw, err := json.Marshal(bundle.Manifest)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode manifest")
	}
	query := s.dialect.upsert("plugin_manifests",
		[]string{"plugin_id", "version", "manifest", "code", "signature", "created_at"},
		[]string{"plugin_id", "version"})
	_, err = s.db.ExecContext(ctx, query, bundle.Manifest.ID, bundle.Manifest.Version,
		string(raw), bundle.Code, bundle.Signature, time.Now().Unix())
	return storageErr(err, "save bundle")
}

func (s *SQLStore) Bundle(ctx context.Context, pluginID, version string) (manifest.Bundle, error) {
	var raw, code string
	var signature sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT manifest, code, signature FROM plugin_manifests WHERE plugin_id = ? AND version = ?`,
		pluginID, version).Scan(&raw, &code, &signature)
	if err == sql.ErrNoRows {
		return manifest.Bundle{}, notFound("bundle", pluginID)
	}
	if err != nil {
		return manifest.Bundle{}, storageErr(err, "load bundle")
	}
	var m manifest.Manifest
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return manifest.Bundle{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode manifest")
	}
	return manifest.Bundle{Manifest: m, Code: code, Signature: signature.String}, nil
}

func (s *SQLStore) DeleteBundle(ctx context.Context, pluginID, version string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM plugin_manifests WHERE plugin_id = ? AND version = ?`, pluginID, version)
	return storageErr(err, "delete bundle")
}

func (s *SQLStore) SaveInstallation(ctx context.Context, inst Installation) error {
	query := s.dialect.upsert("plugin_installations",
		[]string{"plugin_id", "installation_id", "version", "enabled", "installed_by", "workspace", "installed_at", "updated_at"},
		[]string{"plugin_id"})
	enabled := 0
	if inst.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx, query, inst.PluginID, inst.ID, inst.Version, enabled,
		inst.InstalledBy, inst.Workspace, inst.InstalledAt.UnixMilli(), inst.UpdatedAt.UnixMilli())
	return storageErr(err, "save installation")
}

const installationColumns = `plugin_id, installation_id, version, enabled, installed_by, workspace, installed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstallation(row rowScanner) (Installation, error) {
	var inst Installation
	var enabled int
	var installedAt, updatedAt int64
	if err := row.Scan(&inst.PluginID, &inst.ID, &inst.Version, &enabled, &inst.InstalledBy,
		&inst.Workspace, &installedAt, &updatedAt); err != nil {
		return Installation{}, err
	}
	inst.Enabled = enabled != 0
	inst.InstalledAt = time.UnixMilli(installedAt)
	inst.UpdatedAt = time.UnixMilli(updatedAt)
	return inst, nil
}

func (s *SQLStore) Installation(ctx context.Context, pluginID string) (Installation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+installationColumns+` FROM plugin_installations WHERE plugin_id = ?`, pluginID)
	inst, err := scanInstallation(row)
	if err == sql.ErrNoRows {
		return Installation{}, notFound("installation", pluginID)
	}
	if err != nil {
		return Installation{}, storageErr(err, "load installation")
	}
	return inst, nil
}

func (s *SQLStore) ListInstallations(ctx context.Context) ([]Installation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+installationColumns+` FROM plugin_installations ORDER BY plugin_id`)
	if err != nil {
		return nil, storageErr(err, "list installations")
	}
	defer rows.Close()
	var out []Installation
	for rows.Next() {
		inst, err := scanInstallation(rows)
		if err != nil {
			return nil, storageErr(err, "scan installation")
		}
		out = append(out, inst)
	}
	return out, storageErr(rows.Err(), "list installations")
}

func (s *SQLStore) DeleteInstallation(ctx context.Context, pluginID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM plugin_installations WHERE plugin_id = ?`, pluginID)
	return storageErr(err, "delete installation")
}

func (s *SQLStore) GetData(ctx context.Context, pluginID, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT data_value FROM plugin_data WHERE plugin_id = ? AND data_key = ?`, pluginID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr(err, "read plugin data")
	}
	return value, true, nil
}

func (s *SQLStore) SetData(ctx context.Context, pluginID, key, value string) error {
	query := s.dialect.upsert("plugin_data",
		[]string{"plugin_id", "data_key", "data_value", "updated_at"},
		[]string{"plugin_id", "data_key"})
	_, err := s.db.ExecContext(ctx, query, pluginID, key, value, time.Now().UnixMilli())
	return storageErr(err, "write plugin data")
}

func (s *SQLStore) ListData(ctx context.Context, pluginID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data_key, data_value FROM plugin_data WHERE plugin_id = ?`, pluginID)
	if err != nil {
		return nil, storageErr(err, "list plugin data")
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, storageErr(err, "scan plugin data")
		}
		out[k] = v
	}
	return out, storageErr(rows.Err(), "list plugin data")
}

func (s *SQLStore) DeleteData(ctx context.Context, pluginID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM plugin_data WHERE plugin_id = ?`, pluginID)
	return storageErr(err, "delete plugin data")
}

func (s *SQLStore) DataSize(ctx context.Context, pluginID string) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(LENGTH(data_key) + LENGTH(data_value)) FROM plugin_data WHERE plugin_id = ?`, pluginID).Scan(&total)
	if err != nil {
		return 0, storageErr(err, "measure plugin data")
	}
	return total.Int64, nil
}

func (s *SQLStore) RecordMigration(ctx context.Context, rec MigrationRecord) error {
	query := s.dialect.upsert("plugin_migrations",
		[]string{"plugin_id", "from_version", "to_version", "status", "error_message", "applied_at"},
		[]string{"plugin_id", "from_version", "to_version"})
	_, err := s.db.ExecContext(ctx, query, rec.PluginID, rec.FromVersion, rec.ToVersion,
		string(rec.Status), rec.Error, rec.AppliedAt.UnixMilli())
	return storageErr(err, "record migration")
}

func (s *SQLStore) Migrations(ctx context.Context, pluginID string) ([]MigrationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT plugin_id, from_version, to_version, status, error_message, applied_at
FROM plugin_migrations WHERE plugin_id = ? ORDER BY applied_at`, pluginID)
	if err != nil {
		return nil, storageErr(err, "list migrations")
	}
	defer rows.Close()
	var out []MigrationRecord
	for rows.Next() {
		var rec MigrationRecord
		var status string
		var msg sql.NullString
		var applied int64
		if err := rows.Scan(&rec.PluginID, &rec.FromVersion, &rec.ToVersion, &status, &msg, &applied); err != nil {
			return nil, storageErr(err, "scan migration")
		}
		rec.Status = MigrationStatus(status)
		rec.Error = msg.String
		rec.AppliedAt = time.UnixMilli(applied)
		out = append(out, rec)
	}
	return out, storageErr(rows.Err(), "list migrations")
}

func storageErr(err error, op string) error {
	if err == nil {
		return nil
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, op)
}
