package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"OpenPlugin-Guard/pkg/manifest"
)

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQL(context.Background(), SQLConfig{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "plugins.db"),
	})
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, openSQLite(t)) })
}

func sampleBundle(version string) manifest.Bundle {
	return manifest.Bundle{
		Manifest: manifest.Manifest{
			ID:                 "word-count",
			Name:               "Word Count",
			Version:            version,
			Author:             "acme",
			MinimumHostVersion: "1.0.0",
			Dependencies:       map[string]string{"core-utils": "^1.0.0"},
		},
		Code:      "module.exports = { activate() {} }",
		Signature: "abcd",
	}
}

func TestBundleRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.SaveBundle(ctx, sampleBundle("1.0.0")); err != nil {
			t.Fatalf("save: %v", err)
		}
		updated := sampleBundle("1.0.0")
		updated.Code = "module.exports = { activate() { return 1 } }"
		if err := s.SaveBundle(ctx, updated); err != nil {
			t.Fatalf("overwrite: %v", err)
		}
		got, err := s.Bundle(ctx, "word-count", "1.0.0")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got.Code != updated.Code || got.Manifest.Dependencies["core-utils"] != "^1.0.0" || got.Signature != "abcd" {
			t.Fatalf("unexpected bundle %+v", got)
		}
		if err := s.DeleteBundle(ctx, "word-count", "1.0.0"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := s.Bundle(ctx, "word-count", "1.0.0"); !IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestInstallations(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.UnixMilli(time.Now().UnixMilli())
		for _, id := range []string{"b-plugin", "a-plugin"} {
			inst := Installation{ID: "inst-" + id, PluginID: id, Version: "1.0.0", Enabled: true,
				InstalledBy: "alice", Workspace: "ws", InstalledAt: now, UpdatedAt: now}
			if err := s.SaveInstallation(ctx, inst); err != nil {
				t.Fatalf("save installation: %v", err)
			}
		}
		inst, err := s.Installation(ctx, "a-plugin")
		if err != nil || !inst.Enabled || inst.InstalledBy != "alice" || !inst.InstalledAt.Equal(now) {
			t.Fatalf("unexpected installation %+v, %v", inst, err)
		}
		inst.Enabled = false
		if err := s.SaveInstallation(ctx, inst); err != nil {
			t.Fatalf("update installation: %v", err)
		}
		list, err := s.ListInstallations(ctx)
		if err != nil || len(list) != 2 || list[0].PluginID != "a-plugin" || list[0].Enabled {
			t.Fatalf("unexpected list %+v, %v", list, err)
		}
		if err := s.DeleteInstallation(ctx, "a-plugin"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := s.Installation(ctx, "a-plugin"); !IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestPluginData(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, ok, err := s.GetData(ctx, "p", "missing"); ok || err != nil {
			t.Fatalf("missing key should report absent, got %v %v", ok, err)
		}
		if err := s.SetData(ctx, "p", "k", `"v1"`); err != nil {
			t.Fatalf("set: %v", err)
		}
		if err := s.SetData(ctx, "p", "k", `"value"`); err != nil {
			t.Fatalf("overwrite: %v", err)
		}
		if err := s.SetData(ctx, "other", "k", `1`); err != nil {
			t.Fatalf("set other: %v", err)
		}
		v, ok, err := s.GetData(ctx, "p", "k")
		if err != nil || !ok || v != `"value"` {
			t.Fatalf("get = %q %v %v", v, ok, err)
		}
		all, err := s.ListData(ctx, "p")
		if err != nil || len(all) != 1 || all["k"] != `"value"` {
			t.Fatalf("list = %v, %v", all, err)
		}
		size, err := s.DataSize(ctx, "p")
		if err != nil || size != int64(len("k")+len(`"value"`)) {
			t.Fatalf("size = %d, %v", size, err)
		}
		if err := s.DeleteData(ctx, "p"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if size, _ := s.DataSize(ctx, "p"); size != 0 {
			t.Fatalf("data should be gone, size %d", size)
		}
		if _, ok, _ := s.GetData(ctx, "other", "k"); !ok {
			t.Fatalf("other plugin's data must survive")
		}
	})
}

func TestMigrationRecords(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rec := MigrationRecord{PluginID: "p", FromVersion: "1.0.0", ToVersion: "2.0.0",
			Status: MigrationFailed, Error: "boom", AppliedAt: time.Now()}
		if err := s.RecordMigration(ctx, rec); err != nil {
			t.Fatalf("record: %v", err)
		}
		rec.Status, rec.Error = MigrationApplied, ""
		if err := s.RecordMigration(ctx, rec); err != nil {
			t.Fatalf("re-record: %v", err)
		}
		list, err := s.Migrations(ctx, "p")
		if err != nil || len(list) != 1 || list[0].Status != MigrationApplied {
			t.Fatalf("unexpected migrations %+v, %v", list, err)
		}
	})
}

func TestSchemaMigrationsAreIdempotent(t *testing.T) {
	s := openSQLite(t)
	if err := s.runMigrations(context.Background()); err != nil {
		t.Fatalf("second migration run: %v", err)
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil || n != 2 {
		t.Fatalf("expected 2 applied versions, got %d (%v)", n, err)
	}
}

func TestModifiedSchemaStepIsRejected(t *testing.T) {
	s := openSQLite(t)
	if _, err := s.db.Exec(`UPDATE schema_migrations SET checksum = 'stale' WHERE version = '0001'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if err := s.runMigrations(context.Background()); err == nil || !strings.Contains(err.Error(), "modified") {
		t.Fatalf("expected modified step error, got %v", err)
	}
}

func TestPoolDefaults(t *testing.T) {
	lite := SQLConfig{Driver: DriverSQLite, MaxOpenConns: 8}.withPoolDefaults()
	if lite.MaxOpenConns != 1 || lite.ConnMaxLifetime != 0 {
		t.Fatalf("sqlite pool must stay on one long-lived connection: %+v", lite)
	}
	my := SQLConfig{Driver: DriverMySQL, MaxOpenConns: 4}.withPoolDefaults()
	if my.MaxOpenConns != 4 || my.MaxIdleConns != 4 || my.ConnMaxLifetime != defaultConnMaxLifetime {
		t.Fatalf("unexpected mysql pool %+v", my)
	}
}

func TestLoadMigrationFilesOrdersAndSplits(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_b.sql": {Data: []byte("CREATE TABLE b (id INT);")},
		"0001_a.sql": {Data: []byte("CREATE TABLE a (id INT);\n\nCREATE TABLE c (id INT);")},
		"README.md":  {Data: []byte("ignored")},
		"0003.sql":   {Data: []byte("  ")},
	}
	files, err := loadMigrationFiles(fsys)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) != 2 || files[0].version != "0001" || len(files[0].statements) != 2 {
		t.Fatalf("unexpected files %+v", files)
	}
}

func TestUpsertDialects(t *testing.T) {
	cols := []string{"plugin_id", "data_key", "data_value"}
	keys := []string{"plugin_id", "data_key"}
	mysql := dialects[DriverMySQL].upsert("plugin_data", cols, keys)
	if !strings.Contains(mysql, "ON DUPLICATE KEY UPDATE data_value = VALUES(data_value)") {
		t.Fatalf("unexpected mysql upsert %q", mysql)
	}
	sqlite := dialects[DriverSQLite].upsert("plugin_data", cols, keys)
	if !strings.Contains(sqlite, "ON CONFLICT(plugin_id, data_key) DO UPDATE SET data_value = excluded.data_value") {
		t.Fatalf("unexpected sqlite upsert %q", sqlite)
	}
	if _, err := OpenSQL(context.Background(), SQLConfig{Driver: "oracle", DSN: "x"}); err == nil {
		t.Fatalf("unknown driver must be rejected")
	}
}
