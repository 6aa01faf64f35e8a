package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"OpenPlugin-Guard/internal/auth"
	"OpenPlugin-Guard/internal/store"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "openplugin.yaml", `
host:
  version: 1.2.0
storage:
  driver: sqlite
sandbox:
  exec_timeout: 2s
monitor:
  defaults:
    max_api_calls_per_minute: 5
runtime:
  plugins_config: plugins.yaml
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	dir := filepath.Dir(path)
	if cfg.Server.Address != ":8080" || cfg.Auth.Mode != auth.ModeDisabled {
		t.Fatalf("defaults not applied: %+v", cfg.Server)
	}
	if cfg.Queue.RetryBackoff != 200*time.Millisecond {
		t.Fatalf("queue retry backoff default not applied: %v", cfg.Queue.RetryBackoff)
	}
	if cfg.Sandbox.ExecTimeout != 2*time.Second || cfg.Sandbox.PollInterval != time.Second {
		t.Fatalf("unexpected sandbox config %+v", cfg.Sandbox)
	}
	if cfg.Monitor.Defaults.MaxAPICallsPerMinute != 5 || cfg.Monitor.Defaults.MaxMemoryMB != 0 {
		t.Fatalf("explicit limits must not be overwritten: %+v", cfg.Monitor.Defaults)
	}
	if cfg.Storage.SQL.Driver != store.DriverSQLite || cfg.Storage.SQL.DSN != filepath.Join(dir, "data", "plugins.db") {
		t.Fatalf("unexpected sql config %+v", cfg.Storage.SQL)
	}
	if cfg.Runtime.PluginsConfig != filepath.Join(dir, "plugins.yaml") {
		t.Fatalf("relative plugins config should resolve against the config dir: %s", cfg.Runtime.PluginsConfig)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvJWTSecret, "s3cret")
	t.Setenv(EnvMySQLDSN, "user:pw@tcp(db:3306)/plugins")
	t.Setenv(EnvRedisAddr, "redis:6379")
	path := writeFile(t, "openplugin.json", `{"server":{"address":":9090"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("json config not parsed: %s", cfg.Server.Address)
	}
	if cfg.Auth.Mode != auth.ModeJWT || cfg.Auth.JWT.Secret != "s3cret" {
		t.Fatalf("jwt env override not applied: %+v", cfg.Auth)
	}
	if cfg.Storage.Driver != store.DriverMySQL || cfg.Storage.SQL.Driver != store.DriverMySQL {
		t.Fatalf("mysql env override not applied: %+v", cfg.Storage)
	}
	if cfg.Queue.Redis.Address != "redis:6379" || cfg.Queue.Redis.Key == "" {
		t.Fatalf("redis env override not applied: %+v", cfg.Queue.Redis)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	for name, body := range map[string]string{
		"driver":     "storage:\n  driver: oracle\n",
		"permission": "host:\n  permissions: [teleport:anywhere]\n",
		"prompt":     "host:\n  prompt: maybe\n",
		"jwt":        "auth:\n  mode: jwt\n",
	} {
		if _, err := Load(writeFile(t, "bad.yaml", body)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if _, err := Load(""); err == nil {
		t.Fatalf("empty path must fail")
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if Path() != DefaultPath {
		t.Fatalf("expected default path")
	}
	t.Setenv(EnvConfigPath, "/etc/openplugin.yaml")
	if Path() != "/etc/openplugin.yaml" {
		t.Fatalf("env path ignored")
	}
}
