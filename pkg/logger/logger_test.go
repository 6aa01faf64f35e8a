package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{ReplaceAttr: redact}))
	log.Info("registered", slog.String("signature", "deadbeef"), slog.String("plugin_id", "word-count"))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec["signature"] != "[redacted]" {
		t.Fatalf("signature leaked: %v", rec["signature"])
	}
	if rec["plugin_id"] != "word-count" {
		t.Fatalf("plugin id should be kept: %v", rec["plugin_id"])
	}
}

func TestAuditFileReceivesPluginRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	if err := Init(Config{Level: "warn", OutputPaths: []string{filepath.Join(t.TempDir(), "main.log")}, Audit: AuditConfig{Enabled: true, Path: path}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = Sync() })

	AuditPlugin("link-checker").Warn("plugin api call denied", slog.String("capability", "network:fetch"))
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(raw), `"plugin_id":"link-checker"`) || !strings.Contains(string(raw), "network:fetch") {
		t.Fatalf("unexpected audit log %s", raw)
	}
}

func TestLoggersWorkWithoutInit(t *testing.T) {
	_ = Sync()
	if L() == nil || Audit() == nil || ForPlugin("x") == nil {
		t.Fatalf("loggers must fall back to stdout")
	}
}

func TestAuditRequiresPath(t *testing.T) {
	if _, err := build(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}
