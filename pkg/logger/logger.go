// Package logger owns the process-wide slog loggers: the operational log and the
// audit trail of security decisions taken by the plugin kernel.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how the kernel logger should behave.
type Config struct {
	Level       string      `yaml:"level" json:"level"`
	Format      string      `yaml:"format" json:"format"`
	OutputPaths []string    `yaml:"output_paths" json:"output_paths"`
	Audit       AuditConfig `yaml:"audit" json:"audit"`
}

// AuditConfig selects the rotating file that receives audit records.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// Attribute keys shared by every component that logs about a plugin.
const (
	KeyComponent = "component"
	KeyPluginID  = "plugin_id"
)

// redacted lists attribute keys whose values never reach a log sink. Signatures and
// bearer tokens pass through registration and auth code paths.
var redacted = map[string]struct{}{
	"token":         {},
	"authorization": {},
	"signature":     {},
	"private_key":   {},
	"secret":        {},
	"password":      {},
}

type sinks struct {
	main    *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
}

var (
	mu      sync.RWMutex
	current *sinks
)

// Init installs the global loggers. Calling it again replaces them and closes the
// previous outputs.
func Init(cfg Config) error {
	s, err := build(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	prev := current
	current = s
	mu.Unlock()
	if prev != nil {
		return closeAll(prev.closers)
	}
	return nil
}

func build(cfg Config) (*sinks, error) {
	s := &sinks{}
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		AddSource:   parseLevel(cfg.Level) == slog.LevelDebug,
		ReplaceAttr: redact,
	}

	var writers []io.Writer
	for _, out := range cfg.OutputPaths {
		w, c, err := openWriter(out)
		if err != nil {
			_ = closeAll(s.closers)
			return nil, err
		}
		if c != nil {
			s.closers = append(s.closers, c)
		}
		writers = append(writers, w)
	}
	s.main = slog.New(newHandler(cfg.Format, fanIn(writers), opts))
	s.audit = s.main.With(slog.Bool("audit", true))

	if cfg.Audit.Enabled {
		rotating, err := auditWriter(cfg.Audit)
		if err != nil {
			_ = closeAll(s.closers)
			return nil, err
		}
		s.closers = append(s.closers, rotating)
		s.audit = slog.New(slog.NewJSONHandler(rotating, &slog.HandlerOptions{Level: slog.LevelInfo, ReplaceAttr: redact}))
	}
	return s, nil
}

func fanIn(writers []io.Writer) io.Writer {
	switch len(writers) {
	case 0:
		return os.Stdout
	case 1:
		return writers[0]
	default:
		return io.MultiWriter(writers...)
	}
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if _, ok := redacted[strings.ToLower(a.Key)]; ok && a.Value.String() != "" {
		return slog.String(a.Key, "[redacted]")
	}
	return a
}

func auditWriter(cfg AuditConfig) (*lumberjack.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    positive(cfg.MaxSizeMB, 100),
		MaxBackups: positive(cfg.MaxBackups, 7),
		MaxAge:     positive(cfg.MaxAgeDays, 30),
		Compress:   cfg.Compress,
	}, nil
}

func positive(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func openWriter(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return file, file, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func closeAll(closers []io.Closer) error {
	var err error
	for _, c := range closers {
		err = errors.Join(err, c.Close())
	}
	return err
}

func loaded() *sinks {
	mu.RLock()
	s := current
	mu.RUnlock()
	if s != nil {
		return s
	}
	fallback, _ := build(Config{})
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		current = fallback
	}
	return current
}

// L returns the operational logger.
func L() *slog.Logger { return loaded().main }

// Audit returns the audit logger. Without a dedicated audit file, audit records go to
// the operational log marked with audit=true.
func Audit() *slog.Logger { return loaded().audit }

// AuditPlugin is the audit logger scoped to one plugin.
func AuditPlugin(pluginID string) *slog.Logger {
	return Audit().With(slog.String(KeyPluginID, pluginID))
}

// Named returns a child logger tagged with the provided component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String(KeyComponent, name))
}

// ForPlugin returns the logger that receives a sandboxed plugin's console output.
func ForPlugin(pluginID string) *slog.Logger {
	return Named("plugin").With(slog.String(KeyPluginID, pluginID))
}

// Sync closes file outputs. Logging after Sync falls back to stdout.
func Sync() error {
	mu.Lock()
	s := current
	current = nil
	mu.Unlock()
	if s == nil {
		return nil
	}
	return closeAll(s.closers)
}
