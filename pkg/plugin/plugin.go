package plugin

import (
	"context"
	"time"

	"OpenPlugin-Guard/internal/migration"
	"OpenPlugin-Guard/pkg/manifest"
)

// Plugin is a loaded plugin instance the manager can activate.
type Plugin interface {
	// Manifest returns the metadata the plugin was loaded from.
	Manifest() manifest.Manifest
	// Activate hands the plugin its secured API. The plugin must not retain any other
	// handle on the host.
	Activate(ctx context.Context, api *API) error
}

// Deactivator is implemented by plugins that release state on unregister.
type Deactivator interface {
	Deactivate(ctx context.Context) error
}

// Executor is implemented by plugins that expose callable functions.
type Executor interface {
	Execute(ctx context.Context, function string, args []any) (any, error)
	Functions() []string
}

// Migrator is implemented by plugins shipping data migrations keyed by version.
type Migrator interface {
	Migrations() map[string]migration.Func
}

// Terminator is implemented by plugins backed by a runtime that must be torn down.
type Terminator interface {
	Terminate(reason string)
}

// Option modifies the behaviour of a plugin manager instance.
type Option func(*Manager)

// WithLoader overrides the default script loader implementation.
func WithLoader(loader Loader) Option {
	return func(m *Manager) {
		if loader != nil {
			m.loader = loader
		}
	}
}

// WithIsolationStrategy sets a custom isolation policy enforcement strategy.
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(m *Manager) {
		if strategy != nil {
			m.isolation = strategy
		}
	}
}

// WithClock overrides the time source used for records and analytics.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}
