// Package migration runs plugin data migrations when a plugin is upgraded.
//
// A migration is registered under the plugin version that introduces it. Upgrading
// from A to B runs every migration whose version v satisfies A < v <= B, in ascending
// version order, and records each outcome in the store.
package migration

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	xerrors "OpenPlugin-Guard/internal/errors"
	"OpenPlugin-Guard/internal/store"
	"OpenPlugin-Guard/pkg/logger"
)

// Data is the key-value view of one plugin's persisted data.
type Data interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Func migrates a plugin's data to the version it was registered under.
type Func func(ctx context.Context, data Data) error

// Step is one planned migration.
type Step struct {
	Version string
	fn      Func
}

// Registry maps (plugin id, version) to a migration function.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]map[string]Func
	store store.Store
	log   *slog.Logger
}

// NewRegistry creates a registry recording outcomes into st.
func NewRegistry(st store.Store) *Registry {
	return &Registry{
		funcs: make(map[string]map[string]Func),
		store: st,
		log:   logger.Named("migration"),
	}
}

// Register adds a migration. A later registration for the same version replaces it.
func (r *Registry) Register(pluginID, version string, fn Func) error {
	if _, err := semver.NewVersion(version); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid migration version",
			xerrors.WithPlugin(pluginID))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byVersion, ok := r.funcs[pluginID]
	if !ok {
		byVersion = make(map[string]Func)
		r.funcs[pluginID] = byVersion
	}
	byVersion[version] = fn
	return nil
}

// Forget drops every migration registered for the plugin.
func (r *Registry) Forget(pluginID string) {
	r.mu.Lock()
	delete(r.funcs, pluginID)
	r.mu.Unlock()
}

// Plan lists the migrations needed to move from one version to another.
func (r *Registry) Plan(pluginID, from, to string) ([]Step, error) {
	fromV, err := semver.NewVersion(from)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid source version")
	}
	toV, err := semver.NewVersion(to)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid target version")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	type planned struct {
		v    *semver.Version
		step Step
	}
	var steps []planned
	for version, fn := range r.funcs[pluginID] {
		v, err := semver.NewVersion(version)
		if err != nil {
			continue
		}
		if v.GreaterThan(fromV) && !v.GreaterThan(toV) {
			steps = append(steps, planned{v: v, step: Step{Version: version, fn: fn}})
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].v.LessThan(steps[j].v) })
	out := make([]Step, len(steps))
	for i, p := range steps {
		out[i] = p.step
	}
	return out, nil
}

// Run executes the planned migrations and stops at the first failure.
func (r *Registry) Run(ctx context.Context, pluginID, from, to string) error {
	steps, err := r.Plan(pluginID, from, to)
	if err != nil {
		return err
	}
	data := storeData{store: r.store, pluginID: pluginID}
	prev := from
	for _, step := range steps {
		rec := store.MigrationRecord{PluginID: pluginID, FromVersion: prev, ToVersion: step.Version}
		runErr := step.fn(ctx, data)
		rec.AppliedAt = time.Now()
		if runErr != nil {
			rec.Status, rec.Error = store.MigrationFailed, runErr.Error()
		} else {
			rec.Status = store.MigrationApplied
		}
		if err := r.store.RecordMigration(ctx, rec); err != nil {
			r.log.Warn("failed to record migration", slog.String("plugin_id", pluginID), slog.Any("error", err))
		}
		if runErr != nil {
			return xerrors.Wrap(xerrors.CodeMigrationFailed, runErr, "plugin migration failed",
				xerrors.WithPlugin(pluginID),
				xerrors.WithMetadata("from", prev),
				xerrors.WithMetadata("to", step.Version))
		}
		r.log.Info("plugin data migrated",
			slog.String("plugin_id", pluginID),
			slog.String("from", prev),
			slog.String("to", step.Version))
		prev = step.Version
	}
	return nil
}

type storeData struct {
	store    store.Store
	pluginID string
}

func (d storeData) Get(ctx context.Context, key string) (string, bool, error) {
	return d.store.GetData(ctx, d.pluginID, key)
}

func (d storeData) Set(ctx context.Context, key, value string) error {
	return d.store.SetData(ctx, d.pluginID, key, value)
}
