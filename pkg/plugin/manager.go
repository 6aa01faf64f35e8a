package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"OpenPlugin-Guard/internal/bus"
	"OpenPlugin-Guard/internal/compat"
	"OpenPlugin-Guard/internal/contentsec"
	xerrors "OpenPlugin-Guard/internal/errors"
	"OpenPlugin-Guard/internal/hostapi"
	"OpenPlugin-Guard/internal/migration"
	"OpenPlugin-Guard/internal/monitor"
	"OpenPlugin-Guard/internal/observability/metrics"
	"OpenPlugin-Guard/internal/queue"
	"OpenPlugin-Guard/internal/sandbox"
	"OpenPlugin-Guard/internal/store"
	"OpenPlugin-Guard/internal/verify"
	"OpenPlugin-Guard/pkg/logger"
	"OpenPlugin-Guard/pkg/manifest"
	"OpenPlugin-Guard/pkg/permission"
)

// Registration stages reported in plugin:error events.
const (
	stageValidate = "validate"
	stageVerify   = "verify"
	stageCompat   = "compatibility"
	stagePolicy   = "policy"
	stageLoad     = "load"
	stageSecurity = "security"
	stageMigrate  = "migrate"
	stagePersist  = "persist"
	stageActivate = "activate"
	stageRuntime  = "runtime"
	stageTeardown = "deactivate"
)

// Dependencies are the shared services the manager wires into every plugin.
// Verifier is required; the rest default to in-memory implementations.
type Dependencies struct {
	Store      store.Store
	Verifier   *verify.Verifier
	Registry   *verify.StaticRegistry
	Host       compat.Host
	System     compat.SystemInfo
	Monitor    *monitor.Monitor
	Filter     *contentsec.Filter
	Bus        *bus.Bus
	Hooks      *bus.Hooks
	Queue      *queue.Queue
	Migrations *migration.Registry
	Documents  hostapi.Documents
	UI         hostapi.UI
	Fetcher    hostapi.Fetcher
	Prompter   sandbox.Prompter
	// Limits are the host ceilings; manifests may only tighten them.
	Limits monitor.Limits
}

// Manager keeps track of registered plugins and orchestrates their lifecycle.
type Manager struct {
	mu       sync.RWMutex
	registry map[string]*instance
	pending  map[string]State

	cfg       ManagerConfig
	deps      Dependencies
	loader    Loader
	isolation IsolationStrategy
	checker   *compat.Checker
	now       func() time.Time

	base   context.Context
	cancel context.CancelFunc
	log    *slog.Logger
}

type instance struct {
	plugin       Plugin
	bundle       manifest.Bundle
	state        State
	api          *API
	policy       IsolationPolicy
	installation store.Installation
	registeredAt time.Time
}

// sandboxed is implemented by plugins hosted in a sandbox.
type sandboxed interface {
	Sandbox() *sandbox.Sandbox
}

// NewManager constructs a manager using the supplied configuration and options.
func NewManager(cfg ManagerConfig, deps Dependencies, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid plugin manager config")
	}
	if deps.Verifier == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "plugin manager requires a verifier")
	}
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}
	if deps.Host == nil {
		deps.Host = hostapi.StaticSurface{Version: "1.0.0"}
	}
	if deps.Monitor == nil {
		deps.Monitor = monitor.New()
	}
	if deps.Filter == nil {
		deps.Filter = contentsec.NewFilter(nil)
	}
	if deps.Bus == nil {
		deps.Bus = bus.New(0)
	}
	if deps.Hooks == nil {
		deps.Hooks = bus.NewHooks()
	}
	if deps.Queue == nil {
		deps.Queue = queue.New()
	}
	if deps.Migrations == nil {
		deps.Migrations = migration.NewRegistry(deps.Store)
	}
	if deps.Documents == nil {
		deps.Documents = hostapi.NewMemoryDocuments(nil)
	}
	if deps.UI == nil {
		deps.UI = hostapi.NewMemoryUI()
	}
	if deps.Fetcher == nil {
		deps.Fetcher = &hostapi.HTTPFetcher{}
	}
	if deps.Prompter == nil {
		deps.Prompter = hostapi.Deny{}
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]PluginConfig{}
	}

	base, cancel := context.WithCancel(context.Background())
	m := &Manager{
		registry:  make(map[string]*instance),
		pending:   make(map[string]State),
		cfg:       cfg,
		deps:      deps,
		loader:    ScriptLoader{},
		isolation: NewIsolationStrategy(nil),
		now:       time.Now,
		base:      base,
		cancel:    cancel,
		log:       logger.Named("plugin-manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.isolation = NewIsolationStrategy(m.isolation)
	m.checker = compat.NewChecker(deps.Host, compat.InstalledFunc(m.installedVersion), deps.System)
	deps.Monitor.SetSink(m.onLimitExceeded)
	return m, nil
}

// Bus returns the event bus lifecycle events are published on.
func (m *Manager) Bus() *bus.Bus { return m.deps.Bus }

// Store returns the persistence layer.
func (m *Manager) Store() store.Store { return m.deps.Store }

// rollback undoes completed registration steps in reverse order.
type rollback struct {
	steps []func(ctx context.Context)
}

func (r *rollback) push(fn func(ctx context.Context)) { r.steps = append(r.steps, fn) }

func (r *rollback) run(ctx context.Context) {
	for i := len(r.steps) - 1; i >= 0; i-- {
		r.steps[i](ctx)
	}
}

// RegisterPlugin verifies, loads, persists and activates a plugin bundle. At most one
// registration per id runs at a time; a failure at any step leaves no trace behind.
func (m *Manager) RegisterPlugin(ctx context.Context, bundle manifest.Bundle, opts RegisterOptions) (Info, error) {
	id := bundle.Manifest.ID
	if id == "" {
		return Info{}, xerrors.New(xerrors.CodeInvalidArgument, "plugin id cannot be empty")
	}
	m.mu.Lock()
	if _, busy := m.pending[id]; busy {
		m.mu.Unlock()
		return Info{}, conflict(id, "registration already in progress")
	}
	if _, exists := m.registry[id]; exists {
		m.mu.Unlock()
		return Info{}, conflict(id, "plugin already registered")
	}
	m.pending[id] = StateVerifying
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	var undo rollback
	stage, info, err := m.register(ctx, bundle, opts, &undo)
	if err != nil {
		undo.run(context.WithoutCancel(ctx))
		m.publishError(ctx, bundle.Manifest, stage, err)
		metrics.ObserveLifecycle("register", "failure")
		return Info{}, err
	}
	metrics.ObserveLifecycle("register", "success")
	return info, nil
}

func conflict(id, msg string) error {
	return xerrors.New(xerrors.CodePluginConflict, msg, xerrors.WithPlugin(id))
}

func (m *Manager) setPending(id string, state State) {
	m.mu.Lock()
	m.pending[id] = state
	m.mu.Unlock()
}

func (m *Manager) register(ctx context.Context, bundle manifest.Bundle, opts RegisterOptions, undo *rollback) (string, Info, error) {
	man := bundle.Manifest
	id := man.ID

	if issues := man.Validate(); len(issues) > 0 {
		return stageValidate, Info{}, xerrors.New(xerrors.CodeVerificationFailed,
			fmt.Sprintf("manifest of %s is invalid", id),
			xerrors.WithPlugin(id), xerrors.WithDetails(issues...))
	}
	if res := m.deps.Verifier.VerifyPlugin(ctx, bundle, bundle.Signature); !res.Valid {
		return stageVerify, Info{}, xerrors.New(xerrors.CodeVerificationFailed,
			fmt.Sprintf("plugin %s failed verification", id),
			xerrors.WithPlugin(id), xerrors.WithDetails(res.Issues...))
	}
	report := m.checker.Check(ctx, man)
	if !report.Compatible {
		return stageCompat, Info{}, xerrors.New(xerrors.CodeCompatibilityFailed,
			fmt.Sprintf("plugin %s is not compatible with this host", id),
			xerrors.WithPlugin(id), xerrors.WithDetails(issueStrings(report.Errors())...))
	}
	if warnings := report.Warnings(); len(warnings) > 0 {
		m.deps.Bus.Publish(ctx, EventWarning, hostSource, LifecycleEvent{
			PluginID: id, Version: man.Version, Stage: stageCompat, Warnings: warnings,
		})
	}
	if cycle := compat.FindCycle(compat.Graph(m.manifestsWith(man)...)); len(cycle) > 0 {
		return stageCompat, Info{}, xerrors.New(xerrors.CodeCompatibilityFailed,
			"dependency cycle: "+strings.Join(cycle, " -> "),
			xerrors.WithPlugin(id))
	}
	policy := m.cfg.Policy(id)
	if err := m.isolation.Validate(man, policy); err != nil {
		return stagePolicy, Info{}, err
	}

	m.setPending(id, StateLoading)
	p, err := m.loader.Load(ctx, man, bundle.Code)
	if err != nil {
		return stageLoad, Info{}, err
	}
	undo.push(func(context.Context) {
		if t, ok := p.(Terminator); ok {
			t.Terminate("registration rolled back")
		}
	})
	if got := p.Manifest().ID; got != id {
		return stageLoad, Info{}, xerrors.New(xerrors.CodeLoadFailed,
			fmt.Sprintf("plugin id mismatch: %s != %s", got, id))
	}

	api, err := m.secure(ctx, p, policy, undo)
	if err != nil {
		return stageSecurity, Info{}, err
	}

	prev, err := m.deps.Store.Installation(ctx, id)
	hadPrev := err == nil
	if err != nil && !store.IsNotFound(err) {
		return stageMigrate, Info{}, err
	}
	snapshot, err := m.deps.Store.ListData(ctx, id)
	if err != nil {
		return stageMigrate, Info{}, err
	}
	undo.push(func(ctx context.Context) {
		if err := m.restoreData(ctx, id, snapshot); err != nil {
			m.log.Error("failed to restore plugin data", slog.String("plugin_id", id), slog.Any("error", err))
		}
	})
	undo.push(func(context.Context) { m.deps.Migrations.Forget(id) })
	if err := m.migrate(ctx, p, prev, hadPrev); err != nil {
		return stageMigrate, Info{}, err
	}

	now := m.now().UTC()
	inst, err := m.persist(ctx, bundle, prev, hadPrev, opts, now, undo)
	if err != nil {
		return stagePersist, Info{}, err
	}

	undo.push(func(ctx context.Context) { m.release(ctx, id) })
	if err := p.Activate(ctx, api); err != nil {
		return stageActivate, Info{}, xerrors.Wrap(xerrors.CodeLoadFailed, err,
			fmt.Sprintf("plugin %s failed to activate", id),
			xerrors.WithPlugin(id))
	}

	entry := &instance{
		plugin:       p,
		bundle:       bundle,
		state:        StateActive,
		api:          api,
		policy:       policy,
		installation: inst,
		registeredAt: now,
	}
	m.mu.Lock()
	m.registry[id] = entry
	active := len(m.registry)
	m.mu.Unlock()

	if sb, ok := p.(sandboxed); ok {
		sb.Sandbox().Watch(m.deps.Monitor, func(metric string) { m.onKilled(id, metric) })
	}
	if m.deps.Registry != nil {
		m.deps.Registry.Publish(id, man.Version)
	}
	metrics.SetActivePlugins(active)
	logger.AuditPlugin(id).Info("plugin registered",
		slog.String("version", man.Version),
		slog.Any("permissions", man.RequiredPermissions),
		slog.String("installed_by", inst.InstalledBy))
	m.deps.Bus.Publish(ctx, EventRegistered, hostSource, LifecycleEvent{PluginID: id, Version: man.Version})
	return "", m.infoFor(entry), nil
}

// secure creates the permission set, monitor entry, isolation and API facade.
func (m *Manager) secure(ctx context.Context, p Plugin, policy IsolationPolicy, undo *rollback) (*API, error) {
	man := p.Manifest()
	id := man.ID
	perms := permission.NewSet(man.RequiredPermissions...)
	sec := NewSecurityContext(id, perms, m.deps.Monitor, m.deps.Filter)

	var broker Broker
	if sb, ok := p.(sandboxed); ok {
		sb.Sandbox().BindPermissions(perms, m.deps.Prompter)
		broker = sb.Sandbox()
	}

	m.deps.Monitor.InitializePlugin(id, mergeLimits(m.deps.Limits, man.ResourceLimits))
	undo.push(func(context.Context) { m.deps.Monitor.Cleanup(id) })
	size, err := m.deps.Store.DataSize(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.deps.Monitor.SetStorageUsage(id, size) {
		m.log.Warn("stored data already exceeds the storage ceiling",
			slog.String("plugin_id", id), slog.Int64("bytes", size))
	}

	if err := m.isolation.Prepare(man); err != nil {
		return nil, err
	}
	undo.push(func(context.Context) { _ = m.isolation.Cleanup(id) })

	return &API{
		sec:      sec,
		manifest: man,
		policy:   policy,
		broker:   broker,
		base:     m.base,
		docs:     m.deps.Documents,
		ui:       m.deps.UI,
		fetcher:  m.deps.Fetcher,
		store:    m.deps.Store,
		bus:      m.deps.Bus,
		hooks:    m.deps.Hooks,
		queue:    m.deps.Queue,
		log:      logger.ForPlugin(id),
	}, nil
}

// migrate registers the plugin's migrations and runs them when the stored installation
// is another version.
func (m *Manager) migrate(ctx context.Context, p Plugin, prev store.Installation, hadPrev bool) error {
	man := p.Manifest()
	id := man.ID
	mig, ok := p.(Migrator)
	if !ok {
		return nil
	}
	for version, fn := range mig.Migrations() {
		if err := m.deps.Migrations.Register(id, version, fn); err != nil {
			return err
		}
	}
	if !hadPrev || prev.Version == man.Version {
		return nil
	}
	if err := m.deps.Migrations.Run(ctx, id, prev.Version, man.Version); err != nil {
		return err
	}
	size, err := m.deps.Store.DataSize(ctx, id)
	if err != nil {
		return err
	}
	if !m.deps.Monitor.SetStorageUsage(id, size) {
		m.log.Warn("migrated data exceeds the storage ceiling",
			slog.String("plugin_id", id), slog.Int64("bytes", size))
	}
	return nil
}

func (m *Manager) restoreData(ctx context.Context, id string, snapshot map[string]string) error {
	if err := m.deps.Store.DeleteData(ctx, id); err != nil {
		return err
	}
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := m.deps.Store.SetData(ctx, id, k, snapshot[k]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, bundle manifest.Bundle, prev store.Installation, hadPrev bool,
	opts RegisterOptions, now time.Time, undo *rollback) (store.Installation, error) {
	man := bundle.Manifest
	_, err := m.deps.Store.Bundle(ctx, man.ID, man.Version)
	bundleExisted := err == nil
	if err := m.deps.Store.SaveBundle(ctx, bundle); err != nil {
		return store.Installation{}, err
	}
	if !bundleExisted {
		undo.push(func(ctx context.Context) { _ = m.deps.Store.DeleteBundle(ctx, man.ID, man.Version) })
	}

	inst := store.Installation{
		ID:          uuid.NewString(),
		PluginID:    man.ID,
		Version:     man.Version,
		Enabled:     true,
		InstalledBy: opts.InstalledBy,
		Workspace:   opts.Workspace,
		InstalledAt: now,
		UpdatedAt:   now,
	}
	if hadPrev {
		inst.ID = prev.ID
		inst.InstalledAt = prev.InstalledAt
		if inst.InstalledBy == "" {
			inst.InstalledBy = prev.InstalledBy
		}
		if inst.Workspace == "" {
			inst.Workspace = prev.Workspace
		}
	}
	if err := m.deps.Store.SaveInstallation(ctx, inst); err != nil {
		return store.Installation{}, err
	}
	undo.push(func(ctx context.Context) {
		if hadPrev {
			_ = m.deps.Store.SaveInstallation(ctx, prev)
			return
		}
		_ = m.deps.Store.DeleteInstallation(ctx, man.ID)
	})
	return inst, nil
}

// UnregisterPlugin deactivates and uninstalls a plugin. Unknown ids are a no-op. A
// deactivation error is published and returned after teardown completes.
func (m *Manager) UnregisterPlugin(ctx context.Context, id string) error {
	m.mu.Lock()
	inst, ok := m.registry[id]
	if ok && inst.state == StateUnregistering {
		m.mu.Unlock()
		return nil
	}
	if ok {
		inst.state = StateUnregistering
	}
	m.mu.Unlock()

	var version string
	var deactivateErr error
	if ok {
		version = inst.bundle.Manifest.Version
		deactivateErr = m.teardown(ctx, id, inst, "unregistered", true)
	} else {
		// Disabled installations have no runtime but are still uninstalled.
		rec, err := m.deps.Store.Installation(ctx, id)
		if store.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		version = rec.Version
	}

	var errs []error
	if err := m.deps.Store.DeleteInstallation(ctx, id); err != nil {
		errs = append(errs, err)
	}
	if err := m.deps.Store.DeleteData(ctx, id); err != nil {
		errs = append(errs, err)
	}
	if m.deps.Registry != nil {
		m.deps.Registry.Withdraw(id)
	}
	logger.AuditPlugin(id).Info("plugin unregistered", slog.String("version", version))
	m.deps.Bus.Publish(ctx, EventUnregistered, hostSource, LifecycleEvent{PluginID: id, Version: version})
	metrics.ObserveLifecycle("unregister", resultOf(deactivateErr))
	if deactivateErr != nil {
		errs = append([]error{deactivateErr}, errs...)
	}
	return errors.Join(errs...)
}

// teardown deactivates the plugin, releases every record it holds and removes it from
// the registry. The deactivation error is published and returned.
func (m *Manager) teardown(ctx context.Context, id string, inst *instance, reason string, deactivate bool) error {
	var deactivateErr error
	if d, ok := inst.plugin.(Deactivator); ok && deactivate {
		if err := d.Deactivate(ctx); err != nil {
			deactivateErr = err
			m.publishError(ctx, inst.bundle.Manifest, stageTeardown, err)
		}
	}
	m.release(ctx, id)
	if t, ok := inst.plugin.(Terminator); ok {
		t.Terminate(reason)
	}
	m.mu.Lock()
	delete(m.registry, id)
	active := len(m.registry)
	m.mu.Unlock()
	metrics.SetActivePlugins(active)
	return deactivateErr
}

// release drops everything the plugin registered with shared services.
func (m *Manager) release(ctx context.Context, id string) {
	m.deps.Monitor.Cleanup(id)
	_ = m.isolation.Cleanup(id)
	m.deps.Bus.UnsubscribeOwner(id)
	m.deps.Hooks.RemoveOwner(id)
	m.deps.Queue.Unsubscribe(id)
	m.deps.Migrations.Forget(id)
	if err := m.deps.UI.RemovePlugin(ctx, id); err != nil {
		m.log.Warn("failed to remove plugin ui", slog.String("plugin_id", id), slog.Any("error", err))
	}
}

// DisablePlugin stops the runtime and marks the installation disabled. Stored bundles
// and data are kept.
func (m *Manager) DisablePlugin(ctx context.Context, id string) error {
	m.mu.Lock()
	inst, ok := m.registry[id]
	if ok && inst.state == StateUnregistering {
		m.mu.Unlock()
		return conflict(id, "plugin is being unregistered")
	}
	if ok {
		inst.state = StateUnregistering
	}
	m.mu.Unlock()

	rec, err := m.deps.Store.Installation(ctx, id)
	if err != nil {
		if ok {
			m.mu.Lock()
			inst.state = StateActive
			m.mu.Unlock()
		}
		return err
	}
	if ok {
		// Deactivation errors are published by teardown; disabling still succeeds.
		_ = m.teardown(ctx, id, inst, "disabled", true)
		if m.deps.Registry != nil {
			m.deps.Registry.Withdraw(id)
		}
	}
	if !rec.Enabled {
		return nil
	}
	return m.markDisabled(ctx, rec, "disabled")
}

func (m *Manager) markDisabled(ctx context.Context, rec store.Installation, reason string) error {
	rec.Enabled = false
	rec.UpdatedAt = m.now().UTC()
	if err := m.deps.Store.SaveInstallation(ctx, rec); err != nil {
		return err
	}
	logger.AuditPlugin(rec.PluginID).Info("plugin disabled", slog.String("reason", reason))
	m.deps.Bus.Publish(ctx, EventUnregistered, hostSource, LifecycleEvent{
		PluginID: rec.PluginID, Version: rec.Version, Reason: reason,
	})
	metrics.ObserveLifecycle("disable", "success")
	return nil
}

// EnablePlugin re-registers a disabled plugin from its stored bundle.
func (m *Manager) EnablePlugin(ctx context.Context, id string) (Info, error) {
	m.mu.RLock()
	inst, ok := m.registry[id]
	m.mu.RUnlock()
	if ok {
		return m.infoFor(inst), nil
	}
	rec, err := m.deps.Store.Installation(ctx, id)
	if err != nil {
		return Info{}, err
	}
	bundle, err := m.deps.Store.Bundle(ctx, id, rec.Version)
	if err != nil {
		return Info{}, err
	}
	return m.RegisterPlugin(ctx, bundle, RegisterOptions{InstalledBy: rec.InstalledBy, Workspace: rec.Workspace})
}

// UpgradePlugin replaces a running plugin with a new version. If the new version fails
// to register the previous one is re-enabled.
func (m *Manager) UpgradePlugin(ctx context.Context, bundle manifest.Bundle, opts RegisterOptions) (Info, error) {
	id := bundle.Manifest.ID
	m.mu.RLock()
	old, running := m.registry[id]
	m.mu.RUnlock()
	if !running {
		return m.RegisterPlugin(ctx, bundle, opts)
	}
	previous := old.bundle
	if err := m.DisablePlugin(ctx, id); err != nil {
		return Info{}, err
	}
	info, err := m.RegisterPlugin(ctx, bundle, opts)
	if err == nil {
		metrics.ObserveLifecycle("upgrade", "success")
		return info, nil
	}
	metrics.ObserveLifecycle("upgrade", "failure")
	if _, restoreErr := m.RegisterPlugin(ctx, previous, opts); restoreErr != nil {
		return Info{}, errors.Join(err, restoreErr)
	}
	return Info{}, err
}

// Execute calls an exported plugin function.
func (m *Manager) Execute(ctx context.Context, id, function string, args []any) (any, error) {
	inst, err := m.active(id)
	if err != nil {
		return nil, err
	}
	exec, ok := inst.plugin.(Executor)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "plugin exposes no functions",
			xerrors.WithPlugin(id))
	}
	stats := inst.api.sec.stats
	stats.executions.Add(1)
	out, err := exec.Execute(ctx, function, args)
	if err != nil {
		stats.errors.Add(1)
		return nil, err
	}
	return out, nil
}

// RunHook executes a named hook across every plugin that registered it.
func (m *Manager) RunHook(ctx context.Context, name string, payload any, opts bus.ExecOptions) (any, []bus.HookResult, error) {
	return m.deps.Hooks.Execute(ctx, name, payload, opts)
}

// Emit publishes a host event to plugin listeners.
func (m *Manager) Emit(ctx context.Context, name string, data any) {
	m.deps.Bus.Publish(ctx, name, hostSource, data)
}

// API returns the secured facade of an active plugin.
func (m *Manager) API(id string) (*API, error) {
	inst, err := m.active(id)
	if err != nil {
		return nil, err
	}
	return inst.api, nil
}

func (m *Manager) active(id string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.registry[id]
	if !ok || inst.state != StateActive {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("plugin %s is not active", id),
			xerrors.WithPlugin(id))
	}
	return inst, nil
}

// State returns the lifecycle state of a plugin.
func (m *Manager) State(ctx context.Context, id string) State {
	m.mu.RLock()
	if s, ok := m.pending[id]; ok {
		m.mu.RUnlock()
		return s
	}
	if inst, ok := m.registry[id]; ok {
		s := inst.state
		m.mu.RUnlock()
		return s
	}
	m.mu.RUnlock()
	if rec, err := m.deps.Store.Installation(ctx, id); err == nil && !rec.Enabled {
		return StateDisabled
	}
	return StateUnregistered
}

// GetPlugin describes an active or disabled plugin.
func (m *Manager) GetPlugin(ctx context.Context, id string) (Info, error) {
	m.mu.RLock()
	inst, ok := m.registry[id]
	m.mu.RUnlock()
	if ok {
		return m.infoFor(inst), nil
	}
	rec, err := m.deps.Store.Installation(ctx, id)
	if err != nil {
		return Info{}, err
	}
	return m.storedInfo(ctx, rec)
}

// ListPlugins returns every active plugin and every disabled installation ordered by id.
func (m *Manager) ListPlugins(ctx context.Context) ([]Info, error) {
	m.mu.RLock()
	out := make([]Info, 0, len(m.registry))
	seen := make(map[string]struct{}, len(m.registry))
	for id, inst := range m.registry {
		out = append(out, m.infoFor(inst))
		seen[id] = struct{}{}
	}
	m.mu.RUnlock()

	recs, err := m.deps.Store.ListInstallations(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if _, ok := seen[rec.PluginID]; ok {
			continue
		}
		info, err := m.storedInfo(ctx, rec)
		if err != nil {
			m.log.Warn("installation without bundle", slog.String("plugin_id", rec.PluginID), slog.Any("error", err))
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Analytics reports one active plugin's activity.
func (m *Manager) Analytics(id string) (Analytics, error) {
	inst, err := m.active(id)
	if err != nil {
		return Analytics{}, err
	}
	usage, _ := m.deps.Monitor.GetUsage(id)
	limits, _ := m.deps.Monitor.Limits(id)
	s := inst.api.sec.stats
	return Analytics{
		PluginID:        id,
		APICalls:        s.calls.Load(),
		Denied:          s.denied.Load(),
		Throttled:       s.throttled.Load(),
		LimitViolations: s.limits.Load(),
		Executions:      s.executions.Load(),
		Errors:          s.errors.Load(),
		Usage:           usage,
		Limits:          limits,
		Uptime:          m.now().Sub(inst.registeredAt),
	}, nil
}

// LoadConfigured registers the enabled plugins listed in the manager config. A plugin
// already active under another version is upgraded.
func (m *Manager) LoadConfigured(ctx context.Context) error {
	ids := make([]string, 0, len(m.cfg.Plugins))
	for id, pc := range m.cfg.Plugins {
		if pc.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	var errs []error
	for _, id := range ids {
		path := m.cfg.Plugins[id].Path
		if !filepath.IsAbs(path) && m.cfg.PluginDir != "" {
			path = filepath.Join(m.cfg.PluginDir, path)
		}
		bundle, err := manifest.LoadBundle(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: %w", id, err))
			continue
		}
		if bundle.Manifest.ID != id {
			errs = append(errs, fmt.Errorf("plugin %s: manifest declares id %s", id, bundle.Manifest.ID))
			continue
		}
		if err := m.cfg.accepts(id, bundle.Manifest.Version); err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: %w", id, err))
			continue
		}
		if v, ok := m.installedVersion(id); ok && v == bundle.Manifest.Version {
			continue
		}
		if _, err := m.UpgradePlugin(ctx, bundle, RegisterOptions{InstalledBy: "config"}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RestoreInstalled re-registers every enabled installation from its stored bundle.
func (m *Manager) RestoreInstalled(ctx context.Context) error {
	recs, err := m.deps.Store.ListInstallations(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, rec := range recs {
		if !rec.Enabled {
			continue
		}
		if _, ok := m.installedVersion(rec.PluginID); ok {
			continue
		}
		if _, err := m.EnablePlugin(ctx, rec.PluginID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops every plugin runtime. Installations stay enabled so they are restored
// on the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.registry))
	for id, inst := range m.registry {
		if inst.state == StateActive {
			inst.state = StateUnregistering
			ids = append(ids, id)
		}
	}
	insts := make([]*instance, len(ids))
	for i, id := range ids {
		insts[i] = m.registry[id]
	}
	m.mu.Unlock()

	var errs []error
	for i, id := range ids {
		if err := m.teardown(ctx, id, insts[i], "shutdown", true); err != nil {
			errs = append(errs, err)
		}
	}
	m.cancel()
	return errors.Join(errs...)
}

// onLimitExceeded is the monitor sink. It may run on a sandbox worker, so it only
// publishes and counts.
func (m *Manager) onLimitExceeded(ev monitor.LimitEvent) {
	m.mu.RLock()
	inst, ok := m.registry[ev.PluginID]
	m.mu.RUnlock()
	if ok {
		inst.api.sec.stats.limits.Add(1)
	}
	metrics.ObserveLimitExceeded(ev.PluginID, ev.Metric)
	m.deps.Bus.Publish(m.base, EventLimitExceeded, hostSource, LifecycleEvent{
		PluginID: ev.PluginID,
		Metric:   ev.Metric,
		Value:    ev.Value,
		Limit:    ev.Limit,
	})
}

// onKilled runs after the sandbox watchdog terminated a plugin. The runtime is torn down
// and the installation disabled so it is not restored into the same violation.
func (m *Manager) onKilled(id, metric string) {
	ctx := m.base
	m.mu.Lock()
	inst, ok := m.registry[id]
	if !ok || inst.state == StateUnregistering {
		m.mu.Unlock()
		return
	}
	inst.state = StateUnregistering
	m.mu.Unlock()

	err := xerrors.New(xerrors.CodeSandboxTerminated,
		fmt.Sprintf("plugin %s terminated: resource limit exceeded (%s)", id, metric),
		xerrors.WithPlugin(id), xerrors.WithMetadata("metric", metric))
	m.deps.Bus.Publish(ctx, EventError, hostSource, LifecycleEvent{
		PluginID: id,
		Version:  inst.bundle.Manifest.Version,
		Stage:    stageRuntime,
		Code:     string(xerrors.CodeSandboxTerminated),
		Error:    err.Error(),
		Metric:   metric,
		Reason:   "resource limit exceeded",
	})
	_ = m.teardown(ctx, id, inst, "resource limit exceeded: "+metric, false)
	if m.deps.Registry != nil {
		m.deps.Registry.Withdraw(id)
	}
	if rec, err := m.deps.Store.Installation(ctx, id); err == nil {
		if err := m.markDisabled(ctx, rec, "terminated"); err != nil {
			m.log.Error("failed to disable terminated plugin", slog.String("plugin_id", id), slog.Any("error", err))
		}
	}
}

func (m *Manager) publishError(ctx context.Context, man manifest.Manifest, stage string, err error) {
	m.log.Warn("plugin lifecycle error",
		slog.String("plugin_id", man.ID),
		slog.String("stage", stage),
		slog.Any("error", err))
	m.deps.Bus.Publish(ctx, EventError, hostSource, LifecycleEvent{
		PluginID: man.ID,
		Version:  man.Version,
		Stage:    stage,
		Code:     string(xerrors.CodeOf(err)),
		Error:    err.Error(),
		Details:  xerrors.DetailsOf(err),
	})
}

func (m *Manager) installedVersion(id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.registry[id]
	if !ok {
		return "", false
	}
	return inst.bundle.Manifest.Version, true
}

// manifestsWith returns the active manifests with candidate replacing any same-id entry.
func (m *Manager) manifestsWith(candidate manifest.Manifest) []manifest.Manifest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]manifest.Manifest, 0, len(m.registry)+1)
	for id, inst := range m.registry {
		if id != candidate.ID {
			out = append(out, inst.bundle.Manifest)
		}
	}
	return append(out, candidate)
}

func (m *Manager) infoFor(inst *instance) Info {
	man := inst.bundle.Manifest
	info := Info{
		ID:           man.ID,
		Name:         man.Name,
		Version:      man.Version,
		Author:       man.Author,
		Description:  man.Description,
		State:        inst.state,
		Enabled:      true,
		Permissions:  inst.api.sec.Permissions.Slice(),
		InstalledBy:  inst.installation.InstalledBy,
		Workspace:    inst.installation.Workspace,
		RegisteredAt: inst.registeredAt,
	}
	if exec, ok := inst.plugin.(Executor); ok {
		info.Functions = exec.Functions()
	}
	return info
}

func (m *Manager) storedInfo(ctx context.Context, rec store.Installation) (Info, error) {
	bundle, err := m.deps.Store.Bundle(ctx, rec.PluginID, rec.Version)
	if err != nil {
		return Info{}, err
	}
	man := bundle.Manifest
	state := StateDisabled
	if rec.Enabled {
		state = StateUnregistered
	}
	return Info{
		ID:          man.ID,
		Name:        man.Name,
		Version:     man.Version,
		Author:      man.Author,
		Description: man.Description,
		State:       state,
		Enabled:     rec.Enabled,
		Permissions: man.RequiredPermissions,
		InstalledBy: rec.InstalledBy,
		Workspace:   rec.Workspace,
	}, nil
}

// mergeLimits lets a manifest tighten the host defaults but never loosen them.
func mergeLimits(defaults monitor.Limits, requested *manifest.Limits) monitor.Limits {
	if requested == nil {
		return defaults
	}
	out := defaults
	out.MaxMemoryMB = tighter(defaults.MaxMemoryMB, requested.MaxMemoryMB)
	out.MaxCPUPercent = tighter(defaults.MaxCPUPercent, requested.MaxCPUPercent)
	out.MaxStorageBytes = tighter(defaults.MaxStorageBytes, requested.MaxStorageBytes)
	out.MaxAPICallsPerMinute = tighter(defaults.MaxAPICallsPerMinute, requested.MaxAPICallsPerMinute)
	return out
}

// tighter returns the smaller non-zero ceiling; zero means unlimited.
func tighter[T int | int64 | float64](host, requested T) T {
	switch {
	case requested <= 0:
		return host
	case host <= 0 || requested < host:
		return requested
	default:
		return host
	}
}

func issueStrings(issues []compat.Issue) []string {
	out := make([]string, len(issues))
	for i, issue := range issues {
		out[i] = issue.String()
	}
	return out
}

func resultOf(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
