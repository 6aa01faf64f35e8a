package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	xerrors "OpenPlugin-Guard/internal/errors"
	"OpenPlugin-Guard/internal/migration"
	"OpenPlugin-Guard/internal/sandbox"
	"OpenPlugin-Guard/pkg/logger"
	"OpenPlugin-Guard/pkg/manifest"
)

// DefaultLoadTimeout bounds the evaluation of plugin source.
const DefaultLoadTimeout = time.Second

// Loader turns a manifest and its source into a Plugin.
type Loader interface {
	Load(ctx context.Context, m manifest.Manifest, code string) (Plugin, error)
}

// ScriptLoader evaluates CommonJS-style JavaScript in a fresh sandbox per plugin.
type ScriptLoader struct {
	Config sandbox.Config
}

// Load validates the manifest basics, evaluates the source and checks the exported
// lifecycle functions. Every failure is a LOAD_FAILED error.
func (l ScriptLoader) Load(ctx context.Context, m manifest.Manifest, code string) (Plugin, error) {
	var missing []string
	if m.ID == "" {
		missing = append(missing, "id")
	}
	if m.Name == "" {
		missing = append(missing, "name")
	}
	if m.Version == "" {
		missing = append(missing, "version")
	}
	if len(missing) > 0 {
		return nil, loadFailed(m.ID, errors.New("manifest is incomplete"), missing...)
	}
	if err := ctx.Err(); err != nil {
		return nil, loadFailed(m.ID, err)
	}

	cfg := l.Config
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = DefaultLoadTimeout
	}
	sb := sandbox.New(m.ID, cfg)
	if err := sb.Initialize(); err != nil {
		return nil, loadFailed(m.ID, err)
	}
	exports, err := sb.Evaluate(code)
	if err != nil {
		sb.Terminate("load failed")
		return nil, loadFailed(m.ID, err)
	}
	if !exports.HasActivate {
		sb.Terminate("load failed")
		return nil, loadFailed(m.ID, errors.New("plugin must export an activate function"))
	}
	if exports.DefinesDeactivate && !exports.HasDeactivate {
		sb.Terminate("load failed")
		return nil, loadFailed(m.ID, errors.New("deactivate is exported but is not a function"))
	}
	logger.Named("loader").Debug("plugin source evaluated",
		slog.String("plugin_id", m.ID),
		slog.Any("functions", exports.Functions),
		slog.Any("migrations", exports.Migrations))
	return &scriptPlugin{manifest: m, sb: sb, exports: exports}, nil
}

func loadFailed(pluginID string, cause error, details ...string) error {
	return xerrors.Wrap(xerrors.CodeLoadFailed, cause,
		fmt.Sprintf("failed to load plugin %s", pluginID),
		xerrors.WithPlugin(pluginID),
		xerrors.WithDetails(details...))
}

// scriptPlugin is a plugin running inside a sandbox.
type scriptPlugin struct {
	manifest manifest.Manifest
	sb       *sandbox.Sandbox
	exports  sandbox.Exports
}

func (p *scriptPlugin) Manifest() manifest.Manifest { return p.manifest }

// Sandbox returns the runtime hosting the plugin.
func (p *scriptPlugin) Sandbox() *sandbox.Sandbox { return p.sb }

func (p *scriptPlugin) Activate(_ context.Context, api *API) error {
	_, err := p.sb.Do(func(vm *goja.Runtime, exports *goja.Object) (any, error) {
		fn, ok := goja.AssertFunction(exports.Get("activate"))
		if !ok {
			return nil, errors.New("activate is not a function")
		}
		out, err := fn(exports, newContextObject(vm, p.sb, api))
		if err != nil {
			return nil, err
		}
		return sandbox.Settle(out)
	})
	return err
}

func (p *scriptPlugin) Deactivate(context.Context) error {
	if !p.exports.HasDeactivate {
		return nil
	}
	_, err := p.sb.Do(func(vm *goja.Runtime, exports *goja.Object) (any, error) {
		fn, ok := goja.AssertFunction(exports.Get("deactivate"))
		if !ok {
			return nil, nil
		}
		out, err := fn(exports)
		if err != nil {
			return nil, err
		}
		return sandbox.Settle(out)
	})
	return err
}

func (p *scriptPlugin) Functions() []string { return p.exports.Functions }

// Execute sends an EXECUTE message to the sandbox and unwraps the reply.
func (p *scriptPlugin) Execute(_ context.Context, function string, args []any) (any, error) {
	resp := p.sb.Execute(sandbox.Request{
		Type:     sandbox.MessageExecute,
		ID:       uuid.NewString(),
		Function: function,
		Args:     args,
	})
	if resp.Type == sandbox.MessageExecutionError {
		code := xerrors.Code(resp.Code)
		switch {
		case p.sb.Terminated():
			code = xerrors.CodeSandboxTerminated
		case code == "":
			code = xerrors.CodeExecutionFailed
		}
		return nil, xerrors.New(code, resp.Error,
			xerrors.WithPlugin(p.manifest.ID),
			xerrors.WithMetadata("function", function))
	}
	return resp.Result, nil
}

// Migrations exposes exports.migrations[version](storage) as migration functions.
func (p *scriptPlugin) Migrations() map[string]migration.Func {
	out := make(map[string]migration.Func, len(p.exports.Migrations))
	for _, version := range p.exports.Migrations {
		out[version] = p.migration(version)
	}
	return out
}

func (p *scriptPlugin) migration(version string) migration.Func {
	return func(ctx context.Context, data migration.Data) error {
		_, err := p.sb.Do(func(vm *goja.Runtime, exports *goja.Object) (any, error) {
			table := exports.Get("migrations")
			if table == nil || goja.IsUndefined(table) {
				return nil, fmt.Errorf("migration %s disappeared", version)
			}
			fn, ok := goja.AssertFunction(table.ToObject(vm).Get(version))
			if !ok {
				return nil, fmt.Errorf("migration %s is not a function", version)
			}
			out, err := fn(goja.Undefined(), migrationStorage(ctx, vm, data))
			if err != nil {
				return nil, err
			}
			return sandbox.Settle(out)
		})
		return err
	}
}

func migrationStorage(ctx context.Context, vm *goja.Runtime, data migration.Data) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("get", func(key string) goja.Value {
		raw, ok, err := data.Get(ctx, key)
		if err != nil {
			throw(vm, err)
		}
		if !ok {
			return goja.Undefined()
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			throw(vm, err)
		}
		return vm.ToValue(v)
	})
	_ = obj.Set("set", func(key string, value goja.Value) {
		raw, err := json.Marshal(value.Export())
		if err != nil {
			throw(vm, err)
		}
		if err := data.Set(ctx, key, string(raw)); err != nil {
			throw(vm, err)
		}
	})
	return obj
}

func (p *scriptPlugin) Terminate(reason string) { p.sb.Terminate(reason) }
