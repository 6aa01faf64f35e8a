package sandbox

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/dop251/goja"

	"OpenPlugin-Guard/pkg/logger"
)

// Exports summarises what a plugin module exposes.
type Exports struct {
	HasActivate   bool
	HasDeactivate bool
	// Defines* report that the key exists, callable or not.
	DefinesActivate   bool
	DefinesDeactivate bool
	Functions         []string
	Migrations        []string
}

func inspect(exports *goja.Object) Exports {
	var out Exports
	for _, key := range exports.Keys() {
		v := exports.Get(key)
		_, callable := goja.AssertFunction(v)
		switch key {
		case "activate":
			out.DefinesActivate = true
			out.HasActivate = callable
		case "deactivate":
			out.DefinesDeactivate = true
			out.HasDeactivate = callable
		case "migrations":
			if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
				continue
			}
			if obj, ok := v.(*goja.Object); ok {
				for _, version := range obj.Keys() {
					if _, ok := goja.AssertFunction(obj.Get(version)); ok {
						out.Migrations = append(out.Migrations, version)
					}
				}
			}
		default:
			if callable {
				out.Functions = append(out.Functions, key)
			}
		}
	}
	sort.Strings(out.Functions)
	sort.Strings(out.Migrations)
	return out
}

func installGlobals(vm *goja.Runtime, pluginID string) {
	log := logger.ForPlugin(pluginID)
	console := vm.NewObject()
	bind := func(name string, level slog.Level) {
		_ = console.Set(name, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			log.Log(context.Background(), level, strings.Join(parts, " "))
			return goja.Undefined()
		})
	}
	bind("log", slog.LevelInfo)
	bind("info", slog.LevelInfo)
	bind("debug", slog.LevelDebug)
	bind("warn", slog.LevelWarn)
	bind("error", slog.LevelError)
	_ = vm.Set("console", console)

	_ = vm.Set("require", func(goja.FunctionCall) goja.Value {
		panic(vm.NewTypeError("require is not available inside the plugin sandbox"))
	})
}
