package plugin

import (
	"context"
	"time"

	"github.com/dop251/goja"

	"OpenPlugin-Guard/internal/bus"
	xerrors "OpenPlugin-Guard/internal/errors"
	"OpenPlugin-Guard/internal/hostapi"
	"OpenPlugin-Guard/internal/queue"
	"OpenPlugin-Guard/internal/sandbox"
	"OpenPlugin-Guard/pkg/permission"
)

// hostCallTimeout bounds host calls made from script, which the runtime interrupt cannot reach.
const hostCallTimeout = 10 * time.Second

// throw raises err inside the runtime as an Error carrying a code property.
func throw(vm *goja.Runtime, err error) {
	obj := vm.NewGoError(err)
	_ = obj.Set("code", string(xerrors.CodeOf(err)))
	panic(obj)
}

// newContextObject builds the object passed to activate. Its methods run on the sandbox
// worker and therefore never call back into the same sandbox synchronously.
func newContextObject(vm *goja.Runtime, sb *sandbox.Sandbox, api *API) *goja.Object {
	call := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(api.Context(), hostCallTimeout)
	}
	ctxObj := vm.NewObject()
	_ = ctxObj.Set("pluginId", api.PluginID())
	_ = ctxObj.Set("manifest", api.Manifest())

	document := vm.NewObject()
	_ = document.Set("read", func(docID string) string {
		ctx, cancel := call()
		defer cancel()
		out, err := api.ReadDocument(ctx, docID)
		if err != nil {
			throw(vm, err)
		}
		return out
	})
	_ = document.Set("write", func(docID, content string) {
		ctx, cancel := call()
		defer cancel()
		if err := api.WriteDocument(ctx, docID, content); err != nil {
			throw(vm, err)
		}
	})
	_ = ctxObj.Set("document", document)

	ui := vm.NewObject()
	_ = ui.Set("showToast", func(message, level string) {
		ctx, cancel := call()
		defer cancel()
		if err := api.ShowToast(ctx, message, level); err != nil {
			throw(vm, err)
		}
	})
	_ = ui.Set("addMenuItem", func(item map[string]string) {
		ctx, cancel := call()
		defer cancel()
		if err := api.AddMenuItem(ctx, item["id"], item["label"], item["command"]); err != nil {
			throw(vm, err)
		}
	})
	_ = ctxObj.Set("ui", ui)

	storage := vm.NewObject()
	_ = storage.Set("get", func(key string) goja.Value {
		ctx, cancel := call()
		defer cancel()
		v, ok, err := api.StorageGet(ctx, key)
		if err != nil {
			throw(vm, err)
		}
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(v)
	})
	_ = storage.Set("set", func(key string, value goja.Value) {
		ctx, cancel := call()
		defer cancel()
		if err := api.StorageSet(ctx, key, value.Export()); err != nil {
			throw(vm, err)
		}
	})
	_ = ctxObj.Set("storage", storage)

	events := vm.NewObject()
	_ = events.Set("emit", func(name string, data goja.Value) {
		ctx, cancel := call()
		defer cancel()
		if err := api.Emit(ctx, name, exportValue(data)); err != nil {
			throw(vm, err)
		}
	})
	_ = events.Set("on", func(name string, fn goja.Callable) goja.Value {
		off, err := api.On(name, func(_ context.Context, ev bus.Event) error {
			// Delivery may happen on this worker, so the callback is posted.
			sb.Post(func(vm *goja.Runtime, _ *goja.Object) (any, error) {
				_, err := fn(goja.Undefined(), vm.ToValue(ev.Data), vm.ToValue(ev.Source), vm.ToValue(ev.Name))
				return nil, err
			})
			return nil
		})
		if err != nil {
			throw(vm, err)
		}
		return vm.ToValue(off)
	})
	_ = ctxObj.Set("events", events)

	hooks := vm.NewObject()
	_ = hooks.Set("register", func(name string, fn goja.Callable, priority int) goja.Value {
		off, err := api.RegisterHook(name, priority, func(ctx context.Context, payload any) (any, error) {
			return sb.Do(func(vm *goja.Runtime, _ *goja.Object) (any, error) {
				out, err := fn(goja.Undefined(), vm.ToValue(payload))
				if err != nil {
					return nil, err
				}
				return sandbox.Settle(out)
			})
		})
		if err != nil {
			throw(vm, err)
		}
		return vm.ToValue(off)
	})
	_ = ctxObj.Set("hooks", hooks)

	messages := vm.NewObject()
	_ = messages.Set("send", func(target, msgType string, payload goja.Value, priority int) string {
		ctx, cancel := call()
		defer cancel()
		msg, err := api.SendMessage(ctx, target, msgType, exportValue(payload), priority)
		if err != nil {
			throw(vm, err)
		}
		return msg.ID
	})
	_ = messages.Set("onMessage", func(fn goja.Callable) goja.Value {
		off, err := api.OnMessage(func(_ context.Context, msg queue.Message) error {
			_, err := sb.Do(func(vm *goja.Runtime, _ *goja.Object) (any, error) {
				out, err := fn(goja.Undefined(), vm.ToValue(map[string]any{
					"id":       msg.ID,
					"source":   msg.Source,
					"type":     msg.Type,
					"payload":  msg.Payload,
					"priority": msg.Priority,
				}))
				if err != nil {
					return nil, err
				}
				return sandbox.Settle(out)
			})
			return err
		})
		if err != nil {
			throw(vm, err)
		}
		return vm.ToValue(off)
	})
	_ = ctxObj.Set("messages", messages)

	network := vm.NewObject()
	_ = network.Set("fetch", func(url string, opts map[string]any) map[string]any {
		ctx, cancel := call()
		defer cancel()
		req := hostapi.FetchRequest{URL: url, Method: "GET"}
		if m, ok := opts["method"].(string); ok && m != "" {
			req.Method = m
		}
		if b, ok := opts["body"].(string); ok {
			req.Body = b
		}
		if h, ok := opts["headers"].(map[string]any); ok {
			req.Headers = make(map[string]string, len(h))
			for k, v := range h {
				if s, ok := v.(string); ok {
					req.Headers[k] = s
				}
			}
		}
		resp, err := api.Fetch(ctx, req)
		if err != nil {
			throw(vm, err)
		}
		return map[string]any{"status": resp.Status, "headers": resp.Headers, "body": resp.Body}
	})
	_ = ctxObj.Set("network", network)

	files := vm.NewObject()
	_ = files.Set("read", func(path string) string {
		ctx, cancel := call()
		defer cancel()
		out, err := api.ReadFile(ctx, path)
		if err != nil {
			throw(vm, err)
		}
		return out
	})
	_ = ctxObj.Set("files", files)

	perms := vm.NewObject()
	_ = perms.Set("has", func(c string) bool {
		return api.HasPermission(permission.Capability(c))
	})
	_ = perms.Set("request", func(c string) bool {
		ctx, cancel := call()
		defer cancel()
		ok, err := api.RequestPermission(ctx, permission.Capability(c))
		if err != nil {
			throw(vm, err)
		}
		return ok
	})
	_ = ctxObj.Set("permissions", perms)

	return ctxObj
}

func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}
