package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"OpenPlugin-Guard/internal/bus"
	xerrors "OpenPlugin-Guard/internal/errors"
	"OpenPlugin-Guard/internal/hostapi"
	"OpenPlugin-Guard/internal/queue"
	"OpenPlugin-Guard/internal/store"
	"OpenPlugin-Guard/pkg/logger"
	"OpenPlugin-Guard/pkg/manifest"
	"OpenPlugin-Guard/pkg/permission"
)

// Broker escalates capabilities at runtime.
type Broker interface {
	RequestPermission(ctx context.Context, c permission.Capability) (bool, error)
}

// API is the only handle a plugin gets on the host. Every method checks the capability,
// then the call quota, then filters content crossing the boundary.
type API struct {
	sec      *SecurityContext
	manifest manifest.Manifest
	policy   IsolationPolicy
	broker   Broker
	base     context.Context

	docs    hostapi.Documents
	ui      hostapi.UI
	fetcher hostapi.Fetcher
	store   store.Store
	bus     *bus.Bus
	hooks   *bus.Hooks
	queue   *queue.Queue

	log *slog.Logger
}

// PluginID returns the id the API is bound to.
func (a *API) PluginID() string { return a.sec.PluginID }

// Manifest returns the manifest of the bound plugin.
func (a *API) Manifest() manifest.Manifest { return a.manifest }

// Security exposes the security context, mainly for tests and analytics.
func (a *API) Security() *SecurityContext { return a.sec }

// Context is the long-lived context used by callbacks that have no caller context.
func (a *API) Context() context.Context { return a.base }

// Logger returns the plugin logger.
func (a *API) Logger() *slog.Logger { return a.log }

// ReadDocument returns sanitized document content.
func (a *API) ReadDocument(ctx context.Context, docID string) (string, error) {
	if err := a.sec.Guard(permission.DocumentRead); err != nil {
		return "", err
	}
	content, err := a.docs.Read(ctx, docID)
	if err != nil {
		return "", err
	}
	return a.sec.Filter.SanitizeHTML(content), nil
}

// WriteDocument sanitizes content and writes it to the document.
func (a *API) WriteDocument(ctx context.Context, docID, content string) error {
	if err := a.sec.Guard(permission.DocumentWrite); err != nil {
		return err
	}
	return a.docs.Write(ctx, docID, a.sec.Filter.SanitizeHTML(content))
}

// ShowToast displays a notification after rejecting script injection.
func (a *API) ShowToast(ctx context.Context, message, level string) error {
	if err := a.sec.Guard(permission.UINotification); err != nil {
		return err
	}
	if !a.sec.Filter.ValidateInput(message) {
		return a.sec.reject(permission.UINotification, "toast message")
	}
	if level == "" {
		level = "info"
	}
	return a.ui.ShowToast(ctx, hostapi.Toast{
		PluginID: a.sec.PluginID,
		Message:  message,
		Level:    level,
		Time:     time.Now().UTC(),
	})
}

// AddMenuItem contributes a menu entry owned by the plugin.
func (a *API) AddMenuItem(ctx context.Context, id, label, command string) error {
	if err := a.sec.Guard(permission.UIMenu); err != nil {
		return err
	}
	if id == "" || label == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "menu item requires id and label")
	}
	if !a.sec.Filter.ValidateInput(label) || !a.sec.Filter.ValidateInput(command) {
		return a.sec.reject(permission.UIMenu, "menu item")
	}
	return a.ui.AddMenuItem(ctx, hostapi.MenuItem{
		PluginID: a.sec.PluginID,
		ID:       id,
		Label:    label,
		Command:  command,
	})
}

// StorageGet decodes a value the plugin stored earlier.
func (a *API) StorageGet(ctx context.Context, key string) (any, bool, error) {
	if err := a.sec.Guard(permission.StorageRead); err != nil {
		return nil, false, err
	}
	raw, ok, err := a.store.GetData(ctx, a.sec.PluginID, key)
	if err != nil || !ok {
		return nil, false, err
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode stored value",
			xerrors.WithMetadata("key", key))
	}
	return v, true, nil
}

// StorageSet encodes value as JSON and persists it when the size delta fits the quota.
func (a *API) StorageSet(ctx context.Context, key string, value any) error {
	if err := a.sec.Guard(permission.StorageWrite); err != nil {
		return err
	}
	if key == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "storage key cannot be empty")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode storage value",
			xerrors.WithMetadata("key", key))
	}
	prev, existed, err := a.store.GetData(ctx, a.sec.PluginID, key)
	if err != nil {
		return err
	}
	delta := int64(len(key) + len(raw))
	if existed {
		delta -= int64(len(key) + len(prev))
	}
	if !a.sec.Monitor.TrackStorageUsage(a.sec.PluginID, delta) {
		return xerrors.New(xerrors.CodeQuotaExceeded,
			fmt.Sprintf("plugin %s exceeded its storage quota", a.sec.PluginID),
			xerrors.WithPlugin(a.sec.PluginID),
			xerrors.WithMetadata("key", key))
	}
	if err := a.store.SetData(ctx, a.sec.PluginID, key, string(raw)); err != nil {
		a.sec.Monitor.TrackStorageUsage(a.sec.PluginID, -delta)
		return err
	}
	return nil
}

// Emit publishes a plugin event. Names under "plugin:" belong to the host.
func (a *API) Emit(ctx context.Context, name string, data any) error {
	if err := a.sec.Guard(permission.PluginCommunicate); err != nil {
		return err
	}
	if name == "" || name == bus.Wildcard || strings.HasPrefix(name, reservedPrefix) {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("event name %q is reserved", name),
			xerrors.WithPlugin(a.sec.PluginID))
	}
	a.bus.Publish(ctx, name, a.sec.PluginID, data)
	return nil
}

// On subscribes to an event. The subscription is dropped when the plugin unregisters.
func (a *API) On(name string, handler bus.Handler) (func(), error) {
	if err := a.sec.Guard(permission.PluginCommunicate); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "event name cannot be empty")
	}
	return a.bus.Subscribe(name, a.sec.PluginID, handler), nil
}

// RegisterHook adds a callback to a host extension point.
func (a *API) RegisterHook(name string, priority int, fn bus.HookFunc) (func(), error) {
	if err := a.sec.Guard(permission.PluginHooks); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "hook name cannot be empty")
	}
	return a.hooks.Register(name, a.sec.PluginID, priority, fn), nil
}

// SendMessage queues a message for another plugin, or for all with queue.Broadcast.
func (a *API) SendMessage(ctx context.Context, target, msgType string, payload any, priority int) (queue.Message, error) {
	if err := a.sec.Guard(permission.PluginCommunicate); err != nil {
		return queue.Message{}, err
	}
	return a.queue.Enqueue(ctx, queue.Message{
		Source:   a.sec.PluginID,
		Target:   target,
		Type:     msgType,
		Payload:  payload,
		Priority: priority,
	})
}

// OnMessage installs the plugin's queue handler, replacing any earlier one.
func (a *API) OnMessage(handler queue.Handler) (func(), error) {
	if err := a.sec.Guard(permission.PluginCommunicate); err != nil {
		return nil, err
	}
	return a.queue.Subscribe(a.sec.PluginID, handler), nil
}

// Fetch performs an HTTP request to a trusted host.
func (a *API) Fetch(ctx context.Context, req hostapi.FetchRequest) (hostapi.FetchResponse, error) {
	if err := a.sec.Guard(permission.NetworkFetch); err != nil {
		return hostapi.FetchResponse{}, err
	}
	if !a.sec.Filter.ValidateURL(req.URL) {
		return hostapi.FetchResponse{}, a.sec.reject(permission.NetworkFetch, "url "+req.URL)
	}
	a.log.Debug("plugin fetch", slog.String("request", req.String()))
	return a.fetcher.Fetch(ctx, req)
}

// ReadFile reads a file inside one of the plugin's granted directories.
func (a *API) ReadFile(_ context.Context, path string) (string, error) {
	if err := a.sec.Guard(permission.SystemFilesystem); err != nil {
		return "", err
	}
	resolved, ok := a.sec.Filter.ResolveFileAccess(a.sec.PluginID, path)
	if !ok {
		return "", xerrors.New(xerrors.CodePermissionDenied,
			fmt.Sprintf("plugin %s may not read %s", a.sec.PluginID, path),
			xerrors.WithPlugin(a.sec.PluginID),
			xerrors.WithMetadata("capability", string(permission.SystemFilesystem)))
	}
	raw, err := os.ReadFile(resolved)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeNotFound, err, "read plugin file")
	}
	return string(raw), nil
}

// HasPermission reports whether c is currently granted.
func (a *API) HasPermission(c permission.Capability) bool {
	return a.sec.Permissions.Has(c)
}

// RequestPermission asks the broker for c. Capabilities the host policy denies are
// refused without prompting.
func (a *API) RequestPermission(ctx context.Context, c permission.Capability) (bool, error) {
	if a.sec.Permissions.Has(c) {
		return true, nil
	}
	if !permission.IsKnown(c) || !a.policyAllows(c) || a.broker == nil {
		logger.AuditPlugin(a.sec.PluginID).Info("runtime permission refused by policy", slog.String("capability", string(c)))
		return false, nil
	}
	return a.broker.RequestPermission(ctx, c)
}

func (a *API) policyAllows(c permission.Capability) bool {
	if slices.Contains(a.policy.DeniedCapabilities, c) {
		return false
	}
	if len(a.policy.AllowedCapabilities) > 0 {
		return slices.Contains(a.policy.AllowedCapabilities, c)
	}
	return true
}
