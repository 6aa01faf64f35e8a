package hostapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	xerrors "OpenPlugin-Guard/internal/errors"
	"OpenPlugin-Guard/pkg/permission"
)

// Documents is the editor's document store.
type Documents interface {
	Read(ctx context.Context, docID string) (string, error)
	Write(ctx context.Context, docID, content string) error
}

// MemoryDocuments keeps documents in a map.
type MemoryDocuments struct {
	mu   sync.RWMutex
	docs map[string]string
}

func NewMemoryDocuments(seed map[string]string) *MemoryDocuments {
	docs := make(map[string]string, len(seed))
	for k, v := range seed {
		docs[k] = v
	}
	return &MemoryDocuments{docs: docs}
}

func (d *MemoryDocuments) Read(_ context.Context, docID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	content, ok := d.docs[docID]
	if !ok {
		return "", xerrors.New(xerrors.CodeNotFound, "document not found", xerrors.WithMetadata("document", docID))
	}
	return content, nil
}

func (d *MemoryDocuments) Write(_ context.Context, docID, content string) error {
	d.mu.Lock()
	d.docs[docID] = content
	d.mu.Unlock()
	return nil
}

// Toast is a transient notification raised by a plugin.
type Toast struct {
	PluginID string    `json:"pluginId"`
	Message  string    `json:"message"`
	Level    string    `json:"level"`
	Time     time.Time `json:"time"`
}

// MenuItem is a command entry contributed by a plugin.
type MenuItem struct {
	PluginID string `json:"pluginId"`
	ID       string `json:"id"`
	Label    string `json:"label"`
	Command  string `json:"command"`
}

// UI is the host's user interface surface.
type UI interface {
	ShowToast(ctx context.Context, toast Toast) error
	AddMenuItem(ctx context.Context, item MenuItem) error
	RemovePlugin(ctx context.Context, pluginID string) error
}

// MemoryUI records what plugins asked the UI to do.
type MemoryUI struct {
	mu     sync.Mutex
	toasts []Toast
	menu   []MenuItem
}

func NewMemoryUI() *MemoryUI { return &MemoryUI{} }

func (u *MemoryUI) ShowToast(_ context.Context, toast Toast) error {
	if toast.Time.IsZero() {
		toast.Time = time.Now()
	}
	u.mu.Lock()
	u.toasts = append(u.toasts, toast)
	u.mu.Unlock()
	return nil
}

func (u *MemoryUI) AddMenuItem(_ context.Context, item MenuItem) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, existing := range u.menu {
		if existing.PluginID == item.PluginID && existing.ID == item.ID {
			return xerrors.New(xerrors.CodeConflict, "menu item already registered",
				xerrors.WithPlugin(item.PluginID), xerrors.WithMetadata("item", item.ID))
		}
	}
	u.menu = append(u.menu, item)
	return nil
}

// RemovePlugin drops the plugin's menu items.
func (u *MemoryUI) RemovePlugin(_ context.Context, pluginID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	kept := u.menu[:0]
	for _, item := range u.menu {
		if item.PluginID != pluginID {
			kept = append(kept, item)
		}
	}
	u.menu = kept
	return nil
}

func (u *MemoryUI) Toasts() []Toast {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]Toast(nil), u.toasts...)
}

func (u *MemoryUI) MenuItems() []MenuItem {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]MenuItem(nil), u.menu...)
}

// Approve grants every prompted capability.
type Approve struct{}

func (Approve) Prompt(context.Context, string, permission.Capability) (bool, error) { return true, nil }

// Deny refuses every prompted capability.
type Deny struct{}

func (Deny) Prompt(context.Context, string, permission.Capability) (bool, error) { return false, nil }

// AllowList approves only the listed capabilities.
type AllowList map[permission.Capability]bool

func (a AllowList) Prompt(_ context.Context, _ string, c permission.Capability) (bool, error) {
	return a[c], nil
}

// FetchRequest is an outbound request issued by a plugin.
type FetchRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// FetchResponse is returned to the plugin.
type FetchResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// Fetcher performs outbound requests on behalf of plugins.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// HTTPFetcher issues requests with net/http and truncates bodies at MaxBody bytes.
type HTTPFetcher struct {
	Client  *http.Client
	MaxBody int64
}

func (f *HTTPFetcher) Fetch(ctx context.Context, in FetchRequest) (FetchResponse, error) {
	method := strings.ToUpper(in.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if in.Body != "" {
		body = strings.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, in.URL, body)
	if err != nil {
		return FetchResponse{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "build fetch request")
	}
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return FetchResponse{}, xerrors.Wrap(xerrors.CodeExecutionFailed, err, "fetch failed")
	}
	defer resp.Body.Close()
	limit := f.MaxBody
	if limit <= 0 {
		limit = 1 << 20
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return FetchResponse{}, xerrors.Wrap(xerrors.CodeExecutionFailed, err, "read fetch body")
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}
	return FetchResponse{Status: resp.StatusCode, Headers: headers, Body: string(raw)}, nil
}

// String is used in logs.
func (r FetchRequest) String() string { return fmt.Sprintf("%s %s", r.Method, r.URL) }
