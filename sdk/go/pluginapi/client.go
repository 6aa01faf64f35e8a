// Package pluginapi is a Go client for the plugin host lifecycle API.
package pluginapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"OpenPlugin-Guard/pkg/manifest"
	"OpenPlugin-Guard/pkg/plugin"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the plugin host REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// APIError is the error body returned by the host.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Details    []string          `json:"details,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("plugin api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("plugin api error (%d): %s", e.StatusCode, e.Message)
}

// HookCallback is the outcome of one hook callback.
type HookCallback struct {
	Owner     string `json:"owner"`
	Priority  int    `json:"priority"`
	Value     any    `json:"value,omitempty"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsedMs"`
}

// HookOutcome is the response of RunHook.
type HookOutcome struct {
	Result    any            `json:"result"`
	Callbacks []HookCallback `json:"callbacks"`
}

// NewClient instantiates a client. When httpClient is nil, a default client with
// a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token sent with every request.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Register installs a plugin bundle.
func (c *Client) Register(ctx context.Context, bundle manifest.Bundle) (plugin.Info, error) {
	var info plugin.Info
	err := c.call(ctx, http.MethodPost, "/api/v1/plugins", bundle, &info)
	return info, err
}

// Upgrade replaces an installed plugin with a new version of the bundle.
func (c *Client) Upgrade(ctx context.Context, bundle manifest.Bundle) (plugin.Info, error) {
	var info plugin.Info
	err := c.call(ctx, http.MethodPut, pluginPath(bundle.Manifest.ID), bundle, &info)
	return info, err
}

// Unregister uninstalls a plugin. Unknown ids are not an error.
func (c *Client) Unregister(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, pluginPath(id), nil, nil)
}

// Enable re-activates a disabled plugin.
func (c *Client) Enable(ctx context.Context, id string) (plugin.Info, error) {
	var info plugin.Info
	err := c.call(ctx, http.MethodPost, pluginPath(id, "enable"), nil, &info)
	return info, err
}

// Disable stops a plugin and keeps its data.
func (c *Client) Disable(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodPost, pluginPath(id, "disable"), nil, nil)
}

// Get describes one plugin.
func (c *Client) Get(ctx context.Context, id string) (plugin.Info, error) {
	var info plugin.Info
	err := c.call(ctx, http.MethodGet, pluginPath(id), nil, &info)
	return info, err
}

// List returns every installed plugin.
func (c *Client) List(ctx context.Context) ([]plugin.Info, error) {
	var list []plugin.Info
	err := c.call(ctx, http.MethodGet, "/api/v1/plugins", nil, &list)
	return list, err
}

// Analytics returns usage counters of an active plugin.
func (c *Client) Analytics(ctx context.Context, id string) (plugin.Analytics, error) {
	var a plugin.Analytics
	err := c.call(ctx, http.MethodGet, pluginPath(id, "analytics"), nil, &a)
	return a, err
}

// Execute calls an exported plugin function.
func (c *Client) Execute(ctx context.Context, id, function string, args ...any) (any, error) {
	var out struct {
		Result any `json:"result"`
	}
	body := map[string]any{"function": function, "args": args}
	if err := c.call(ctx, http.MethodPost, pluginPath(id, "execute"), body, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

// RunHook runs a named hook. mode is "serial" or "parallel".
func (c *Client) RunHook(ctx context.Context, name string, payload any, mode string) (HookOutcome, error) {
	var out HookOutcome
	body := map[string]any{"payload": payload, "mode": mode}
	err := c.call(ctx, http.MethodPost, "/api/v1/hooks/"+url.PathEscape(name), body, &out)
	return out, err
}

// Emit publishes a host event to plugin listeners.
func (c *Client) Emit(ctx context.Context, name string, data any) error {
	return c.call(ctx, http.MethodPost, "/api/v1/events/"+url.PathEscape(name), data, nil)
}

func pluginPath(id string, rest ...string) string {
	return path.Join(append([]string{"/api/v1/plugins", url.PathEscape(id)}, rest...)...)
}

func (c *Client) call(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	u := c.baseURL.JoinPath(endpoint)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
