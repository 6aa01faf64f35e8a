package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/sony/gobreaker"
)

// ErrUnresolvable is returned when no published version satisfies a range.
var ErrUnresolvable = errors.New("no version satisfies the range")

// DependencyRegistry resolves a version range to a concrete published version.
type DependencyRegistry interface {
	Resolve(ctx context.Context, pluginID, constraint string) (string, error)
}

// Advisory is one known vulnerability affecting a plugin version.
type Advisory struct {
	ID       string `json:"id" yaml:"id"`
	PluginID string `json:"pluginId" yaml:"pluginId"`
	Affected string `json:"affected" yaml:"affected"`
	Severity string `json:"severity" yaml:"severity"`
	Summary  string `json:"summary" yaml:"summary"`
}

// AdvisorySource lists advisories that affect a specific version.
type AdvisorySource interface {
	Advisories(ctx context.Context, pluginID, version string) ([]Advisory, error)
}

// StaticRegistry resolves against an in-memory version list.
type StaticRegistry struct {
	mu       sync.RWMutex
	versions map[string][]string
}

// NewStaticRegistry seeds the registry with pluginID -> versions.
func NewStaticRegistry(seed map[string][]string) *StaticRegistry {
	r := &StaticRegistry{versions: make(map[string][]string)}
	for id, vs := range seed {
		for _, v := range vs {
			r.Publish(id, v)
		}
	}
	return r
}

// Publish records a version.
func (r *StaticRegistry) Publish(pluginID, version string) {
	r.mu.Lock()
	r.versions[pluginID] = append(r.versions[pluginID], version)
	r.mu.Unlock()
}

// Withdraw removes every version of pluginID.
func (r *StaticRegistry) Withdraw(pluginID string) {
	r.mu.Lock()
	delete(r.versions, pluginID)
	r.mu.Unlock()
}

// Resolve implements DependencyRegistry.
func (r *StaticRegistry) Resolve(_ context.Context, pluginID, constraint string) (string, error) {
	r.mu.RLock()
	candidates := append([]string(nil), r.versions[pluginID]...)
	r.mu.RUnlock()
	return highestMatching(pluginID, constraint, candidates)
}

// ChainRegistry tries each registry in order and returns the first resolution.
type ChainRegistry []DependencyRegistry

// Resolve implements DependencyRegistry.
func (c ChainRegistry) Resolve(ctx context.Context, pluginID, constraint string) (string, error) {
	var errs []error
	for _, r := range c {
		if r == nil {
			continue
		}
		v, err := r.Resolve(ctx, pluginID, constraint)
		if err == nil {
			return v, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("%s %s: %w", pluginID, constraint, ErrUnresolvable)
	}
	return "", errors.Join(errs...)
}

// StaticAdvisories matches versions against advisory ranges held in memory.
type StaticAdvisories struct {
	mu    sync.RWMutex
	items []Advisory
}

// NewStaticAdvisories returns a source seeded with items.
func NewStaticAdvisories(items ...Advisory) *StaticAdvisories {
	return &StaticAdvisories{items: items}
}

// Add records an advisory.
func (s *StaticAdvisories) Add(a Advisory) {
	s.mu.Lock()
	s.items = append(s.items, a)
	s.mu.Unlock()
}

// Advisories implements AdvisorySource.
func (s *StaticAdvisories) Advisories(_ context.Context, pluginID, version string) ([]Advisory, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("parse version %q: %w", version, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Advisory
	for _, a := range s.items {
		if a.PluginID != pluginID {
			continue
		}
		c, err := semver.NewConstraint(a.Affected)
		if err != nil {
			continue
		}
		if c.Check(v) {
			out = append(out, a)
		}
	}
	return out, nil
}

// HTTPRegistry resolves versions from a remote plugin registry behind a circuit breaker.
// It calls GET {base}/plugins/{id}/versions and expects {"versions": [...]}.
// The same client answers advisory lookups via GET {base}/advisories?plugin=&version=.
type HTTPRegistry struct {
	base    string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPRegistry constructs a remote registry client.
func NewHTTPRegistry(baseURL string, timeout time.Duration) *HTTPRegistry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPRegistry{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "plugin-registry",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Resolve implements DependencyRegistry.
func (r *HTTPRegistry) Resolve(ctx context.Context, pluginID, constraint string) (string, error) {
	var body struct {
		Versions []string `json:"versions"`
	}
	endpoint := fmt.Sprintf("%s/plugins/%s/versions", r.base, url.PathEscape(pluginID))
	if err := r.getJSON(ctx, endpoint, &body); err != nil {
		return "", err
	}
	return highestMatching(pluginID, constraint, body.Versions)
}

// Advisories implements AdvisorySource.
func (r *HTTPRegistry) Advisories(ctx context.Context, pluginID, version string) ([]Advisory, error) {
	q := url.Values{"plugin": {pluginID}, "version": {version}}
	var out []Advisory
	if err := r.getJSON(ctx, r.base+"/advisories?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *HTTPRegistry) getJSON(ctx context.Context, endpoint string, dst any) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := r.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrUnresolvable
		}
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("registry returned %s", resp.Status)
		}
		return nil, json.NewDecoder(resp.Body).Decode(dst)
	})
	return err
}

func highestMatching(pluginID, constraint string, candidates []string) (string, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return "", fmt.Errorf("parse range %q: %w", constraint, err)
	}
	var best *semver.Version
	for _, raw := range candidates {
		v, err := semver.NewVersion(raw)
		if err != nil || !c.Check(v) {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
		}
	}
	if best == nil {
		return "", fmt.Errorf("%s %s: %w", pluginID, constraint, ErrUnresolvable)
	}
	return best.Original(), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
