// Package hostapi holds the host-side collaborators the plugin facade talks to: the host
// surface (version and available capabilities), documents, UI, the runtime permission
// prompt and outbound fetches.
package hostapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	xerrors "OpenPlugin-Guard/internal/errors"
	"OpenPlugin-Guard/pkg/permission"
)

// Surface exposes the host facts compatibility checks need.
type Surface interface {
	HostVersion(ctx context.Context) (string, error)
	AvailablePermissions(ctx context.Context) (caps []permission.Capability, restricted bool, err error)
}

// StaticSurface answers from fixed values. An empty Permissions list means unrestricted.
type StaticSurface struct {
	Version     string
	Permissions []permission.Capability
}

func (s StaticSurface) HostVersion(context.Context) (string, error) {
	if s.Version == "" {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "host version not configured")
	}
	return s.Version, nil
}

func (s StaticSurface) AvailablePermissions(context.Context) ([]permission.Capability, bool, error) {
	if len(s.Permissions) == 0 {
		return nil, false, nil
	}
	return append([]permission.Capability(nil), s.Permissions...), true, nil
}

type hostInfo struct {
	Version     string                  `json:"version"`
	Permissions []permission.Capability `json:"permissions"`
}

// HTTPSurface reads GET {base}/host and caches the answer for a TTL.
type HTTPSurface struct {
	base    string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	ttl     time.Duration

	mu      sync.Mutex
	cached  hostInfo
	fetched time.Time
}

// NewHTTPSurface creates a remote surface client.
func NewHTTPSurface(baseURL string, ttl time.Duration) *HTTPSurface {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &HTTPSurface{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: 5 * time.Second},
		ttl:    ttl,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "host-surface",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		}),
	}
}

func (s *HTTPSurface) HostVersion(ctx context.Context) (string, error) {
	info, err := s.info(ctx)
	if err != nil {
		return "", err
	}
	return info.Version, nil
}

func (s *HTTPSurface) AvailablePermissions(ctx context.Context) ([]permission.Capability, bool, error) {
	info, err := s.info(ctx)
	if err != nil {
		return nil, false, err
	}
	return info.Permissions, len(info.Permissions) > 0, nil
}

func (s *HTTPSurface) info(ctx context.Context) (hostInfo, error) {
	s.mu.Lock()
	if !s.fetched.IsZero() && time.Since(s.fetched) < s.ttl {
		info := s.cached
		s.mu.Unlock()
		return info, nil
	}
	s.mu.Unlock()

	out, err := s.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/host", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("host surface returned %s", resp.Status)
		}
		var info hostInfo
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return nil, err
		}
		return info, nil
	})
	if err != nil {
		return hostInfo{}, xerrors.Wrap(xerrors.CodeUnknown, err, "query host surface")
	}
	info := out.(hostInfo)
	s.mu.Lock()
	s.cached, s.fetched = info, time.Now()
	s.mu.Unlock()
	return info, nil
}
