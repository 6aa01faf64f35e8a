// Package monitor meters per-plugin resource usage against configured ceilings.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"OpenPlugin-Guard/pkg/logger"
)

// DefaultWindow is the length of the API call accounting window.
const DefaultWindow = time.Minute

// Metric names carried in limit events.
const (
	MetricAPICalls = "apiCalls"
	MetricMemory   = "memory"
	MetricStorage  = "storage"
	MetricCPU      = "cpu"
)

// Limits holds the ceilings for one plugin. Zero disables a ceiling.
type Limits struct {
	MaxMemoryMB          float64 `yaml:"max_memory_mb" json:"maxMemoryMB"`
	MaxCPUPercent        float64 `yaml:"max_cpu_percent" json:"maxCPUPercent"`
	MaxStorageBytes      int64   `yaml:"max_storage_bytes" json:"maxStorageBytes"`
	MaxAPICallsPerMinute int     `yaml:"max_api_calls_per_minute" json:"maxAPICallsPerMinute"`
}

// Usage is a point-in-time snapshot of a plugin's consumption.
type Usage struct {
	MemoryMB     float64   `json:"memoryMB"`
	CPUPercent   float64   `json:"cpuPercent"`
	StorageBytes int64     `json:"storageBytes"`
	APICalls     int       `json:"apiCalls"`
	WindowStart  time.Time `json:"windowStart"`
}

// LimitEvent is reported every time a tracked value breaches its ceiling.
type LimitEvent struct {
	PluginID string
	Metric   string
	Value    float64
	Limit    float64
	At       time.Time
}

// Sink receives limit events. It is called outside the monitor lock.
type Sink func(LimitEvent)

type entry struct {
	limits Limits
	usage  Usage
}

// Monitor tracks usage for all registered plugins.
type Monitor struct {
	mu      sync.Mutex
	entries map[string]*entry
	window  time.Duration
	sink    Sink
	now     func() time.Time
	log     *slog.Logger
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithSink installs the limit event receiver.
func WithSink(sink Sink) Option {
	return func(m *Monitor) { m.sink = sink }
}

// WithWindow overrides the API call window length.
func WithWindow(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// New constructs an empty monitor.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		entries: make(map[string]*entry),
		window:  DefaultWindow,
		now:     time.Now,
		log:     logger.Named("monitor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetSink replaces the limit event receiver after construction.
func (m *Monitor) SetSink(sink Sink) {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

// InitializePlugin creates zeroed usage for id. Calling it again overwrites the entry.
func (m *Monitor) InitializePlugin(id string, limits Limits) {
	m.mu.Lock()
	m.entries[id] = &entry{limits: limits, usage: Usage{WindowStart: m.now()}}
	m.mu.Unlock()
}

// TrackAPICall counts one API call and reports whether it is within the per-window limit.
// Unknown plugins are rejected without an event.
func (m *Monitor) TrackAPICall(id string) bool {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	now := m.now()
	if now.Sub(e.usage.WindowStart) >= m.window {
		e.usage.APICalls = 0
		e.usage.WindowStart = now
	}
	e.usage.APICalls++
	limit := e.limits.MaxAPICallsPerMinute
	count := e.usage.APICalls
	m.mu.Unlock()

	if limit > 0 && count > limit {
		m.emit(id, MetricAPICalls, float64(count), float64(limit))
		return false
	}
	return true
}

// TrackMemoryUsage records the current memory footprint in bytes.
// The value is kept even when over the ceiling so the sandbox poll can act on it.
func (m *Monitor) TrackMemoryUsage(id string, bytes int64) bool {
	mb := float64(bytes) / (1024 * 1024)
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	e.usage.MemoryMB = mb
	limit := e.limits.MaxMemoryMB
	m.mu.Unlock()

	if limit > 0 && mb > limit {
		m.emit(id, MetricMemory, mb, limit)
		return false
	}
	return true
}

// TrackStorageUsage applies a storage delta. A growing delta that would breach the
// ceiling is not applied; shrinking deltas always are.
func (m *Monitor) TrackStorageUsage(id string, delta int64) bool {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	next := max(e.usage.StorageBytes+delta, 0)
	limit := e.limits.MaxStorageBytes
	if delta > 0 && limit > 0 && next > limit {
		m.mu.Unlock()
		m.emit(id, MetricStorage, float64(next), float64(limit))
		return false
	}
	e.usage.StorageBytes = next
	m.mu.Unlock()
	return true
}

// SetStorageUsage records the measured size of id's stored data. Unlike
// TrackStorageUsage the value is kept when over the ceiling, so later writes fail and
// the watchdog sees the breach.
func (m *Monitor) SetStorageUsage(id string, bytes int64) bool {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	e.usage.StorageBytes = max(bytes, 0)
	limit := e.limits.MaxStorageBytes
	m.mu.Unlock()

	if limit > 0 && bytes > limit {
		m.emit(id, MetricStorage, float64(bytes), float64(limit))
		return false
	}
	return true
}

// TrackCPUUsage records the CPU share sampled by the sandbox.
func (m *Monitor) TrackCPUUsage(id string, percent float64) bool {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	e.usage.CPUPercent = percent
	limit := e.limits.MaxCPUPercent
	m.mu.Unlock()

	if limit > 0 && percent > limit {
		m.emit(id, MetricCPU, percent, limit)
		return false
	}
	return true
}

// ResetAPICallCount starts a fresh window for id.
func (m *Monitor) ResetAPICallCount(id string) {
	m.mu.Lock()
	if e, ok := m.entries[id]; ok {
		e.usage.APICalls = 0
		e.usage.WindowStart = m.now()
	}
	m.mu.Unlock()
}

// ResetAll starts a fresh window for every plugin.
func (m *Monitor) ResetAll() {
	m.mu.Lock()
	now := m.now()
	for _, e := range m.entries {
		e.usage.APICalls = 0
		e.usage.WindowStart = now
	}
	m.mu.Unlock()
}

// GetUsage returns a snapshot of id's usage.
func (m *Monitor) GetUsage(id string) (Usage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Usage{}, false
	}
	return e.usage, true
}

// Limits returns the ceilings configured for id.
func (m *Monitor) Limits(id string) (Limits, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Limits{}, false
	}
	return e.limits, true
}

// Exceeded reports the first metric currently above its ceiling.
func (m *Monitor) Exceeded(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return "", false
	}
	l, u := e.limits, e.usage
	switch {
	case l.MaxMemoryMB > 0 && u.MemoryMB > l.MaxMemoryMB:
		return MetricMemory, true
	case l.MaxCPUPercent > 0 && u.CPUPercent > l.MaxCPUPercent:
		return MetricCPU, true
	case l.MaxStorageBytes > 0 && u.StorageBytes > l.MaxStorageBytes:
		return MetricStorage, true
	case l.MaxAPICallsPerMinute > 0 && u.APICalls > l.MaxAPICallsPerMinute:
		return MetricAPICalls, true
	}
	return "", false
}

// Cleanup forgets id.
func (m *Monitor) Cleanup(id string) {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
}

// Tracked returns the number of plugins being metered.
func (m *Monitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Run resets every API call window on a fixed period until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ResetAll()
		}
	}
}

func (m *Monitor) emit(id, metric string, value, limit float64) {
	m.log.Warn("resource limit exceeded",
		slog.String("plugin_id", id),
		slog.String("metric", metric),
		slog.Float64("value", value),
		slog.Float64("limit", limit),
	)
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink(LimitEvent{PluginID: id, Metric: metric, Value: value, Limit: limit, At: m.now()})
	}
}
