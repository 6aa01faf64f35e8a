package monitor

import (
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	events []LimitEvent
}

func (r *recorder) sink(ev LimitEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestTrackAPICallRejectsCallAfterLimit(t *testing.T) {
	rec := &recorder{}
	m := New(WithSink(rec.sink))
	m.InitializePlugin("p1", Limits{MaxAPICallsPerMinute: 3})

	for i := 0; i < 3; i++ {
		if !m.TrackAPICall("p1") {
			t.Fatalf("call %d should be accepted", i+1)
		}
	}
	if rec.count() != 0 {
		t.Fatalf("no events expected before the limit")
	}
	if m.TrackAPICall("p1") {
		t.Fatalf("fourth call should be rejected")
	}
	if rec.count() != 1 {
		t.Fatalf("expected exactly one limit event, got %d", rec.count())
	}
	if ev := rec.events[0]; ev.PluginID != "p1" || ev.Metric != MetricAPICalls || ev.Limit != 3 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestWindowResetsAfterElapsed(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := New(WithClock(func() time.Time { return now }))
	m.InitializePlugin("p1", Limits{MaxAPICallsPerMinute: 1})

	if !m.TrackAPICall("p1") {
		t.Fatalf("first call accepted")
	}
	if m.TrackAPICall("p1") {
		t.Fatalf("second call in window rejected")
	}
	now = now.Add(DefaultWindow)
	if !m.TrackAPICall("p1") {
		t.Fatalf("call in the next window should be accepted")
	}
	usage, _ := m.GetUsage("p1")
	if usage.APICalls != 1 || !usage.WindowStart.Equal(now) {
		t.Fatalf("unexpected usage %+v", usage)
	}
}

func TestUnknownPluginFailsClosed(t *testing.T) {
	rec := &recorder{}
	m := New(WithSink(rec.sink))
	if m.TrackAPICall("ghost") || m.TrackMemoryUsage("ghost", 1) || m.TrackStorageUsage("ghost", 1) {
		t.Fatalf("untracked plugins must be rejected")
	}
	if rec.count() != 0 {
		t.Fatalf("untracked plugins produce no events")
	}
}

func TestStorageDeltaOverLimitIsNotApplied(t *testing.T) {
	rec := &recorder{}
	m := New(WithSink(rec.sink))
	m.InitializePlugin("p1", Limits{MaxStorageBytes: 100})

	if !m.TrackStorageUsage("p1", 60) {
		t.Fatalf("first delta fits")
	}
	if m.TrackStorageUsage("p1", 50) {
		t.Fatalf("second delta should breach the ceiling")
	}
	usage, _ := m.GetUsage("p1")
	if usage.StorageBytes != 60 {
		t.Fatalf("rejected delta must not be applied, got %d", usage.StorageBytes)
	}
	if !m.TrackStorageUsage("p1", -100) {
		t.Fatalf("negative delta accepted")
	}
	usage, _ = m.GetUsage("p1")
	if usage.StorageBytes != 0 {
		t.Fatalf("storage should clamp at zero, got %d", usage.StorageBytes)
	}
	if rec.count() != 1 {
		t.Fatalf("expected one storage event, got %d", rec.count())
	}
}

func TestSetStorageUsageKeepsOverLimitSize(t *testing.T) {
	rec := &recorder{}
	m := New(WithSink(rec.sink))
	m.InitializePlugin("p1", Limits{MaxStorageBytes: 100})

	if m.SetStorageUsage("p1", 156) {
		t.Fatalf("156 bytes is over a 100 byte ceiling")
	}
	usage, _ := m.GetUsage("p1")
	if usage.StorageBytes != 156 {
		t.Fatalf("measured size must be kept, got %d", usage.StorageBytes)
	}
	if metric, over := m.Exceeded("p1"); !over || metric != MetricStorage {
		t.Fatalf("expected storage breach, got %q %v", metric, over)
	}
	if m.TrackStorageUsage("p1", 10) {
		t.Fatalf("growing while over the ceiling must fail")
	}
	if !m.TrackStorageUsage("p1", -20) {
		t.Fatalf("shrinking while over the ceiling must be applied")
	}
	usage, _ = m.GetUsage("p1")
	if usage.StorageBytes != 136 || rec.count() != 2 {
		t.Fatalf("unexpected usage %d or events %d", usage.StorageBytes, rec.count())
	}
	if m.SetStorageUsage("missing", 1) {
		t.Fatalf("unknown plugin must fail closed")
	}
}

func TestMemoryOverLimitIsRecordedForPolling(t *testing.T) {
	m := New()
	m.InitializePlugin("p1", Limits{MaxMemoryMB: 1, MaxCPUPercent: 50})
	if m.TrackMemoryUsage("p1", 2*1024*1024) {
		t.Fatalf("2MB should exceed a 1MB ceiling")
	}
	metric, over := m.Exceeded("p1")
	if !over || metric != MetricMemory {
		t.Fatalf("expected memory to be reported, got %q %v", metric, over)
	}
	m.TrackMemoryUsage("p1", 0)
	if m.TrackCPUUsage("p1", 75) {
		t.Fatalf("cpu over ceiling")
	}
	if metric, _ := m.Exceeded("p1"); metric != MetricCPU {
		t.Fatalf("expected cpu, got %q", metric)
	}
}

func TestInitializeTwiceOverwritesAndCleanupForgets(t *testing.T) {
	m := New()
	m.InitializePlugin("p1", Limits{MaxAPICallsPerMinute: 10})
	m.TrackAPICall("p1")
	m.InitializePlugin("p1", Limits{MaxAPICallsPerMinute: 5})
	usage, _ := m.GetUsage("p1")
	limits, _ := m.Limits("p1")
	if usage.APICalls != 0 || limits.MaxAPICallsPerMinute != 5 {
		t.Fatalf("second initialise should overwrite: %+v %+v", usage, limits)
	}
	m.Cleanup("p1")
	if _, ok := m.GetUsage("p1"); ok || m.Tracked() != 0 {
		t.Fatalf("cleanup should remove the entry")
	}
}
