package store

import (
	"context"
	"sort"
	"sync"

	"OpenPlugin-Guard/pkg/manifest"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu            sync.RWMutex
	bundles       map[string]manifest.Bundle
	installations map[string]Installation
	data          map[string]map[string]string
	migrations    map[string][]MigrationRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bundles:       make(map[string]manifest.Bundle),
		installations: make(map[string]Installation),
		data:          make(map[string]map[string]string),
		migrations:    make(map[string][]MigrationRecord),
	}
}

func bundleKey(pluginID, version string) string { return pluginID + "@" + version }

func (s *MemoryStore) SaveBundle(_ context.Context, bundle manifest.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles[bundle.Manifest.Key()] = bundle
	return nil
}

func (s *MemoryStore) Bundle(_ context.Context, pluginID, version string) (manifest.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bundles[bundleKey(pluginID, version)]
	if !ok {
		return manifest.Bundle{}, notFound("bundle", pluginID)
	}
	return b, nil
}

func (s *MemoryStore) DeleteBundle(_ context.Context, pluginID, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bundles, bundleKey(pluginID, version))
	return nil
}

func (s *MemoryStore) SaveInstallation(_ context.Context, inst Installation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installations[inst.PluginID] = inst
	return nil
}

func (s *MemoryStore) Installation(_ context.Context, pluginID string) (Installation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.installations[pluginID]
	if !ok {
		return Installation{}, notFound("installation", pluginID)
	}
	return inst, nil
}

func (s *MemoryStore) ListInstallations(_ context.Context) ([]Installation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Installation, 0, len(s.installations))
	for _, inst := range s.installations {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID < out[j].PluginID })
	return out, nil
}

func (s *MemoryStore) DeleteInstallation(_ context.Context, pluginID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.installations, pluginID)
	return nil
}

func (s *MemoryStore) GetData(_ context.Context, pluginID, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[pluginID][key]
	return v, ok, nil
}

func (s *MemoryStore) SetData(_ context.Context, pluginID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kv, ok := s.data[pluginID]
	if !ok {
		kv = make(map[string]string)
		s.data[pluginID] = kv
	}
	kv[key] = value
	return nil
}

func (s *MemoryStore) ListData(_ context.Context, pluginID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.data[pluginID]))
	for k, v := range s.data[pluginID] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) DeleteData(_ context.Context, pluginID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, pluginID)
	return nil
}

func (s *MemoryStore) DataSize(_ context.Context, pluginID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for k, v := range s.data[pluginID] {
		total += int64(len(k) + len(v))
	}
	return total, nil
}

func (s *MemoryStore) RecordMigration(_ context.Context, rec MigrationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.migrations[rec.PluginID]
	for i, existing := range list {
		if existing.FromVersion == rec.FromVersion && existing.ToVersion == rec.ToVersion {
			list[i] = rec
			return nil
		}
	}
	s.migrations[rec.PluginID] = append(list, rec)
	return nil
}

func (s *MemoryStore) Migrations(_ context.Context, pluginID string) ([]MigrationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]MigrationRecord(nil), s.migrations[pluginID]...), nil
}

func (s *MemoryStore) Close() error { return nil }
