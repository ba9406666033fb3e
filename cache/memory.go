package cache

import (
	"context"
	"sort"
	"sync"
)

type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]map[string]CacheEntry
	seq   *uint64
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string]CacheEntry),
		seq:   new(uint64),
	}
}

func (m MemCache) Get(ctx context.Context, name, key string) (CacheEntry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[name][key]
	return entry, ok, nil
}

func (m MemCache) Put(ctx context.Context, ce CacheEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	*m.seq++
	ce.Seq = *m.seq
	ce.Size = len(ce.Bytes)
	entries, ok := m.db[ce.Name]
	if !ok {
		entries = make(map[string]CacheEntry)
		m.db[ce.Name] = entries
	}
	entries[ce.Key] = ce
	return nil
}

func (m MemCache) Delete(ctx context.Context, name, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if entries, ok := m.db[name]; ok {
		delete(entries, key)
		if len(entries) == 0 {
			delete(m.db, name)
		}
	}
	return nil
}

func (m MemCache) Evict(ctx context.Context, name, key string, seq uint64) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entries := m.db[name]
	if entry, ok := entries[key]; !ok || entry.Seq != seq {
		return false, nil
	}
	delete(entries, key)
	if len(entries) == 0 {
		delete(m.db, name)
	}
	return true, nil
}

func (m MemCache) Entries(ctx context.Context, name string) ([]CacheEntry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries := make([]CacheEntry, 0, len(m.db[name]))
	for _, entry := range m.db[name] {
		entry.Bytes = nil
		entries = append(entries, entry)
	}
	SortEntries(entries)
	return entries, nil
}

func (m MemCache) Names(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.db))
	for name := range m.db {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m MemCache) Clear(ctx context.Context, name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, name)
	return nil
}
