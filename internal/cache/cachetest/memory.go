// Package cachetest provides an in-memory cache client for tests.
package cachetest

import (
	"errors"
	"sync"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memory implements cache.Client on a map. TTLs are recorded, not enforced.
type Memory struct {
	mu    sync.Mutex
	items map[string]*memcache.Item
	sets  int

	// Fail makes every call return an error.
	Fail bool
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]*memcache.Item)}
}

var errUnavailable = errors.New("memcache: server unavailable")

func (m *Memory) Set(item *memcache.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return errUnavailable
	}
	stored := *item
	stored.Value = append([]byte(nil), item.Value...)
	m.items[item.Key] = &stored
	m.sets++
	return nil
}

func (m *Memory) Get(key string) (*memcache.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return nil, errUnavailable
	}
	item, ok := m.items[key]
	if !ok {
		return nil, memcache.ErrCacheMiss
	}
	copied := *item
	return &copied, nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return errUnavailable
	}
	if _, ok := m.items[key]; !ok {
		return memcache.ErrCacheMiss
	}
	delete(m.items, key)
	return nil
}

// Keys returns the number of stored objects.
func (m *Memory) Keys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Item returns a stored object without copying.
func (m *Memory) Item(key string) (*memcache.Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	return item, ok
}

func (m *Memory) Sets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets
}
