package store

import (
	"context"
	"sort"
	"sync"
)

// MemKV is an in-memory KVStore for tests.
type MemKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemKV() *MemKV {
	return &MemKV{data: make(map[string][]byte)}
}

func (m *MemKV) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, found := m.data[key]
	if !found {
		return nil, nil
	}
	return append([]byte{}, value...), nil
}

func (m *MemKV) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte{}, value...)
	return nil
}

func (m *MemKV) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemKV) Iterate(ctx context.Context, prefix string, fn func(key string, value []byte) bool) error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()
	sort.Strings(keys)
	for _, key := range keys {
		m.mu.Lock()
		value := m.data[key]
		m.mu.Unlock()
		if !fn(key, value) {
			return nil
		}
	}
	return nil
}

func (m *MemKV) Close() error {
	return nil
}
