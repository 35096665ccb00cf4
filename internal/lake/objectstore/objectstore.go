// Package objectstore abstracts the object storage that holds table data
// files and the commit log. The commit protocol depends on PutIfAbsent
// being an atomic compare-and-swap at the key level.
package objectstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// Store errors.
var (
	// ErrKeyExists is returned by PutIfAbsent when the key is taken.
	ErrKeyExists = errors.New("key already exists")

	// ErrKeyNotFound is returned by Get for a missing key.
	ErrKeyNotFound = errors.New("key not found")
)

// Store defines the object-store operations the table store needs.
type Store interface {
	// Put writes an object unconditionally.
	Put(ctx context.Context, key string, data []byte) error

	// PutIfAbsent writes an object only if the key does not exist yet.
	// Returns ErrKeyExists otherwise.
	PutIfAbsent(ctx context.Context, key string, data []byte) error

	// Get reads an object. Returns ErrKeyNotFound for a missing key.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns the keys under the prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// MemoryStore is an in-memory Store used in tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put writes an object unconditionally.
func (m *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

// PutIfAbsent writes an object only if the key does not exist yet.
func (m *MemoryStore) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.objects[key]; exists {
		return ErrKeyExists
	}
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

// Get reads an object.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), data...), nil
}

// List returns keys under the prefix in lexicographic order.
func (m *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes an object.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
