package session

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// MemoryPartition implements Partition with an in-memory map. Its contents
// live as long as the process, which makes it the session-only partition.
type MemoryPartition struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryPartition creates an empty in-memory partition.
func NewMemoryPartition() *MemoryPartition {
	return &MemoryPartition{
		values: make(map[string]string),
	}
}

// Get returns the value for key.
func (p *MemoryPartition) Get(_ context.Context, key string) (string, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	v, ok := p.values[key]
	return v, ok, nil
}

// Set stores value under key.
func (p *MemoryPartition) Set(_ context.Context, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.values[key] = value
	return nil
}

// Delete removes the given keys.
func (p *MemoryPartition) Delete(_ context.Context, keys ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, k := range keys {
		delete(p.values, k)
	}
	return nil
}

// Keys returns every stored key in sorted order.
func (p *MemoryPartition) Keys(_ context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return slices.Sorted(maps.Keys(p.values)), nil
}

// Clear removes every key.
func (p *MemoryPartition) Clear(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	clear(p.values)
	return nil
}

// Close is a no-op; the partition holds no external resources.
func (*MemoryPartition) Close() error {
	return nil
}

// Verify interface compliance.
var _ Partition = (*MemoryPartition)(nil)
