// Package file provides a durable session partition backed by a JSON file.
// It is the default "remember me" storage for the command-line client.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/txn2/stocksync/pkg/session"
)

const (
	fileMode = 0o600
	dirMode  = 0o700
)

// Partition implements session.Partition on top of a single JSON file.
// Every write rewrites the file through a temporary file and a rename, so a
// crash never leaves a half-written session behind.
type Partition struct {
	mu     sync.Mutex
	path   string
	values map[string]string
}

// Open loads the partition stored at path, creating parent directories as
// needed. A missing file yields an empty partition.
func Open(path string) (*Partition, error) {
	if path == "" {
		return nil, errors.New("file partition: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}

	p := &Partition{
		path:   path,
		values: make(map[string]string),
	}

	// #nosec G304 -- path comes from the client configuration
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return p, nil
	case err != nil:
		return nil, fmt.Errorf("reading session file: %w", err)
	}
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p.values); err != nil {
		return nil, fmt.Errorf("parsing session file %s: %w", path, err)
	}
	return p, nil
}

// Path returns the backing file path.
func (p *Partition) Path() string { return p.path }

// Get returns the value for key.
func (p *Partition) Get(_ context.Context, key string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.values[key]
	return v, ok, nil
}

// Set stores value under key and flushes the file.
func (p *Partition) Set(_ context.Context, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.values[key]; ok && cur == value {
		return nil
	}
	p.values[key] = value
	return p.flush()
}

// Delete removes keys and flushes the file when anything changed.
func (p *Partition) Delete(_ context.Context, keys ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	changed := false
	for _, k := range keys {
		if _, ok := p.values[k]; ok {
			delete(p.values, k)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return p.flush()
}

// Keys returns every stored key in sorted order.
func (p *Partition) Keys(_ context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return slices.Sorted(maps.Keys(p.values)), nil
}

// Clear removes every key and deletes the backing file.
func (p *Partition) Clear(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	clear(p.values)
	if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing session file: %w", err)
	}
	return nil
}

// Close is a no-op; every write is flushed immediately.
func (*Partition) Close() error {
	return nil
}

// flush writes the current values to disk. Callers hold p.mu.
func (p *Partition) flush() error {
	data, err := json.MarshalIndent(p.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p.path), ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp session file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp session file: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("restricting session file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp session file: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("replacing session file: %w", err)
	}
	return nil
}

// Verify interface compliance.
var _ session.Partition = (*Partition)(nil)
