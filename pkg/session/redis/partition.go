// Package redis provides a durable session partition stored in a Redis hash.
// It lets several sync agents on different hosts share one remembered
// session.
package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"

	goredis "github.com/redis/go-redis/v9"

	"github.com/txn2/stocksync/pkg/session"
)

const defaultNamespace = "stocksync:session"

// Config configures the Redis partition.
type Config struct {
	// Namespace is the hash key holding the partition. Defaults to
	// "stocksync:session".
	Namespace string
}

// Partition implements session.Partition using one Redis hash.
type Partition struct {
	client *goredis.Client
	key    string
}

// New creates a Redis partition. The caller keeps ownership of client unless
// Close is called.
func New(client *goredis.Client, cfg Config) *Partition {
	if cfg.Namespace == "" {
		cfg.Namespace = defaultNamespace
	}
	return &Partition{
		client: client,
		key:    cfg.Namespace,
	}
}

// Namespace returns the hash key holding the partition.
func (p *Partition) Namespace() string { return p.key }

// Get returns the value for key.
func (p *Partition) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := p.client.HGet(ctx, p.key, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", key, err)
	}
	return v, true, nil
}

// Set stores value under key.
func (p *Partition) Set(ctx context.Context, key, value string) error {
	if err := p.client.HSet(ctx, p.key, key, value).Err(); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// Delete removes the given keys.
func (p *Partition) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := p.client.HDel(ctx, p.key, keys...).Err(); err != nil {
		return fmt.Errorf("deleting keys: %w", err)
	}
	return nil
}

// Keys returns every stored key in sorted order.
func (p *Partition) Keys(ctx context.Context) ([]string, error) {
	keys, err := p.client.HKeys(ctx, p.key).Result()
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	slices.Sort(keys)
	return keys, nil
}

// Clear removes the whole hash.
func (p *Partition) Clear(ctx context.Context) error {
	if err := p.client.Del(ctx, p.key).Err(); err != nil {
		return fmt.Errorf("clearing partition: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (p *Partition) Close() error {
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("closing redis client: %w", err)
	}
	return nil
}

// Verify interface compliance.
var _ session.Partition = (*Partition)(nil)
