// Package postgres provides a PostgreSQL session partition. Rows live in the
// session_kv table created by the migrations in pkg/database/migrate.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/stocksync/pkg/session"
)

const (
	defaultNamespace = "default"
	tableName        = "session_kv"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Partition implements session.Partition using PostgreSQL. Every key is
// scoped to a namespace so several clients can share one table.
type Partition struct {
	db        *sql.DB
	namespace string
	maxAge    time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
}

// Config configures the PostgreSQL partition.
type Config struct {
	// Namespace scopes the partition's rows. Defaults to "default".
	Namespace string

	// MaxAge is how long an untouched row survives Prune. Zero disables
	// pruning.
	MaxAge time.Duration
}

// New creates a PostgreSQL partition.
func New(db *sql.DB, cfg Config) *Partition {
	if cfg.Namespace == "" {
		cfg.Namespace = defaultNamespace
	}
	return &Partition{
		db:        db,
		namespace: cfg.Namespace,
		maxAge:    cfg.MaxAge,
	}
}

// Namespace returns the namespace scoping the partition.
func (p *Partition) Namespace() string { return p.namespace }

// Get returns the value for key.
func (p *Partition) Get(ctx context.Context, key string) (string, bool, error) {
	query, args, err := psq.Select("value").
		From(tableName).
		Where(sq.Eq{"namespace": p.namespace, "key": key}).
		ToSql()
	if err != nil {
		return "", false, fmt.Errorf("building select: %w", err)
	}

	var value string
	err = p.db.QueryRowContext(ctx, query, args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", key, err)
	}
	return value, true, nil
}

// Set upserts value under key.
func (p *Partition) Set(ctx context.Context, key, value string) error {
	query, args, err := psq.Insert(tableName).
		Columns("namespace", "key", "value", "updated_at").
		Values(p.namespace, key, value, sq.Expr("NOW()")).
		Suffix("ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("building upsert: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// Delete removes the given keys.
func (p *Partition) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	query, args, err := psq.Delete(tableName).
		Where(sq.Eq{"namespace": p.namespace, "key": keys}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building delete: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting keys: %w", err)
	}
	return nil
}

// Keys returns every key in the namespace in sorted order.
func (p *Partition) Keys(ctx context.Context) ([]string, error) {
	query, args, err := psq.Select("key").
		From(tableName).
		Where(sq.Eq{"namespace": p.namespace}).
		OrderBy("key").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating keys: %w", err)
	}
	return keys, nil
}

// Clear removes every row in the namespace.
func (p *Partition) Clear(ctx context.Context) error {
	query, args, err := psq.Delete(tableName).
		Where(sq.Eq{"namespace": p.namespace}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building delete: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("clearing partition: %w", err)
	}
	return nil
}

// Prune removes rows in the namespace that have not been written for longer
// than MaxAge. It returns the number of rows removed.
func (p *Partition) Prune(ctx context.Context) (int64, error) {
	if p.maxAge <= 0 {
		return 0, nil
	}
	query, args, err := psq.Delete(tableName).
		Where(sq.Eq{"namespace": p.namespace}).
		Where(sq.Expr("updated_at < NOW() - ?::interval", fmt.Sprintf("%d seconds", int(p.maxAge.Seconds())))).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building prune: %w", err)
	}
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("pruning session rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// StartPruneRoutine starts a background goroutine that periodically calls
// Prune. The goroutine is stopped when Close is called.
func (p *Partition) StartPruneRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := p.Prune(ctx); err != nil {
					slog.Warn("session prune failed", "namespace", p.namespace, "error", err)
				}
			}
		}
	}()
}

// Close stops the prune goroutine and waits for it to exit. The database
// handle stays open; it belongs to the caller.
func (p *Partition) Close() error {
	if p.cancel != nil {
		p.cancel()
		<-p.done
		p.cancel = nil
	}
	return nil
}

// Verify interface compliance.
var _ session.Partition = (*Partition)(nil)
