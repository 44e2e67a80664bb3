// Package readmodel keeps a server-computed aggregate fresh for one
// account. A Coordinator answers reads from memory or the persisted cache
// while they are younger than the TTL, falls back to an HTTP fetch, applies
// realtime pushes as they arrive and runs a silent background refresh.
// Every new value, and every failed fetch, is published to subscribers.
package readmodel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/txn2/stocksync/pkg/pubsub"
	"github.com/txn2/stocksync/pkg/realtime"
	"github.com/txn2/stocksync/pkg/telemetry"
)

const (
	defaultTTL             = 5 * time.Minute
	defaultRefreshInterval = 5 * time.Minute
)

// ErrNoAccount is returned when no account is authenticated.
var ErrNoAccount = errors.New("readmodel: no current account")

// ErrSessionChanged is returned when the session ended or switched account
// while a fetch was in flight. The fetched value is discarded.
var ErrSessionChanged = errors.New("readmodel: session changed during fetch")

// Source says where a published value came from.
type Source string

// Value sources.
const (
	SourceCache      Source = "cache"
	SourceHTTP       Source = "http"
	SourcePush       Source = "push"
	SourceBackground Source = "background"
)

// Update is one published value. A failed fetch is published with Err set
// and a zero Value; the previous good value stays cached.
type Update[T any] struct {
	Value     T
	Err       error
	Source    Source
	AccountID string
	At        time.Time
}

// Cache persists snapshots between runs. *session.Store satisfies it.
type Cache interface {
	PutJSON(ctx context.Context, key string, v any) error
	GetJSON(ctx context.Context, key string, v any) (bool, error)
	DeleteJSON(ctx context.Context, key string) error
}

// Realtime is the push channel. *realtime.Gateway satisfies it.
type Realtime interface {
	Subscribe(categories ...realtime.Category) (<-chan realtime.Event, func())
	Connected() bool
	RequestRefresh(ctx context.Context, entity string) error
}

// Config configures a Coordinator.
type Config[T any] struct {
	// Entity names the aggregate. It is the realtime entity and the cache
	// key.
	Entity string

	// Fetch loads the aggregate over HTTP. It should not drive any loading
	// indicator. source is SourceBackground for the periodic refresh.
	Fetch func(ctx context.Context, source Source) (T, error)

	// Account returns the current account id, "" when anonymous.
	Account func(ctx context.Context) (string, error)

	// Cache persists snapshots. Optional.
	Cache Cache

	// Realtime delivers pushes and forced recomputations. Optional.
	Realtime Realtime

	// Clock drives the TTL and the background refresh.
	Clock clockwork.Clock

	// TTL is the maximum age of a snapshot served without a fetch.
	TTL time.Duration

	// RefreshInterval is the period of the silent background refresh.
	RefreshInterval time.Duration

	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Metrics counts loads by source. Optional.
	Metrics *telemetry.Metrics
}

// snapshot is what is kept in memory and in the persisted cache.
type snapshot[T any] struct {
	Payload    T         `json:"payload"`
	CapturedAt time.Time `json:"captured_at"`
	AccountID  string    `json:"account_id"`
}

func (s *snapshot[T]) fresh(accountID string, now time.Time, ttl time.Duration) bool {
	return s != nil && s.AccountID == accountID && now.Sub(s.CapturedAt) < ttl
}

// Coordinator is the synchronization coordinator for one aggregate. It is
// safe for concurrent use.
type Coordinator[T any] struct {
	cfg     Config[T]
	logger  *slog.Logger
	clock   clockwork.Clock
	updates *pubsub.Topic[Update[T]]
	fetches singleflight.Group

	mu      sync.Mutex
	memory  *snapshot[T]
	epoch   uint64
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a Coordinator. Call Start to follow pushes and run the
// background refresh.
func New[T any](cfg Config[T]) (*Coordinator[T], error) {
	if cfg.Entity == "" {
		return nil, errors.New("readmodel: entity is required")
	}
	if cfg.Fetch == nil {
		return nil, errors.New("readmodel: fetch function is required")
	}
	if cfg.Account == nil {
		return nil, errors.New("readmodel: account function is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator[T]{
		cfg:     cfg,
		logger:  cfg.Logger.With("entity", cfg.Entity),
		clock:   cfg.Clock,
		updates: pubsub.NewTopic[Update[T]](),
	}, nil
}

// Updates publishes every new value and every failed fetch. New subscribers
// receive the latest update immediately.
func (c *Coordinator[T]) Updates() *pubsub.Topic[Update[T]] { return c.updates }

// Subscribe is shorthand for Updates().Subscribe().
func (c *Coordinator[T]) Subscribe() (<-chan Update[T], func()) {
	return c.updates.Subscribe()
}

// Current returns the aggregate for the current account. A snapshot younger
// than the TTL is returned without a network call; otherwise it is fetched
// and published. A failed fetch publishes an error update and keeps the
// previous snapshot for the next read.
func (c *Coordinator[T]) Current(ctx context.Context) (T, error) {
	var zero T
	epoch := c.currentEpoch()
	account, err := c.account(ctx)
	if err != nil {
		return zero, err
	}
	now := c.clock.Now()

	c.mu.Lock()
	mem := c.memory
	c.mu.Unlock()
	if mem.fresh(account, now, c.cfg.TTL) {
		c.cfg.Metrics.RecordFetch(ctx, c.cfg.Entity, "memory", "hit")
		return mem.Payload, nil
	}

	if cached, ok := c.loadCache(ctx); ok && cached.fresh(account, now, c.cfg.TTL) {
		c.cfg.Metrics.RecordFetch(ctx, c.cfg.Entity, string(SourceCache), "hit")
		if !c.commit(ctx, cached, SourceCache, epoch, false) {
			return zero, ErrSessionChanged
		}
		return cached.Payload, nil
	}

	return c.fetch(ctx, account, SourceHTTP, epoch)
}

// ForceRefresh invalidates the cache and asks the server to recompute the
// aggregate over the realtime channel. When that is not possible it fetches
// over HTTP instead. Either way the result is published to subscribers.
func (c *Coordinator[T]) ForceRefresh(ctx context.Context) error {
	account, err := c.account(ctx)
	if err != nil {
		return err
	}
	c.Invalidate(ctx)
	epoch := c.currentEpoch()

	if rt := c.cfg.Realtime; rt != nil && rt.Connected() {
		err := rt.RequestRefresh(ctx, c.cfg.Entity)
		if err == nil {
			return nil
		}
		c.logger.Debug("realtime refresh unavailable, fetching over HTTP", "error", err)
	}
	_, err = c.fetch(ctx, account, SourceHTTP, epoch)
	return err
}

// Invalidate forgets the in-memory and the persisted snapshot and the
// replayed update. Fetches and pushes still in flight are discarded.
func (c *Coordinator[T]) Invalidate(ctx context.Context) {
	c.mu.Lock()
	c.memory = nil
	c.epoch++
	c.updates.Reset()
	c.mu.Unlock()

	if c.cfg.Cache == nil {
		return
	}
	if err := c.cfg.Cache.DeleteJSON(ctx, c.cfg.Entity); err != nil {
		c.logger.Warn("clearing cached snapshot", "error", err)
	}
}

// Start follows realtime pushes and runs the background refresh until Stop
// is called. Calling Start again while running is a no-op.
func (c *Coordinator[T]) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	var pushes <-chan realtime.Event
	cancelPushes := func() {}
	if c.cfg.Realtime != nil {
		pushes, cancelPushes = c.cfg.Realtime.Subscribe(realtime.CategoryUpdate)
	}
	ticker := c.clock.NewTicker(c.cfg.RefreshInterval)

	go c.loop(context.WithoutCancel(ctx), pushes, ticker, cancelPushes, c.stop, c.done)
}

// Stop ends the push subscription and the background refresh and waits for
// them to finish. It is safe to call when not running.
func (c *Coordinator[T]) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stop, done := c.stop, c.done
	c.mu.Unlock()

	close(stop)
	<-done
}

func (c *Coordinator[T]) loop(
	ctx context.Context,
	pushes <-chan realtime.Event,
	ticker clockwork.Ticker,
	cancelPushes func(),
	stop, done chan struct{},
) {
	defer close(done)
	defer ticker.Stop()
	defer cancelPushes()

	for {
		select {
		case <-stop:
			return
		case ev, ok := <-pushes:
			if !ok {
				pushes = nil
				continue
			}
			if ev.Entity == c.cfg.Entity {
				c.applyPush(ctx, ev)
			}
		case <-ticker.Chan():
			c.backgroundRefresh(ctx)
		}
	}
}

// applyPush overwrites the in-memory value of the account the push was
// delivered for. Pushes are not persisted.
func (c *Coordinator[T]) applyPush(ctx context.Context, ev realtime.Event) {
	epoch := c.currentEpoch()
	account, err := c.account(ctx)
	if err != nil {
		c.logger.Debug("push ignored without account", "error", err)
		return
	}
	if ev.AccountID != account {
		c.logger.Debug("push for another account ignored", "event", ev.Name, "push_account_id", ev.AccountID)
		return
	}
	var payload T
	if err := ev.Decode(&payload); err != nil {
		c.logger.Warn("push payload could not be decoded", "event", ev.Name, "error", err)
		return
	}
	c.cfg.Metrics.RecordFetch(ctx, c.cfg.Entity, string(SourcePush), "success")
	c.commit(ctx, &snapshot[T]{Payload: payload, CapturedAt: c.clock.Now(), AccountID: account}, SourcePush, epoch, false)
}

// backgroundRefresh silently refreshes the in-memory value. Failures keep
// the current value and wait for the next tick.
func (c *Coordinator[T]) backgroundRefresh(ctx context.Context) {
	epoch := c.currentEpoch()
	account, err := c.account(ctx)
	if err != nil {
		return
	}
	payload, err := c.cfg.Fetch(ctx, SourceBackground)
	if err != nil {
		c.cfg.Metrics.RecordFetch(ctx, c.cfg.Entity, string(SourceBackground), "failure")
		c.logger.Warn("background refresh failed", "account_id", account, "error", err)
		return
	}
	c.cfg.Metrics.RecordFetch(ctx, c.cfg.Entity, string(SourceBackground), "success")
	snap := &snapshot[T]{Payload: payload, CapturedAt: c.clock.Now(), AccountID: account}
	if !c.commit(ctx, snap, SourceBackground, epoch, false) {
		c.logger.Debug("background refresh discarded after session change", "account_id", account)
	}
}

// fetch loads over HTTP, persists and publishes. Concurrent fetches for the
// same account share one request. A result that lands after the session
// ended or switched is dropped with ErrSessionChanged.
func (c *Coordinator[T]) fetch(ctx context.Context, account string, source Source, epoch uint64) (T, error) {
	var zero T
	res, err, _ := c.fetches.Do(account, func() (any, error) {
		payload, err := c.cfg.Fetch(ctx, source)
		if err != nil {
			return nil, err
		}
		snap := &snapshot[T]{Payload: payload, CapturedAt: c.clock.Now(), AccountID: account}
		if !c.commit(ctx, snap, source, epoch, true) {
			return nil, ErrSessionChanged
		}
		return snap, nil
	})
	if errors.Is(err, ErrSessionChanged) {
		c.logger.Debug("fetch discarded after session change", "account_id", account)
		return zero, err
	}
	if err != nil {
		c.cfg.Metrics.RecordFetch(ctx, c.cfg.Entity, string(source), "failure")
		c.logger.Warn("fetch failed, keeping cached value", "account_id", account, "error", err)
		if c.currentEpoch() == epoch {
			c.updates.Publish(Update[T]{Err: err, Source: source, AccountID: account, At: c.clock.Now()})
		}
		return zero, fmt.Errorf("readmodel: fetching %s: %w", c.cfg.Entity, err)
	}
	c.cfg.Metrics.RecordFetch(ctx, c.cfg.Entity, string(source), "success")
	snap, _ := res.(*snapshot[T])
	return snap.Payload, nil
}

func (c *Coordinator[T]) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// commit installs snap as the current value, persisting it when asked, and
// publishes it. Nothing is written when Invalidate ran after epoch was read
// or the current account is no longer the snapshot's account.
func (c *Coordinator[T]) commit(ctx context.Context, snap *snapshot[T], source Source, epoch uint64, persist bool) bool {
	current, err := c.cfg.Account(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil || current != snap.AccountID || c.epoch != epoch {
		return false
	}
	if persist {
		c.storeCache(ctx, snap)
	}
	c.memory = snap
	c.updates.Publish(Update[T]{
		Value:     snap.Payload,
		Source:    source,
		AccountID: snap.AccountID,
		At:        snap.CapturedAt,
	})
	return true
}

func (c *Coordinator[T]) account(ctx context.Context) (string, error) {
	account, err := c.cfg.Account(ctx)
	if err != nil {
		return "", fmt.Errorf("readmodel: reading account: %w", err)
	}
	if account == "" {
		return "", ErrNoAccount
	}
	return account, nil
}

func (c *Coordinator[T]) loadCache(ctx context.Context) (*snapshot[T], bool) {
	if c.cfg.Cache == nil {
		return nil, false
	}
	var snap snapshot[T]
	found, err := c.cfg.Cache.GetJSON(ctx, c.cfg.Entity, &snap)
	if err != nil {
		c.logger.Warn("reading cached snapshot", "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	return &snap, true
}

func (c *Coordinator[T]) storeCache(ctx context.Context, snap *snapshot[T]) {
	if c.cfg.Cache == nil {
		return
	}
	if err := c.cfg.Cache.PutJSON(ctx, c.cfg.Entity, snap); err != nil {
		c.logger.Warn("persisting snapshot", "error", err)
	}
}

// Verify interface compliance.
var _ Realtime = (*realtime.Gateway)(nil)

