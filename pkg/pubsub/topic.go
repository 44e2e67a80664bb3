// Package pubsub provides a small in-process publish/subscribe primitive.
//
// A Topic fans a stream of values out to any number of subscribers without
// ever blocking the publisher. Replay topics hand the most recent value to
// every new subscriber, so a late subscriber always starts from the current
// state rather than waiting for the next change.
package pubsub

import "sync"

const defaultBuffer = 1

// Option configures a Topic.
type Option func(*options)

type options struct {
	replay bool
	buffer int
}

// WithReplay controls whether new subscribers receive the latest value
// immediately. Replay is enabled by default.
func WithReplay(replay bool) Option {
	return func(o *options) {
		o.replay = replay
	}
}

// WithBuffer sets the per-subscriber buffer size. When a subscriber's buffer
// is full the oldest pending value is dropped. Values below 1 are ignored.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// Topic is a multi-subscriber broadcast of values of type T.
// It is safe for concurrent use.
type Topic[T any] struct {
	mu     sync.Mutex
	opts   options
	latest T
	has    bool
	subs   map[int]chan T
	nextID int
	closed bool
}

// NewTopic creates a Topic. With no options it replays the latest value and
// conflates pending values so subscribers only ever see the newest one.
func NewTopic[T any](opts ...Option) *Topic[T] {
	o := options{replay: true, buffer: defaultBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	return &Topic[T]{
		opts: o,
		subs: make(map[int]chan T),
	}
}

// Publish records v as the latest value and delivers it to every subscriber.
// Publishing on a closed topic is a no-op.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.latest = v
	t.has = true
	for _, ch := range t.subs {
		deliver(ch, v)
	}
}

// Latest returns the most recently published value.
func (t *Topic[T]) Latest() (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest, t.has
}

// Reset forgets the latest value so new subscribers start empty. Values
// already delivered to subscribers are not recalled.
func (t *Topic[T]) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	t.latest = zero
	t.has = false
}

// Subscribe registers a subscriber. The returned cancel function removes the
// subscription and closes the channel; it is safe to call more than once.
// On a closed topic the returned channel is already closed.
func (t *Topic[T]) Subscribe() (<-chan T, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan T, t.opts.buffer)
	if t.closed {
		close(ch)
		return ch, func() {}
	}
	if t.opts.replay && t.has {
		ch <- t.latest
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if sub, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Subscribers returns the number of active subscriptions.
func (t *Topic[T]) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close closes every subscriber channel. Subsequent publishes are dropped.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}

// deliver sends v without blocking, evicting the oldest pending value when
// the buffer is full. Callers hold the topic lock, so the channel has no
// other writer.
func deliver[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
