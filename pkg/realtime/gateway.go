// Package realtime maintains the single authenticated push channel to the
// backend. A Gateway connects per account, demultiplexes push frames into
// typed events, rate-limits client requests and reconnects on its own:
// transport failures are retried with a fixed delay, and an authentication
// close from the server triggers a token refresh before reconnecting.
//
// Connection problems are reported on the status stream. Callers treat
// "not connected" as a normal state and fall back to HTTP.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/txn2/stocksync/pkg/pubsub"
	"github.com/txn2/stocksync/pkg/telemetry"
	"github.com/txn2/stocksync/pkg/token"
)

const (
	defaultReconnectDelay   = 2 * time.Second
	defaultMaxAttempts      = 5
	defaultHandshakeTimeout = 10 * time.Second
	defaultRequestInterval  = time.Second
	defaultReadLimit        = 1 << 20
	eventBuffer             = 64
)

// Sentinel errors.
var (
	// ErrNotConnected is returned by request actions while no connection is
	// up. The caller falls back to HTTP.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrRateLimited is returned when a request follows the previous one
	// too closely.
	ErrRateLimited = errors.New("realtime: request rate limited")

	// ErrAuthRejected means the server refused the credentials.
	ErrAuthRejected = errors.New("realtime: authentication rejected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("realtime: gateway closed")
)

// CredentialSource supplies handshake credentials and renews them when the
// server rejects them. *token.Manager satisfies it.
type CredentialSource interface {
	Credentials(ctx context.Context) (token.Credentials, error)
	Refresh(ctx context.Context) (string, error)
}

// Config configures a Gateway.
type Config struct {
	// URL is the websocket endpoint, e.g. "wss://api.example.com/realtime".
	URL string

	// Credentials supplies the token presented in the handshake.
	Credentials CredentialSource

	// HTTPClient is used for the websocket upgrade. Optional.
	HTTPClient *http.Client

	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Clock drives request rate limiting. Defaults to the real clock.
	Clock clockwork.Clock

	// ReconnectDelay is the fixed delay between connection attempts.
	ReconnectDelay time.Duration

	// MaxAttempts bounds consecutive connection attempts.
	MaxAttempts int

	// HandshakeTimeout bounds the upgrade plus the auth exchange.
	HandshakeTimeout time.Duration

	// RequestInterval is the minimum spacing between client requests.
	RequestInterval time.Duration

	// Metrics counts connection attempts. Optional.
	Metrics *telemetry.Metrics
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.RequestInterval <= 0 {
		c.RequestInterval = defaultRequestInterval
	}
}

// runLoop is one logical connection for one account. It owns every
// physical connection made on the account's behalf until it is cancelled.
type runLoop struct {
	accountID string
	cancel    context.CancelFunc
	done      chan struct{}
	reauth    chan struct{}
}

// Gateway is the realtime gateway. It is safe for concurrent use.
type Gateway struct {
	cfg      Config
	logger   *slog.Logger
	clientID string
	limiter  *rate.Limiter
	statuses *pubsub.Topic[Status]
	events   *pubsub.Topic[Event]

	// opMu serializes Connect calls so that a new loop only starts after
	// the previous one has exited.
	opMu sync.Mutex

	mu     sync.Mutex
	loop   *runLoop
	conn   *websocket.Conn
	creds  token.Credentials
	closed bool
}

// New creates a disconnected Gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.URL == "" {
		return nil, errors.New("realtime: URL is required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("realtime: credential source is required")
	}
	cfg.applyDefaults()

	g := &Gateway{
		cfg:      cfg,
		logger:   cfg.Logger,
		clientID: uuid.NewString(),
		limiter:  rate.NewLimiter(rate.Every(cfg.RequestInterval), 1),
		statuses: pubsub.NewTopic[Status](),
		events:   pubsub.NewTopic[Event](pubsub.WithReplay(false), pubsub.WithBuffer(eventBuffer)),
	}
	g.statuses.Publish(StatusDisconnected)
	return g, nil
}

// ClientID identifies this gateway instance to the server.
func (g *Gateway) ClientID() string { return g.clientID }

// Statuses publishes connection state changes, replaying the current one.
func (g *Gateway) Statuses() *pubsub.Topic[Status] { return g.statuses }

// Status returns the current connection state.
func (g *Gateway) Status() Status {
	s, _ := g.statuses.Latest()
	return s
}

// Connected reports whether a connection is up.
func (g *Gateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn != nil
}

// AccountID returns the account the gateway is scoped to, or "".
func (g *Gateway) AccountID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loop == nil {
		return ""
	}
	return g.loop.accountID
}

// LastCredentials returns the credentials of the current connection.
func (g *Gateway) LastCredentials() token.Credentials {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creds
}

// Connect scopes the gateway to accountID. It is a no-op when already
// running for the same account; otherwise the previous connection is torn
// down before the new one is started. Connect does not wait for the
// handshake: progress is reported on Statuses.
//
// Connect must not be called from an OnLogout or OnRefresh hook of the
// credential source.
func (g *Gateway) Connect(ctx context.Context, accountID string) error {
	if accountID == "" {
		return errors.New("realtime: account id is required")
	}

	g.opMu.Lock()
	defer g.opMu.Unlock()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	if g.loop != nil && g.loop.accountID == accountID {
		g.mu.Unlock()
		return nil
	}
	prev := g.stopLoopLocked()
	g.mu.Unlock()

	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := &runLoop{
		accountID: accountID,
		cancel:    cancel,
		done:      make(chan struct{}),
		reauth:    make(chan struct{}, 1),
	}
	g.loop = l
	g.logger.Info("realtime connecting", "account_id", accountID, "client_id", g.clientID)
	go g.run(loopCtx, l)
	return nil
}

// Disconnect tears the connection down and reports StatusDisconnected. It
// returns without waiting for the connection to finish closing and is safe
// to call repeatedly or from credential hooks.
func (g *Gateway) Disconnect() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopLoopLocked() != nil {
		g.logger.Info("realtime disconnected")
	}
	g.statuses.Publish(StatusDisconnected)
}

// Reauthenticate restarts the current connection with the latest
// credentials. It does not block and does nothing when disconnected.
func (g *Gateway) Reauthenticate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loop == nil {
		return
	}
	select {
	case g.loop.reauth <- struct{}{}:
	default:
	}
}

// Close disconnects and waits for the connection to shut down.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	prev := g.stopLoopLocked()
	g.statuses.Publish(StatusDisconnected)
	g.mu.Unlock()

	if prev != nil {
		<-prev.done
	}
	g.statuses.Close()
	g.events.Close()
	return nil
}

func (g *Gateway) stopLoopLocked() *runLoop {
	l := g.loop
	if l == nil {
		return nil
	}
	l.cancel()
	g.loop = nil
	g.conn = nil
	g.creds = token.Credentials{}
	return l
}

// Events publishes every push event.
func (g *Gateway) Events() *pubsub.Topic[Event] { return g.events }

// Subscribe returns push events of the given categories, or of every
// category when none are given. The cancel function ends the subscription.
func (g *Gateway) Subscribe(categories ...Category) (<-chan Event, func()) {
	in, cancelIn := g.events.Subscribe()
	out := make(chan Event, eventBuffer)
	stop := make(chan struct{})

	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-in:
				if !ok {
					return
				}
				if !matches(ev, categories) {
					continue
				}
				select {
				case out <- ev:
				case <-stop:
					return
				}
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			cancelIn()
			close(stop)
		})
	}
}

func matches(ev Event, categories []Category) bool {
	if len(categories) == 0 {
		return true
	}
	for _, c := range categories {
		if ev.Category == c {
			return true
		}
	}
	return false
}

// Request sends a named request frame. Requests while disconnected return
// ErrNotConnected; requests closer together than the configured interval
// return ErrRateLimited. Both are logged as warnings.
func (g *Gateway) Request(ctx context.Context, event string, data any) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()

	if conn == nil {
		g.logger.Warn("realtime request dropped: not connected", "event", event)
		return ErrNotConnected
	}
	if !g.limiter.AllowN(g.cfg.Clock.Now(), 1) {
		g.logger.Warn("realtime request dropped: rate limited", "event", event)
		return ErrRateLimited
	}

	msg := Message{Type: TypeRequest, Event: event, ID: uuid.NewString()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("realtime: encoding %s: %w", event, err)
		}
		msg.Data = raw
	}
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		return fmt.Errorf("realtime: sending %s: %w", event, err)
	}
	return nil
}

// RequestRefresh asks the server to recompute entity and push the result.
func (g *Gateway) RequestRefresh(ctx context.Context, entity string) error {
	return g.Request(ctx, RefreshEvent(entity), nil)
}

// RequestStatus asks the server for a status report.
func (g *Gateway) RequestStatus(ctx context.Context) error {
	return g.Request(ctx, EventStatusRequest, nil)
}

// endReason says why a served connection ended.
type endReason int

const (
	endCancelled endReason = iota
	endReauth
	endAuthRejected
	endDropped
)

func (g *Gateway) run(ctx context.Context, l *runLoop) {
	defer close(l.done)
	defer g.finishLoop(l)

	reason := "initial"
	authRetried := false
	for {
		// A reauth signal queued before this dial is already satisfied.
		select {
		case <-l.reauth:
		default:
		}

		g.setStatus(l, StatusConnecting)
		g.cfg.Metrics.RecordReconnect(ctx, reason)
		conn, creds, err := g.dial(ctx, l)
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.CloseNow()
			}
			return
		}

		switch {
		case errors.Is(err, ErrAuthRejected):
			if authRetried || !g.refreshCredentials(ctx, l) {
				return
			}
			authRetried = true
			reason = "auth_rejected"
			continue
		case err != nil:
			g.logger.Warn("realtime connection failed", "account_id", l.accountID, "error", err)
			g.setStatus(l, StatusError)
			return
		}

		authRetried = false
		if !g.setConnected(l, conn, creds) {
			_ = conn.CloseNow()
			return
		}
		g.logger.Info("realtime connected", "account_id", l.accountID)

		switch g.serve(ctx, l, conn) {
		case endCancelled:
			return
		case endReauth:
			reason = "reauth"
		case endAuthRejected:
			g.logger.Info("realtime server requested re-authentication", "account_id", l.accountID)
			if !g.refreshCredentials(ctx, l) {
				return
			}
			reason = "auth_rejected"
		case endDropped:
			g.logger.Warn("realtime connection dropped", "account_id", l.accountID)
			reason = "dropped"
		}
	}
}

// finishLoop forgets l if it is still current. The last status it
// reported stays in place, so a failed loop leaves StatusError behind.
func (g *Gateway) finishLoop(l *runLoop) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loop == l {
		g.loop = nil
		g.conn = nil
	}
}

// refreshCredentials renews the token after the server rejected it. On
// failure the credential source has already ended the session.
func (g *Gateway) refreshCredentials(ctx context.Context, l *runLoop) bool {
	if _, err := g.cfg.Credentials.Refresh(ctx); err != nil {
		if ctx.Err() == nil {
			g.logger.Warn("realtime re-authentication failed", "account_id", l.accountID, "error", err)
			g.setStatus(l, StatusError)
		}
		return false
	}
	return true
}

// dial connects with a fixed delay between attempts. An authentication
// rejection is not retried here.
func (g *Gateway) dial(ctx context.Context, l *runLoop) (*websocket.Conn, token.Credentials, error) {
	var creds token.Credentials
	op := func() (*websocket.Conn, error) {
		c, err := g.cfg.Credentials.Credentials(ctx)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("reading credentials: %w", err))
		}
		conn, err := g.handshake(ctx, c, l.accountID)
		switch {
		case err == nil:
			creds = c
			return conn, nil
		case errors.Is(err, ErrAuthRejected), ctx.Err() != nil:
			return nil, backoff.Permanent(err)
		default:
			return nil, err
		}
	}

	conn, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(g.cfg.ReconnectDelay)),
		backoff.WithMaxTries(uint(g.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.logger.Debug("realtime connection attempt failed", "error", err, "retry_in", next)
		}),
	)
	return conn, creds, err
}

func (g *Gateway) handshake(ctx context.Context, creds token.Credentials, accountID string) (*websocket.Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, g.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(hctx, g.cfg.URL, &websocket.DialOptions{
		HTTPClient: g.cfg.HTTPClient,
		HTTPHeader: http.Header{"X-Client-ID": {g.clientID}},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", g.cfg.URL, err)
	}
	conn.SetReadLimit(defaultReadLimit)

	payload, err := json.Marshal(AuthPayload{
		Token:        creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		AccountID:    accountID,
	})
	if err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("encoding handshake: %w", err)
	}
	if err := wsjson.Write(hctx, conn, Message{Type: TypeAuth, Data: payload}); err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("sending handshake: %w", err)
	}

	var reply Message
	if err := wsjson.Read(hctx, conn, &reply); err != nil {
		_ = conn.CloseNow()
		if websocket.CloseStatus(err) == CloseReauthenticate {
			return nil, ErrAuthRejected
		}
		return nil, fmt.Errorf("reading handshake reply: %w", err)
	}
	if reply.Type != TypeReady {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("unexpected handshake reply %q", reply.Type)
	}
	return conn, nil
}

// serve reads frames until the connection ends, the loop is cancelled or a
// re-authentication is requested.
func (g *Gateway) serve(ctx context.Context, l *runLoop, conn *websocket.Conn) endReason {
	readErr := make(chan error, 1)
	go func() {
		for {
			var msg Message
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				readErr <- err
				return
			}
			g.dispatch(l.accountID, msg)
		}
	}()

	select {
	case <-ctx.Done():
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		<-readErr
		return endCancelled
	case <-l.reauth:
		g.clearConn(l)
		_ = conn.Close(websocket.StatusNormalClosure, "reauthenticate")
		<-readErr
		return endReauth
	case err := <-readErr:
		g.clearConn(l)
		_ = conn.CloseNow()
		if websocket.CloseStatus(err) == CloseReauthenticate {
			return endAuthRejected
		}
		return endDropped
	}
}

func (g *Gateway) dispatch(accountID string, msg Message) {
	if msg.Type != TypePush {
		g.logger.Debug("realtime frame ignored", "type", msg.Type, "event", msg.Event)
		return
	}
	category, entity, ok := categorize(msg.Event)
	if !ok {
		g.logger.Debug("realtime push ignored", "event", msg.Event)
		return
	}
	g.events.Publish(Event{
		Category:  category,
		Name:      msg.Event,
		Entity:    entity,
		AccountID: accountID,
		Data:      msg.Data,
		At:        g.cfg.Clock.Now(),
	})
}

// setStatus publishes s if l is still the current loop.
func (g *Gateway) setStatus(l *runLoop, s Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loop != l {
		return
	}
	g.statuses.Publish(s)
}

func (g *Gateway) setConnected(l *runLoop, conn *websocket.Conn, creds token.Credentials) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loop != l {
		return false
	}
	g.conn = conn
	g.creds = creds
	g.statuses.Publish(StatusConnected)
	return true
}

func (g *Gateway) clearConn(l *runLoop) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loop == l {
		g.conn = nil
	}
}
