// Package token owns the access token of the current session. The Manager
// logs users in, keeps the token fresh with an expiration timer, renews it
// on demand with a single in-flight refresh, and tears the session down on
// logout or on any refresh failure.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/txn2/stocksync/pkg/api"
	"github.com/txn2/stocksync/pkg/audit"
	"github.com/txn2/stocksync/pkg/pubsub"
	"github.com/txn2/stocksync/pkg/session"
	"github.com/txn2/stocksync/pkg/telemetry"
)

const (
	defaultTokenTTL               = time.Hour
	defaultRememberMeRefreshRatio = 0.6
	refreshKey                    = "refresh"
	eventBuffer                   = 16

	// anyGeneration makes endSession ignore the session generation.
	anyGeneration = ^uint64(0)
)

// Backend is the subset of the API client used by the Manager.
type Backend interface {
	Login(ctx context.Context, creds api.Credentials) (*api.AuthResponse, error)
	Register(ctx context.Context, reg api.Registration) (*api.AuthResponse, error)
	LoginGoogle(ctx context.Context, creds api.GoogleCredentials) (*api.AuthResponse, error)
	RegisterGoogle(ctx context.Context, reg api.GoogleRegistration) (*api.AuthResponse, error)
	ValidateToken(ctx context.Context, token string, opts ...api.RequestOption) (bool, error)
	RefreshToken(ctx context.Context, userID, refreshToken string) (*api.RefreshResponse, error)
	UpdatePassword(ctx context.Context, token string, update api.PasswordUpdate) error
}

// Config configures a Manager.
type Config struct {
	// Clock drives the expiration timer. Defaults to the real clock.
	Clock clockwork.Clock

	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger

	// DefaultTokenTTL is the access token lifetime assumed when the backend
	// does not report one. Defaults to 1h.
	DefaultTokenTTL time.Duration

	// RememberMeRefreshRatio is the fraction of a remember-me token's
	// lifetime after which it is proactively refreshed. Defaults to 0.6.
	RememberMeRefreshRatio float64

	// Audit receives one event per session transition. Optional.
	Audit audit.Logger

	// Metrics counts refreshes. Optional.
	Metrics *telemetry.Metrics
}

// Manager is the token lifecycle manager. It is safe for concurrent use.
type Manager struct {
	backend Backend
	store   *session.Store
	clock   clockwork.Clock
	logger  *slog.Logger
	audit   audit.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	ttl     time.Duration
	ratio   float64

	group singleflight.Group

	mu         sync.Mutex
	state      State
	generation uint64
	timer      clockwork.Timer
	timerSeq   uint64
	closed     bool
	onRefresh  []func(context.Context, Credentials)
	onLogout   []func(context.Context, Event)

	states *pubsub.Topic[State]
	events *pubsub.Topic[Event]
}

// NewManager creates a Manager over store. Call Restore to pick up a
// session persisted by a previous run.
func NewManager(backend Backend, store *session.Store, cfg Config) (*Manager, error) {
	if backend == nil {
		return nil, errors.New("token: backend is required")
	}
	if store == nil {
		return nil, errors.New("token: session store is required")
	}
	if cfg.RememberMeRefreshRatio < 0 || cfg.RememberMeRefreshRatio > 1 {
		return nil, fmt.Errorf("token: remember-me refresh ratio %v must be within (0, 1]", cfg.RememberMeRefreshRatio)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultTokenTTL <= 0 {
		cfg.DefaultTokenTTL = defaultTokenTTL
	}
	if cfg.RememberMeRefreshRatio == 0 {
		cfg.RememberMeRefreshRatio = defaultRememberMeRefreshRatio
	}

	m := &Manager{
		backend: backend,
		store:   store,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		audit:   cfg.Audit,
		metrics: cfg.Metrics,
		tracer:  otel.Tracer("github.com/txn2/stocksync/pkg/token"),
		ttl:     cfg.DefaultTokenTTL,
		ratio:   cfg.RememberMeRefreshRatio,
		states:  pubsub.NewTopic[State](),
		events:  pubsub.NewTopic[Event](pubsub.WithReplay(false), pubsub.WithBuffer(eventBuffer)),
	}
	m.states.Publish(StateAnonymous)
	return m, nil
}

// States publishes every state change. New subscribers receive the current
// state immediately.
func (m *Manager) States() *pubsub.Topic[State] { return m.states }

// Events publishes login, refresh and logout events. Events are not
// replayed.
func (m *Manager) Events() *pubsub.Topic[Event] { return m.events }

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnRefresh registers fn to run after every successful refresh with the new
// credentials. fn must not block.
func (m *Manager) OnRefresh(fn func(context.Context, Credentials)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRefresh = append(m.onRefresh, fn)
}

// OnLogout registers fn to run after every logout, forced or not.
func (m *Manager) OnLogout(fn func(context.Context, Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLogout = append(m.onLogout, fn)
}

// IsAuthenticated reports whether an access token is stored. It has no side
// effects.
func (m *Manager) IsAuthenticated(ctx context.Context) bool {
	token, err := m.store.AccessToken(ctx)
	if err != nil {
		m.logger.Debug("reading access token failed", "error", err)
		return false
	}
	return token != ""
}

// AccessToken returns the stored access token, or "" when anonymous.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	return m.store.AccessToken(ctx)
}

// Session returns the stored session, or nil when anonymous.
func (m *Manager) Session(ctx context.Context) (*session.Session, error) {
	return m.store.Load(ctx)
}

// Credentials returns the credentials for a realtime handshake.
func (m *Manager) Credentials(ctx context.Context) (Credentials, error) {
	sess, err := m.store.Load(ctx)
	if err != nil {
		return Credentials{}, err
	}
	if !sess.Authenticated() {
		return Credentials{}, ErrNotAuthenticated
	}
	return Credentials{
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		AccountID:    sess.AccountID,
	}, nil
}

// Login authenticates with email and password. On failure the previous
// state is left untouched and the backend error is returned unchanged.
func (m *Manager) Login(ctx context.Context, creds api.Credentials, rememberMe bool) (*session.Session, error) {
	return m.authenticate(ctx, audit.KindLogin, rememberMe, func(ctx context.Context) (*api.AuthResponse, error) {
		return m.backend.Login(ctx, creds)
	})
}

// Register creates an account and starts its session.
func (m *Manager) Register(ctx context.Context, reg api.Registration, rememberMe bool) (*session.Session, error) {
	return m.authenticate(ctx, audit.KindRegister, rememberMe, func(ctx context.Context) (*api.AuthResponse, error) {
		return m.backend.Register(ctx, reg)
	})
}

// LoginGoogle authenticates with a Google ID token.
func (m *Manager) LoginGoogle(ctx context.Context, creds api.GoogleCredentials, rememberMe bool) (*session.Session, error) {
	return m.authenticate(ctx, audit.KindLogin, rememberMe, func(ctx context.Context) (*api.AuthResponse, error) {
		return m.backend.LoginGoogle(ctx, creds)
	})
}

// RegisterGoogle creates an account from a Google ID token.
func (m *Manager) RegisterGoogle(ctx context.Context, reg api.GoogleRegistration, rememberMe bool) (*session.Session, error) {
	return m.authenticate(ctx, audit.KindRegister, rememberMe, func(ctx context.Context) (*api.AuthResponse, error) {
		return m.backend.RegisterGoogle(ctx, reg)
	})
}

func (m *Manager) authenticate(
	ctx context.Context,
	kind audit.Kind,
	rememberMe bool,
	call func(context.Context) (*api.AuthResponse, error),
) (*session.Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	prev := m.state
	m.setStateLocked(StateAuthenticating)
	m.mu.Unlock()

	resp, err := call(ctx)
	if err != nil {
		m.restoreState(prev)
		m.record(ctx, audit.NewEvent(kind).WithRememberMe(rememberMe).WithError(err))
		return nil, err
	}

	lifetime := resp.Lifetime(m.ttl)
	now := m.clock.Now()
	sess := &session.Session{
		AccessToken:       resp.Token,
		AccountID:         resp.AccountID,
		AccountUserID:     resp.AccountUser.ID,
		ExpiresAt:         now.Add(lifetime),
		RememberMe:        rememberMe,
		FirstAccess:       resp.AccountUser.FirstAccess,
		PasswordConfirmed: resp.AccountUser.PasswordConfirmed,
		UserImage:         resp.AccountUser.UserImage,
	}
	if rememberMe {
		sess.RefreshToken = resp.RefreshToken
	}

	m.mu.Lock()
	if err := m.store.Save(ctx, sess); err != nil {
		m.mu.Unlock()
		m.restoreState(prev)
		return nil, fmt.Errorf("token: saving session: %w", err)
	}
	m.generation++
	m.armTimerLocked(lifetime, rememberMe)
	m.setStateLocked(StateAuthenticated)
	m.mu.Unlock()

	m.logger.Info("session started",
		"account_id", sess.AccountID,
		"subject", subject(resp.Token),
		"remember_me", rememberMe,
		"expires_in", lifetime)
	m.events.Publish(Event{Kind: EventLogin, AccountID: sess.AccountID, At: now})
	m.record(ctx, audit.NewEvent(kind).WithAccount(sess.AccountID).WithRememberMe(rememberMe))

	out := *sess
	return &out, nil
}

// ValidateOrRefresh asks the backend whether the stored token is still
// valid. An invalid token is refreshed when a refresh token exists;
// otherwise the session is cleared. Without a stored token it returns false
// without any network call. A transport error is returned as-is and leaves
// the session in place.
func (m *Manager) ValidateOrRefresh(ctx context.Context) (bool, error) {
	token, err := m.store.AccessToken(ctx)
	if err != nil {
		return false, fmt.Errorf("token: reading access token: %w", err)
	}
	if token == "" {
		return false, nil
	}

	valid, err := m.backend.ValidateToken(ctx, token, api.SkipLoading())
	if err != nil {
		return false, fmt.Errorf("token: validating: %w", err)
	}
	if valid {
		return true, nil
	}

	refresh, err := m.store.RefreshToken(ctx)
	if err != nil {
		return false, fmt.Errorf("token: reading refresh token: %w", err)
	}
	if refresh == "" {
		m.logger.Info("access token rejected and no refresh token stored")
		if err := m.endSession(ctx, EventForcedLogout, ReasonInvalidToken, anyGeneration); err != nil {
			return false, err
		}
		return false, nil
	}

	if _, err := m.Refresh(ctx); err != nil {
		if errors.Is(err, ErrRefreshFailed) || errors.Is(err, ErrNotAuthenticated) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Refresh renews the access token and returns the new one. Concurrent calls
// share a single backend request and observe the same outcome. Any failure
// tears the session down and is wrapped in ErrRefreshFailed.
//
// The refresh itself is not cancelled with ctx; a caller whose ctx ends
// stops waiting while the shared refresh completes for the others.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	ch := m.group.DoChan(refreshKey, func() (any, error) {
		return m.doRefresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		token, _ := res.Val.(string)
		return token, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	ctx, span := m.tracer.Start(ctx, "token.refresh")
	defer span.End()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	gen := m.generation
	sess, err := m.store.Load(ctx)
	if err != nil {
		m.mu.Unlock()
		span.RecordError(err)
		return "", fmt.Errorf("token: loading session: %w", err)
	}
	if sess == nil {
		m.setStateLocked(StateAnonymous)
		m.mu.Unlock()
		return "", ErrNotAuthenticated
	}
	m.setStateLocked(StateRefreshing)
	m.mu.Unlock()

	span.SetAttributes(
		attribute.String("account_id", sess.AccountID),
		attribute.Bool("remember_me", sess.RememberMe),
	)

	if sess.RefreshToken == "" {
		return "", m.failRefresh(ctx, sess, gen, ReasonNoRefreshToken, ErrNoRefreshToken)
	}

	userID := sess.AccountUserID
	if userID == "" {
		userID = sess.AccountID
	}
	resp, err := m.backend.RefreshToken(ctx, userID, sess.RefreshToken)
	if err != nil {
		span.RecordError(err)
		return "", m.failRefresh(ctx, sess, gen, ReasonRefreshFailed, err)
	}

	lifetime := resp.Lifetime(m.ttl)
	now := m.clock.Now()
	refreshToken := sess.RefreshToken
	if resp.RefreshToken != "" {
		refreshToken = resp.RefreshToken
	}

	m.mu.Lock()
	if m.closed || m.generation != gen {
		// The session ended or was replaced while the request was in flight.
		m.mu.Unlock()
		return "", ErrNotAuthenticated
	}
	if err := m.store.UpdateAccessToken(ctx, resp.Token, now.Add(lifetime)); err != nil {
		m.mu.Unlock()
		return "", m.failRefresh(ctx, sess, gen, ReasonRefreshFailed, err)
	}
	if refreshToken != sess.RefreshToken {
		if err := m.store.UpdateRefreshToken(ctx, refreshToken); err != nil {
			m.mu.Unlock()
			return "", m.failRefresh(ctx, sess, gen, ReasonRefreshFailed, err)
		}
	}
	m.armTimerLocked(lifetime, sess.RememberMe)
	m.setStateLocked(StateAuthenticated)
	hooks := slices.Clone(m.onRefresh)
	m.mu.Unlock()

	m.logger.Debug("access token refreshed", "account_id", sess.AccountID, "expires_in", lifetime)
	m.metrics.RecordRefresh(ctx, "success")
	m.events.Publish(Event{Kind: EventRefresh, AccountID: sess.AccountID, At: now})
	m.record(ctx, audit.NewEvent(audit.KindRefresh).WithAccount(sess.AccountID).WithRememberMe(sess.RememberMe))

	creds := Credentials{AccessToken: resp.Token, RefreshToken: refreshToken, AccountID: sess.AccountID}
	for _, fn := range hooks {
		fn(ctx, creds)
	}
	return resp.Token, nil
}

func (m *Manager) failRefresh(ctx context.Context, sess *session.Session, gen uint64, reason string, cause error) error {
	m.logger.Warn("token refresh failed, ending session",
		"account_id", sess.AccountID,
		"reason", reason,
		"error", cause)
	m.metrics.RecordRefresh(ctx, "failure")
	m.record(ctx, audit.NewEvent(audit.KindRefreshFailed).
		WithAccount(sess.AccountID).
		WithRememberMe(sess.RememberMe).
		WithError(cause))
	if err := m.endSession(ctx, EventForcedLogout, reason, gen); err != nil {
		m.logger.Warn("clearing session after refresh failure", "error", err)
	}
	return fmt.Errorf("%w: %w", ErrRefreshFailed, cause)
}

// Logout ends the session. It clears both partitions, cancels the
// expiration timer and notifies OnLogout hooks. Calling it again is safe.
func (m *Manager) Logout(ctx context.Context) error {
	return m.endSession(ctx, EventLogout, ReasonUserLogout, anyGeneration)
}

// endSession tears down the session. When gen is not anyGeneration the
// teardown only happens if no newer session has started since gen.
func (m *Manager) endSession(ctx context.Context, kind EventKind, reason string, gen uint64) error {
	m.mu.Lock()
	if gen != anyGeneration && gen != m.generation {
		m.mu.Unlock()
		return nil
	}
	accountID, _ := m.store.AccountID(ctx)
	wasActive := m.state != StateAnonymous || accountID != ""

	m.stopTimerLocked()
	m.generation++
	clearErr := m.store.Clear(ctx)
	m.setStateLocked(StateAnonymous)
	hooks := slices.Clone(m.onLogout)
	m.mu.Unlock()

	ev := Event{Kind: kind, AccountID: accountID, Reason: reason, At: m.clock.Now()}
	if wasActive {
		m.logger.Info("session ended", "account_id", accountID, "reason", reason)
		m.events.Publish(ev)
		auditKind := audit.KindLogout
		if kind == EventForcedLogout {
			auditKind = audit.KindForcedLogout
		}
		m.record(ctx, audit.NewEvent(auditKind).
			WithAccount(accountID).
			WithDetail(map[string]any{"reason": reason}))
	}
	for _, fn := range hooks {
		fn(ctx, ev)
	}

	if clearErr != nil {
		return fmt.Errorf("token: clearing session: %w", clearErr)
	}
	return nil
}

// Restore picks up a session persisted by a previous run and re-arms the
// expiration timer for its remaining lifetime. An expired remember-me
// session is refreshed immediately; any other expired session is logged
// out. It reports whether a session is active afterwards.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	m.mu.Lock()
	sess, err := m.store.Load(ctx)
	if err != nil {
		m.mu.Unlock()
		return false, fmt.Errorf("token: loading session: %w", err)
	}
	if sess == nil {
		m.setStateLocked(StateAnonymous)
		m.mu.Unlock()
		return false, nil
	}

	m.generation++
	gen := m.generation
	remaining := sess.Remaining(m.clock.Now())
	if sess.ExpiresAt.IsZero() {
		remaining = m.ttl
	}
	m.setStateLocked(StateAuthenticated)
	if remaining > 0 {
		m.armTimerLocked(remaining, sess.RememberMe)
		m.mu.Unlock()
		m.logger.Info("session restored", "account_id", sess.AccountID, "remaining", remaining)
		return true, nil
	}
	m.mu.Unlock()

	if sess.RememberMe && sess.RefreshToken != "" {
		if _, err := m.Refresh(ctx); err != nil {
			m.logger.Warn("restored session could not be refreshed", "error", err)
			return false, nil
		}
		return true, nil
	}
	if err := m.endSession(ctx, EventForcedLogout, ReasonExpired, gen); err != nil {
		return false, err
	}
	return false, nil
}

// UpdatePassword sets the user's password and marks first access as done.
// A rejected token is refreshed once before retrying.
func (m *Manager) UpdatePassword(ctx context.Context, update api.PasswordUpdate) error {
	token, err := m.store.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("token: reading access token: %w", err)
	}
	if token == "" {
		return ErrNotAuthenticated
	}

	err = m.backend.UpdatePassword(ctx, token, update)
	if api.IsUnauthorized(err) {
		if token, err = m.Refresh(ctx); err != nil {
			return err
		}
		err = m.backend.UpdatePassword(ctx, token, update)
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.SetFlags(ctx, false, true); err != nil {
		return fmt.Errorf("token: updating session flags: %w", err)
	}
	return nil
}

// Close stops the expiration timer and closes the topics. The persisted
// session is kept for the next run.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.stopTimerLocked()
	m.mu.Unlock()

	m.states.Close()
	m.events.Close()
	return nil
}

func (m *Manager) restoreState(prev State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAuthenticating {
		m.setStateLocked(prev)
	}
}

// setStateLocked records s and publishes it when it changed.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.states.Publish(s)
}

// armTimerLocked schedules the next expiry action for a token valid for
// lifetime: a refresh after ratio*lifetime for remember-me sessions, a
// forced logout after lifetime otherwise.
func (m *Manager) armTimerLocked(lifetime time.Duration, rememberMe bool) {
	m.stopTimerLocked()
	seq := m.timerSeq

	if rememberMe {
		delay := time.Duration(float64(lifetime) * m.ratio)
		m.timer = m.clock.AfterFunc(delay, func() { m.timerFired(seq, true) })
		return
	}
	m.timer = m.clock.AfterFunc(lifetime, func() { m.timerFired(seq, false) })
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
}

func (m *Manager) timerFired(seq uint64, refresh bool) {
	m.mu.Lock()
	if m.closed || seq != m.timerSeq {
		m.mu.Unlock()
		return
	}
	gen := m.generation
	m.timer = nil
	m.mu.Unlock()

	ctx := context.Background()
	if refresh {
		if _, err := m.Refresh(ctx); err != nil {
			m.logger.Warn("proactive token refresh failed", "error", err)
		}
		return
	}
	if err := m.endSession(ctx, EventForcedLogout, ReasonExpired, gen); err != nil {
		m.logger.Warn("clearing expired session", "error", err)
	}
}

func (m *Manager) record(ctx context.Context, e *audit.Event) {
	if m.audit == nil {
		return
	}
	e.WithTimestamp(m.clock.Now())
	if err := m.audit.Log(ctx, *e); err != nil {
		m.logger.Warn("audit log failed", "kind", e.Kind, "error", err)
	}
}

// subject returns the unverified "sub" claim of a JWT access token for
// logging. Expiry is never taken from the token.
func subject(token string) string {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	return claims.Subject
}

// Verify interface compliance.
var _ api.TokenSource = (*Manager)(nil)
