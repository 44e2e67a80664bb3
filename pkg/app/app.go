// Package app is the application-scoped context of the stock client. It
// builds every component from one Config, links the token lifecycle to the
// realtime channel and the read models, and owns startup and shutdown.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq" // PostgreSQL driver
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/txn2/stocksync/pkg/api"
	"github.com/txn2/stocksync/pkg/audit"
	auditpostgres "github.com/txn2/stocksync/pkg/audit/postgres"
	"github.com/txn2/stocksync/pkg/dashboard"
	"github.com/txn2/stocksync/pkg/database/migrate"
	"github.com/txn2/stocksync/pkg/guard"
	"github.com/txn2/stocksync/pkg/health"
	"github.com/txn2/stocksync/pkg/realtime"
	"github.com/txn2/stocksync/pkg/session"
	"github.com/txn2/stocksync/pkg/session/file"
	sessionpostgres "github.com/txn2/stocksync/pkg/session/postgres"
	sessionredis "github.com/txn2/stocksync/pkg/session/redis"
	"github.com/txn2/stocksync/pkg/telemetry"
	"github.com/txn2/stocksync/pkg/token"
)

const (
	auditCleanupInterval = 24 * time.Hour
	healthReadTimeout    = 5 * time.Second
)

// App holds every component of one client instance.
type App struct {
	cfg    *Config
	logger *slog.Logger
	clock  clockwork.Clock
	lc     *lifecycle

	client     *api.Client
	authorized *api.Authorized
	store      *session.Store
	tokens     *token.Manager
	realtime   *realtime.Gateway
	dashboard  *dashboard.Service
	guard      *guard.Guard
	audit      audit.Logger
	health     *health.Checker
	metrics    *telemetry.Metrics
	healthAddr string
}

// New builds an App from cfg. Nothing runs until Start is called. When New
// fails, everything it acquired has been released.
func New(ctx context.Context, cfg *Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := Options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}

	a := &App{
		cfg:    cfg,
		logger: o.Logger,
		clock:  o.Clock,
		lc:     newLifecycle(o.Logger),
		health: health.NewChecker(),
	}

	built := false
	defer func() {
		if !built {
			_ = a.lc.stop(context.WithoutCancel(ctx))
		}
	}()

	steps := []func(context.Context, *Options) error{
		a.initTelemetry,
		a.initStore,
		a.initAudit,
		a.initTokens,
		a.initRealtime,
		a.initDashboard,
		a.initGuard,
	}
	for _, step := range steps {
		if err := step(ctx, &o); err != nil {
			return nil, err
		}
	}
	a.wireHooks()
	a.registerStages()

	built = true
	return a, nil
}

func (a *App) initTelemetry(ctx context.Context, _ *Options) error {
	providers, err := telemetry.NewProviders(ctx, a.cfg.Telemetry.Endpoint, a.cfg.Telemetry.ServiceName, a.cfg.Telemetry.Insecure)
	if err != nil {
		return fmt.Errorf("app: telemetry: %w", err)
	}
	a.lc.onStop("telemetry", providers.Shutdown)
	if a.cfg.Telemetry.Endpoint != "" {
		otel.SetTracerProvider(providers.TracerProvider)
		otel.SetMeterProvider(providers.MeterProvider)
	}

	metrics, err := telemetry.NewMetrics(providers.MeterProvider)
	if err != nil {
		return fmt.Errorf("app: telemetry: %w", err)
	}
	a.metrics = metrics
	return nil
}

// database returns the PostgreSQL handle, opening and migrating it on first
// use.
func (a *App) database(o *Options) (*sql.DB, error) {
	if o.DB != nil {
		return o.DB, nil
	}
	db, err := sql.Open("postgres", a.cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("app: opening database: %w", err)
	}
	db.SetMaxOpenConns(a.cfg.Database.MaxOpenConns)
	a.lc.onStop("database", func(context.Context) error { return db.Close() })

	if !a.cfg.Database.SkipMigrations {
		if err := migrate.Run(db); err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
	}
	o.DB = db
	return db, nil
}

func (a *App) initStore(ctx context.Context, o *Options) error {
	durable, err := a.durablePartition(ctx, o)
	if err != nil {
		return err
	}
	a.store = session.NewStore(durable, session.NewMemoryPartition())
	a.lc.onStop("session store", func(context.Context) error { return a.store.Close() })
	return nil
}

func (a *App) durablePartition(ctx context.Context, o *Options) (session.Partition, error) {
	if o.Durable != nil {
		return o.Durable, nil
	}

	switch a.cfg.Session.Driver {
	case DriverFile:
		p, err := file.Open(a.cfg.Session.Path)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		return p, nil

	case DriverRedis:
		client := o.RedisClient
		if client == nil {
			client = goredis.NewClient(&goredis.Options{
				Addr:     a.cfg.Session.Redis.Addr,
				Password: a.cfg.Session.Redis.Password,
				DB:       a.cfg.Session.Redis.DB,
			})
		}
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("app: connecting to redis: %w", err)
		}
		return sessionredis.New(client, sessionredis.Config{Namespace: a.cfg.Session.Redis.Namespace}), nil

	case DriverPostgres:
		db, err := a.database(o)
		if err != nil {
			return nil, err
		}
		p := sessionpostgres.New(db, sessionpostgres.Config{
			Namespace: a.cfg.Session.Postgres.Namespace,
			MaxAge:    a.cfg.Session.Postgres.MaxAge,
		})
		if a.cfg.Session.Postgres.MaxAge > 0 {
			p.StartPruneRoutine(a.cfg.Session.Postgres.PruneInterval)
		}
		return p, nil

	default:
		return session.NewMemoryPartition(), nil
	}
}

func (a *App) initAudit(_ context.Context, o *Options) error {
	switch {
	case o.AuditLogger != nil:
		a.audit = o.AuditLogger
	case !a.cfg.Audit.Enabled:
		a.audit = audit.NoopLogger{}
	case a.cfg.Audit.Driver == AuditDriverPostgres:
		db, err := a.database(o)
		if err != nil {
			return err
		}
		store := auditpostgres.New(db, auditpostgres.Config{RetentionDays: a.cfg.Audit.RetentionDays})
		store.StartCleanupRoutine(auditCleanupInterval)
		a.audit = store
	default:
		a.audit = audit.NewMemoryLogger(a.cfg.Audit.Capacity)
	}
	a.lc.onStop("audit", func(context.Context) error { return a.audit.Close() })
	return nil
}

func (a *App) initTokens(_ context.Context, o *Options) error {
	client, err := api.New(api.Config{
		BaseURL:    a.cfg.API.BaseURL,
		HTTPClient: o.HTTPClient,
		Timeout:    a.cfg.API.Timeout,
		UserAgent:  a.cfg.API.UserAgent,
		Logger:     a.logger,
	})
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.client = client

	tokens, err := token.NewManager(client, a.store, token.Config{
		Clock:                  a.clock,
		Logger:                 a.logger,
		DefaultTokenTTL:        a.cfg.Token.DefaultTTL,
		RememberMeRefreshRatio: a.cfg.Token.RememberMeRefreshRatio,
		Audit:                  a.audit,
		Metrics:                a.metrics,
	})
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.tokens = tokens
	a.authorized = client.Authorized(tokens)
	a.lc.onStop("token manager", func(context.Context) error { return tokens.Close() })
	return nil
}

func (a *App) initRealtime(_ context.Context, o *Options) error {
	if !a.cfg.Realtime.Enabled {
		return nil
	}
	gw, err := realtime.New(realtime.Config{
		URL:              a.cfg.Realtime.URL,
		Credentials:      a.tokens,
		HTTPClient:       o.HTTPClient,
		Logger:           a.logger,
		Clock:            a.clock,
		ReconnectDelay:   a.cfg.Realtime.ReconnectDelay,
		MaxAttempts:      a.cfg.Realtime.MaxAttempts,
		HandshakeTimeout: a.cfg.Realtime.HandshakeTimeout,
		RequestInterval:  a.cfg.Realtime.RequestInterval,
		Metrics:          a.metrics,
	})
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.realtime = gw
	a.lc.onStop("realtime", func(context.Context) error { return gw.Close() })
	return nil
}

func (a *App) initDashboard(_ context.Context, _ *Options) error {
	svc, err := dashboard.New(dashboard.Config{
		Client:          a.authorized,
		Account:         a.accountID,
		Cache:           a.store,
		Realtime:        a.realtime,
		Clock:           a.clock,
		TTL:             a.cfg.Dashboard.TTL,
		RefreshInterval: a.cfg.Dashboard.RefreshInterval,
		Logger:          a.logger,
		Metrics:         a.metrics,
	})
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.dashboard = svc
	return nil
}

func (a *App) initGuard(ctx context.Context, _ *Options) error {
	var policy string
	if a.cfg.Guard.PolicyFile != "" {
		p, err := guard.LoadPolicy(a.cfg.Guard.PolicyFile)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		policy = p
	}
	g, err := guard.New(ctx, guard.Config{
		Tokens:   a.tokens,
		Accounts: a.authorized,
		Policy:   policy,
		Clock:    a.clock,
		Logger:   a.logger,
	})
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.guard = g
	return nil
}

// wireHooks links the token lifecycle to the realtime channel and the read
// models. The hooks must not block: Reauthenticate and Disconnect return
// immediately.
func (a *App) wireHooks() {
	a.tokens.OnRefresh(func(context.Context, token.Credentials) {
		if a.realtime != nil {
			a.realtime.Reauthenticate()
		}
	})
	a.tokens.OnLogout(func(ctx context.Context, _ token.Event) {
		if a.realtime != nil {
			a.realtime.Disconnect()
		}
		a.dashboard.Invalidate(ctx)
	})
}

// registerStages declares what Start runs, in order.
func (a *App) registerStages() {
	var stopFollow func()
	a.lc.add("session follower",
		func(ctx context.Context) error {
			stopFollow = a.followSessions(ctx)
			return nil
		},
		func(context.Context) error {
			stopFollow()
			return nil
		})

	var stopHealth func()
	a.lc.add("health tracking",
		func(context.Context) error {
			stopHealth = a.trackHealth()
			return nil
		},
		func(context.Context) error {
			a.health.SetDraining()
			stopHealth()
			return nil
		})

	a.lc.add("session restore", a.restore, nil)

	a.lc.add("dashboard",
		func(ctx context.Context) error {
			a.dashboard.Start(ctx)
			return nil
		},
		func(context.Context) error {
			a.dashboard.Stop()
			return nil
		})

	if a.cfg.Health.Address != "" {
		var srv *http.Server
		a.lc.add("health server",
			func(context.Context) error {
				var err error
				srv, err = a.serveHealth()
				return err
			},
			func(ctx context.Context) error {
				return srv.Shutdown(ctx)
			})
	}
}

// followSessions connects the realtime channel whenever a login succeeds.
// It runs outside the token manager's hooks because Connect waits for the
// previous connection to wind down.
func (a *App) followSessions(ctx context.Context) func() {
	events, cancel := a.tokens.Events().Subscribe()
	done := make(chan struct{})
	ctx = context.WithoutCancel(ctx)

	go func() {
		defer close(done)
		for ev := range events {
			if ev.Kind == token.EventLogin {
				a.connect(ctx, ev.AccountID)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (a *App) trackHealth() func() {
	if a.realtime == nil {
		a.health.SetDegraded()
		return func() {}
	}
	statuses, cancel := a.realtime.Statuses().Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.health.Follow(statuses)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (a *App) restore(ctx context.Context) error {
	restored, err := a.tokens.Restore(ctx)
	if err != nil {
		// A backend outage must not keep the client from starting; the
		// session stays anonymous until the next login.
		a.logger.Warn("restoring session", "error", err)
		return nil
	}
	if !restored {
		return nil
	}
	account, err := a.accountID(ctx)
	if err != nil {
		return fmt.Errorf("reading restored account: %w", err)
	}
	a.connect(ctx, account)
	return nil
}

func (a *App) connect(ctx context.Context, accountID string) {
	if a.realtime == nil || accountID == "" {
		return
	}
	if err := a.realtime.Connect(ctx, accountID); err != nil {
		a.logger.Warn("realtime connect failed", "account_id", accountID, "error", err)
	}
}

func (a *App) serveHealth() (*http.Server, error) {
	ln, err := net.Listen("tcp", a.cfg.Health.Address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", a.cfg.Health.Address, err)
	}
	a.healthAddr = ln.Addr().String()
	srv := &http.Server{
		Handler:           a.health.Handler(),
		ReadHeaderTimeout: healthReadTimeout,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("health server stopped", "error", err)
		}
	}()
	a.logger.Info("health endpoint listening", "address", a.healthAddr)
	return srv, nil
}

func (a *App) accountID(ctx context.Context) (string, error) {
	sess, err := a.tokens.Session(ctx)
	if err != nil || sess == nil {
		return "", err
	}
	return sess.AccountID, nil
}

// Start restores a remembered session, connects the realtime channel for
// it and starts the read models.
func (a *App) Start(ctx context.Context) error {
	return a.lc.start(ctx)
}

// Close stops everything Start started and releases every resource New
// acquired, in reverse order. It is idempotent.
func (a *App) Close(ctx context.Context) error {
	return a.lc.stop(ctx)
}

// Config returns the configuration.
func (a *App) Config() *Config { return a.cfg }

// Logger returns the logger.
func (a *App) Logger() *slog.Logger { return a.logger }

// Client returns the unauthenticated API client.
func (a *App) Client() *api.Client { return a.client }

// API returns the API client that attaches the session token.
func (a *App) API() *api.Authorized { return a.authorized }

// Store returns the session store.
func (a *App) Store() *session.Store { return a.store }

// Tokens returns the token lifecycle manager.
func (a *App) Tokens() *token.Manager { return a.tokens }

// Realtime returns the realtime gateway, nil when realtime is disabled.
func (a *App) Realtime() *realtime.Gateway { return a.realtime }

// Dashboard returns the dashboard read model.
func (a *App) Dashboard() *dashboard.Service { return a.dashboard }

// Guard returns the navigation guard.
func (a *App) Guard() *guard.Guard { return a.guard }

// Audit returns the audit logger.
func (a *App) Audit() audit.Logger { return a.audit }

// Health returns the readiness checker.
func (a *App) Health() *health.Checker { return a.health }

// HealthAddr returns the address the health endpoint listens on, "" when
// it is not serving.
func (a *App) HealthAddr() string { return a.healthAddr }
