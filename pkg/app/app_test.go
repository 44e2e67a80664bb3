package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/stocksync/internal/apitest"
	"github.com/txn2/stocksync/pkg/api"
	"github.com/txn2/stocksync/pkg/audit"
	"github.com/txn2/stocksync/pkg/dashboard"
	"github.com/txn2/stocksync/pkg/guard"
	"github.com/txn2/stocksync/pkg/realtime"
	"github.com/txn2/stocksync/pkg/session"
	sessionpostgres "github.com/txn2/stocksync/pkg/session/postgres"
	sessionredis "github.com/txn2/stocksync/pkg/session/redis"
	"github.com/txn2/stocksync/pkg/token"
)

const (
	appTestEmail    = "owner@example.com"
	appTestPassword = "correct-horse"
	waitFor         = 5 * time.Second
	tick            = 10 * time.Millisecond
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, srv *apitest.Server, extra string) *Config {
	t.Helper()
	data := fmt.Sprintf(`
api:
  base_url: %s
session:
  driver: memory
realtime:
  url: %s
  reconnect_delay: 10ms
  max_attempts: 2
audit:
  enabled: true
%s`, srv.URL(), srv.RealtimeURL(), extra)
	cfg, err := ParseConfig([]byte(data))
	require.NoError(t, err)
	return cfg
}

func startApp(t *testing.T, cfg *Config, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	a, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(context.Background(), nil)
	assert.Error(t, err)

	_, err = New(context.Background(), &Config{})
	assert.Error(t, err)
}

func TestNew_BadPolicyFileReleasesResources(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Config{})
	cfg := testConfig(t, srv, "guard:\n  policy_file: "+filepath.Join(t.TempDir(), "missing.rego")+"\n")

	_, err := New(context.Background(), cfg, WithLogger(discardLogger()))
	assert.Error(t, err)
}

func TestApp_RefreshReauthenticatesRealtime(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Config{AccessTokenTTL: 1000 * time.Second, RotateRefreshTokens: true})
	accountID := srv.AddUser(appTestEmail, appTestPassword)
	clock := clockwork.NewFakeClock()
	a := startApp(t, testConfig(t, srv, ""), WithClock(clock))
	ctx := context.Background()

	_, err := a.Tokens().Login(ctx, api.Credentials{Email: appTestEmail, Password: appTestPassword}, true)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return a.Realtime().Connected() }, waitFor, tick)
	first := srv.Handshakes()
	require.Len(t, first, 1)
	assert.Equal(t, accountID, first[0].AccountID)
	require.Eventually(t, func() bool { return a.Health().State() == "ready" }, waitFor, tick)

	// 60% of the 1000s lifetime triggers the proactive refresh.
	clock.Advance(600 * time.Second)

	require.Eventually(t, func() bool {
		hs := srv.Handshakes()
		return len(hs) == 2 && hs[1].Accepted
	}, waitFor, tick)
	hs := srv.Handshakes()
	assert.NotEqual(t, hs[0].Token, hs[1].Token, "reconnect must present the refreshed token")
	assert.NotEqual(t, hs[0].RefreshToken, hs[1].RefreshToken, "rotated refresh token is presented")

	current, err := a.Tokens().AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, current, hs[1].Token)
}

func TestApp_LogoutDisconnectsAndClearsCache(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Config{})
	srv.AddUser(appTestEmail, appTestPassword)
	srv.SetDashboard(dashboard.Snapshot{Products: 7})
	a := startApp(t, testConfig(t, srv, ""))
	ctx := context.Background()

	_, err := a.Tokens().Login(ctx, api.Credentials{Email: appTestEmail, Password: appTestPassword}, false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Realtime().Connected() }, waitFor, tick)

	snap, err := a.Dashboard().Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, snap.Products)

	require.NoError(t, a.Tokens().Logout(ctx))

	require.Eventually(t, func() bool { return a.Realtime().Status() == realtime.StatusDisconnected }, waitFor, tick)
	assert.False(t, a.Tokens().IsAuthenticated(ctx))

	var cached map[string]any
	found, err := a.Store().GetJSON(ctx, dashboard.Entity, &cached)
	require.NoError(t, err)
	assert.False(t, found)
	_, replayed := a.Dashboard().Updates().Latest()
	assert.False(t, replayed, "logout drops the replayed dashboard")

	_, err = a.Dashboard().Current(ctx)
	assert.Error(t, err, "no account after logout")

	events, err := a.Audit().Query(ctx, audit.QueryFilter{Kind: audit.KindLogout})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestApp_RestoresRememberedSession(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Config{})
	accountID := srv.AddUser(appTestEmail, appTestPassword)
	path := filepath.Join(t.TempDir(), "session.json")
	cfg := testConfig(t, srv, "")
	cfg.Session.Driver = DriverFile
	cfg.Session.Path = path
	ctx := context.Background()

	first, err := New(ctx, cfg, WithLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	_, err = first.Tokens().Login(ctx, api.Credentials{Email: appTestEmail, Password: appTestPassword}, true)
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	second := startApp(t, cfg)
	assert.True(t, second.Tokens().IsAuthenticated(ctx))
	require.Eventually(t, func() bool { return second.Realtime().AccountID() == accountID }, waitFor, tick)
	require.Eventually(t, func() bool { return second.Realtime().Connected() }, waitFor, tick)
}

func TestApp_RealtimeDisabledIsDegraded(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Config{})
	cfg := testConfig(t, srv, "")
	cfg.Realtime.Enabled = false
	cfg.Health.Address = "127.0.0.1:0"

	a := startApp(t, cfg)
	assert.Nil(t, a.Realtime())
	assert.Equal(t, "degraded", a.Health().State())

	resp, err := http.Get("http://" + a.HealthAddr() + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, a.Close(context.Background()))
	assert.Equal(t, "draining", a.Health().State())
}

func TestApp_GuardUsesSession(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Config{})
	srv.AddUser(appTestEmail, appTestPassword)
	a := startApp(t, testConfig(t, srv, ""))
	ctx := context.Background()

	d, err := a.Guard().Check(ctx, guard.Route{Path: "/dashboard"})
	require.NoError(t, err)
	assert.Equal(t, guard.RedirectLogin, d.Redirect)

	_, err = a.Tokens().Login(ctx, api.Credentials{Email: appTestEmail, Password: appTestPassword}, false)
	require.NoError(t, err)

	d, err = a.Guard().Check(ctx, guard.Route{Path: "/dashboard"})
	require.NoError(t, err)
	assert.Equal(t, guard.RedirectPasswordSetup, d.Redirect)
}

func TestApp_RedisDriver(t *testing.T) {
	mr := miniredis.RunT(t)
	srv := apitest.NewServer(t, apitest.Config{})
	srv.AddUser(appTestEmail, appTestPassword)
	cfg := testConfig(t, srv, "")
	cfg.Session.Driver = DriverRedis
	cfg.Session.Redis.Addr = mr.Addr()
	cfg.Session.Redis.Namespace = "test:session"

	a := startApp(t, cfg)
	assert.IsType(t, &sessionredis.Partition{}, a.Store().Durable())

	_, err := a.Tokens().Login(context.Background(), api.Credentials{Email: appTestEmail, Password: appTestPassword}, true)
	require.NoError(t, err)
	assert.NotEmpty(t, mr.HGet("test:session", session.KeyAccessToken))
}

func TestApp_RedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	srv := apitest.NewServer(t, apitest.Config{})
	cfg := testConfig(t, srv, "")
	cfg.Session.Driver = DriverRedis
	cfg.Session.Redis.Addr = addr

	_, err := New(context.Background(), cfg, WithLogger(discardLogger()))
	assert.Error(t, err)
}

func TestApp_PostgresDriver(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	srv := apitest.NewServer(t, apitest.Config{})
	cfg := testConfig(t, srv, "")
	cfg.Session.Driver = DriverPostgres
	cfg.Database.DSN = "postgres://unused"
	cfg.Database.SkipMigrations = true

	a, err := New(context.Background(), cfg, WithDB(db), WithLogger(discardLogger()))
	require.NoError(t, err)
	assert.IsType(t, &sessionpostgres.Partition{}, a.Store().Durable())
	require.NoError(t, a.Close(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApp_Accessors(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Config{})
	cfg := testConfig(t, srv, "")
	a, err := New(context.Background(), cfg, WithLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	assert.Same(t, cfg, a.Config())
	assert.NotNil(t, a.Logger())
	assert.Equal(t, srv.URL(), a.Client().BaseURL())
	assert.NotNil(t, a.API())
	assert.Equal(t, token.StateAnonymous, a.Tokens().State())
	assert.Empty(t, a.HealthAddr())
	assert.Equal(t, "starting", a.Health().State())
}
