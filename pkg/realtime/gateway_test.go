package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/stocksync/internal/apitest"
	"github.com/txn2/stocksync/pkg/api"
	"github.com/txn2/stocksync/pkg/token"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// fakeSource hands out tokens issued by the fake backend.
type fakeSource struct {
	t      *testing.T
	client *api.Client

	mu           sync.Mutex
	creds        token.Credentials
	refreshErr   error
	refreshCalls int
}

func newFakeSource(t *testing.T, srv *apitest.Server) *fakeSource {
	t.Helper()
	srv.AddUser("owner@example.com", "correct-horse")
	client, err := api.New(api.Config{BaseURL: srv.URL()})
	require.NoError(t, err)

	src := &fakeSource{t: t, client: client}
	src.creds = src.login()
	return src
}

func (f *fakeSource) login() token.Credentials {
	resp, err := f.client.Login(context.Background(), api.Credentials{
		Email:    "owner@example.com",
		Password: "correct-horse",
	})
	require.NoError(f.t, err)
	return token.Credentials{AccessToken: resp.Token, RefreshToken: resp.RefreshToken, AccountID: resp.AccountID}
}

func (f *fakeSource) Credentials(context.Context) (token.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creds, nil
}

func (f *fakeSource) Refresh(context.Context) (string, error) {
	f.mu.Lock()
	f.refreshCalls++
	err := f.refreshErr
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	creds := f.login()
	f.mu.Lock()
	f.creds = creds
	f.mu.Unlock()
	return creds.AccessToken, nil
}

func (f *fakeSource) rotate() token.Credentials {
	creds := f.login()
	f.mu.Lock()
	f.creds = creds
	f.mu.Unlock()
	return creds
}

func (f *fakeSource) refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

func newTestGateway(t *testing.T, srv *apitest.Server, src CredentialSource, mutate func(*Config)) *Gateway {
	t.Helper()
	cfg := Config{
		URL:            srv.RealtimeURL(),
		Credentials:    src,
		ReconnectDelay: 20 * time.Millisecond,
		MaxAttempts:    3,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func waitStatus(t *testing.T, g *Gateway, want Status) {
	t.Helper()
	assert.Eventually(t, func() bool { return g.Status() == want }, waitFor, tick,
		"status never became %s", want)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{URL: "ws://localhost/realtime"})
	assert.Error(t, err)
}

func TestGateway_ConnectHandshake(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Config{})
	src := newFakeSource(t, srv)
	g := newTestGateway(t, srv, src, nil)

	statuses, cancel := g.Statuses().Subscribe()
	defer cancel()
	assert.Equal(t, StatusDisconnected, <-statuses)

	require.NoError(t, g.Connect(context.Background(), src.creds.AccountID))
	waitStatus(t, g, StatusConnected)
	assert.True(t, g.Connected())
	assert.Equal(t, src.creds.AccountID, g.AccountID())
	assert.Equal(t, src.creds, g.LastCredentials())

	hs := srv.Handshakes()
	require.Len(t, hs, 1)
	assert.Equal(t, src.creds.AccessToken, hs[0].Token)
	assert.Equal(t, src.creds.RefreshToken, hs[0].RefreshToken)
	assert.Equal(t, src.creds.AccountID, hs[0].AccountID)
	assert.Equal(t, g.ClientID(), hs[0].ClientID)
}

func TestGateway_ConnectSameAccountIsNoop(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Config{})
	src := newFakeSource(t, srv)
	g := newTestGateway(t, srv, src, nil)
	ctx := context.Background()

	require.NoError(t, g.Connect(ctx, src.creds.AccountID))
	waitStatus(t, g, StatusConnected)
	require.NoError(t, g.Connect(ctx, src.creds.AccountID))

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, srv.Handshakes(), 1)
	assert.Equal(t, 1, srv.Connections())
}

func TestGateway_ConnectOtherAccountReplaces(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Config{})
	src := newFakeSource(t, srv)
	g := newTestGateway(t, srv, src, nil)
	ctx := context.Background()

	require.NoError(t, g.Connect(ctx, src.creds.AccountID))
	waitStatus(t, g, StatusConnected)

	require.NoError(t, g.Connect(ctx, "acct-other"))
	assert.Eventually(t, func() bool { return len(srv.Handshakes()) == 2 }, waitFor, tick)
	waitStatus(t, g, StatusConnected)

	hs := srv.Handshakes()
	assert.Equal(t, "acct-other", hs[1].AccountID)
	assert.Eventually(t, func() bool { return srv.Connections() == 1 }, waitFor, tick)
}

func TestGateway_ConnectRequiresAccount(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Config{})
	g := newTestGateway(t, srv, newFakeSource(t, srv), nil)

	assert.Error(t, g.Connect(context.Background(), ""))
}

func TestGateway_DisconnectIsIdempotent(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Config{})
	src := newFakeSource(t, srv)
	g := newTestGateway(t, srv, src, nil)

	g.Disconnect()
	assert.Equal(t, StatusDisconnected, g.Status())

	require.NoError(t, g.Connect(context.Background(), src.creds.AccountID))
	waitStatus(t, g, StatusConnected)

	g.Disconnect()
	g.Disconnect()
	assert.Equal(t, StatusDisconnected, g.Status())
	assert.False(t, g.Connected())
	assert.Empty(t, g.AccountID())
	assert.Eventually(t, func() bool { return srv.Connections() == 0 }, waitFor, tick)
}

func TestGateway_PushEventsAreDemultiplexed(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Config{})
	src := newFakeSource(t, srv)
	g := newTestGateway(t, srv, src, nil)

	updates, cancelUpdates := g.Subscribe(CategoryUpdate)
	defer cancelUpdates()
	all, cancelAll := g.Subscribe()
	defer cancelAll()

	require.NoError(t, g.Connect(context.Background(), src.creds.AccountID))
	waitStatus(t, g, StatusConnected)

	srv.Push("heartbeat", map[string]int{"seq": 1})
	srv.Push("dashboard.updated", map[string]int{"products": 7})
	srv.Push("unknown.thing", nil)

	select {
	case ev := <-updates:
		assert.Equal(t, CategoryUpdate, ev.Category)
		assert.Equal(t, "dashboard", ev.Entity)
		assert.Equal(t, "dashboard.updated", ev.Name)
		assert.Equal(t, src.creds.AccountID, ev.AccountID)
		var body map[string]int
		require.NoError(t, ev.Decode(&body))
		assert.Equal(t, 7, body["products"])
	case <-time.After(waitFor):
		t.Fatal("no update event")
	}

	var got []Category
	for range 2 {
		select {
		case ev := <-all:
			got = append(got, ev.Category)
		case <-time.After(waitFor):
			t.Fatal("missing events")
		}
	}
	assert.Equal(t, []Category{CategoryHeartbeat, CategoryUpdate}, got)
}

func TestGateway_RequestWhileDisconnected(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Config{})
	g := newTestGateway(t, srv, newFakeSource(t, srv), nil)

	err := g.RequestRefresh(context.Background(), "dashboard")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestGateway_RequestRateLimit(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Config{})
	src := newFakeSource(t, srv)
	clock := clockwork.NewFakeClock()
	g := newTestGateway(t, srv, src, func(c *Config) { c.Clock = clock })
	ctx := context.Background()

	require.NoError(t, g.Connect(ctx, src.creds.AccountID))
	waitStatus(t, g, StatusConnected)

	require.NoError(t, g.RequestRefresh(ctx, "dashboard"))
	assert.ErrorIs(t, g.RequestStatus(ctx), ErrRateLimited)

	clock.Advance(time.Second)
	require.NoError(t, g.RequestStatus(ctx))

	assert.Eventually(t, func() bool {
		reqs := srv.Requests()
		return len(reqs) == 2 && reqs[0] == "dashboard.refresh" && reqs[1] == EventStatusRequest
	}, waitFor, tick)
}

func TestGateway_ReauthenticateUsesNewCredentials(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Config{})
	src := newFakeSource(t, srv)
	g := newTestGateway(t, srv, src, nil)

	require.NoError(t, g.Connect(context.Background(), src.creds.AccountID))
	waitStatus(t, g, StatusConnected)

	fresh := src.rotate()
	g.Reauthenticate()

	assert.Eventually(t, func() bool { return len(srv.Handshakes()) == 2 }, waitFor, tick)
	waitStatus(t, g, StatusConnected)

	hs := srv.Handshakes()
	assert.NotEqual(t, hs[0].Token, hs[1].Token)
	assert.Equal(t, fresh.AccessToken, hs[1].Token)
	assert.Equal(t, 0, src.refreshes())
	assert.Eventually(t, func() bool { return srv.Connections() == 1 }, waitFor, tick)
}

func TestGateway_ReauthenticateWhileDisconnectedIsNoop(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Config{})
	g := newTestGateway(t, srv, newFakeSource(t, srv), nil)

	g.Reauthenticate()
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, srv.Handshakes())
}

func TestGateway_ServerReauthCloseRefreshes(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Config{})
	src := newFakeSource(t, srv)
	g := newTestGateway(t, srv, src, nil)

	require.NoError(t, g.Connect(context.Background(), src.creds.AccountID))
	waitStatus(t, g, StatusConnected)

	srv.DisconnectAll(apitest.CloseReauthenticate, "token expired")

	assert.Eventually(t, func() bool { return src.refreshes() == 1 }, waitFor, tick)
	assert.Eventually(t, func() bool { return len(srv.Handshakes()) == 2 }, waitFor, tick)
	waitStatus(t, g, StatusConnected)

	hs := srv.Handshakes()
	assert.NotEqual(t, hs[0].Token, hs[1].Token)
}

func TestGateway_DroppedConnectionReconnects(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Config{})
	src := newFakeSource(t, srv)
	g := newTestGateway(t, srv, src, nil)

	require.NoError(t, g.Connect(context.Background(), src.creds.AccountID))
	waitStatus(t, g, StatusConnected)

	srv.DisconnectAll(websocket.StatusGoingAway, "restart")

	assert.Eventually(t, func() bool { return len(srv.Handshakes()) == 2 }, waitFor, tick)
	waitStatus(t, g, StatusConnected)
	assert.Equal(t, 0, src.refreshes())
}

func TestGateway_RejectedHandshakeRefreshFails(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Config{})
	src := newFakeSource(t, srv)
	src.refreshErr = errors.New("refresh rejected")
	g := newTestGateway(t, srv, src, nil)

	srv.RejectNextHandshakes(1)
	require.NoError(t, g.Connect(context.Background(), src.creds.AccountID))

	waitStatus(t, g, StatusError)
	assert.Equal(t, 1, src.refreshes())
	assert.False(t, g.Connected())
}

func TestGateway_TransportFailureIsBounded(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Config{})
	src := newFakeSource(t, srv)
	g := newTestGateway(t, srv, src, func(c *Config) {
		c.URL = "ws://127.0.0.1:1/realtime"
		c.MaxAttempts = 2
	})

	require.NoError(t, g.Connect(context.Background(), src.creds.AccountID))
	waitStatus(t, g, StatusError)
	assert.Eventually(t, func() bool { return g.AccountID() == "" }, waitFor, tick,
		"a failed loop releases the account")

	// Connecting again starts a fresh attempt.
	require.NoError(t, g.Connect(context.Background(), src.creds.AccountID))
}

func TestGateway_Close(t *testing.T) {
	srv := apitest.NewServer(t, apitest.Config{})
	src := newFakeSource(t, srv)
	g := newTestGateway(t, srv, src, nil)

	require.NoError(t, g.Connect(context.Background(), src.creds.AccountID))
	waitStatus(t, g, StatusConnected)

	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
	assert.ErrorIs(t, g.Connect(context.Background(), src.creds.AccountID), ErrClosed)
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		category Category
		entity   string
		ok       bool
	}{
		{"dashboard.updated", CategoryUpdate, "dashboard", true},
		{"status", CategoryStatus, "", true},
		{"error", CategoryError, "", true},
		{"heartbeat", CategoryHeartbeat, "", true},
		{"dashboard.refresh", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, e, ok := categorize(tt.name)
			assert.Equal(t, tt.category, c)
			assert.Equal(t, tt.entity, e)
			assert.Equal(t, tt.ok, ok)
		})
	}
}
