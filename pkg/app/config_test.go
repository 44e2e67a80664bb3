package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("api:\n  base_url: https://api.example.com/v1\n"))
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, DriverFile, cfg.Session.Driver)
	assert.NotEmpty(t, cfg.Session.Path)
	assert.Equal(t, time.Hour, cfg.Token.DefaultTTL)
	assert.InDelta(t, 0.6, cfg.Token.RememberMeRefreshRatio, 1e-9)
	assert.True(t, cfg.Realtime.Enabled)
	assert.Equal(t, "wss://api.example.com/v1/realtime", cfg.Realtime.URL)
	assert.Equal(t, 2*time.Second, cfg.Realtime.ReconnectDelay)
	assert.Equal(t, 5, cfg.Realtime.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Realtime.HandshakeTimeout)
	assert.Equal(t, time.Second, cfg.Realtime.RequestInterval)
	assert.Equal(t, 5*time.Minute, cfg.Dashboard.TTL)
	assert.Equal(t, 5*time.Minute, cfg.Dashboard.RefreshInterval)
	assert.Equal(t, AuditDriverMemory, cfg.Audit.Driver)
	assert.Equal(t, "stocksync", cfg.Telemetry.ServiceName)
	assert.Equal(t, "info", cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestParseConfig_Overrides(t *testing.T) {
	data := `
api:
  base_url: http://localhost:8080
session:
  driver: redis
  redis:
    addr: localhost:6379
token:
  default_ttl: 15m
  remember_me_refresh_ratio: 0.8
realtime:
  enabled: false
dashboard:
  ttl: 1m
log:
  format: json
`
	cfg, err := ParseConfig([]byte(data))
	require.NoError(t, err)

	assert.Equal(t, DriverRedis, cfg.Session.Driver)
	assert.Empty(t, cfg.Session.Path)
	assert.Equal(t, 15*time.Minute, cfg.Token.DefaultTTL)
	assert.InDelta(t, 0.8, cfg.Token.RememberMeRefreshRatio, 1e-9)
	assert.False(t, cfg.Realtime.Enabled)
	assert.Equal(t, "ws://localhost:8080/realtime", cfg.Realtime.URL)
	assert.Equal(t, time.Minute, cfg.Dashboard.TTL)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_ExpandsEnv(t *testing.T) {
	t.Setenv("STOCKSYNC_TEST_API", "https://stock.example.com")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api:\n  base_url: ${STOCKSYNC_TEST_API}\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://stock.example.com", cfg.API.BaseURL)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = ParseConfig([]byte("api: [unclosed"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := ParseConfig([]byte("api:\n  base_url: https://api.example.com\nsession:\n  driver: memory\n"))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing base url", func(c *Config) { c.API.BaseURL = "" }, "api.base_url is required"},
		{"relative base url", func(c *Config) { c.API.BaseURL = "/api" }, "not an absolute URL"},
		{"unknown driver", func(c *Config) { c.Session.Driver = "sqlite" }, "session.driver"},
		{"redis without addr", func(c *Config) { c.Session.Driver = DriverRedis }, "session.redis.addr"},
		{"postgres without dsn", func(c *Config) { c.Session.Driver = DriverPostgres }, "database.dsn"},
		{"file without path", func(c *Config) { c.Session.Driver = DriverFile }, "session.path"},
		{"ratio out of range", func(c *Config) { c.Token.RememberMeRefreshRatio = 1.5 }, "remember_me_refresh_ratio"},
		{"realtime without url", func(c *Config) { c.Realtime.URL = "" }, "realtime.url"},
		{"postgres audit without dsn", func(c *Config) {
			c.Audit.Enabled = true
			c.Audit.Driver = AuditDriverPostgres
		}, "database.dsn"},
		{"unknown audit driver", func(c *Config) {
			c.Audit.Enabled = true
			c.Audit.Driver = "kafka"
		}, "audit.driver"},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRealtimeURL(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:9000/realtime", realtimeURL("http://127.0.0.1:9000"))
	assert.Equal(t, "wss://api.example.com/realtime", realtimeURL("https://api.example.com/"))
}

func TestOverrideBaseURL(t *testing.T) {
	cfg, err := ParseConfig([]byte("api:\n  base_url: http://localhost:8080\n"))
	require.NoError(t, err)

	cfg.OverrideBaseURL("https://stock.example.com")
	assert.Equal(t, "https://stock.example.com", cfg.API.BaseURL)
	assert.Equal(t, "wss://stock.example.com/realtime", cfg.Realtime.URL)

	cfg.Realtime.URL = "wss://push.example.com/ws"
	cfg.OverrideBaseURL("https://other.example.com")
	assert.Equal(t, "wss://push.example.com/ws", cfg.Realtime.URL, "explicit realtime url is kept")
}
