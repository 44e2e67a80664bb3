package app

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/stocksync/pkg/audit"
)

// Durable session drivers.
const (
	DriverFile     = "file"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Audit drivers.
const (
	AuditDriverMemory   = "memory"
	AuditDriverPostgres = "postgres"
)

// Config is the client configuration.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Session   SessionConfig   `yaml:"session"`
	Database  DatabaseConfig  `yaml:"database"`
	Token     TokenConfig     `yaml:"token"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Guard     GuardConfig     `yaml:"guard"`
	Audit     audit.Config    `yaml:"audit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Health    HealthConfig    `yaml:"health"`
	Log       LogConfig       `yaml:"log"`
}

// APIConfig locates the backend.
type APIConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

// SessionConfig selects where remembered sessions are kept. Session-only
// state always lives in process memory.
type SessionConfig struct {
	Driver string `yaml:"driver"`

	// Path is the session file for the file driver.
	Path string `yaml:"path"`

	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// RedisConfig configures the redis driver.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

// PostgresConfig configures the postgres driver. The connection comes from
// DatabaseConfig.
type PostgresConfig struct {
	Namespace     string        `yaml:"namespace"`
	MaxAge        time.Duration `yaml:"max_age"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// DatabaseConfig is the PostgreSQL connection shared by the postgres session
// driver and the postgres audit driver.
type DatabaseConfig struct {
	DSN            string `yaml:"dsn"`
	MaxOpenConns   int    `yaml:"max_open_conns"`
	SkipMigrations bool   `yaml:"skip_migrations"`
}

// TokenConfig tunes the token lifecycle.
type TokenConfig struct {
	DefaultTTL             time.Duration `yaml:"default_ttl"`
	RememberMeRefreshRatio float64       `yaml:"remember_me_refresh_ratio"`
}

// RealtimeConfig configures the realtime channel.
type RealtimeConfig struct {
	Enabled          bool          `yaml:"enabled"`
	URL              string        `yaml:"url"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	MaxAttempts      int           `yaml:"max_attempts"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	RequestInterval  time.Duration `yaml:"request_interval"`
}

// DashboardConfig tunes the dashboard read model.
type DashboardConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// GuardConfig configures navigation decisions.
type GuardConfig struct {
	// PolicyFile replaces the built-in Rego policy.
	PolicyFile string `yaml:"policy_file"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// HealthConfig configures the health endpoint of the sync agent.
type HealthConfig struct {
	// Address enables /healthz and /readyz when set, e.g. ":8081".
	Address string `yaml:"address"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a file. ${VAR} references are
// expanded from the environment before parsing.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by the user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration and applies defaults.
func ParseConfig(data []byte) (*Config, error) {
	data = []byte(expandEnvVars(string(data)))

	cfg := Config{Realtime: RealtimeConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// DefaultSessionPath is the session file used when none is configured.
func DefaultSessionPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "stocksync", "session.json")
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = 30 * time.Second
	}
	if cfg.API.UserAgent == "" {
		cfg.API.UserAgent = "stocksync"
	}
	if cfg.Session.Driver == "" {
		cfg.Session.Driver = DriverFile
	}
	if cfg.Session.Driver == DriverFile && cfg.Session.Path == "" {
		cfg.Session.Path = DefaultSessionPath()
	}
	if cfg.Session.Postgres.PruneInterval == 0 {
		cfg.Session.Postgres.PruneInterval = time.Hour
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 5
	}
	if cfg.Token.DefaultTTL == 0 {
		cfg.Token.DefaultTTL = time.Hour
	}
	if cfg.Token.RememberMeRefreshRatio == 0 {
		cfg.Token.RememberMeRefreshRatio = 0.6
	}
	if cfg.Realtime.URL == "" && cfg.API.BaseURL != "" {
		cfg.Realtime.URL = realtimeURL(cfg.API.BaseURL)
	}
	if cfg.Realtime.ReconnectDelay == 0 {
		cfg.Realtime.ReconnectDelay = 2 * time.Second
	}
	if cfg.Realtime.MaxAttempts == 0 {
		cfg.Realtime.MaxAttempts = 5
	}
	if cfg.Realtime.HandshakeTimeout == 0 {
		cfg.Realtime.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Realtime.RequestInterval == 0 {
		cfg.Realtime.RequestInterval = time.Second
	}
	if cfg.Dashboard.TTL == 0 {
		cfg.Dashboard.TTL = 5 * time.Minute
	}
	if cfg.Dashboard.RefreshInterval == 0 {
		cfg.Dashboard.RefreshInterval = 5 * time.Minute
	}
	if cfg.Audit.Driver == "" {
		cfg.Audit.Driver = AuditDriverMemory
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 90
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "stocksync"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// realtimeURL derives the websocket endpoint from the API base URL.
func realtimeURL(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime"
	return u.String()
}

// OverrideBaseURL points the client at another backend. The realtime URL
// follows unless it was configured explicitly.
func (c *Config) OverrideBaseURL(base string) {
	if c.Realtime.URL == "" || c.Realtime.URL == realtimeURL(c.API.BaseURL) {
		c.Realtime.URL = realtimeURL(base)
	}
	c.API.BaseURL = base
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	} else if u, err := url.Parse(c.API.BaseURL); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("api.base_url %q is not an absolute URL", c.API.BaseURL))
	}

	switch c.Session.Driver {
	case DriverFile:
		if c.Session.Path == "" {
			errs = append(errs, errors.New("session.path is required for the file driver"))
		}
	case DriverRedis:
		if c.Session.Redis.Addr == "" {
			errs = append(errs, errors.New("session.redis.addr is required for the redis driver"))
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the postgres driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("session.driver %q is not one of file, redis, postgres, memory", c.Session.Driver))
	}

	if c.Token.RememberMeRefreshRatio < 0 || c.Token.RememberMeRefreshRatio > 1 {
		errs = append(errs, fmt.Errorf("token.remember_me_refresh_ratio %v must be within (0, 1]", c.Token.RememberMeRefreshRatio))
	}

	if c.Realtime.Enabled && c.Realtime.URL == "" {
		errs = append(errs, errors.New("realtime.url is required when realtime is enabled"))
	}

	if c.Audit.Enabled {
		switch c.Audit.Driver {
		case AuditDriverMemory:
		case AuditDriverPostgres:
			if c.Database.DSN == "" {
				errs = append(errs, errors.New("database.dsn is required for the postgres audit driver"))
			}
		default:
			errs = append(errs, fmt.Errorf("audit.driver %q is not one of memory, postgres", c.Audit.Driver))
		}
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %w", errors.Join(errs...))
	}
	return nil
}

// needsDatabase reports whether any component stores data in PostgreSQL.
func (c *Config) needsDatabase() bool {
	return c.Session.Driver == DriverPostgres ||
		(c.Audit.Enabled && c.Audit.Driver == AuditDriverPostgres)
}
