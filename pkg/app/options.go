package app

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/txn2/stocksync/pkg/audit"
	"github.com/txn2/stocksync/pkg/session"
)

// Options overrides what New would otherwise build from the configuration.
type Options struct {
	// Logger (optional, slog.Default() if not provided).
	Logger *slog.Logger

	// Clock (optional, the real clock if not provided).
	Clock clockwork.Clock

	// HTTPClient is used for the API and the websocket upgrade (optional).
	HTTPClient *http.Client

	// DB is the PostgreSQL handle (optional, opened from database.dsn if not
	// provided). A provided DB is not closed by the App.
	DB *sql.DB

	// RedisClient (optional, created from session.redis if not provided).
	// A provided client is not closed by the App.
	RedisClient *goredis.Client

	// Durable replaces the configured durable session partition (optional).
	Durable session.Partition

	// AuditLogger replaces the configured audit logger (optional).
	AuditLogger audit.Logger
}

// Option is a functional option for configuring the App.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithClock sets the clock driving every timer.
func WithClock(clock clockwork.Clock) Option {
	return func(o *Options) {
		o.Clock = clock
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Options) {
		o.HTTPClient = client
	}
}

// WithDB sets the database connection.
func WithDB(db *sql.DB) Option {
	return func(o *Options) {
		o.DB = db
	}
}

// WithRedisClient sets the redis client for the redis session driver.
func WithRedisClient(client *goredis.Client) Option {
	return func(o *Options) {
		o.RedisClient = client
	}
}

// WithDurablePartition sets the durable session partition.
func WithDurablePartition(p session.Partition) Option {
	return func(o *Options) {
		o.Durable = p
	}
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(logger audit.Logger) Option {
	return func(o *Options) {
		o.AuditLogger = logger
	}
}
