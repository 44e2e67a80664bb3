// Package audit records the session lifecycle: logins, refreshes, logouts
// and realtime reconnects. Events are kept in memory by default and can be
// stored in PostgreSQL through pkg/audit/postgres.
package audit

import (
	"context"
	"time"
)

// Logger defines the interface for audit logging.
type Logger interface {
	// Log records an audit event.
	Log(ctx context.Context, event Event) error

	// Query retrieves audit events matching the filter, newest first.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Close releases resources.
	Close() error
}

// Event represents one auditable session transition.
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Kind         Kind           `json:"kind"`
	AccountID    string         `json:"account_id,omitempty"`
	RememberMe   bool           `json:"remember_me"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
}

// QueryFilter defines criteria for querying audit events.
type QueryFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	AccountID string
	Kind      Kind
	Success   *bool
	Limit     int
	Offset    int
}

// Matches reports whether e satisfies the filter, ignoring Limit and Offset.
func (f QueryFilter) Matches(e Event) bool {
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	if f.AccountID != "" && e.AccountID != f.AccountID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	return true
}

// Config configures audit logging.
type Config struct {
	Enabled       bool   `yaml:"enabled"`
	Driver        string `yaml:"driver"`
	Capacity      int    `yaml:"capacity"`
	RetentionDays int    `yaml:"retention_days"`
}
