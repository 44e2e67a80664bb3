// Package session provides the persisted session store for stocksync.
// It defines the Partition interface for key/value persistence, the Session
// type describing one authenticated session, and the Store that spreads a
// session across a durable ("remember me") partition and a session-only
// partition.
package session

import (
	"context"
	"time"
)

// Key names used inside a partition.
const (
	KeyAccessToken       = "token"
	KeyRefreshToken      = "refresh_token"
	KeyAccountID         = "account_id"
	KeyAccountUserID     = "account_user_id"
	KeyExpiresAt         = "token_expires_at"
	KeyRememberMe        = "remember_me"
	KeyFirstAccess       = "first_access"
	KeyPasswordConfirmed = "password_confirmed"
	KeyUserImage         = "user_image"

	// CachePrefix prefixes every cached JSON blob key.
	CachePrefix = "cache:"
)

// sessionKeys lists every key that belongs to the session itself, excluding
// the refresh token which always lives in the durable partition.
var sessionKeys = []string{
	KeyAccessToken,
	KeyAccountID,
	KeyAccountUserID,
	KeyExpiresAt,
	KeyRememberMe,
	KeyFirstAccess,
	KeyPasswordConfirmed,
	KeyUserImage,
}

// Session represents one authenticated session.
type Session struct {
	// AccessToken is the short-lived credential attached to API requests.
	AccessToken string

	// RefreshToken is the long-lived credential used to obtain a new access
	// token. Empty unless "remember me" was chosen.
	RefreshToken string

	// AccountID identifies the account the session is scoped to.
	AccountID string

	// AccountUserID identifies the user within the account.
	AccountUserID string

	// ExpiresAt is when the access token stops being usable. It is derived
	// from the lifetime reported by the backend, never decoded from the token.
	ExpiresAt time.Time

	// RememberMe selects the durable partition for the session keys.
	RememberMe bool

	// FirstAccess is true until the user has completed first-access setup.
	FirstAccess bool

	// PasswordConfirmed is true once the user has set their own password.
	PasswordConfirmed bool

	// UserImage is the avatar URL reported at login.
	UserImage string
}

// Authenticated reports whether the session carries an access token.
func (s *Session) Authenticated() bool {
	return s != nil && s.AccessToken != ""
}

// Remaining returns the access token lifetime left at now. It never returns
// a negative duration.
func (s *Session) Remaining(now time.Time) time.Duration {
	if s == nil || s.ExpiresAt.IsZero() {
		return 0
	}
	if d := s.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Partition is a flat key/value store. Each write is an atomic single-key
// replacement; no cross-key transactions are offered.
type Partition interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Delete removes the given keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// Keys returns every key currently stored.
	Keys(ctx context.Context) ([]string, error)

	// Clear removes every key owned by the partition.
	Clear(ctx context.Context) error

	// Close releases resources held by the partition.
	Close() error
}
