package token

import (
	"errors"
	"time"
)

// State is the authentication state of a Manager.
type State int

const (
	// StateAnonymous means no session is held.
	StateAnonymous State = iota
	// StateAuthenticating means a login or registration is in progress.
	StateAuthenticating
	// StateAuthenticated means a session with an access token is held.
	StateAuthenticated
	// StateRefreshing means the access token is being renewed.
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// EventKind classifies a session event.
type EventKind string

// Session event kinds.
const (
	EventLogin        EventKind = "login"
	EventRefresh      EventKind = "refresh"
	EventLogout       EventKind = "logout"
	EventForcedLogout EventKind = "forced_logout"
)

// Reasons attached to forced logouts.
const (
	ReasonExpired        = "expired"
	ReasonInvalidToken   = "invalid_token"
	ReasonRefreshFailed  = "refresh_failed"
	ReasonNoRefreshToken = "no_refresh_token"
	ReasonUserLogout     = "user_logout"
)

// Event is published on every session transition. Consumers redirect to
// the login entry point on EventForcedLogout.
type Event struct {
	Kind      EventKind
	AccountID string
	Reason    string
	At        time.Time
}

// Credentials are what the realtime gateway presents in its handshake.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	AccountID    string
}

// Sentinel errors.
var (
	// ErrNotAuthenticated is returned when an operation needs a session and
	// none is held.
	ErrNotAuthenticated = errors.New("token: not authenticated")

	// ErrRefreshFailed wraps every refresh failure. The session has been
	// torn down when it is returned.
	ErrRefreshFailed = errors.New("token: refresh failed")

	// ErrNoRefreshToken means the session cannot be renewed.
	ErrNoRefreshToken = errors.New("token: no refresh token")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("token: manager closed")
)
