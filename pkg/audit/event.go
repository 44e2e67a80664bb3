package audit

import (
	"time"

	"github.com/google/uuid"
)

// Kind categorizes audit events.
type Kind string

const (
	// KindLogin is a successful or failed login, including social login.
	KindLogin Kind = "login"

	// KindRegister is an account registration.
	KindRegister Kind = "register"

	// KindRefresh is a successful access token refresh.
	KindRefresh Kind = "refresh"

	// KindRefreshFailed is a rejected refresh that tore the session down.
	KindRefreshFailed Kind = "refresh_failed"

	// KindLogout is a user-initiated logout.
	KindLogout Kind = "logout"

	// KindForcedLogout is a logout caused by expiry or an invalid token.
	KindForcedLogout Kind = "forced_logout"

	// KindReconnect is a realtime re-authentication cycle.
	KindReconnect Kind = "reconnect"
)

// NewEvent creates a successful event of the given kind.
func NewEvent(kind Kind) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Success:   true,
	}
}

// WithAccount sets the account the event belongs to.
func (e *Event) WithAccount(accountID string) *Event {
	e.AccountID = accountID
	return e
}

// WithRememberMe records whether the session was durable.
func (e *Event) WithRememberMe(rememberMe bool) *Event {
	e.RememberMe = rememberMe
	return e
}

// WithTimestamp overrides the event time.
func (e *Event) WithTimestamp(ts time.Time) *Event {
	e.Timestamp = ts.UTC()
	return e
}

// WithError marks the event as failed when err is non-nil.
func (e *Event) WithError(err error) *Event {
	if err != nil {
		e.Success = false
		e.ErrorMessage = err.Error()
	}
	return e
}

// WithDetail attaches extra fields. Sensitive keys are redacted.
func (e *Event) WithDetail(detail map[string]any) *Event {
	e.Detail = SanitizeDetail(detail)
	return e
}

// SanitizeDetail returns a copy of detail with credentials redacted.
func SanitizeDetail(detail map[string]any) map[string]any {
	if detail == nil {
		return nil
	}

	sensitiveKeys := map[string]bool{
		"password":      true,
		"token":         true,
		"access_token":  true,
		"refresh_token": true,
		"refreshToken":  true,
		"authorization": true,
		"credentials":   true,
	}

	sanitized := make(map[string]any, len(detail))
	for k, v := range detail {
		if sensitiveKeys[k] {
			sanitized[k] = "[REDACTED]"
		} else {
			sanitized[k] = v
		}
	}
	return sanitized
}
