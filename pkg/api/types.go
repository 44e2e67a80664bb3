package api

import "time"

// Credentials is the body of POST /login.
type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Registration is the body of POST /register.
type Registration struct {
	Name     string `json:"name" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	Company  string `json:"company,omitempty"`
	Document string `json:"document,omitempty" validate:"omitempty,document"`
}

// GoogleCredentials is the body of POST /login/google.
type GoogleCredentials struct {
	IDToken string `json:"id_token" validate:"required"`
}

// GoogleRegistration is the body of POST /register/google.
type GoogleRegistration struct {
	IDToken  string `json:"id_token" validate:"required"`
	Company  string `json:"company,omitempty"`
	Document string `json:"document,omitempty" validate:"omitempty,document"`
}

// AccountUser describes the user inside an account.
type AccountUser struct {
	ID                string `json:"id"`
	FirstAccess       bool   `json:"first_access"`
	PasswordConfirmed bool   `json:"password_confirmed"`
	UserImage         string `json:"user_image,omitempty"`
}

// AuthResponse is returned by every login and register endpoint.
type AuthResponse struct {
	Token        string      `json:"token"`
	RefreshToken string      `json:"refresh_token,omitempty"`
	AccountID    string      `json:"account_id"`
	AccountUser  AccountUser `json:"account_user"`

	// ExpiresIn is the access token lifetime in seconds. Zero when the
	// backend does not report it.
	ExpiresIn int64 `json:"expiresIn,omitempty"`
}

// Lifetime returns ExpiresIn as a duration, or fallback when unset.
func (r *AuthResponse) Lifetime(fallback time.Duration) time.Duration {
	return lifetime(r.ExpiresIn, fallback)
}

// RefreshResponse is returned by POST /refresh-token.
type RefreshResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`

	// RefreshToken is set when the backend rotates refresh tokens.
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Lifetime returns ExpiresIn as a duration, or fallback when unset.
func (r *RefreshResponse) Lifetime(fallback time.Duration) time.Duration {
	return lifetime(r.ExpiresIn, fallback)
}

// PasswordUpdate is the body of POST /update-password.
type PasswordUpdate struct {
	Password     string `json:"password" validate:"required,min=8"`
	Confirmation string `json:"password_confirmation" validate:"required,eqfield=Password"`
}

// AccountStatus is returned by GET /accounts/{id}/status.
type AccountStatus struct {
	AccountID          string     `json:"account_id"`
	SubscriptionActive bool       `json:"subscription_active"`
	TrialEndsAt        *time.Time `json:"trial_ends_at,omitempty"`
}

// TrialActive reports whether the trial is still running at now.
func (s *AccountStatus) TrialActive(now time.Time) bool {
	return s.TrialEndsAt != nil && now.Before(*s.TrialEndsAt)
}

type validateTokenResponse struct {
	Valid bool `json:"valid"`
}

func lifetime(seconds int64, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
