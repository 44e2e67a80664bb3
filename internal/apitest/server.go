// Package apitest provides an in-process fake of the stocksync backend: the
// authentication endpoints, account status, the dashboard aggregate and the
// realtime websocket endpoint. Access tokens are HS256 JWTs, passwords are
// bcrypt hashes, and every call is counted so tests can assert on network
// traffic.
package apitest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Config configures the fake backend.
type Config struct {
	// AccessTokenTTL is the lifetime reported as expiresIn. Defaults to 1h.
	AccessTokenTTL time.Duration

	// OmitExpiresIn leaves expiresIn out of login responses.
	OmitExpiresIn bool

	// RotateRefreshTokens issues a new refresh token on every refresh and
	// revokes the old one.
	RotateRefreshTokens bool

	// SigningKey signs access tokens. Defaults to a fixed test key.
	SigningKey []byte
}

type user struct {
	id                string
	accountID         string
	email             string
	passwordHash      []byte
	firstAccess       bool
	passwordConfirmed bool
}

type accountStatus struct {
	AccountID          string     `json:"account_id"`
	SubscriptionActive bool       `json:"subscription_active"`
	TrialEndsAt        *time.Time `json:"trial_ends_at,omitempty"`
}

// Server is a running fake backend.
type Server struct {
	cfg  Config
	http *httptest.Server

	mu            sync.Mutex
	users         map[string]*user // by email
	refreshTokens map[string]string
	revoked       map[string]bool
	statuses      map[string]accountStatus
	dashboard     json.RawMessage
	calls         map[string]int
	headers       map[string]http.Header
	failRefresh   bool
	failDashboard bool

	realtime *realtimeHub
}

// NewServer starts a fake backend and stops it when the test ends.
func NewServer(t testing.TB, cfg Config) *Server {
	t.Helper()
	if cfg.AccessTokenTTL == 0 {
		cfg.AccessTokenTTL = time.Hour
	}
	if len(cfg.SigningKey) == 0 {
		cfg.SigningKey = []byte("stocksync-apitest-signing-key")
	}

	s := &Server{
		cfg:           cfg,
		users:         make(map[string]*user),
		refreshTokens: make(map[string]string),
		revoked:       make(map[string]bool),
		statuses:      make(map[string]accountStatus),
		calls:         make(map[string]int),
		headers:       make(map[string]http.Header),
		dashboard:     json.RawMessage(`{}`),
	}
	s.realtime = newRealtimeHub(s)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /login/google", s.handleLoginGoogle)
	mux.HandleFunc("POST /register/google", s.handleRegisterGoogle)
	mux.HandleFunc("POST /refresh-token", s.handleRefresh)
	mux.Handle("POST /validate-token", s.requireToken(http.HandlerFunc(s.handleValidate)))
	mux.Handle("POST /update-password", s.requireToken(http.HandlerFunc(s.handleUpdatePassword)))
	mux.Handle("GET /accounts/{id}/status", s.requireToken(http.HandlerFunc(s.handleAccountStatus)))
	mux.Handle("GET /dashboard", s.requireToken(http.HandlerFunc(s.handleDashboard)))
	mux.HandleFunc("GET /realtime", s.realtime.handle)

	s.http = httptest.NewServer(s.record(mux))
	t.Cleanup(s.Close)
	return s
}

// URL is the HTTP base URL.
func (s *Server) URL() string { return s.http.URL }

// RealtimeURL is the websocket endpoint.
func (s *Server) RealtimeURL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/realtime"
}

// Close drops realtime connections and stops the server.
func (s *Server) Close() {
	s.realtime.closeAll()
	s.http.Close()
}

// AddUser registers a user with a bcrypt-hashed password and returns its
// account id.
func (s *Server) AddUser(email, password string) string {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(fmt.Sprintf("apitest: hashing password: %v", err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &user{
		id:           "user-" + uuid.NewString()[:8],
		accountID:    "acct-" + uuid.NewString()[:8],
		email:        email,
		passwordHash: hash,
		firstAccess:  true,
	}
	s.users[email] = u
	return u.accountID
}

// SetAccountStatus sets the subscription flags for accountID.
func (s *Server) SetAccountStatus(accountID string, subscriptionActive bool, trialEndsAt *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[accountID] = accountStatus{
		AccountID:          accountID,
		SubscriptionActive: subscriptionActive,
		TrialEndsAt:        trialEndsAt,
	}
}

// SetDashboard sets the body served by GET /dashboard.
func (s *Server) SetDashboard(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("apitest: encoding dashboard: %v", err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dashboard = raw
}

// FailRefresh makes POST /refresh-token answer 401.
func (s *Server) FailRefresh(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRefresh = fail
}

// FailDashboard makes GET /dashboard answer 500.
func (s *Server) FailDashboard(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDashboard = fail
}

// RevokeAccessToken makes token fail validation from now on.
func (s *Server) RevokeAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[token] = true
}

// Calls returns how often "METHOD /path" was requested.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// LastHeader returns the headers of the last "METHOD /path" request.
func (s *Server) LastHeader(route string) http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers[route].Clone()
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.Method + " " + r.URL.Path
		s.mu.Lock()
		s.calls[route]++
		s.headers[route] = r.Header.Clone()
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	IDToken  string `json:"id_token"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	u, ok := s.users[req.Email]
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(u.passwordHash, []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.writeSession(w, u)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	_, exists := s.users[req.Email]
	s.mu.Unlock()
	if exists {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}
	s.AddUser(req.Email, req.Password)
	s.mu.Lock()
	u := s.users[req.Email]
	u.passwordConfirmed = true
	s.mu.Unlock()
	s.writeSession(w, u)
}

// Google ID tokens are accepted as "google:<email>".
func (s *Server) handleLoginGoogle(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}
	email, ok := strings.CutPrefix(req.IDToken, "google:")
	s.mu.Lock()
	u, found := s.users[email]
	s.mu.Unlock()
	if !ok || !found {
		writeError(w, http.StatusUnauthorized, "invalid google token")
		return
	}
	s.writeSession(w, u)
}

func (s *Server) handleRegisterGoogle(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}
	email, ok := strings.CutPrefix(req.IDToken, "google:")
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid google token")
		return
	}
	s.AddUser(email, uuid.NewString())
	s.mu.Lock()
	u := s.users[email]
	s.mu.Unlock()
	s.writeSession(w, u)
}

func (s *Server) writeSession(w http.ResponseWriter, u *user) {
	access, err := s.issueAccessToken(u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	refresh := uuid.NewString()

	s.mu.Lock()
	s.refreshTokens[refresh] = u.id
	resp := map[string]any{
		"token":         access,
		"refresh_token": refresh,
		"account_id":    u.accountID,
		"account_user": map[string]any{
			"id":                 u.id,
			"first_access":       u.firstAccess,
			"password_confirmed": u.passwordConfirmed,
		},
	}
	s.mu.Unlock()

	if !s.cfg.OmitExpiresIn {
		resp["expiresIn"] = int64(s.cfg.AccessTokenTTL.Seconds())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	refresh, _ := bearer(r)
	userID := r.URL.Query().Get("user-id")

	s.mu.Lock()
	owner, ok := s.refreshTokens[refresh]
	fail := s.failRefresh
	u := s.userByIDLocked(owner)
	s.mu.Unlock()

	if fail || !ok || u == nil || (userID != u.id && userID != u.accountID) {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	access, err := s.issueAccessToken(u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{
		"token":     access,
		"expiresIn": int64(s.cfg.AccessTokenTTL.Seconds()),
	}
	if s.cfg.RotateRefreshTokens {
		next := uuid.NewString()
		s.mu.Lock()
		delete(s.refreshTokens, refresh)
		s.refreshTokens[next] = u.id
		s.mu.Unlock()
		resp["refresh_token"] = next
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleValidate(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func (s *Server) handleUpdatePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password     string `json:"password"`
		Confirmation string `json:"password_confirmation"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Password == "" || req.Password != req.Confirmation {
		writeError(w, http.StatusUnprocessableEntity, "passwords do not match")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.mu.Lock()
	if u := s.userByIDLocked(subjectFrom(r)); u != nil {
		u.passwordHash = hash
		u.firstAccess = false
		u.passwordConfirmed = true
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAccountStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	st, ok := s.statuses[id]
	s.mu.Unlock()
	if !ok {
		st = accountStatus{AccountID: id, SubscriptionActive: true}
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	body := s.dashboard
	fail := s.failDashboard
	s.mu.Unlock()
	if fail {
		writeError(w, http.StatusInternalServerError, "dashboard unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) userByIDLocked(id string) *user {
	for _, u := range s.users {
		if u.id == id {
			return u
		}
	}
	return nil
}

func (s *Server) issueAccessToken(u *user) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   u.id,
		Audience:  jwt.ClaimStrings{u.accountID},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTokenTTL)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.SigningKey)
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

// verifyAccessToken returns the claims of a valid, unrevoked access token.
func (s *Server) verifyAccessToken(token string) (*jwt.RegisteredClaims, error) {
	s.mu.Lock()
	revoked := s.revoked[token]
	s.mu.Unlock()
	if revoked {
		return nil, errors.New("token revoked")
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.cfg.SigningKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("parsing access token: %w", err)
	}
	return claims, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "could not parse JSON")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
