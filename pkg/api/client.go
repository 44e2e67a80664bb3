// Package api is the HTTP client for the stocksync backend: login and
// registration, token validation and refresh, password updates, account
// status and generic authorized reads.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/stocksync/pkg/pubsub"
	"github.com/txn2/stocksync/pkg/validate"
)

// Header names understood by the backend gateway.
const (
	HeaderSkipLoading = "X-Skip-Loading"
	HeaderSilent      = "X-Silent-Refresh"
	HeaderRequestID   = "X-Request-ID"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "stocksync"
	maxResponseBytes = 4 << 20
)

// Config configures a Client.
type Config struct {
	// BaseURL is the backend root, e.g. "https://api.example.com".
	BaseURL string

	// HTTPClient is used for all requests. If nil, a client with Timeout is
	// created.
	HTTPClient *http.Client

	// Timeout applies when HTTPClient is nil. Defaults to 30s.
	Timeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string

	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client talks to the backend. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
	validator  *validate.Validator

	mu       sync.Mutex
	inflight int
	loading  *pubsub.Topic[bool]
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("api: BaseURL is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("api: invalid BaseURL %q: %w", cfg.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api: BaseURL %q must be http or https", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		userAgent:  userAgent,
		logger:     logger,
		validator:  validate.New(),
		loading:    pubsub.NewTopic[bool](),
	}
	c.loading.Publish(false)
	return c, nil
}

// BaseURL returns the backend root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Loading publishes true while at least one request without SkipLoading is
// in flight, and false once all of them have finished.
func (c *Client) Loading() *pubsub.Topic[bool] { return c.loading }

// RequestOption modifies a single request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	skipLoading bool
	silent      bool
	bearer      string
	query       url.Values
}

// SkipLoading keeps the request out of the loading indicator.
func SkipLoading() RequestOption {
	return func(o *requestOptions) { o.skipLoading = true }
}

// Silent marks the request as a background refresh. Silent requests never
// count towards the loading indicator.
func Silent() RequestOption {
	return func(o *requestOptions) {
		o.silent = true
		o.skipLoading = true
	}
}

// WithBearer attaches token as a bearer credential.
func WithBearer(token string) RequestOption {
	return func(o *requestOptions) { o.bearer = token }
}

// WithQuery adds a query parameter.
func WithQuery(key, value string) RequestOption {
	return func(o *requestOptions) {
		if o.query == nil {
			o.query = url.Values{}
		}
		o.query.Add(key, value)
	}
}

// Login exchanges credentials for a session.
func (c *Client) Login(ctx context.Context, creds Credentials) (*AuthResponse, error) {
	return c.authenticate(ctx, "/login", creds)
}

// Register creates an account and returns its first session.
func (c *Client) Register(ctx context.Context, reg Registration) (*AuthResponse, error) {
	return c.authenticate(ctx, "/register", reg)
}

// LoginGoogle exchanges a Google ID token for a session.
func (c *Client) LoginGoogle(ctx context.Context, creds GoogleCredentials) (*AuthResponse, error) {
	return c.authenticate(ctx, "/login/google", creds)
}

// RegisterGoogle creates an account from a Google ID token.
func (c *Client) RegisterGoogle(ctx context.Context, reg GoogleRegistration) (*AuthResponse, error) {
	return c.authenticate(ctx, "/register/google", reg)
}

func (c *Client) authenticate(ctx context.Context, path string, body any) (*AuthResponse, error) {
	if err := c.validator.Struct(body); err != nil {
		return nil, err
	}
	var resp AuthResponse
	if err := c.Do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, fmt.Errorf("api: %s returned no token", path)
	}
	return &resp, nil
}

// ValidateToken asks the backend whether token is still valid. A 401 is
// reported as invalid rather than as an error.
func (c *Client) ValidateToken(ctx context.Context, token string, opts ...RequestOption) (bool, error) {
	var resp validateTokenResponse
	err := c.Do(ctx, http.MethodPost, "/validate-token", nil, &resp, append(opts, WithBearer(token))...)
	if IsUnauthorized(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return resp.Valid, nil
}

// RefreshToken obtains a new access token for userID using refreshToken as
// the bearer credential. Refreshes are always silent.
func (c *Client) RefreshToken(ctx context.Context, userID, refreshToken string) (*RefreshResponse, error) {
	var resp RefreshResponse
	err := c.Do(ctx, http.MethodPost, "/refresh-token", nil, &resp,
		WithQuery("user-id", userID), WithBearer(refreshToken), Silent())
	if err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, errors.New("api: /refresh-token returned no token")
	}
	return &resp, nil
}

// UpdatePassword sets the user's password.
func (c *Client) UpdatePassword(ctx context.Context, token string, update PasswordUpdate) error {
	if err := c.validator.Struct(update); err != nil {
		return err
	}
	return c.Do(ctx, http.MethodPost, "/update-password", update, nil, WithBearer(token))
}

// AccountStatus returns the subscription and trial flags for accountID.
func (c *Client) AccountStatus(ctx context.Context, token, accountID string, opts ...RequestOption) (*AccountStatus, error) {
	var resp AccountStatus
	path := "/accounts/" + url.PathEscape(accountID) + "/status"
	if err := c.Do(ctx, http.MethodGet, path, nil, &resp, append(opts, WithBearer(token))...); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetJSON decodes GET path into out.
func (c *Client) GetJSON(ctx context.Context, token, path string, out any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodGet, path, nil, out, append(opts, WithBearer(token))...)
}

// Do sends a JSON request and decodes a JSON response into out. Non-2xx
// responses are returned as *Error. out may be nil.
func (c *Client) Do(ctx context.Context, method, path string, body, out any, opts ...RequestOption) error {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}

	requestURL := c.baseURL + path
	if len(o.query) > 0 {
		requestURL += "?" + o.query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return fmt.Errorf("api: creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(HeaderRequestID, uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if o.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+o.bearer)
	}
	if o.skipLoading {
		req.Header.Set(HeaderSkipLoading, "true")
	}
	if o.silent {
		req.Header.Set(HeaderSilent, "true")
	}

	if !o.skipLoading {
		c.beginLoading()
		defer c.endLoading()
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("api: reading %s %s response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(method, path, resp.StatusCode, respBody)
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("api: decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// decodeError builds an *Error from a failed response. Both {"message": ...}
// and {"error": ...} bodies are understood; anything else is kept verbatim.
func decodeError(method, path string, status int, body []byte) error {
	apiErr := &Error{StatusCode: status, Method: method, Path: path}

	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		apiErr.Message = payload.Message
		if apiErr.Message == "" {
			apiErr.Message = payload.Error
		}
		apiErr.Code = payload.Code
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

func (c *Client) beginLoading() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight++
	if c.inflight == 1 {
		c.loading.Publish(true)
	}
}

func (c *Client) endLoading() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight--
	if c.inflight == 0 {
		c.loading.Publish(false)
	}
}
