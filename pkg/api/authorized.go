package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// TokenSource supplies the access token for authorized requests and renews
// it after a 401. Refresh must collapse concurrent calls into one backend
// refresh.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Authorized sends requests on behalf of the current session. A 401 answer
// triggers one refresh through the TokenSource and one retry with the new
// token; a second 401 is returned to the caller.
type Authorized struct {
	client *Client
	tokens TokenSource
}

// Authorized returns a client bound to tokens.
func (c *Client) Authorized(tokens TokenSource) *Authorized {
	return &Authorized{client: c, tokens: tokens}
}

// Client returns the underlying unauthenticated client.
func (a *Authorized) Client() *Client { return a.client }

// Do sends a request with the current access token attached.
func (a *Authorized) Do(ctx context.Context, method, path string, body, out any, opts ...RequestOption) error {
	token, err := a.tokens.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("api: reading access token: %w", err)
	}
	if token == "" {
		return ErrNoCredentials
	}

	err = a.client.Do(ctx, method, path, body, out, append(opts, WithBearer(token))...)
	if !IsUnauthorized(err) {
		return err
	}

	a.client.logger.Debug("access token rejected, refreshing", "method", method, "path", path)
	token, refreshErr := a.tokens.Refresh(ctx)
	if refreshErr != nil {
		return fmt.Errorf("api: refreshing after 401: %w", refreshErr)
	}
	return a.client.Do(ctx, method, path, body, out, append(opts, WithBearer(token))...)
}

// GetJSON decodes GET path into out.
func (a *Authorized) GetJSON(ctx context.Context, path string, out any, opts ...RequestOption) error {
	return a.Do(ctx, http.MethodGet, path, nil, out, opts...)
}

// AccountStatus returns the subscription and trial flags for accountID.
func (a *Authorized) AccountStatus(ctx context.Context, accountID string, opts ...RequestOption) (*AccountStatus, error) {
	var resp AccountStatus
	path := "/accounts/" + url.PathEscape(accountID) + "/status"
	if err := a.Do(ctx, http.MethodGet, path, nil, &resp, opts...); err != nil {
		return nil, err
	}
	return &resp, nil
}
