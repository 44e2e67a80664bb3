package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoCredentials is returned by Authorized when the token source has no
// access token to attach.
var ErrNoCredentials = errors.New("api: no access token")

// Error is a non-2xx response from the backend. Message and Code are taken
// from the response body unchanged.
type Error struct {
	// StatusCode is the HTTP status code of the response.
	StatusCode int `json:"-"`
	// Message is the human-readable description from the backend.
	Message string `json:"message"`
	// Code is the backend's machine-readable error code, when present.
	Code string `json:"code,omitempty"`
	// Method and Path identify the failed request.
	Method string `json:"-"`
	Path   string `json:"-"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("api: %s %s: %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status carried by err, or 0 when err is not an
// *Error.
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsUnauthorized reports whether err is a 401 response.
func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

// IsClientError reports whether err is a 4xx response, i.e. the backend
// rejected the request rather than failing to answer it.
func IsClientError(err error) bool {
	code := StatusCode(err)
	return code >= 400 && code < 500
}
