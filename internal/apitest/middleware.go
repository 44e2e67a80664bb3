package apitest

import (
	"context"
	"net/http"
	"strings"
)

type subjectKey struct{}

// bearer extracts the bearer token from the Authorization header.
func bearer(r *http.Request) (string, bool) {
	return strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// requireToken rejects requests without a valid access token and puts the
// token subject in the request context.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearer(r)
		if !ok || token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "missing authentication token")
			return
		}
		claims, err := s.verifyAccessToken(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), subjectKey{}, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func subjectFrom(r *http.Request) string {
	sub, _ := r.Context().Value(subjectKey{}).(string)
	return sub
}
