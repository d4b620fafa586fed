// Package auth provides the injected token source used by transports.
//
// There is deliberately no package-level token holder: every component that
// needs credentials receives a TokenSource from the composition root.
package auth

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource yields the bearer token attached to HTTP and socket requests.
//
// Implementations must be safe for concurrent use.
type TokenSource interface {
	// Token returns the current access token.
	Token() (string, error)
}

// StaticTokenSource returns a TokenSource that always yields the same token.
func StaticTokenSource(token string) TokenSource {
	return &staticSource{token: token}
}

type staticSource struct {
	token string
}

func (s *staticSource) Token() (string, error) {
	if strings.TrimSpace(s.token) == "" {
		return "", fmt.Errorf("token is empty")
	}
	return s.token, nil
}

// RefreshingTokenSource wraps a refresh callback and caches the token until
// it is close to expiry.
type RefreshingTokenSource struct {
	mu      sync.Mutex
	token   string
	window  time.Duration
	refresh func() (string, error)
}

// NewRefreshingTokenSource builds a source that calls refresh whenever the
// cached token is missing or expires within window.
func NewRefreshingTokenSource(window time.Duration, refresh func() (string, error)) *RefreshingTokenSource {
	return &RefreshingTokenSource{window: window, refresh: refresh}
}

// Token returns the cached token, refreshing it proactively when it is about
// to expire.
func (r *RefreshingTokenSource) Token() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != "" {
		expiring, err := ExpiresSoon(r.token, r.window)
		if err == nil && !expiring {
			return r.token, nil
		}
	}

	token, err := r.refresh()
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	r.token = token
	return token, nil
}

// ExpiresAt returns the expiry timestamp encoded in a JWT, if present.
//
// This does not verify the JWT signature. It is only used for client control
// flow such as proactive refresh; the server remains authoritative.
func ExpiresAt(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// ExpiresSoon reports whether a token is already expired or will expire
// within the given window.
func ExpiresSoon(token string, window time.Duration) (bool, error) {
	if strings.TrimSpace(token) == "" {
		return true, fmt.Errorf("token is empty")
	}
	exp, ok := ExpiresAt(token)
	if !ok {
		// If we can't parse exp, treat the token as non-refreshable but not
		// expired. The server will 401 if needed.
		return false, nil
	}
	return time.Until(exp) <= window, nil
}
