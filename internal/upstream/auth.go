package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"ugbridge/pkg/logging"
)

// TokenMaxAge is how long a cached upstream bearer token is trusted before
// the next request forces a fresh login, regardless of prior successful use.
const TokenMaxAge = 30 * time.Minute

// loginPath is the credential exchange endpoint under the versioned API
// prefix. The new token comes back in the Authorization response header,
// not the body.
const loginPath = "/1.0/auth/login"

// TokenManager owns one upstream credential pair and the cached bearer
// token acquired with it. Each gateway has its own TokenManager; tokens are
// never shared across bridge identities.
//
// The mutex only guards field access. It is deliberately not held across
// the login HTTP call, so concurrent requests on the same gateway may race
// into redundant logins. Upstream login is idempotent and the duplicate
// costs one round trip, which is cheaper than serializing every request
// behind a token check.
type TokenManager struct {
	baseURL  string
	username string
	password string

	mu        sync.Mutex
	token     string
	tokenTime time.Time
}

// NewTokenManager creates a manager for the given upstream credentials.
func NewTokenManager(baseURL, username, password string) *TokenManager {
	return &TokenManager{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
	}
}

// Login performs the credential exchange and caches the resulting token,
// overwriting any previous one unconditionally.
func (m *TokenManager) Login(ctx context.Context, client *http.Client) (string, error) {
	body, err := json.Marshal(map[string]string{
		"username": m.username,
		"password": m.password,
	})
	if err != nil {
		return "", &AuthError{Detail: fmt.Sprintf("encode login payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+loginPath, bytes.NewReader(body))
	if err != nil {
		return "", &AuthError{Detail: fmt.Sprintf("build login request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", &AuthError{Detail: err.Error()}
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &AuthError{Detail: fmt.Sprintf("login returned status %d", resp.StatusCode)}
	}

	authHeader := resp.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", &AuthError{Detail: "login succeeded but no Bearer token in response headers"}
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")

	m.mu.Lock()
	m.token = token
	m.tokenTime = time.Now()
	m.mu.Unlock()

	logging.Debug("Upstream", "Acquired bearer token for %s", m.username)
	return token, nil
}

// Token returns the cached token when present and younger than TokenMaxAge,
// otherwise logs in again.
func (m *TokenManager) Token(ctx context.Context, client *http.Client) (string, error) {
	m.mu.Lock()
	token, tokenTime := m.token, m.tokenTime
	m.mu.Unlock()

	if token != "" && time.Since(tokenTime) <= TokenMaxAge {
		return token, nil
	}
	return m.Login(ctx, client)
}

// Invalidate clears the cached token, forcing the next Token call to
// re-authenticate. Called once per detected 401.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.token = ""
	m.tokenTime = time.Time{}
	m.mu.Unlock()
}
