// Package authserver implements the bridge's OAuth 2.1 authorization
// server: authorization-code grants with PKCE, refresh-token rotation,
// single-use codes, and periodic expiry sweeping. It bridges generic OAuth
// clients to the identity registry and a live upstream credential check.
package authserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"ugbridge/internal/metrics"
	"ugbridge/internal/registry"
	"ugbridge/internal/upstream"
	"ugbridge/pkg/logging"
)

const (
	cleanupInterval = 5 * time.Minute

	// upstreamCheckTimeout bounds the live credential check performed when
	// an authorization completes.
	upstreamCheckTimeout = 15 * time.Second
)

// Options configures a Provider. Metrics may be nil, in which case token
// minting is not counted.
type Options struct {
	IssuerURL       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
	Metrics         *metrics.Metrics
}

// ErrGrantConsumed reports an exchange that lost the race for a grant
// already consumed by a concurrent request.
var ErrGrantConsumed = errors.New("grant already consumed")

// Provider is the in-memory OAuth 2.1 authorization server state.
type Provider struct {
	registry *registry.Registry
	issuer   string

	accessTTL  time.Duration
	refreshTTL time.Duration
	codeTTL    time.Duration
	// pendingTTL bounds abandoned authorization attempts so they do not
	// accumulate until process restart.
	pendingTTL time.Duration

	// http performs the live upstream credential check. Tests point it at
	// a stub transport.
	http *http.Client

	metrics *metrics.Metrics

	mu            sync.Mutex
	clients       map[string]*ClientInfo
	codes         map[string]*AuthorizationCode
	accessTokens  map[string]*AccessToken
	refreshTokens map[string]*RefreshToken
	pending       map[string]*pendingAuthorization

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewProvider creates a provider and starts its background expiry sweep.
func NewProvider(reg *registry.Registry, opts Options) *Provider {
	p := &Provider{
		registry:      reg,
		issuer:        strings.TrimRight(opts.IssuerURL, "/"),
		accessTTL:     opts.AccessTokenTTL,
		refreshTTL:    opts.RefreshTokenTTL,
		codeTTL:       opts.AuthCodeTTL,
		pendingTTL:    2 * opts.AuthCodeTTL,
		http:          &http.Client{Timeout: upstreamCheckTimeout},
		metrics:       opts.Metrics,
		clients:       make(map[string]*ClientInfo),
		codes:         make(map[string]*AuthorizationCode),
		accessTokens:  make(map[string]*AccessToken),
		refreshTokens: make(map[string]*RefreshToken),
		pending:       make(map[string]*pendingAuthorization),
		stopCleanup:   make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// Stop stops the background cleanup goroutine.
func (p *Provider) Stop() {
	p.stopOnce.Do(func() { close(p.stopCleanup) })
}

// Issuer returns the configured issuer URL without a trailing slash.
func (p *Provider) Issuer() string { return p.issuer }

// RegisterClient stores a client definition verbatim, keyed by client id.
// Re-registration overwrites.
func (p *Provider) RegisterClient(info *ClientInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[info.ClientID] = info
	logging.Debug("OAuth", "Registered client %s", info.ClientID)
}

// GetClient returns the registered client for id, or nil.
func (p *Provider) GetClient(id string) *ClientInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clients[id]
}

// Authorize opens a pending authorization session for the client and
// returns the login form URL carrying the session id. Nothing is verified
// at this stage; verification happens when the form is submitted.
func (p *Provider) Authorize(client *ClientInfo, params AuthorizationParams) (string, error) {
	sessionID, err := randomToken()
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.pending[sessionID] = &pendingAuthorization{
		Client:    client,
		Params:    params,
		CreatedAt: time.Now(),
	}
	p.mu.Unlock()

	logging.Debug("OAuth", "Pending authorization opened for client %s", client.ClientID)
	return fmt.Sprintf("%s/oauth/login?session_id=%s", p.issuer, url.QueryEscape(sessionID)), nil
}

// CompleteAuthorization is the core transition of an authorization attempt:
// it consumes the pending session, verifies the bridge credentials, runs a
// live check of the stored upstream credentials, mints the authorization
// code, and returns the client redirect URI with code and state attached.
func (p *Provider) CompleteAuthorization(ctx context.Context, sessionID, username, password string) (string, error) {
	p.mu.Lock()
	pending, ok := p.pending[sessionID]
	if ok {
		delete(p.pending, sessionID)
	}
	p.mu.Unlock()

	if !ok {
		return "", &AuthorizeError{Code: ErrorInvalidRequest, Description: "Invalid or expired session"}
	}

	if !p.registry.Verify(username, password) {
		return "", &AuthorizeError{Code: ErrorAccessDenied, Description: "Invalid username or password"}
	}

	user, ok := p.registry.GetUser(username)
	if !ok {
		// Verify just succeeded, so the entry vanishing is an internal
		// inconsistency, not a caller mistake.
		return "", &AuthorizeError{Code: ErrorServerError, Description: "User entry not found after verification"}
	}

	// Confirm the stored upstream credentials still work before handing the
	// client a code that would only produce broken gateways.
	checkCtx, cancel := context.WithTimeout(ctx, upstreamCheckTimeout)
	defer cancel()
	if _, err := upstream.NewTokenManager(user.OfficeURL, user.OfficeUsername, user.OfficePassword).Login(checkCtx, p.http); err != nil {
		return "", &AuthorizeError{Code: ErrorServerError, Description: fmt.Sprintf("UG Office login failed: %v", err)}
	}

	code, err := randomToken()
	if err != nil {
		return "", &AuthorizeError{Code: ErrorServerError, Description: err.Error()}
	}

	p.mu.Lock()
	p.codes[code] = &AuthorizationCode{
		Code:          code,
		ClientID:      pending.Client.ClientID,
		UserID:        username,
		Scopes:        scopesOrDefault(pending.Params.Scopes),
		ExpiresAt:     time.Now().Add(p.codeTTL),
		CodeChallenge: pending.Params.CodeChallenge,
		RedirectURI:   pending.Params.RedirectURI,
		Resource:      pending.Params.Resource,
	}
	p.mu.Unlock()

	logging.Info("OAuth", "Authorization completed for user %s client %s",
		logging.TruncateUserID(username), pending.Client.ClientID)

	return buildRedirectURI(pending.Params.RedirectURI, code, pending.Params.State)
}

// LoadAuthorizationCode returns the stored code when it belongs to the
// requesting client and is unexpired; otherwise nil. Expired codes are
// deleted on read.
func (p *Provider) LoadAuthorizationCode(client *ClientInfo, code string) *AuthorizationCode {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, ok := p.codes[code]
	if !ok || stored.ClientID != client.ClientID {
		return nil
	}
	if time.Now().After(stored.ExpiresAt) {
		delete(p.codes, code)
		return nil
	}
	return stored
}

// ExchangeAuthorizationCode consumes the code and mints an access/refresh
// token pair carrying the code's bridge identity. The check and delete
// happen under one lock hold, so of N concurrent exchanges of the same
// code exactly one mints; the rest get ErrGrantConsumed.
func (p *Provider) ExchangeAuthorizationCode(client *ClientInfo, code *AuthorizationCode) (*TokenResponse, error) {
	p.mu.Lock()
	_, ok := p.codes[code.Code]
	delete(p.codes, code.Code)
	p.mu.Unlock()
	if !ok {
		return nil, ErrGrantConsumed
	}

	resp, err := p.mintTokens(client.ClientID, code.UserID, code.Scopes)
	if err == nil && p.metrics != nil {
		p.metrics.TokensIssued.Inc()
	}
	return resp, err
}

// LoadAccessToken returns the access token record, or nil when absent or
// expired. Expired tokens are deleted on read.
func (p *Provider) LoadAccessToken(token string) *AccessToken {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, ok := p.accessTokens[token]
	if !ok {
		return nil
	}
	if time.Now().After(stored.ExpiresAt) {
		delete(p.accessTokens, token)
		return nil
	}
	return stored
}

// LoadRefreshToken returns the refresh token record when it belongs to the
// requesting client and is unexpired; otherwise nil. A client id mismatch
// is treated as absence, so a stolen refresh token is useless to another
// client.
func (p *Provider) LoadRefreshToken(client *ClientInfo, token string) *RefreshToken {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, ok := p.refreshTokens[token]
	if !ok || stored.ClientID != client.ClientID {
		return nil
	}
	if time.Now().After(stored.ExpiresAt) {
		delete(p.refreshTokens, token)
		return nil
	}
	return stored
}

// ExchangeRefreshToken rotates the presented refresh token: it is
// consumed and a fresh access/refresh pair is issued. Like the code
// exchange, consumption is atomic, so a concurrent duplicate rotation
// gets ErrGrantConsumed. The caller may narrow the scopes; an empty
// request keeps the original token's scopes.
func (p *Provider) ExchangeRefreshToken(client *ClientInfo, token *RefreshToken, scopes []string) (*TokenResponse, error) {
	p.mu.Lock()
	_, ok := p.refreshTokens[token.Token]
	delete(p.refreshTokens, token.Token)
	p.mu.Unlock()
	if !ok {
		return nil, ErrGrantConsumed
	}

	effective := scopes
	if len(effective) == 0 {
		effective = token.Scopes
	}
	resp, err := p.mintTokens(client.ClientID, token.UserID, effective)
	if err == nil && p.metrics != nil {
		p.metrics.TokensRefreshed.Inc()
	}
	return resp, err
}

// RevokeToken deletes the token from whichever store holds it.
func (p *Provider) RevokeToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.accessTokens, token)
	delete(p.refreshTokens, token)
}

// CleanupExpired sweeps expired codes, tokens, and abandoned pending
// sessions. Returns the number of entries removed.
func (p *Provider) CleanupExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	count := 0
	for code, stored := range p.codes {
		if now.After(stored.ExpiresAt) {
			delete(p.codes, code)
			count++
		}
	}
	for token, stored := range p.accessTokens {
		if now.After(stored.ExpiresAt) {
			delete(p.accessTokens, token)
			count++
		}
	}
	for token, stored := range p.refreshTokens {
		if now.After(stored.ExpiresAt) {
			delete(p.refreshTokens, token)
			count++
		}
	}
	for sessionID, pending := range p.pending {
		if now.Sub(pending.CreatedAt) > p.pendingTTL {
			delete(p.pending, sessionID)
			count++
		}
	}
	return count
}

func (p *Provider) mintTokens(clientID, userID string, scopes []string) (*TokenResponse, error) {
	accessToken, err := randomToken()
	if err != nil {
		return nil, err
	}
	refreshToken, err := randomToken()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	p.mu.Lock()
	p.accessTokens[accessToken] = &AccessToken{
		Token:     accessToken,
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    scopes,
		ExpiresAt: now.Add(p.accessTTL),
	}
	p.refreshTokens[refreshToken] = &RefreshToken{
		Token:     refreshToken,
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    scopes,
		ExpiresAt: now.Add(p.refreshTTL),
	}
	p.mu.Unlock()

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(p.accessTTL.Seconds()),
		Scope:        strings.Join(scopes, " "),
		RefreshToken: refreshToken,
	}, nil
}

func (p *Provider) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := p.CleanupExpired(); removed > 0 {
				logging.Debug("OAuth", "Cleaned up %d expired entries", removed)
			}
		case <-p.stopCleanup:
			return
		}
	}
}

func scopesOrDefault(scopes []string) []string {
	if len(scopes) == 0 {
		return DefaultScopes
	}
	return scopes
}

// buildRedirectURI appends the code and original state to the client's
// redirect URI, preserving any query parameters it already carries.
func buildRedirectURI(redirectURI, code, state string) (string, error) {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return "", &AuthorizeError{Code: ErrorServerError, Description: fmt.Sprintf("invalid redirect URI: %v", err)}
	}
	query := parsed.Query()
	query.Set("code", code)
	if state != "" {
		query.Set("state", state)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
