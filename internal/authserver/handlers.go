package authserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"ugbridge/pkg/logging"
)

// RegisterRoutes mounts the OAuth HTTP surface on mux.
func (p *Provider) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/.well-known/oauth-authorization-server", p.handleMetadata)
	mux.HandleFunc("/.well-known/oauth-protected-resource", p.handleProtectedResourceMetadata)
	mux.HandleFunc("/oauth/register", p.handleRegister)
	mux.HandleFunc("/oauth/authorize", p.handleAuthorize)
	mux.HandleFunc("/oauth/token", p.handleToken)
	mux.HandleFunc("/oauth/revoke", p.handleRevoke)
}

// serverMetadata is the RFC 8414 authorization server metadata document.
type serverMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

func (p *Provider) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, serverMetadata{
		Issuer:                            p.issuer,
		AuthorizationEndpoint:             p.issuer + "/oauth/authorize",
		TokenEndpoint:                     p.issuer + "/oauth/token",
		RegistrationEndpoint:              p.issuer + "/oauth/register",
		RevocationEndpoint:                p.issuer + "/oauth/revoke",
		ScopesSupported:                   ValidScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_post"},
		CodeChallengeMethodsSupported:     []string{"S256"},
	})
}

func (p *Provider) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resource":              p.issuer,
		"authorization_servers": []string{p.issuer},
		"scopes_supported":      ValidScopes,
		"bearer_methods_supported": []string{
			"header",
		},
	})
}

// handleRegister implements RFC 7591 dynamic client registration. The
// bridge accepts any registration; trust is established later by the login
// form, not by the client record.
func (p *Provider) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ClientInfo
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "malformed registration request")
		return
	}
	if len(req.RedirectURIs) == 0 {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "redirect_uris is required")
		return
	}

	req.ClientID = uuid.NewString()
	if len(req.GrantTypes) == 0 {
		req.GrantTypes = []string{"authorization_code", "refresh_token"}
	}
	if len(req.ResponseTypes) == 0 {
		req.ResponseTypes = []string{"code"}
	}
	if req.TokenEndpointAuthMethod == "" {
		req.TokenEndpointAuthMethod = "none"
	}
	if req.Scope == "" {
		req.Scope = strings.Join(DefaultScopes, " ")
	}

	p.RegisterClient(&req)
	writeJSON(w, http.StatusCreated, &req)
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()

	client := p.GetClient(query.Get("client_id"))
	if client == nil {
		// No trustworthy redirect target yet, so the error stays local.
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidClient, "unknown client_id")
		return
	}

	redirectURI := query.Get("redirect_uri")
	if redirectURI == "" || !client.AllowsRedirectURI(redirectURI) {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "redirect_uri not registered for this client")
		return
	}

	if rt := query.Get("response_type"); rt != "code" {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "only response_type=code is supported")
		return
	}
	if method := query.Get("code_challenge_method"); method != "" && method != "S256" {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "only S256 code challenges are supported")
		return
	}
	if query.Get("code_challenge") == "" {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "code_challenge is required")
		return
	}

	params := AuthorizationParams{
		RedirectURI:         redirectURI,
		State:               query.Get("state"),
		Scopes:              splitScopes(query.Get("scope")),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: "S256",
		Resource:            query.Get("resource"),
	}

	loginURL, err := p.Authorize(client, params)
	if err != nil {
		logging.Error("OAuth", err, "Failed to open authorization session")
		writeOAuthError(w, http.StatusInternalServerError, ErrorServerError, "could not start authorization")
		return
	}
	http.Redirect(w, r, loginURL, http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "malformed form body")
		return
	}

	client := p.GetClient(r.PostFormValue("client_id"))
	if client == nil {
		writeOAuthError(w, http.StatusUnauthorized, ErrorInvalidClient, "unknown client_id")
		return
	}
	if client.ClientSecret != "" &&
		subtle.ConstantTimeCompare([]byte(r.PostFormValue("client_secret")), []byte(client.ClientSecret)) != 1 {
		writeOAuthError(w, http.StatusUnauthorized, ErrorInvalidClient, "client authentication failed")
		return
	}

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		p.tokenFromCode(w, r, client)
	case "refresh_token":
		p.tokenFromRefresh(w, r, client)
	default:
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "unsupported grant_type")
	}
}

func (p *Provider) tokenFromCode(w http.ResponseWriter, r *http.Request, client *ClientInfo) {
	code := p.LoadAuthorizationCode(client, r.PostFormValue("code"))
	if code == nil {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant, "invalid or expired authorization code")
		return
	}
	if redirect := r.PostFormValue("redirect_uri"); redirect != code.RedirectURI {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant, "redirect_uri does not match the authorization request")
		return
	}
	if !VerifyPKCE(r.PostFormValue("code_verifier"), code.CodeChallenge) {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant, "PKCE verification failed")
		return
	}

	resp, err := p.ExchangeAuthorizationCode(client, code)
	if errors.Is(err, ErrGrantConsumed) {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant, "authorization code already used")
		return
	}
	if err != nil {
		logging.Error("OAuth", err, "Token minting failed")
		writeOAuthError(w, http.StatusInternalServerError, ErrorServerError, "could not issue tokens")
		return
	}
	logging.Info("OAuth", "Issued tokens for user %s client %s",
		logging.TruncateUserID(code.UserID), client.ClientID)
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) tokenFromRefresh(w http.ResponseWriter, r *http.Request, client *ClientInfo) {
	token := p.LoadRefreshToken(client, r.PostFormValue("refresh_token"))
	if token == nil {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant, "invalid or expired refresh token")
		return
	}

	requested := splitScopes(r.PostFormValue("scope"))
	if !scopesSubset(requested, token.Scopes) {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "requested scope exceeds the original grant")
		return
	}

	resp, err := p.ExchangeRefreshToken(client, token, requested)
	if errors.Is(err, ErrGrantConsumed) {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant, "refresh token already rotated")
		return
	}
	if err != nil {
		logging.Error("OAuth", err, "Token rotation failed")
		writeOAuthError(w, http.StatusInternalServerError, ErrorServerError, "could not rotate tokens")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRevoke implements RFC 7009. Per the RFC, revoking an unknown token
// still returns 200.
func (p *Provider) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "malformed form body")
		return
	}
	if token := r.PostFormValue("token"); token != "" {
		p.RevokeToken(token)
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("OAuth", err, "Failed to encode response")
	}
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func splitScopes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

func scopesSubset(requested, granted []string) bool {
	for _, want := range requested {
		found := false
		for _, have := range granted {
			if want == have {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
