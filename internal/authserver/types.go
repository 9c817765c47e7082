package authserver

import (
	"fmt"
	"time"
)

// OAuth protocol error codes surfaced by the authorization flow.
const (
	ErrorInvalidRequest = "invalid_request"
	ErrorInvalidGrant   = "invalid_grant"
	ErrorInvalidClient  = "invalid_client"
	ErrorAccessDenied   = "access_denied"
	ErrorServerError    = "server_error"
)

// Scopes the bridge understands. Dynamic registration advertises these and
// they are granted by default when a client requests none.
var (
	ValidScopes   = []string{"ug:read", "ug:write"}
	DefaultScopes = []string{"ug:read", "ug:write"}
)

// AuthorizeError is the OAuth protocol error channel: the web form renders
// it, the token endpoint serializes it.
type AuthorizeError struct {
	Code        string
	Description string
}

func (e *AuthorizeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// ClientInfo is an OAuth client registration, stored verbatim.
type ClientInfo struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// AllowsRedirectURI reports whether uri is one of the client's registered
// redirect URIs. A client with no registered URIs allows none.
func (c *ClientInfo) AllowsRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// AuthorizationParams are the request parameters captured when an
// authorization request arrives, held until the login form completes.
type AuthorizationParams struct {
	RedirectURI         string
	State               string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
}

// AuthorizationCode is a single-use, short-lived code bound to one client,
// one bridge identity, and the PKCE challenge of the original request.
type AuthorizationCode struct {
	Code          string
	ClientID      string
	UserID        string
	Scopes        []string
	ExpiresAt     time.Time
	CodeChallenge string
	RedirectURI   string
	Resource      string
}

// AccessToken is an opaque bearer token carrying the bridge identity that
// authorized it.
type AccessToken struct {
	Token     string
	ClientID  string
	UserID    string
	Scopes    []string
	ExpiresAt time.Time
}

// RefreshToken is single-use: exchanging it deletes it and issues a new
// pair (rotation).
type RefreshToken struct {
	Token     string
	ClientID  string
	UserID    string
	Scopes    []string
	ExpiresAt time.Time
}

// TokenResponse is the token endpoint's wire format.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// pendingAuthorization holds a not-yet-completed authorization attempt
// between the authorize redirect and the login form submission.
type pendingAuthorization struct {
	Client    *ClientInfo
	Params    AuthorizationParams
	CreatedAt time.Time
}
