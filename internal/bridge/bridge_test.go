package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ugbridge/internal/authserver"
	"ugbridge/internal/config"
	"ugbridge/internal/live"
	"ugbridge/internal/metrics"
	"ugbridge/internal/registry"
	"ugbridge/internal/session"
	"ugbridge/internal/upstream"
)

// stubOffice serves the upstream login endpoint plus canned data routes.
func stubOffice(t *testing.T, routes map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/1.0/auth/login" {
			w.Header().Set("Authorization", "Bearer office-token")
			w.WriteHeader(http.StatusOK)
			return
		}
		payload, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(payload))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestBridge(t *testing.T, officeURL string) *Bridge {
	t.Helper()
	reg := registry.NewFromUsers(map[string]registry.User{
		"alice": {
			BridgePassword: "alice-pass",
			OfficeUsername: "a_op",
			OfficePassword: "s3c",
			OfficeURL:      officeURL,
			WebURL:         "https://www.ugoffice.com",
		},
	})
	provider := authserver.NewProvider(reg, authserver.Options{
		IssuerURL:       "https://bridge.test",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
		AuthCodeTTL:     5 * time.Minute,
	})
	t.Cleanup(provider.Stop)

	cfg := &config.Config{OfficeURL: officeURL, Username: "a_op", Password: "s3c"}
	gateways := session.NewStore(reg)
	gateways.PutFallback(upstream.New(officeURL, "a_op", "s3c"))
	t.Cleanup(gateways.CloseAll)

	return New(cfg, provider, gateways, session.NewBrowserStore(reg), live.NewManager("ws://unused"), metrics.New())
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func textContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok, "expected text content")
	return text.Text
}

func TestWhoamiStdio(t *testing.T) {
	office := stubOffice(t, nil)
	b := newTestBridge(t, office.URL)

	result, err := b.handleWhoami(context.Background(), callRequest("whoami", nil))
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &body))
	assert.Equal(t, session.StdioIdentity, body["identity"])
	assert.Equal(t, false, body["multi_tenant"])
}

func TestWhoamiAuthenticated(t *testing.T) {
	office := stubOffice(t, nil)
	b := newTestBridge(t, office.URL)

	ctx := WithIdentity(context.Background(), "alice")
	result, err := b.handleWhoami(ctx, callRequest("whoami", nil))
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &body))
	assert.Equal(t, "alice", body["identity"])
	assert.Equal(t, true, body["multi_tenant"])
}

func TestAPIGetThroughFallbackGateway(t *testing.T) {
	office := stubOffice(t, map[string]any{
		"/1.0/member/list": []any{map[string]any{"id": float64(1)}},
	})
	b := newTestBridge(t, office.URL)

	result, err := b.handleAPIGet(context.Background(), callRequest("api_get", map[string]any{
		"path": "/1.0/member/list",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.JSONEq(t, `[{"id":1}]`, textContent(t, result))
}

func TestAPIGetThroughIdentityGateway(t *testing.T) {
	office := stubOffice(t, map[string]any{
		"/1.0/ping": map[string]any{"pong": true},
	})
	b := newTestBridge(t, office.URL)

	ctx := WithIdentity(context.Background(), "alice")
	result, err := b.handleAPIGet(ctx, callRequest("api_get", map[string]any{"path": "/1.0/ping"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, 1, b.gateways.Len(), "an identity call must populate the gateway pool")
}

func TestAPIGetUnknownIdentity(t *testing.T) {
	office := stubOffice(t, nil)
	b := newTestBridge(t, office.URL)

	ctx := WithIdentity(context.Background(), "mallory")
	result, err := b.handleAPIGet(ctx, callRequest("api_get", map[string]any{"path": "/1.0/ping"}))
	require.NoError(t, err)
	require.True(t, result.IsError)

	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &body))
	assert.Equal(t, "unknown_identity", body["error"])
}

func TestAPIGetUpstreamStatusError(t *testing.T) {
	office := stubOffice(t, nil)
	b := newTestBridge(t, office.URL)

	result, err := b.handleAPIGet(context.Background(), callRequest("api_get", map[string]any{
		"path": "/1.0/missing",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)

	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &body))
	assert.Equal(t, "api_status_404", body["error"])
}

func TestReportWinlossSummary(t *testing.T) {
	office := stubOffice(t, map[string]any{
		"/1.0/report/winloss": []any{
			map[string]any{"ticket": float64(2), "to_usd_net_turnover": float64(100), "to_usd_net_winloss": float64(10)},
			map[string]any{"ticket": float64(3), "to_usd_net_turnover": float64(50), "to_usd_net_winloss": float64(-5)},
		},
	})
	b := newTestBridge(t, office.URL)

	result, err := b.handleReportWinloss(context.Background(), callRequest("report_winloss", map[string]any{
		"date_from": "2026-08-01",
		"date_to":   "2026-08-07",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, textContent(t, result))

	var body struct {
		Rows    []map[string]any `json:"rows"`
		Summary map[string]any   `json:"summary"`
	}
	require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &body))
	assert.Len(t, body.Rows, 2)
	assert.Equal(t, float64(5), body.Summary["ticket"])
	assert.Equal(t, float64(150), body.Summary["net_turnover_usd"])
	assert.Equal(t, float64(3.33), body.Summary["margin_pct"])
}

func TestLiveOddsWithoutConnection(t *testing.T) {
	office := stubOffice(t, nil)
	b := newTestBridge(t, office.URL)

	result, err := b.handleLiveOdds(context.Background(), callRequest("live_odds", map[string]any{
		"match_id": float64(42),
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)

	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &body))
	assert.Equal(t, "live_unavailable", body["error"])
}

// obtainAccessToken walks the full authorization code flow.
func obtainAccessToken(t *testing.T, b *Bridge) string {
	t.Helper()
	client := &authserver.ClientInfo{
		ClientID:     "client-1",
		RedirectURIs: []string{"https://app.test/cb"},
	}
	b.provider.RegisterClient(client)

	loginURL, err := b.provider.Authorize(client, authserver.AuthorizationParams{
		RedirectURI:   "https://app.test/cb",
		CodeChallenge: "challenge",
	})
	require.NoError(t, err)
	parsed, err := url.Parse(loginURL)
	require.NoError(t, err)

	redirect, err := b.provider.CompleteAuthorization(context.Background(),
		parsed.Query().Get("session_id"), "alice", "alice-pass")
	require.NoError(t, err)
	redirectURL, err := url.Parse(redirect)
	require.NoError(t, err)

	code := b.provider.LoadAuthorizationCode(client, redirectURL.Query().Get("code"))
	require.NotNil(t, code)
	resp, err := b.provider.ExchangeAuthorizationCode(client, code)
	require.NoError(t, err)
	return resp.AccessToken
}

func TestRequireBearerRejectsMissingToken(t *testing.T) {
	office := stubOffice(t, nil)
	b := newTestBridge(t, office.URL)

	handler := b.requireBearer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a token")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer realm=")
}

func TestRequireBearerAcceptsValidToken(t *testing.T) {
	office := stubOffice(t, nil)
	b := newTestBridge(t, office.URL)
	token := obtainAccessToken(t, b)

	var reached bool
	handler := b.requireBearer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, reached)
}

func TestHTTPContextInjectsIdentity(t *testing.T) {
	office := stubOffice(t, nil)
	b := newTestBridge(t, office.URL)
	token := obtainAccessToken(t, b)

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	ctx := b.httpContext(context.Background(), req)
	identity, ok := IdentityFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "alice", identity)
}

func TestHTTPContextWithoutToken(t *testing.T) {
	office := stubOffice(t, nil)
	b := newTestBridge(t, office.URL)

	ctx := b.httpContext(context.Background(), httptest.NewRequest(http.MethodPost, "/mcp", nil))
	_, ok := IdentityFromContext(ctx)
	assert.False(t, ok)
}

func TestHealthEndpoint(t *testing.T) {
	office := stubOffice(t, nil)
	b := newTestBridge(t, office.URL)

	rec := httptest.NewRecorder()
	b.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
