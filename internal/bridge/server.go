// Package bridge wires the MCP tool surface to the upstream gateways,
// browser sessions, live feed, and the OAuth authorization server.
package bridge

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mark3labs/mcp-go/server"

	"ugbridge/internal/authserver"
	"ugbridge/internal/config"
	"ugbridge/internal/live"
	"ugbridge/internal/metrics"
	"ugbridge/internal/session"
	"ugbridge/internal/webform"
	"ugbridge/pkg/logging"
)

// Bridge owns the MCP server and every backend it dispatches to. The
// provider is nil on stdio transport, where all calls use the fallback
// gateway and browser session.
type Bridge struct {
	cfg      *config.Config
	provider *authserver.Provider
	gateways *session.Store
	browsers *session.BrowserStore
	live     *live.Manager
	metrics  *metrics.Metrics
	mcp      *server.MCPServer
}

// New assembles the bridge and registers its tools.
func New(cfg *config.Config, provider *authserver.Provider, gateways *session.Store, browsers *session.BrowserStore, liveMgr *live.Manager, m *metrics.Metrics) *Bridge {
	mcpServer := server.NewMCPServer(
		"ugbridge",
		Version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithPromptCapabilities(false),
	)

	b := &Bridge{
		cfg:      cfg,
		provider: provider,
		gateways: gateways,
		browsers: browsers,
		live:     liveMgr,
		metrics:  m,
		mcp:      mcpServer,
	}
	b.registerTools()
	return b
}

// ServeStdio runs the MCP server over stdin/stdout until the client
// disconnects.
func (b *Bridge) ServeStdio(ctx context.Context) error {
	logging.Info("Bridge", "Serving MCP over stdio")
	return server.ServeStdio(b.mcp)
}

// HTTPHandler assembles the multi-tenant HTTP surface: the protected MCP
// endpoint, the OAuth server, the login form, health, and metrics.
func (b *Bridge) HTTPHandler() http.Handler {
	mux := http.NewServeMux()

	b.provider.RegisterRoutes(mux)
	webform.NewHandler(b.provider, b.metrics).RegisterRoutes(mux)

	streamable := server.NewStreamableHTTPServer(b.mcp,
		server.WithHTTPContextFunc(b.httpContext),
	)
	mux.Handle("/mcp", b.requireBearer(streamable))

	mux.HandleFunc("/health", handleHealth)
	mux.Handle("/metrics", b.metrics.Handler())

	return mux
}

// handleHealth reports liveness independent of upstream reachability.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		logging.Error("Bridge", err, "Failed to encode health response")
	}
}
