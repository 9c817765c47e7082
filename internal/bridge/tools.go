package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/mark3labs/mcp-go/mcp"

	"ugbridge/internal/live"
	"ugbridge/internal/reports"
	"ugbridge/internal/session"
	"ugbridge/internal/upstream"
)

// registerTools registers the bridge's MCP tools.
func (b *Bridge) registerTools() {
	whoamiTool := mcp.NewTool("whoami",
		mcp.WithDescription("Show the bridge identity this session is operating as"),
	)
	b.mcp.AddTool(whoamiTool, b.handleWhoami)

	apiGetTool := mcp.NewTool("api_get",
		mcp.WithDescription("Perform a GET request against the UG Office API"),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("API path, e.g. /1.0/member/list"),
		),
		mcp.WithObject("params",
			mcp.Description("Query parameters as a JSON object"),
		),
	)
	b.mcp.AddTool(apiGetTool, b.handleAPIGet)

	apiPostTool := mcp.NewTool("api_post",
		mcp.WithDescription("Perform a POST request against the UG Office API"),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("API path, e.g. /1.0/ticket/search"),
		),
		mcp.WithObject("body",
			mcp.Description("JSON request body"),
		),
	)
	b.mcp.AddTool(apiPostTool, b.handleAPIPost)

	winlossTool := mcp.NewTool("report_winloss",
		mcp.WithDescription("Fetch the win/loss report for a date range and compute the USD summary row"),
		mcp.WithString("date_from",
			mcp.Required(),
			mcp.Description("Start date, YYYY-MM-DD"),
		),
		mcp.WithString("date_to",
			mcp.Required(),
			mcp.Description("End date, YYYY-MM-DD"),
		),
	)
	b.mcp.AddTool(winlossTool, b.handleReportWinloss)

	liveOddsTool := mcp.NewTool("live_odds",
		mcp.WithDescription("Fetch live odds for a match over the real-time feed"),
		mcp.WithNumber("match_id",
			mcp.Required(),
			mcp.Description("Match identifier"),
		),
		mcp.WithArray("market_ids",
			mcp.Description("Market identifiers to fetch, all markets when omitted"),
		),
	)
	b.mcp.AddTool(liveOddsTool, b.handleLiveOdds)

	liveMatchesTool := mcp.NewTool("live_matches",
		mcp.WithDescription("List live matches for a sport over the real-time feed"),
		mcp.WithNumber("sport_id",
			mcp.Required(),
			mcp.Description("Sport identifier, 1 for football"),
		),
		mcp.WithString("date",
			mcp.Description("Date filter, YYYY-MM-DD"),
		),
	)
	b.mcp.AddTool(liveMatchesTool, b.handleLiveMatches)

	screenshotTool := mcp.NewTool("browser_screenshot",
		mcp.WithDescription("Capture a screenshot of a UG Office web page"),
		mcp.WithString("path",
			mcp.Description("Page path relative to the web base URL, default /"),
		),
	)
	b.mcp.AddTool(screenshotTool, b.handleBrowserScreenshot)

	pageTextTool := mcp.NewTool("browser_page_text",
		mcp.WithDescription("Extract the visible text of a UG Office web page"),
		mcp.WithString("path",
			mcp.Description("Page path relative to the web base URL, default /"),
		),
	)
	b.mcp.AddTool(pageTextTool, b.handleBrowserPageText)
}

// resolveGateway returns the per-identity gateway for an authenticated
// session, or the fallback gateway on stdio transport.
func (b *Bridge) resolveGateway(ctx context.Context) (*upstream.Client, error) {
	if identity, ok := IdentityFromContext(ctx); ok {
		return b.gateways.Get(identity)
	}
	client, ok := b.gateways.Fallback()
	if !ok {
		return nil, errors.New("no upstream credentials configured")
	}
	return client, nil
}

func (b *Bridge) resolveBrowser(ctx context.Context) (session.BrowserSession, error) {
	if identity, ok := IdentityFromContext(ctx); ok {
		return b.browsers.Get(ctx, identity)
	}
	return b.browsers.GetFallback(ctx, b.cfg.WebURL, b.cfg.Username, b.cfg.Password)
}

func (b *Bridge) handleWhoami(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		identity = session.StdioIdentity
	}
	b.metrics.ObserveToolCall("whoami", nil)
	return jsonResult(map[string]any{
		"identity":     identity,
		"multi_tenant": ok,
	})
}

func (b *Bridge) handleAPIGet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	query := url.Values{}
	if params, ok := request.GetArguments()["params"].(map[string]any); ok {
		for key, value := range params {
			query.Set(key, fmt.Sprintf("%v", value))
		}
	}

	client, err := b.resolveGateway(ctx)
	if err != nil {
		b.metrics.ObserveToolCall("api_get", err)
		return toolError(err), nil
	}

	result, err := client.Get(ctx, path, query)
	b.observeGateway(err)
	b.metrics.ObserveToolCall("api_get", err)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(result)
}

func (b *Bridge) handleAPIPost(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	body := request.GetArguments()["body"]

	client, err := b.resolveGateway(ctx)
	if err != nil {
		b.metrics.ObserveToolCall("api_post", err)
		return toolError(err), nil
	}

	result, err := client.Post(ctx, path, body)
	b.observeGateway(err)
	b.metrics.ObserveToolCall("api_post", err)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(result)
}

func (b *Bridge) handleReportWinloss(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dateFrom, err := request.RequireString("date_from")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	dateTo, err := request.RequireString("date_to")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	client, err := b.resolveGateway(ctx)
	if err != nil {
		b.metrics.ObserveToolCall("report_winloss", err)
		return toolError(err), nil
	}

	query := url.Values{}
	query.Set("date_from", dateFrom)
	query.Set("date_to", dateTo)
	result, err := client.Get(ctx, "/1.0/report/winloss", query)
	b.observeGateway(err)
	b.metrics.ObserveToolCall("report_winloss", err)
	if err != nil {
		return toolError(err), nil
	}

	response := map[string]any{"rows": result}
	if rows := asRows(result); rows != nil {
		response["summary"] = reports.USDTotal(rows)
	}
	return jsonResult(response)
}

func (b *Bridge) handleLiveOdds(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	matchID, err := request.RequireInt("match_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var marketIDs []int
	if raw, ok := request.GetArguments()["market_ids"].([]any); ok {
		for _, id := range raw {
			if n, ok := id.(float64); ok {
				marketIDs = append(marketIDs, int(n))
			}
		}
	}

	result, err := b.live.GetOdds(ctx, matchID, marketIDs)
	b.metrics.ObserveToolCall("live_odds", err)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(result)
}

func (b *Bridge) handleLiveMatches(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sportID, err := request.RequireInt("sport_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	date := request.GetString("date", "")

	result, err := b.live.GetMatches(ctx, sportID, date)
	b.metrics.ObserveToolCall("live_matches", err)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(result)
}

func (b *Bridge) handleBrowserScreenshot(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := request.GetString("path", "/")

	sess, err := b.resolveBrowser(ctx)
	if err != nil {
		b.metrics.ObserveToolCall("browser_screenshot", err)
		return toolError(err), nil
	}

	png, err := sess.Screenshot(ctx, path)
	b.metrics.ObserveToolCall("browser_screenshot", err)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultImage("screenshot of "+path, base64.StdEncoding.EncodeToString(png), "image/png"), nil
}

func (b *Bridge) handleBrowserPageText(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := request.GetString("path", "/")

	sess, err := b.resolveBrowser(ctx)
	if err != nil {
		b.metrics.ObserveToolCall("browser_page_text", err)
		return toolError(err), nil
	}

	text, err := sess.PageText(ctx, path)
	b.metrics.ObserveToolCall("browser_page_text", err)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(text), nil
}

// observeGateway records one upstream round trip for metrics.
func (b *Bridge) observeGateway(err error) {
	if err == nil {
		b.metrics.ObserveUpstream(200)
		return
	}
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		b.metrics.ObserveUpstream(statusErr.StatusCode)
		return
	}
	b.metrics.ObserveUpstream(0)
}

// jsonResult serializes v as the tool's text content.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to serialize result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// toolError converts any backend error into a structured tool result. Tool
// calls never surface raw errors to the MCP client.
func toolError(err error) *mcp.CallToolResult {
	code, detail := describeError(err)
	data, mErr := json.Marshal(map[string]string{"error": code, "detail": detail})
	if mErr != nil {
		return mcp.NewToolResultError(code + ": " + detail)
	}
	return mcp.NewToolResultError(string(data))
}

func describeError(err error) (string, string) {
	var unknownErr *session.UnknownIdentityError
	var engineErr *session.EngineUnavailableError
	var timeoutErr *live.TimeoutError
	switch {
	case errors.As(err, &unknownErr):
		return "unknown_identity", err.Error()
	case errors.As(err, &engineErr):
		return "engine_unavailable", err.Error()
	case errors.As(err, &timeoutErr):
		return "rpc_timeout", err.Error()
	case errors.Is(err, live.ErrNotConnected):
		return "live_unavailable", err.Error()
	}
	return upstream.Describe(err)
}

// asRows converts a decoded JSON list into report rows, or nil when the
// payload is not a list of objects.
func asRows(v any) []map[string]any {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	rows := make([]map[string]any, 0, len(list))
	for _, item := range list {
		row, ok := item.(map[string]any)
		if !ok {
			return nil
		}
		rows = append(rows, row)
	}
	return rows
}
