// Package upstream implements the authenticated HTTP gateway to the UG
// Office back-office API: bearer token lifecycle, one automatic retry after
// a 401, a closed error taxonomy, and a response-size ceiling for list
// payloads.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// MaxResponseBytes keeps serialized list responses under the 1 MB tool
// result ceiling of downstream MCP clients, with headroom for the result
// envelope.
const MaxResponseBytes = 900_000

// truncationMargin is reserved for the trailing truncation marker element
// and closing framing.
const truncationMargin = 200

const defaultRequestTimeout = 60 * time.Second

// Client is the per-identity request gateway. It attaches a valid bearer
// token to every call, retries exactly once after re-authentication on a
// 401, and normalizes every failure into the upstream error taxonomy.
type Client struct {
	baseURL string
	auth    *TokenManager
	http    *http.Client
}

// New creates a gateway for one upstream credential pair.
func New(baseURL, username, password string) *Client {
	trimmed := strings.TrimRight(baseURL, "/")
	return &Client{
		baseURL: trimmed,
		auth:    NewTokenManager(trimmed, username, password),
		http:    &http.Client{Timeout: defaultRequestTimeout},
	}
}

// Auth exposes the token manager, used at startup to feed the live-odds
// connection with the gateway's bearer token.
func (c *Client) Auth() *TokenManager { return c.auth }

// HTTPClient exposes the underlying HTTP client for collaborators sharing
// the gateway's transport, such as the token manager.
func (c *Client) HTTPClient() *http.Client { return c.http }

// Request executes one upstream call. The decoded JSON body is returned as
// a map or slice; list responses exceeding MaxResponseBytes are truncated
// to a strict prefix plus one marker element.
func (c *Client) Request(ctx context.Context, method, path string, body any, query url.Values) (any, error) {
	token, err := c.auth.Token(ctx, c.http)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, method, path, body, query, token)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		// The cached token was rejected. Re-authenticate and retry exactly
		// once; a second 401 falls through to the status error below.
		drainAndClose(resp)
		c.auth.Invalidate()
		token, err = c.auth.Token(ctx, c.http)
		if err != nil {
			return nil, err
		}
		resp, err = c.do(ctx, method, path, body, query, token)
		if err != nil {
			return nil, err
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt := string(raw)
		if len(excerpt) > maxErrorDetail {
			excerpt = excerpt[:maxErrorDetail]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: excerpt}
	}

	var data any
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, &UnexpectedError{Err: fmt.Errorf("decode response: %w", err)}
	}

	if list, ok := data.([]any); ok {
		truncated, err := TruncateList(list)
		if err != nil {
			return nil, &UnexpectedError{Err: err}
		}
		return truncated, nil
	}
	return data, nil
}

// do builds and executes a single HTTP attempt.
func (c *Client) do(ctx context.Context, method, path string, body any, query url.Values, token string) (*http.Response, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, &UnexpectedError{Err: fmt.Errorf("encode request body: %w", err)}
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, &UnexpectedError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return resp, nil
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (any, error) {
	return c.Request(ctx, http.MethodGet, path, nil, query)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (any, error) {
	return c.Request(ctx, http.MethodPost, path, body, nil)
}

// Put issues a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) (any, error) {
	return c.Request(ctx, http.MethodPut, path, body, nil)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (any, error) {
	return c.Request(ctx, http.MethodDelete, path, nil, nil)
}

// Close releases idle connections held by the gateway.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// TruncateList bounds the serialized size of a list response. When the full
// list serializes over MaxResponseBytes, the result is a strict prefix of
// the input followed by one marker element reporting how many elements were
// kept and how many existed. Order is never changed.
func TruncateList(list []any) ([]any, error) {
	full, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("measure response: %w", err)
	}
	if len(full) <= MaxResponseBytes {
		return list, nil
	}

	budget := MaxResponseBytes - truncationMargin
	truncated := make([]any, 0, len(list))
	size := 2 // brackets
	for _, item := range list {
		encoded, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("measure element: %w", err)
		}
		itemSize := len(encoded) + 1 // separator
		if size+itemSize > budget {
			break
		}
		truncated = append(truncated, item)
		size += itemSize
	}

	truncated = append(truncated, map[string]any{
		"_truncated": true,
		"shown":      len(truncated),
		"total":      len(list),
	})
	return truncated, nil
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
