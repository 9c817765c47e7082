// Package live maintains the push channel to the back-office live-odds
// feed. The upstream speaks a Socket.IO-style protocol over a WebSocket:
// requests are emitted as `42["get","<path>?id=<uuid>",<payload>]` frames
// and the response frame carries the same correlation id back in its path
// segment.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ugbridge/pkg/logging"
)

// rpcTimeout bounds each individual request/response exchange. A timed-out
// RPC is abandoned; the connection itself stays up.
const rpcTimeout = 15 * time.Second

const (
	// engine.io / Socket.IO frame prefixes.
	frameOpen    = "0"
	framePing    = "2"
	framePong    = "3"
	frameConnect = "40"
	frameEvent   = "42"
)

// TimeoutError reports an RPC that received no response within rpcTimeout.
type TimeoutError struct {
	Path string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("live request timed out: %s", e.Path)
}

// ErrNotConnected is returned for RPCs issued without an established
// connection.
var ErrNotConnected = fmt.Errorf("live feed not connected")

// Manager owns one WebSocket connection to the live-odds server and
// correlates request frames with their responses.
type Manager struct {
	url     string
	timeout time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	pending   map[string]chan json.RawMessage
	done      chan struct{}

	// writeMu serializes frame writes; gorilla/websocket allows only one
	// concurrent writer.
	writeMu sync.Mutex
}

// NewManager creates a manager for the given WebSocket URL.
func NewManager(wsURL string) *Manager {
	return &Manager{
		url:     wsURL,
		timeout: rpcTimeout,
		pending: make(map[string]chan json.RawMessage),
	}
}

// Connect dials the live-odds server, authenticating with the upstream
// bearer token, and starts the read loop. An existing connection is torn
// down first.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.Disconnect()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, m.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial live feed: %w", err)
	}

	// Socket.IO connect frame for the default namespace.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frameConnect)); err != nil {
		conn.Close()
		return fmt.Errorf("open live namespace: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.connected = true
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go m.readLoop(conn, done)

	logging.Info("Live", "Connected to %s", m.url)
	return nil
}

// Connected reports whether the live feed connection is up.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// GetOdds requests live odds for the given match and markets.
func (m *Manager) GetOdds(ctx context.Context, matchID int, marketIDs []int) (any, error) {
	payload := make([]map[string]any, 0, len(marketIDs))
	for _, marketID := range marketIDs {
		payload = append(payload, map[string]any{
			"sport_id":  1,
			"match_id":  matchID,
			"market_id": marketID,
		})
	}
	return m.rpc(ctx, "/odds", payload)
}

// GetMatches requests the match list for a sport on a given date
// (YYYY-MM-DD).
func (m *Manager) GetMatches(ctx context.Context, sportID int, date string) (any, error) {
	payload := []map[string]any{{"sport_id": sportID, "date": date}}
	return m.rpc(ctx, "/match", payload)
}

// rpc emits one request frame and waits for the correlated response.
func (m *Manager) rpc(ctx context.Context, path string, payload any) (any, error) {
	m.mu.Lock()
	conn, done := m.conn, m.done
	if !m.connected || conn == nil {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	requestID := uuid.NewString()
	ch := make(chan json.RawMessage, 1)
	m.pending[requestID] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, requestID)
		m.mu.Unlock()
	}()

	qualified := fmt.Sprintf("%s?id=%s", path, requestID)
	frame, err := json.Marshal([]any{"get", qualified, payload})
	if err != nil {
		return nil, fmt.Errorf("encode live request: %w", err)
	}

	m.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, append([]byte(frameEvent), frame...))
	m.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send live request: %w", err)
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case raw := <-ch:
		var data any
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("decode live response: %w", err)
		}
		return data, nil
	case <-timer.C:
		logging.Warn("Live", "RPC timeout for %s", qualified)
		return nil, &TimeoutError{Path: path}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, ErrNotConnected
	}
}

// readLoop consumes frames until the connection drops or Disconnect closes
// it. Responses are routed to their pending RPC by the id embedded in the
// path segment.
func (m *Manager) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer m.markDisconnected(conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				// Deliberate disconnect.
			default:
				logging.Warn("Live", "Read failed, connection lost: %v", err)
			}
			return
		}

		msg := string(data)
		switch {
		case msg == framePing:
			m.writeMu.Lock()
			_ = conn.WriteMessage(websocket.TextMessage, []byte(framePong))
			m.writeMu.Unlock()
		case strings.HasPrefix(msg, frameEvent):
			m.dispatch([]byte(msg[len(frameEvent):]))
		case strings.HasPrefix(msg, frameOpen), strings.HasPrefix(msg, frameConnect):
			// Handshake frames carry no routable payload.
		default:
			logging.Debug("Live", "Ignoring frame: %.40s", msg)
		}
	}
}

// dispatch routes one event frame to the pending RPC matching its
// correlation id.
func (m *Manager) dispatch(frame []byte) {
	var parts []json.RawMessage
	if err := json.Unmarshal(frame, &parts); err != nil || len(parts) < 3 {
		logging.Debug("Live", "Unparseable event frame: %.80s", frame)
		return
	}

	var path string
	if err := json.Unmarshal(parts[1], &path); err != nil {
		return
	}
	requestID := correlationID(path)
	if requestID == "" {
		return
	}

	m.mu.Lock()
	ch, ok := m.pending[requestID]
	m.mu.Unlock()
	if !ok {
		// Response for an abandoned (timed out) request.
		logging.Debug("Live", "Dropping response for unknown request %s", requestID)
		return
	}

	select {
	case ch <- parts[2]:
	default:
	}
}

// correlationID extracts the id query parameter from a path segment like
// "/odds?id=<uuid>".
func correlationID(path string) string {
	_, query, ok := strings.Cut(path, "?")
	if !ok {
		return ""
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return ""
	}
	return values.Get("id")
}

// Disconnect tears down the connection, waking any in-flight RPCs.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn, done := m.conn, m.done
	m.conn = nil
	m.connected = false
	m.done = nil
	m.mu.Unlock()

	if done != nil {
		close(done)
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
		logging.Info("Live", "Disconnected")
	}
}

func (m *Manager) markDisconnected(conn *websocket.Conn, done chan struct{}) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
		m.connected = false
		m.done = nil
		defer close(done)
	}
	m.mu.Unlock()
	conn.Close()
}
