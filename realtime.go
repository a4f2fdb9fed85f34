package chatsync

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the live stream transports and the reconnect
// policy of the ConnManager.
type RealtimeConfig struct {
	// MaxReconnectAttempts is the number of consecutive failures after which
	// the connection is reported as degraded. Reconnects continue at the
	// maximum delay afterwards.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	// StaleTimeout closes an SSE stream that has been silent for this long.
	StaleTimeout time.Duration
	// HTTPClient is used for SSE and the WebSocket handshake. It must not
	// carry a total request timeout.
	HTTPClient *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.StaleTimeout == 0 {
		c.StaleTimeout = 45 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ============================================================================
// Transport boundary
// ============================================================================

// Transport opens a room-scoped live event stream.
type Transport interface {
	// Dial connects to the stream of roomID. ctx bounds both the dial and
	// the lifetime of the returned Stream.
	Dial(ctx context.Context, roomID string) (Stream, error)
}

// Stream is a single live connection. Recv returns the next event the
// engine understands; unknown event types are skipped.
type Stream interface {
	Recv(ctx context.Context) (Event, error)
	Close() error
}

// decodeEvent converts a wire envelope into an Event. ok is false for
// envelope types the engine does not consume and for malformed payloads.
func decodeEvent(env envelope) (Event, bool) {
	switch env.Type {
	case EventMessageNew:
		var m Message
		if json.Unmarshal(env.Payload, &m) != nil || m.ID == "" {
			return Event{}, false
		}
		return Event{Type: env.Type, Message: &m, RoomID: m.RoomID}, true
	case EventRoomUpdated:
		var p roomUpdatedPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return Event{}, false
		}
		return Event{Type: env.Type, RoomID: p.RoomID}, true
	case EventError:
		var p errorPayload
		_ = json.Unmarshal(env.Payload, &p)
		return Event{Type: env.Type, Detail: p.Message}, true
	default:
		return Event{}, false
	}
}

func streamURL(baseURL, path, token, roomID string) string {
	q := url.Values{}
	if token != "" {
		q.Set("token", token)
	}
	q.Set("room", roomID)
	return baseURL + path + "?" + q.Encode()
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

// exhausted reports whether the attempt budget has been used up.
func (r *reconnector) exhausted() bool {
	return r.maxAttempts > 0 && r.attempt >= r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// WebSocket transport
// ============================================================================

// WSTransport dials the WebSocket live stream.
type WSTransport struct {
	baseURL string
	session SessionProvider
	config  RealtimeConfig
}

// NewWSTransport creates a WebSocket transport for the service at baseURL.
func NewWSTransport(baseURL string, session SessionProvider, config RealtimeConfig) *WSTransport {
	config.defaults()
	return &WSTransport{baseURL: strings.TrimRight(baseURL, "/"), session: session, config: config}
}

func (t *WSTransport) Dial(ctx context.Context, roomID string) (Stream, error) {
	token, err := sessionToken(ctx, t.session)
	if err != nil {
		return nil, err
	}
	wsURL := strings.Replace(t.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	conn, _, err := websocket.Dial(ctx, streamURL(wsURL, "/ws", token, roomID), &websocket.DialOptions{
		HTTPClient: t.config.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	// The first frame must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth message: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		conn.Close(websocket.StatusPolicyViolation, "")
		return nil, fmt.Errorf("expected %q, got %q", EventAuthenticated, env.Type)
	}

	join, _ := json.Marshal(command{Type: "room.join", Payload: roomUpdatedPayload{RoomID: roomID}})
	if err := conn.Write(ctx, websocket.MessageText, join); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("join room: %w", err)
	}

	hbCtx, cancel := context.WithCancel(ctx)
	s := &wsStream{conn: conn, cancel: cancel}
	go s.heartbeatLoop(hbCtx, t.config.HeartbeatInterval)
	return s, nil
}

type wsStream struct {
	conn      *websocket.Conn
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *wsStream) Recv(ctx context.Context) (Event, error) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return Event{}, err
		}
		var env envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if ev, ok := decodeEvent(env); ok {
			return ev, nil
		}
	}
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	})
	return err
}

// heartbeatLoop pings the server; a failed ping force-closes the socket so
// the pending Recv returns and the manager reconnects.
func (s *wsStream) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// ============================================================================
// SSE transport
// ============================================================================

// SSETransport reads the server-push event stream over plain HTTP.
type SSETransport struct {
	baseURL string
	session SessionProvider
	config  RealtimeConfig
}

// NewSSETransport creates an SSE transport for the service at baseURL.
func NewSSETransport(baseURL string, session SessionProvider, config RealtimeConfig) *SSETransport {
	config.defaults()
	return &SSETransport{baseURL: strings.TrimRight(baseURL, "/"), session: session, config: config}
}

func (t *SSETransport) Dial(ctx context.Context, roomID string) (Stream, error) {
	token, err := sessionToken(ctx, t.session)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, streamURL(t.baseURL, "/sse", token, roomID), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.config.HTTPClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	s := &sseStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body), cancel: cancel}
	s.scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	s.touch()
	go s.watchdog(streamCtx, t.config.StaleTimeout)
	return s, nil
}

type sseStream struct {
	body     io.ReadCloser
	scanner  *bufio.Scanner
	cancel   context.CancelFunc
	lastData atomic.Int64
}

func (s *sseStream) touch() { s.lastData.Store(time.Now().UnixNano()) }

func (s *sseStream) Recv(ctx context.Context) (Event, error) {
	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		s.touch()
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue // keep-alive comment or blank separator
		}
		var env envelope
		if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env) != nil {
			continue
		}
		if ev, ok := decodeEvent(env); ok {
			return ev, nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

func (s *sseStream) Close() error {
	s.cancel()
	return s.body.Close()
}

func (s *sseStream) watchdog(ctx context.Context, stale time.Duration) {
	ticker := time.NewTicker(stale / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, s.lastData.Load())) > stale {
				s.cancel()
				return
			}
		}
	}
}

func sessionToken(ctx context.Context, p SessionProvider) (string, error) {
	if p == nil {
		return "", nil
	}
	token, err := p.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("session token: %w", err)
	}
	return token, nil
}
