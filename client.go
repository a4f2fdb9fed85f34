// Package chatsync keeps the chat timelines of the WeeMo app in sync.
//
// It combines a durable local message store, a room-scoped live event
// stream, and a paginated history API into one ordered, duplicate-free
// timeline per conversation.
//
// Example:
//
//	client := chatsync.NewClient(
//		chatsync.WithBaseURL("https://api.weemo.app"),
//		chatsync.WithSession(chatsync.StaticSession(token)),
//	)
//	store, _ := chatsync.OpenSQLStore("chat.db")
//	engine := chatsync.NewEngine(client, client.WSTransport(chatsync.RealtimeConfig{}), store, chatsync.EngineConfig{})
//	defer engine.Close()
//
//	conv, _ := engine.Open(ctx, "room-1")
//	for snap := range conv.Subscribe(ctx) {
//		render(snap.Messages)
//	}
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL  = "https://api.weemo.app"
	DefaultTimeout  = 30 * time.Second
	DefaultPageSize = 30
)

// ============================================================================
// Collaborators
// ============================================================================

// SessionProvider supplies the bearer token of the signed-in user.
type SessionProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticSession is a SessionProvider with a fixed token.
type StaticSession string

func (s StaticSession) Token(context.Context) (string, error) { return string(s), nil }

// HistoryFetcher loads pages of a room's message history.
type HistoryFetcher interface {
	// FetchPage returns the most recent page of the room.
	FetchPage(ctx context.Context, roomID string) ([]Message, error)
	// FetchPageBefore returns up to limit messages older than beforeID.
	FetchPageBefore(ctx context.Context, roomID, beforeID string, limit int) ([]Message, error)
}

// MessageSender submits a message and returns the server-confirmed copy.
type MessageSender interface {
	Send(ctx context.Context, roomID, content string, files []string) (*Message, error)
}

// FileUploader stores attachments and returns their URLs.
type FileUploader interface {
	Upload(ctx context.Context, roomID string, files []File) ([]string, error)
}

// RoomLister lists and creates rooms.
type RoomLister interface {
	FetchRoomList(ctx context.Context) ([]Room, error)
	CreateOrFetchRoom(ctx context.Context, otherUserID string) (*Room, error)
}

// ============================================================================
// Client
// ============================================================================

// Client talks to the WeeMo messaging REST API.
type Client struct {
	baseURL    string
	session    SessionProvider
	httpClient *http.Client
	pageSize   int
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithSession(session SessionProvider) ClientOption {
	return func(c *Client) { c.session = session }
}

// WithPageSize sets the size of the first history page.
func WithPageSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// NewClient creates a new messaging API client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  DefaultBaseURL,
		pageSize: DefaultPageSize,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the service root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// WSTransport creates a WebSocket live stream transport for this service.
func (c *Client) WSTransport(config RealtimeConfig) *WSTransport {
	return NewWSTransport(c.baseURL, c.session, config)
}

// SSETransport creates an SSE live stream transport for this service.
func (c *Client) SSETransport(config RealtimeConfig) *SSETransport {
	return NewSSETransport(c.baseURL, c.session, config)
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.setAuthHeaders(ctx, req); err != nil {
		return nil, 0, err
	}

	return c.roundTrip(req)
}

func (c *Client) roundTrip(req *http.Request) ([]byte, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func (c *Client) setAuthHeaders(ctx context.Context, req *http.Request) error {
	token, err := sessionToken(ctx, c.session)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// unwrapResult decodes the {ok,data,error} envelope into out.
func unwrapResult(data []byte, status int, out any) error {
	res, err := decodeJSON[apiResult](data)
	if err != nil {
		return fmt.Errorf("HTTP %d: %w", status, err)
	}
	if !res.OK {
		if res.Error != nil {
			return res.Error
		}
		return fmt.Errorf("HTTP %d: request rejected", status)
	}
	if err := res.decode(out); err != nil {
		return fmt.Errorf("failed to decode data: %w", err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method, path string, body interface{}, query map[string]string, out any) error {
	data, status, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return err
	}
	return unwrapResult(data, status, out)
}

func roomPath(roomID string, rest ...string) string {
	return "/api/rooms/" + url.PathEscape(roomID) + strings.Join(rest, "")
}

// ============================================================================
// Messages
// ============================================================================

func (c *Client) FetchPage(ctx context.Context, roomID string) ([]Message, error) {
	var msgs []Message
	query := map[string]string{"limit": strconv.Itoa(c.pageSize)}
	if err := c.call(ctx, http.MethodGet, roomPath(roomID, "/messages"), nil, query, &msgs); err != nil {
		return nil, fmt.Errorf("%w: room %s: %w", ErrFetchFailed, roomID, err)
	}
	return msgs, nil
}

func (c *Client) FetchPageBefore(ctx context.Context, roomID, beforeID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = c.pageSize
	}
	var msgs []Message
	query := map[string]string{"before": beforeID, "limit": strconv.Itoa(limit)}
	if err := c.call(ctx, http.MethodGet, roomPath(roomID, "/messages"), nil, query, &msgs); err != nil {
		return nil, fmt.Errorf("%w: room %s before %s: %w", ErrFetchFailed, roomID, beforeID, err)
	}
	return msgs, nil
}

func (c *Client) Send(ctx context.Context, roomID, content string, files []string) (*Message, error) {
	payload := map[string]interface{}{"content": content}
	if len(files) > 0 {
		payload["files"] = files
	}
	var msg Message
	if err := c.call(ctx, http.MethodPost, roomPath(roomID, "/messages"), payload, nil, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if msg.RoomID == "" {
		msg.RoomID = roomID
	}
	return &msg, nil
}

// ============================================================================
// Rooms
// ============================================================================

func (c *Client) FetchRoomList(ctx context.Context) ([]Room, error) {
	var rooms []Room
	if err := c.call(ctx, http.MethodGet, "/api/rooms", nil, nil, &rooms); err != nil {
		return nil, fmt.Errorf("%w: room list: %w", ErrFetchFailed, err)
	}
	return rooms, nil
}

// CreateOrFetchRoom returns the direct room shared with otherUserID,
// creating it when it does not exist yet.
func (c *Client) CreateOrFetchRoom(ctx context.Context, otherUserID string) (*Room, error) {
	var room Room
	payload := map[string]string{"participantId": otherUserID}
	if err := c.call(ctx, http.MethodPost, "/api/rooms", payload, nil, &room); err != nil {
		return nil, fmt.Errorf("create room with %s: %w", otherUserID, err)
	}
	return &room, nil
}

// ============================================================================
// Files
// ============================================================================

type uploadResult struct {
	URLs []string `json:"urls"`
}

// Upload sends attachments as one multipart request and returns their URLs
// in the order given.
func (c *Client) Upload(ctx context.Context, roomID string, files []File) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range files {
		mimeType := f.MimeType
		if mimeType == "" {
			mimeType = guessMimeType(f.Name)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, filepath.Base(f.Name)))
		h.Set("Content-Type", mimeType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, fmt.Errorf("failed to write file data: %w", err)
		}
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+roomPath(roomID, "/files"), &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if err := c.setAuthHeaders(ctx, req); err != nil {
		return nil, err
	}

	data, status, err := c.roundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	var res uploadResult
	if err := unwrapResult(data, status, &res); err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	if len(res.URLs) != len(files) {
		return nil, fmt.Errorf("upload failed: got %d urls for %d files", len(res.URLs), len(files))
	}
	return res.URLs, nil
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".heic": "image/heic", ".webp": "image/webp", ".webm": "video/webm", ".m4a": "audio/mp4",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
