package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

func writeOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "data": data})
}

func writeErr(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": map[string]string{"code": code, "message": msg}})
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(
		WithBaseURL(srv.URL),
		WithSession(StaticSession("tok-123")),
		WithTimeout(5*time.Second),
		WithPageSize(20),
	)
}

// ============================================================================
// Client
// ============================================================================

func TestClientFetchPage(t *testing.T) {
	ctx := context.Background()

	t.Run("latest page", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet || r.URL.Path != "/api/rooms/r 1/messages" {
				t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			}
			if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
				t.Errorf("Authorization = %q", got)
			}
			if r.URL.Query().Get("limit") != "20" || r.URL.Query().Has("before") {
				t.Errorf("query = %s", r.URL.RawQuery)
			}
			writeOK(w, seq("r 1", 1, 2))
		})
		msgs, err := c.FetchPage(ctx, "r 1")
		if err != nil {
			t.Fatalf("FetchPage: %v", err)
		}
		if !equalIDs(ids(msgs), []string{"m1", "m2"}) || !msgs[0].CreatedAt.Equal(at(1)) {
			t.Fatalf("got %+v", msgs)
		}
	})

	t.Run("page before anchor", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if q.Get("before") != "m10" || q.Get("limit") != "5" {
				t.Errorf("query = %s", r.URL.RawQuery)
			}
			writeOK(w, seq("r1", 5, 9))
		})
		msgs, err := c.FetchPageBefore(ctx, "r1", "m10", 5)
		if err != nil || len(msgs) != 5 {
			t.Fatalf("FetchPageBefore: %v %v", ids(msgs), err)
		}
	})

	t.Run("api error", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeErr(w, http.StatusForbidden, "FORBIDDEN", "not a member")
		})
		_, err := c.FetchPage(ctx, "r1")
		if !errors.Is(err, ErrFetchFailed) {
			t.Fatalf("expected ErrFetchFailed, got %v", err)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != "FORBIDDEN" {
			t.Fatalf("expected APIError, got %v", err)
		}
	})

	t.Run("non json response", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			io.WriteString(w, "<html>bad gateway</html>")
		})
		_, err := c.FetchPage(ctx, "r1")
		if !errors.Is(err, ErrFetchFailed) || !strings.Contains(err.Error(), "HTTP 502") {
			t.Fatalf("got %v", err)
		}
	})
}

func TestClientSend(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/rooms/r1/messages" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Content string   `json:"content"`
			Files   []string `json:"files"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Content != "hello" || len(body.Files) != 1 {
			t.Errorf("body = %+v", body)
		}
		writeOK(w, map[string]any{
			"id":        "m42",
			"content":   body.Content,
			"createdAt": at(42),
			"sender":    map[string]string{"userId": "u-self"},
			"files":     body.Files,
		})
	})

	msg, err := c.Send(context.Background(), "r1", "hello", []string{"https://cdn.test/a.png"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.ID != "m42" || msg.RoomID != "r1" || msg.Sender.UserID != "u-self" {
		t.Fatalf("got %+v", msg)
	}

	failing := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusTooManyRequests, "RATE_LIMITED", "slow down")
	})
	if _, err := failing.Send(context.Background(), "r1", "x", nil); !errors.Is(err, ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
}

func TestClientRooms(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/rooms":
			writeOK(w, testRooms())
		case r.Method == http.MethodPost && r.URL.Path == "/api/rooms":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			writeOK(w, Room{ID: "dm-" + body["participantId"], Participants: []string{"u-self", body["participantId"]}})
		default:
			http.NotFound(w, r)
		}
	})

	rooms, err := c.FetchRoomList(ctx)
	if err != nil {
		t.Fatalf("FetchRoomList: %v", err)
	}
	if len(rooms) != 3 || rooms[1].LastMessage == nil || rooms[1].LastMessage.ID != "m9" {
		t.Fatalf("got %+v", rooms)
	}

	room, err := c.CreateOrFetchRoom(ctx, "erin")
	if err != nil {
		t.Fatalf("CreateOrFetchRoom: %v", err)
	}
	if room.ID != "dm-erin" {
		t.Fatalf("room = %+v", room)
	}
}

func TestClientUpload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/rooms/r1/files" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			return
		}
		parts := r.MultipartForm.File["files"]
		var urls []string
		for _, fh := range parts {
			if fh.Filename == "photo.png" && fh.Header.Get("Content-Type") != "image/png" {
				t.Errorf("content type = %s", fh.Header.Get("Content-Type"))
			}
			urls = append(urls, "https://cdn.test/"+fh.Filename)
		}
		writeOK(w, map[string]any{"urls": urls})
	})

	urls, err := c.Upload(context.Background(), "r1", []File{
		{Name: "photo.png", Data: []byte("png")},
		{Name: "/tmp/notes.txt", Data: []byte("hi"), MimeType: "text/plain"},
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(urls) != 2 || urls[1] != "https://cdn.test/notes.txt" {
		t.Fatalf("urls = %v", urls)
	}

	none, err := c.Upload(context.Background(), "r1", nil)
	if err != nil || none != nil {
		t.Fatalf("empty upload: %v %v", none, err)
	}
}

func TestGuessMimeType(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"a.png", "image/png"},
		{"clip.webm", "video/webm"},
		{"IMG_1.heic", "image/heic"},
		{"README", "application/octet-stream"},
		{"blob.zzz", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := guessMimeType(tt.name); got != tt.want {
			t.Errorf("guessMimeType(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}
