package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error body returned by the messaging service.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// apiResult is the generic response envelope of the messaging service.
type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// decode unmarshals the Data field into the provided value.
func (r *apiResult) decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Chat Types
// ============================================================================

// Sender identifies the author of a message.
type Sender struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Message is a single chat message. Messages are immutable once the server
// has assigned their ID.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Sender    Sender    `json:"sender"`
	Files     []string  `json:"files,omitempty"`

	// Pending is set on locally submitted messages that still carry a
	// temporary identity. Pending messages are never persisted.
	Pending bool `json:"-"`
}

// Room is a conversation as listed by the messaging service.
type Room struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// lastActivity is the time used to order rooms in the room list.
func (r Room) lastActivity() time.Time {
	if r.LastMessage != nil && r.LastMessage.CreatedAt.After(r.UpdatedAt) {
		return r.LastMessage.CreatedAt
	}
	return r.UpdatedAt
}

// RoomSummary is a room annotated with client-side read state.
type RoomSummary struct {
	Room
	Unread     int    `json:"unread"`
	LastReadID string `json:"lastReadId,omitempty"`
}

// File is an attachment waiting to be uploaded before a send.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// ============================================================================
// Live Stream Types
// ============================================================================

// EventType names a live-stream event.
type EventType string

const (
	EventAuthenticated EventType = "authenticated"
	EventMessageNew    EventType = "message.new"
	EventRoomUpdated   EventType = "room.updated"
	EventError         EventType = "error"
)

// Event is a decoded live-stream event.
type Event struct {
	Type    EventType
	Message *Message
	RoomID  string
	Detail  string // server-provided text of an error event
}

// envelope is the wire format for all live-stream events.
type envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// command is a client-to-server command (WebSocket only).
type command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type roomUpdatedPayload struct {
	RoomID string `json:"roomId"`
}

type errorPayload struct {
	Message string `json:"message"`
}
