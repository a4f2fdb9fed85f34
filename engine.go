package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// API bundles the REST collaborators. *Client implements it.
type API interface {
	HistoryFetcher
	MessageSender
	FileUploader
	RoomLister
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Realtime     RealtimeConfig
	Conversation ConversationConfig
	Rooms        RoomListConfig
	// RetentionDays is the age after which Prune deletes stored messages.
	RetentionDays int
	// Self identifies the signed-in user on pending messages.
	Self Sender
	Log  zerolog.Logger
}

// Engine wires the store, the REST collaborators and the live stream, and
// keeps at most one conversation open at a time.
type Engine struct {
	api   API
	store Store
	conn  *ConnManager
	rooms *RoomList
	cfg   EngineConfig
	log   zerolog.Logger

	mu     sync.Mutex
	active *Conversation
	closed bool
}

// NewEngine creates an engine. transport may be nil, in which case
// conversations work from the store and the history API only. The store is
// owned by the caller and is not closed by Close.
func NewEngine(api API, transport Transport, store Store, cfg EngineConfig) *Engine {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	e := &Engine{
		api:   api,
		store: store,
		cfg:   cfg,
		log:   cfg.Log.With().Str("component", "engine").Logger(),
	}
	var updates RoomUpdates
	if transport != nil {
		e.conn = NewConnManager(transport, cfg.Realtime, cfg.Log)
		updates = e.conn
	}
	cfg.Rooms.Log = cfg.Log
	e.rooms = NewRoomList(api, store, updates, cfg.Rooms)
	return e
}

// Open makes roomID the active conversation, closing the previous one.
// Opening the active room again returns the same conversation.
func (e *Engine) Open(ctx context.Context, roomID string) (*Conversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	if prev := e.active; prev != nil {
		select {
		case <-prev.Done():
		default:
			if prev.RoomID() == roomID {
				return prev, nil
			}
		}
		prev.Close()
		e.active = nil
	}

	deps := ConversationDeps{
		Store:    e.store,
		History:  e.api,
		Sender:   e.api,
		Uploader: e.api,
		Self:     e.cfg.Self,
		Log:      e.cfg.Log,
	}
	if e.conn != nil {
		deps.Stream = e.conn
	}
	conv, err := OpenConversation(ctx, roomID, deps, e.cfg.Conversation)
	if err != nil {
		return nil, err
	}
	e.active = conv
	return conv, nil
}

// Active returns the open conversation, or nil.
func (e *Engine) Active() *Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Rooms returns the room list aggregator.
func (e *Engine) Rooms() *RoomList { return e.rooms }

// Connection returns the live stream manager, or nil without a transport.
func (e *Engine) Connection() *ConnManager { return e.conn }

// SetBackground forwards the application lifecycle to the live stream.
func (e *Engine) SetBackground(background bool) {
	if e.conn != nil {
		e.conn.SetBackground(background)
	}
}

// Prune deletes stored messages older than the retention horizon.
func (e *Engine) Prune(ctx context.Context) (int64, error) {
	n, err := e.store.PruneOlderThan(ctx, e.cfg.RetentionDays)
	if err != nil {
		storageErrors.WithLabelValues("prune").Inc()
		e.log.Error().Err(err).Msg("retention prune failed")
		return 0, err
	}
	messagesPruned.Add(float64(n))
	e.log.Info().Int64("removed", n).Int("days", e.cfg.RetentionDays).Msg("retention prune")
	return n, nil
}

// RunRetention prunes now and then every interval until ctx ends or a prune
// fails. A storage failure is returned so the caller decides whether to
// start it again.
func (e *Engine) RunRetention(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := e.Prune(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close closes the active conversation and the live stream.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.active != nil {
		e.active.Close()
		e.active = nil
	}
	if e.conn != nil {
		e.conn.Shutdown()
	}
	e.rooms.Close()
	return nil
}
