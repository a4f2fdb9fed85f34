package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// RoomUpdates is the part of the ConnManager the room list consumes.
type RoomUpdates interface {
	SubscribeRoomUpdates(ctx context.Context) <-chan string
}

// RoomListConfig tunes a RoomList.
type RoomListConfig struct {
	// CoalesceWindow is the quiet period after a room update before the
	// list is refetched. Bursts of updates cause a single refresh.
	CoalesceWindow time.Duration
	// LoadTimeout bounds a shared refresh, which outlives the caller that
	// started it.
	LoadTimeout time.Duration
	Log         zerolog.Logger
}

// RoomList keeps the room list with client-side unread counts. Refreshes
// always replace the whole list.
type RoomList struct {
	lister  RoomLister
	store   Store
	updates RoomUpdates
	window  time.Duration
	timeout time.Duration
	log     zerolog.Logger

	sfGroup singleflight.Group // collapses concurrent refreshes

	mu    sync.RWMutex
	rooms []RoomSummary
	subs  *Broadcaster[[]RoomSummary]
}

// NewRoomList creates a room list. updates may be nil.
func NewRoomList(lister RoomLister, store Store, updates RoomUpdates, cfg RoomListConfig) *RoomList {
	window := cfg.CoalesceWindow
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	timeout := cfg.LoadTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RoomList{
		lister:  lister,
		store:   store,
		updates: updates,
		window:  window,
		timeout: timeout,
		log:     cfg.Log.With().Str("component", "rooms").Logger(),
		subs:    NewBroadcaster[[]RoomSummary](),
	}
}

// Rooms returns the last loaded list, most recently active first.
func (l *RoomList) Rooms() []RoomSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]RoomSummary(nil), l.rooms...)
}

// Subscribe yields the current list and every refreshed one until ctx ends.
func (l *RoomList) Subscribe(ctx context.Context) <-chan []RoomSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.subs.SubscribeWith(ctx, 1, append([]RoomSummary(nil), l.rooms...))
}

// Load refetches the room list and recomputes unread counts from the store.
// Concurrent calls share one fetch, and a caller giving up does not cancel
// it for the others. On failure the previous list is kept and returned
// together with the error.
func (l *RoomList) Load(ctx context.Context) ([]RoomSummary, error) {
	ch := l.sfGroup.DoChan("rooms", func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
		defer cancel()
		return l.load(lctx)
	})

	select {
	case <-ctx.Done():
		return l.Rooms(), ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return l.Rooms(), res.Err
		}
		if res.Shared {
			l.log.Debug().Msg("room list refresh shared")
		}
		return append([]RoomSummary(nil), res.Val.([]RoomSummary)...), nil
	}
}

func (l *RoomList) load(ctx context.Context) ([]RoomSummary, error) {
	rooms, err := l.lister.FetchRoomList(ctx)
	if err != nil {
		fetchFailures.WithLabelValues("rooms").Inc()
		if !errors.Is(err, ErrFetchFailed) {
			err = fmt.Errorf("%w: %w", ErrFetchFailed, err)
		}
		l.log.Warn().Err(err).Msg("room list fetch failed")
		return nil, err
	}

	summaries := make([]RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		s, err := l.summarize(ctx, r)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].lastActivity().After(summaries[j].lastActivity())
	})

	l.mu.Lock()
	l.rooms = summaries
	l.subs.Replace(append([]RoomSummary(nil), summaries...))
	l.mu.Unlock()

	l.log.Debug().Int("rooms", len(summaries)).Msg("room list loaded")
	return summaries, nil
}

func (l *RoomList) summarize(ctx context.Context, r Room) (RoomSummary, error) {
	lastRead, err := l.store.LastRead(ctx, r.ID)
	if err != nil {
		storageErrors.WithLabelValues("last_read").Inc()
		return RoomSummary{}, fmt.Errorf("room %s: %w", r.ID, err)
	}
	unread, err := l.store.UnreadCount(ctx, r.ID, lastRead)
	if err != nil {
		storageErrors.WithLabelValues("unread_count").Inc()
		return RoomSummary{}, fmt.Errorf("room %s: %w", r.ID, err)
	}
	return RoomSummary{Room: r, Unread: unread, LastReadID: lastRead}, nil
}

// Run refreshes the list whenever the live stream reports room updates,
// until ctx ends.
func (l *RoomList) Run(ctx context.Context) error {
	if l.updates == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	c := Coalescer[string]{
		Window: l.window,
		Flush: func(ctx context.Context, batch []string) {
			l.log.Debug().Strs("rooms", batch).Msg("room updates, refreshing list")
			if _, err := l.Load(ctx); err != nil && ctx.Err() == nil {
				l.log.Warn().Err(err).Msg("room list refresh failed")
			}
		},
	}
	c.Run(ctx, l.updates.SubscribeRoomUpdates(ctx))
	return ctx.Err()
}

// CreateOrFetch returns the direct room with otherUserID and refreshes the
// list so the room appears in it.
func (l *RoomList) CreateOrFetch(ctx context.Context, otherUserID string) (*Room, error) {
	room, err := l.lister.CreateOrFetchRoom(ctx, otherUserID)
	if err != nil {
		return nil, err
	}
	if _, err := l.Load(ctx); err != nil {
		l.log.Warn().Err(err).Str("room", room.ID).Msg("room list refresh after create failed")
	}
	return room, nil
}

// Close ends every subscription.
func (l *RoomList) Close() {
	l.subs.Close()
}
