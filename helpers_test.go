package chatsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return testEpoch.Add(time.Duration(sec) * time.Second) }

func testMsg(room, id string, sec int) Message {
	return Message{
		ID:        id,
		RoomID:    room,
		Content:   "text " + id,
		CreatedAt: at(sec),
		Sender:    Sender{UserID: "u-other", DisplayName: "Other"},
	}
}

// seq builds messages m<from>..m<to> one second apart.
func seq(room string, from, to int) []Message {
	var out []Message
	for i := from; i <= to; i++ {
		out = append(out, testMsg(room, fmt.Sprintf("m%d", i), i))
	}
	return out
}

// roomSeq is seq with IDs prefixed by the room, for tests spanning rooms.
func roomSeq(room string, from, to int) []Message {
	var out []Message
	for i := from; i <= to; i++ {
		out = append(out, testMsg(room, fmt.Sprintf("%s-m%d", room, i), i))
	}
	return out
}

func (f *fakeAPI) roomsCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roomsCall
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeAPI implements API in memory. Before and pages are keyed by room.
type fakeAPI struct {
	mu sync.Mutex

	latest     map[string][]Message
	older      map[string][]Message // returned once for FetchPageBefore
	latestErr  error
	olderErr   error
	sendErr    error
	uploadErr  error
	rooms      []Room
	roomsErr   error
	fetchGate  chan struct{} // when set, FetchPage waits for it
	sendGate   chan struct{}
	roomsGate  chan struct{} // when set, FetchRoomList waits for it
	latestCall int
	olderCall  int
	roomsCall  int
	sent       []string
	uploaded   []File
	nextID     int
	sendID     string // when set, the ID of the next confirmed send
	sendAt     time.Time
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		latest: make(map[string][]Message),
		older:  make(map[string][]Message),
		sendAt: at(100),
	}
}

func (f *fakeAPI) FetchPage(ctx context.Context, roomID string) ([]Message, error) {
	f.mu.Lock()
	gate := f.fetchGate
	f.latestCall++
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latestErr != nil {
		return nil, f.latestErr
	}
	return append([]Message(nil), f.latest[roomID]...), nil
}

func (f *fakeAPI) FetchPageBefore(ctx context.Context, roomID, beforeID string, limit int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.olderCall++
	if f.olderErr != nil {
		return nil, f.olderErr
	}
	page := f.older[roomID]
	f.older[roomID] = nil
	return page, nil
}

func (f *fakeAPI) Send(ctx context.Context, roomID, content string, files []string) (*Message, error) {
	f.mu.Lock()
	gate := f.sendGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.nextID++
	f.sent = append(f.sent, content)
	id := fmt.Sprintf("srv-%d", f.nextID)
	if f.sendID != "" {
		id, f.sendID = f.sendID, ""
	}
	return &Message{
		ID:        id,
		RoomID:    roomID,
		Content:   content,
		CreatedAt: f.sendAt,
		Sender:    Sender{UserID: "u-self"},
		Files:     files,
	}, nil
}

func (f *fakeAPI) Upload(ctx context.Context, roomID string, files []File) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.uploaded = append(f.uploaded, files...)
	urls := make([]string, len(files))
	for i, file := range files {
		urls[i] = "https://cdn.test/" + file.Name
	}
	return urls, nil
}

func (f *fakeAPI) FetchRoomList(ctx context.Context) ([]Room, error) {
	f.mu.Lock()
	gate := f.roomsGate
	f.roomsCall++
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roomsErr != nil {
		return nil, f.roomsErr
	}
	return append([]Room(nil), f.rooms...), nil
}

func (f *fakeAPI) CreateOrFetchRoom(ctx context.Context, otherUserID string) (*Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rooms {
		for _, p := range r.Participants {
			if p == otherUserID {
				r := r
				return &r, nil
			}
		}
	}
	r := Room{ID: "dm-" + otherUserID, Participants: []string{"u-self", otherUserID}, UpdatedAt: at(200)}
	f.rooms = append(f.rooms, r)
	return &r, nil
}

func (f *fakeAPI) set(fn func(f *fakeAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// fakeLive implements LiveStream. Tests push messages and states directly.
type fakeLive struct {
	msgs   *Broadcaster[Message]
	states *Broadcaster[ConnStatus]

	mu       sync.Mutex
	opened   []string
	released []string
}

func newFakeLive() *fakeLive {
	return &fakeLive{msgs: NewBroadcaster[Message](), states: NewBroadcaster[ConnStatus]()}
}

func (l *fakeLive) SubscribeMessages(ctx context.Context) <-chan Message {
	return l.msgs.Subscribe(ctx, 16)
}

func (l *fakeLive) SubscribeState(ctx context.Context) <-chan ConnStatus {
	return l.states.Subscribe(ctx, 1)
}

func (l *fakeLive) Open(roomID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opened = append(l.opened, roomID)
}

func (l *fakeLive) Release(roomID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, roomID)
}

func (l *fakeLive) push(m Message) {
	l.msgs.Publish(context.Background(), m)
}
