package chatsync

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a goroutine-safe in-memory Store. Each room keeps its
// messages sorted by creation time so range queries are a binary search
// plus a copy.
type MemoryStore struct {
	mu      sync.RWMutex
	rooms   map[string][]Message // roomID -> messages ascending by CreatedAt
	index   map[string]string    // messageID -> roomID
	markers map[string]string    // roomID -> last-read messageID
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:   make(map[string][]Message),
		index:   make(map[string]string),
		markers: make(map[string]string),
		now:     time.Now,
	}
}

// ── Messages ─────────────────────────────────────────────

func (s *MemoryStore) Upsert(_ context.Context, msgs ...Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if m.Pending {
			continue
		}
		if prev, ok := s.index[m.ID]; ok {
			s.removeLocked(prev, m.ID)
		}
		s.insertLocked(m)
	}
	return nil
}

func (s *MemoryStore) insertLocked(m Message) {
	msgs := s.rooms[m.RoomID]
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].CreatedAt.After(m.CreatedAt) })
	msgs = append(msgs, Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	s.rooms[m.RoomID] = msgs
	s.index[m.ID] = m.RoomID
}

func (s *MemoryStore) removeLocked(roomID, id string) {
	msgs := s.rooms[roomID]
	for i := range msgs {
		if msgs[i].ID == id {
			s.rooms[roomID] = append(msgs[:i], msgs[i+1:]...)
			break
		}
	}
	delete(s.index, id)
}

func (s *MemoryStore) Query(_ context.Context, roomID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.rooms[roomID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]Message(nil), msgs...), nil
}

func (s *MemoryStore) QueryBefore(_ context.Context, roomID, messageID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	anchor, ok := s.findLocked(roomID, messageID)
	if !ok {
		return nil, ErrNotFound
	}
	msgs := s.rooms[roomID]
	end := sort.Search(len(msgs), func(i int) bool { return !msgs[i].CreatedAt.Before(anchor.CreatedAt) })
	start := 0
	if limit > 0 && end > limit {
		start = end - limit
	}
	return append([]Message(nil), msgs[start:end]...), nil
}

func (s *MemoryStore) findLocked(roomID, id string) (Message, bool) {
	if s.index[id] != roomID {
		return Message{}, false
	}
	for _, m := range s.rooms[roomID] {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// ── Read state ───────────────────────────────────────────

func (s *MemoryStore) SetLastRead(_ context.Context, roomID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[roomID] = messageID
	return nil
}

func (s *MemoryStore) LastRead(_ context.Context, roomID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.markers[roomID], nil
}

func (s *MemoryStore) UnreadCount(_ context.Context, roomID, lastReadID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.rooms[roomID]
	if lastReadID == "" {
		return len(msgs), nil
	}
	anchor, ok := s.findLocked(roomID, lastReadID)
	if !ok {
		return len(msgs), nil
	}
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].CreatedAt.After(anchor.CreatedAt) })
	return len(msgs) - i, nil
}

// ── Retention ────────────────────────────────────────────

func (s *MemoryStore) PruneOlderThan(_ context.Context, days int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := retentionCutoff(s.now(), days)
	var removed int64
	for roomID, msgs := range s.rooms {
		i := sort.Search(len(msgs), func(i int) bool { return !msgs[i].CreatedAt.Before(cutoff) })
		for _, m := range msgs[:i] {
			delete(s.index, m.ID)
		}
		removed += int64(i)
		s.rooms[roomID] = append([]Message(nil), msgs[i:]...)
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }
