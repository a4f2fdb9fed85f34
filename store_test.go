package chatsync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// storeFactories lists every Store implementation under the same contract.
func storeFactories(t *testing.T) map[string]func(t *testing.T, now time.Time) Store {
	return map[string]func(t *testing.T, now time.Time) Store{
		"memory": func(t *testing.T, now time.Time) Store {
			s := NewMemoryStore()
			s.now = func() time.Time { return now }
			return s
		},
		"sqlite": func(t *testing.T, now time.Time) Store {
			s, err := OpenSQLStore(":memory:")
			if err != nil {
				t.Fatalf("OpenSQLStore: %v", err)
			}
			s.now = func() time.Time { return now }
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()

	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("query returns newest page ascending", func(t *testing.T) {
				s := open(t, time.Now())
				if err := s.Upsert(ctx, seq("r1", 1, 10)...); err != nil {
					t.Fatalf("Upsert: %v", err)
				}
				if err := s.Upsert(ctx, seq("r2", 11, 12)...); err != nil {
					t.Fatalf("Upsert: %v", err)
				}

				got, err := s.Query(ctx, "r1", 3)
				if err != nil {
					t.Fatalf("Query: %v", err)
				}
				if want := []string{"m8", "m9", "m10"}; !equalIDs(ids(got), want) {
					t.Fatalf("got %v, want %v", ids(got), want)
				}

				all, _ := s.Query(ctx, "r1", 0)
				if len(all) != 10 {
					t.Fatalf("expected 10 messages, got %d", len(all))
				}
				if empty, _ := s.Query(ctx, "nope", 5); len(empty) != 0 {
					t.Fatalf("expected empty room, got %v", ids(empty))
				}
			})

			t.Run("upsert replaces by id", func(t *testing.T) {
				s := open(t, time.Now())
				m := testMsg("r1", "m1", 1)
				s.Upsert(ctx, m)
				m.Content = "edited"
				m.Files = []string{"https://cdn.test/a.png"}
				if err := s.Upsert(ctx, m); err != nil {
					t.Fatalf("Upsert: %v", err)
				}
				got, _ := s.Query(ctx, "r1", 0)
				if len(got) != 1 || got[0].Content != "edited" {
					t.Fatalf("got %+v", got)
				}
				if len(got[0].Files) != 1 || got[0].Sender.UserID != "u-other" {
					t.Fatalf("fields not round-tripped: %+v", got[0])
				}
				if !got[0].CreatedAt.Equal(at(1)) {
					t.Fatalf("created at %v, want %v", got[0].CreatedAt, at(1))
				}
			})

			t.Run("pending messages are not stored", func(t *testing.T) {
				s := open(t, time.Now())
				p := newPendingMessage("r1", Sender{UserID: "u-self"}, "draft", at(1))
				if err := s.Upsert(ctx, p); err != nil {
					t.Fatalf("Upsert: %v", err)
				}
				if got, _ := s.Query(ctx, "r1", 0); len(got) != 0 {
					t.Fatalf("pending message was stored: %v", ids(got))
				}
			})

			t.Run("query before anchor", func(t *testing.T) {
				s := open(t, time.Now())
				s.Upsert(ctx, seq("r1", 1, 10)...)

				got, err := s.QueryBefore(ctx, "r1", "m6", 3)
				if err != nil {
					t.Fatalf("QueryBefore: %v", err)
				}
				if want := []string{"m3", "m4", "m5"}; !equalIDs(ids(got), want) {
					t.Fatalf("got %v, want %v", ids(got), want)
				}

				got, _ = s.QueryBefore(ctx, "r1", "m1", 3)
				if len(got) != 0 {
					t.Fatalf("expected nothing before m1, got %v", ids(got))
				}

				if _, err := s.QueryBefore(ctx, "r1", "missing", 3); !errors.Is(err, ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
				if _, err := s.QueryBefore(ctx, "r2", "m6", 3); !errors.Is(err, ErrNotFound) {
					t.Fatalf("anchor of another room: expected ErrNotFound, got %v", err)
				}
			})

			t.Run("read marker and unread count", func(t *testing.T) {
				s := open(t, time.Now())
				s.Upsert(ctx, seq("r1", 1, 5)...)

				marker, err := s.LastRead(ctx, "r1")
				if err != nil || marker != "" {
					t.Fatalf("LastRead = %q, %v", marker, err)
				}
				if n, _ := s.UnreadCount(ctx, "r1", ""); n != 5 {
					t.Fatalf("no marker: unread = %d, want 5", n)
				}

				if err := s.SetLastRead(ctx, "r1", "m3"); err != nil {
					t.Fatalf("SetLastRead: %v", err)
				}
				marker, _ = s.LastRead(ctx, "r1")
				if marker != "m3" {
					t.Fatalf("LastRead = %q", marker)
				}
				if n, _ := s.UnreadCount(ctx, "r1", marker); n != 2 {
					t.Fatalf("unread = %d, want 2", n)
				}

				s.SetLastRead(ctx, "r1", "m5")
				marker, _ = s.LastRead(ctx, "r1")
				if n, _ := s.UnreadCount(ctx, "r1", marker); n != 0 {
					t.Fatalf("unread after newest = %d, want 0", n)
				}

				if n, _ := s.UnreadCount(ctx, "r1", "pruned"); n != 5 {
					t.Fatalf("unknown marker: unread = %d, want 5", n)
				}
			})

			t.Run("prune by age", func(t *testing.T) {
				now := testEpoch.Add(40 * 24 * time.Hour)
				s := open(t, now)
				old := testMsg("r1", "old", 0)
				recent := testMsg("r1", "recent", 0)
				recent.CreatedAt = now.Add(-time.Hour)
				other := testMsg("r2", "old2", 5)
				s.Upsert(ctx, old, recent, other)

				n, err := s.PruneOlderThan(ctx, 30)
				if err != nil {
					t.Fatalf("PruneOlderThan: %v", err)
				}
				if n != 2 {
					t.Fatalf("removed %d, want 2", n)
				}
				got, _ := s.Query(ctx, "r1", 0)
				if !equalIDs(ids(got), []string{"recent"}) {
					t.Fatalf("got %v", ids(got))
				}
				if _, err := s.QueryBefore(ctx, "r1", "old", 1); !errors.Is(err, ErrNotFound) {
					t.Fatalf("pruned message still addressable: %v", err)
				}
			})
		})
	}
}

func TestSQLStorePersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "chat.db")

	s, err := OpenSQLStore(path)
	if err != nil {
		t.Fatalf("OpenSQLStore: %v", err)
	}
	s.Upsert(ctx, seq("r1", 1, 3)...)
	s.SetLastRead(ctx, "r1", "m2")
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = OpenSQLStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, _ := s.Query(ctx, "r1", 0)
	if len(got) != 3 {
		t.Fatalf("expected 3 messages after reopen, got %d", len(got))
	}
	if marker, _ := s.LastRead(ctx, "r1"); marker != "m2" {
		t.Fatalf("marker = %q", marker)
	}
}

func TestSQLStoreErrors(t *testing.T) {
	s, err := OpenSQLStore(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLStore: %v", err)
	}
	s.Close()

	_, err = s.Query(context.Background(), "r1", 10)
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "query" {
		t.Fatalf("expected StorageError for query, got %#v", err)
	}
}
