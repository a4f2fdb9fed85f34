package chatsync

import (
	"context"
	"time"
)

// DefaultRetentionDays is the horizon after which stored messages may be pruned.
const DefaultRetentionDays = 30

// Store is the durable, per-room message cache.
//
// Every operation is scoped to a room, so concurrent use from several
// conversations never needs a cross-room transaction. Implementations must
// return errors that match ErrStorage for engine failures.
type Store interface {
	// Upsert inserts messages or replaces existing ones with the same ID.
	Upsert(ctx context.Context, msgs ...Message) error

	// Query returns the most recent limit messages of a room in ascending
	// creation order, or all of them when limit <= 0.
	Query(ctx context.Context, roomID string, limit int) ([]Message, error)

	// QueryBefore returns up to limit messages strictly older than the
	// anchor message, ascending. An unknown anchor yields ErrNotFound.
	QueryBefore(ctx context.Context, roomID, messageID string, limit int) ([]Message, error)

	SetLastRead(ctx context.Context, roomID, messageID string) error

	// LastRead returns the room's last-read marker, or "" when none is set.
	LastRead(ctx context.Context, roomID string) (string, error)

	// UnreadCount counts messages newer than the last-read message. With no
	// marker (or a marker that is no longer stored) every message is unread.
	UnreadCount(ctx context.Context, roomID, lastReadID string) (int, error)

	// PruneOlderThan deletes messages created more than days ago and
	// returns how many were removed.
	PruneOlderThan(ctx context.Context, days int) (int64, error)

	Close() error
}

func retentionCutoff(now time.Time, days int) time.Time {
	return now.Add(-time.Duration(days) * 24 * time.Hour)
}
