package chatsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// messageRow is the persisted form of a Message.
type messageRow struct {
	ID           string   `gorm:"primaryKey;size:64"`
	RoomID       string   `gorm:"size:64;not null;index:idx_messages_room_created,priority:1"`
	CreatedNano  int64    `gorm:"column:created_at_ns;not null;index:idx_messages_room_created,priority:2;index:idx_messages_created"`
	Content      string   `gorm:"not null"`
	SenderID     string   `gorm:"size:64;not null"`
	SenderName   string   `gorm:"size:100"`
	SenderAvatar string   `gorm:"size:500"`
	Files        []string `gorm:"serializer:json"`
}

// TableName returns the table name for persisted messages.
func (messageRow) TableName() string { return "messages" }

func rowFromMessage(m Message) messageRow {
	return messageRow{
		ID:           m.ID,
		RoomID:       m.RoomID,
		CreatedNano:  m.CreatedAt.UnixNano(),
		Content:      m.Content,
		SenderID:     m.Sender.UserID,
		SenderName:   m.Sender.DisplayName,
		SenderAvatar: m.Sender.AvatarURL,
		Files:        m.Files,
	}
}

func (r messageRow) message() Message {
	return Message{
		ID:        r.ID,
		RoomID:    r.RoomID,
		Content:   r.Content,
		CreatedAt: time.Unix(0, r.CreatedNano).UTC(),
		Sender: Sender{
			UserID:      r.SenderID,
			DisplayName: r.SenderName,
			AvatarURL:   r.SenderAvatar,
		},
		Files: r.Files,
	}
}

// readMarkerRow holds the client-owned last-read marker of a room.
type readMarkerRow struct {
	RoomID    string `gorm:"primaryKey;size:64"`
	MessageID string `gorm:"size:64;not null"`
	UpdatedAt time.Time
}

// TableName returns the table name for read markers.
func (readMarkerRow) TableName() string { return "read_markers" }

// SQLStore is the durable Store, backed by SQLite through GORM.
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenSQLStore opens (and migrates) the SQLite database at path.
// Use ":memory:" for a throwaway database.
func OpenSQLStore(path string) (*SQLStore, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, storageErr("open", err)
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, storageErr("open", err)
	}
	return NewSQLStore(db)
}

// NewSQLStore wraps an existing GORM handle and migrates the schema.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, storageErr("open", err)
	}
	// SQLite serializes writers; a single connection also keeps
	// ":memory:" databases from splitting across the pool.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&messageRow{}, &readMarkerRow{}); err != nil {
		return nil, storageErr("migrate", err)
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

// ── Messages ─────────────────────────────────────────────

func (s *SQLStore) Upsert(ctx context.Context, msgs ...Message) error {
	rows := make([]messageRow, 0, len(msgs))
	for _, m := range msgs {
		if m.Pending {
			continue
		}
		rows = append(rows, rowFromMessage(m))
	}
	if len(rows) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rows).Error
	return storageErr("upsert", err)
}

func (s *SQLStore) Query(ctx context.Context, roomID string, limit int) ([]Message, error) {
	var rows []messageRow
	q := s.db.WithContext(ctx).Where("room_id = ?", roomID)
	if limit > 0 {
		q = q.Order("created_at_ns DESC, id DESC").Limit(limit)
	} else {
		q = q.Order("created_at_ns ASC, id ASC")
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, storageErr("query", err)
	}
	if limit > 0 {
		reverseRows(rows)
	}
	return messagesFromRows(rows), nil
}

func (s *SQLStore) QueryBefore(ctx context.Context, roomID, messageID string, limit int) ([]Message, error) {
	anchor, err := s.find(ctx, roomID, messageID)
	if err != nil {
		return nil, err
	}
	var rows []messageRow
	q := s.db.WithContext(ctx).
		Where("room_id = ? AND created_at_ns < ?", roomID, anchor.CreatedNano).
		Order("created_at_ns DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, storageErr("query before", err)
	}
	reverseRows(rows)
	return messagesFromRows(rows), nil
}

func (s *SQLStore) find(ctx context.Context, roomID, messageID string) (*messageRow, error) {
	var row messageRow
	err := s.db.WithContext(ctx).First(&row, "id = ? AND room_id = ?", messageID, roomID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("find", err)
	}
	return &row, nil
}

// ── Read state ───────────────────────────────────────────

func (s *SQLStore) SetLastRead(ctx context.Context, roomID, messageID string) error {
	row := readMarkerRow{RoomID: roomID, MessageID: messageID, UpdatedAt: s.now()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	return storageErr("set last read", err)
}

func (s *SQLStore) LastRead(ctx context.Context, roomID string) (string, error) {
	var row readMarkerRow
	err := s.db.WithContext(ctx).First(&row, "room_id = ?", roomID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", storageErr("last read", err)
	}
	return row.MessageID, nil
}

func (s *SQLStore) UnreadCount(ctx context.Context, roomID, lastReadID string) (int, error) {
	q := s.db.WithContext(ctx).Model(&messageRow{}).Where("room_id = ?", roomID)
	if lastReadID != "" {
		anchor, err := s.find(ctx, roomID, lastReadID)
		switch {
		case errors.Is(err, ErrNotFound):
			// marker was pruned or never stored: everything counts
		case err != nil:
			return 0, err
		default:
			q = q.Where("created_at_ns > ?", anchor.CreatedNano)
		}
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, storageErr("unread count", err)
	}
	return int(n), nil
}

// ── Retention ────────────────────────────────────────────

func (s *SQLStore) PruneOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := retentionCutoff(s.now(), days).UnixNano()
	res := s.db.WithContext(ctx).Where("created_at_ns < ?", cutoff).Delete(&messageRow{})
	if res.Error != nil {
		return 0, storageErr("prune", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return storageErr("close", err)
	}
	return storageErr("close", sqlDB.Close())
}

func reverseRows(rows []messageRow) {
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
}

func messagesFromRows(rows []messageRow) []Message {
	msgs := make([]Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.message())
	}
	return msgs
}
