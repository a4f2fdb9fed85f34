package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	chatsync "github.com/TeamWeeMo/WeeMo-sub001"
)

// newLogger writes human-readable logs in development and JSON otherwise.
func newLogger(cfg *Config) zerolog.Logger {
	level := zerolog.WarnLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	}

	var logger zerolog.Logger
	if cfg.Default.Environment == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stderr).
			With().
			Timestamp().
			Logger()
	}
	return logger.Level(level)
}

// storePath returns the configured database path or ~/.weemo/chat.db.
func storePath(cfg *Config) (string, error) {
	if cfg.Store.Path != "" {
		return cfg.Store.Path, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "chat.db"), nil
}

func openStore(cfg *Config) (chatsync.Store, error) {
	if flagMemory {
		return chatsync.NewMemoryStore(), nil
	}
	path, err := storePath(cfg)
	if err != nil {
		return nil, err
	}
	return chatsync.OpenSQLStore(path)
}

// getClient creates a messaging client authenticated with the stored token.
func getClient(cfg *Config) (*chatsync.Client, error) {
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no session token: run 'chatsync init <token>' or set WEEMO_TOKEN")
	}
	opts := []chatsync.ClientOption{chatsync.WithSession(chatsync.StaticSession(cfg.Auth.Token))}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatsync.NewClient(opts...), nil
}

// session bundles what a command needs to talk to a room.
type session struct {
	cfg    *Config
	log    zerolog.Logger
	store  chatsync.Store
	engine *chatsync.Engine
}

// openSession builds the engine. With live set, a live stream transport is
// attached according to default.transport.
func openSession(live bool) (*session, error) {
	cfg, err := resolveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	client, err := getClient(cfg)
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open message store: %w", err)
	}
	log := newLogger(cfg)

	var transport chatsync.Transport
	if live {
		rt := chatsync.RealtimeConfig{}
		if cfg.Default.Transport == "sse" {
			transport = client.SSETransport(rt)
		} else {
			transport = client.WSTransport(rt)
		}
	}

	engine := chatsync.NewEngine(client, transport, store, chatsync.EngineConfig{
		RetentionDays: cfg.Store.RetentionDays,
		Self:          chatsync.Sender{UserID: cfg.Auth.UserID, DisplayName: cfg.Auth.DisplayName},
		Log:           log,
	})
	return &session{cfg: cfg, log: log, store: store, engine: engine}, nil
}

func (s *session) Close() {
	s.engine.Close()
	if err := s.store.Close(); err != nil {
		s.log.Warn().Err(err).Msg("closing message store")
	}
}

// waitLoaded blocks until the initial history load of conv has finished.
func waitLoaded(ctx context.Context, conv *chatsync.Conversation) (chatsync.Snapshot, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for snap := range conv.Subscribe(ctx) {
		if !snap.IsLoading {
			return snap, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return chatsync.Snapshot{}, err
	}
	return conv.Snapshot(), nil
}

func printMessage(m chatsync.Message, self string) {
	who := valueOrDefault(m.Sender.DisplayName, m.Sender.UserID)
	if m.Sender.UserID == self && self != "" {
		who = "you"
	}
	status := ""
	if m.Pending {
		status = " (sending)"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), who, m.Content, status)
	for _, f := range m.Files {
		fmt.Printf("    attachment: %s\n", f)
	}
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
