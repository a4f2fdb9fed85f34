package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ConnState represents the live connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ConnStatus is a point-in-time view of the ConnManager.
type ConnStatus struct {
	State  ConnState
	RoomID string
	// Degraded is set once reconnects have failed MaxReconnectAttempts times
	// in a row. It clears on the next successful connect.
	Degraded bool
}

// ConnManager owns the single live stream of the application and scopes it
// to one room at a time. Switching rooms always tears the previous stream
// down completely before the next one is dialed.
type ConnManager struct {
	transport Transport
	config    RealtimeConfig
	log       zerolog.Logger

	openMu sync.Mutex // serializes Open, Release, Close and SetBackground

	mu         sync.Mutex
	status     ConnStatus
	sess       *connSession
	background bool
	deferred   string // room requested while in background

	messages *Broadcaster[Message]
	updates  *Broadcaster[string]
	states   *Broadcaster[ConnStatus]
}

type connSession struct {
	room   string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConnManager creates a manager around transport. The zero RealtimeConfig
// uses the default reconnect policy.
func NewConnManager(transport Transport, config RealtimeConfig, log zerolog.Logger) *ConnManager {
	config.defaults()
	return &ConnManager{
		transport: transport,
		config:    config,
		log:       log.With().Str("component", "conn").Logger(),
		status:    ConnStatus{State: StateDisconnected},
		messages:  NewBroadcaster[Message](),
		updates:   NewBroadcaster[string](),
		states:    NewBroadcaster[ConnStatus](),
	}
}

// Status returns the current connection status.
func (m *ConnManager) Status() ConnStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Degraded reports whether the stream has exhausted its reconnect budget.
func (m *ConnManager) Degraded() bool {
	return m.Status().Degraded
}

// SubscribeMessages returns new messages of the currently open room until
// ctx ends. Messages of any other room never reach subscribers.
func (m *ConnManager) SubscribeMessages(ctx context.Context) <-chan Message {
	return m.messages.Subscribe(ctx, 64)
}

// SubscribeRoomUpdates returns the IDs of rooms the server reported as
// changed.
func (m *ConnManager) SubscribeRoomUpdates(ctx context.Context) <-chan string {
	return m.updates.Subscribe(ctx, 16)
}

// SubscribeState returns status changes. Only the latest undelivered status
// is kept per subscriber.
func (m *ConnManager) SubscribeState(ctx context.Context) <-chan ConnStatus {
	return m.states.Subscribe(ctx, 1)
}

// Open scopes the live stream to roomID. The stream of the previous room is
// closed, and its reader has exited, before Open dials the new one. Opening
// the room that is already open is a no-op. While in background the request
// is remembered and carried out on the next foreground transition.
func (m *ConnManager) Open(roomID string) {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	m.mu.Lock()
	if m.background {
		m.deferred = roomID
		m.mu.Unlock()
		m.log.Debug().Str("room", roomID).Msg("open deferred until foreground")
		return
	}
	m.mu.Unlock()
	m.openLocked(roomID)
}

func (m *ConnManager) openLocked(roomID string) {
	m.mu.Lock()
	if m.sess != nil && m.sess.room == roomID {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.stopSession()

	ctx, cancel := context.WithCancel(context.Background())
	s := &connSession{room: roomID, cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.sess = s
	m.mu.Unlock()

	go m.run(ctx, s)
}

// Release closes the stream if it still belongs to roomID.
func (m *ConnManager) Release(roomID string) {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	m.mu.Lock()
	if m.deferred == roomID {
		m.deferred = ""
	}
	owned := m.sess != nil && m.sess.room == roomID
	m.mu.Unlock()

	if owned {
		m.stopSession()
		m.setStatus(nil, ConnStatus{State: StateDisconnected})
	}
}

// Close disconnects whatever room is open.
func (m *ConnManager) Close() {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	m.mu.Lock()
	m.deferred = ""
	m.mu.Unlock()

	m.stopSession()
	m.setStatus(nil, ConnStatus{State: StateDisconnected})
}

// Shutdown closes the connection and every subscription.
func (m *ConnManager) Shutdown() {
	m.Close()
	m.messages.Close()
	m.updates.Close()
	m.states.Close()
}

// SetBackground records the application's lifecycle. Going to background
// keeps an established stream alive; rooms opened meanwhile are connected
// when the application returns to foreground.
func (m *ConnManager) SetBackground(background bool) {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	m.mu.Lock()
	m.background = background
	room := m.deferred
	if !background {
		m.deferred = ""
	}
	m.mu.Unlock()

	m.log.Debug().Bool("background", background).Msg("lifecycle changed")
	if !background && room != "" {
		m.openLocked(room)
	}
}

func (m *ConnManager) stopSession() {
	m.mu.Lock()
	s := m.sess
	m.sess = nil
	m.mu.Unlock()

	if s != nil {
		s.cancel()
		<-s.done
	}
}

// setStatus stores st unless s is a session that has been replaced. A nil s
// always applies.
func (m *ConnManager) setStatus(s *connSession, st ConnStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s != nil && m.sess != s {
		return
	}
	if st == m.status {
		return
	}
	m.status = st
	if st.Degraded {
		streamDegraded.Set(1)
	} else {
		streamDegraded.Set(0)
	}
	m.states.Replace(st)
}

// ── Session loop ─────────────────────────────────────────

func (m *ConnManager) run(ctx context.Context, s *connSession) {
	defer close(s.done)

	log := m.log.With().Str("room", s.room).Logger()
	recon := newReconnector(&m.config)
	degraded := false

	m.setStatus(s, ConnStatus{State: StateConnecting, RoomID: s.room})
	for {
		stream, err := m.transport.Dial(ctx, s.room)
		if err == nil {
			recon.markConnected()
			degraded = false
			m.setStatus(s, ConnStatus{State: StateConnected, RoomID: s.room})
			log.Info().Msg("live stream connected")

			err = m.pump(ctx, s.room, stream, log)
			stream.Close()
		}
		if ctx.Err() != nil {
			log.Debug().Msg("live stream closed")
			return
		}

		delay := recon.nextDelay()
		if recon.exhausted() && !degraded {
			degraded = true
			log.Error().Err(fmt.Errorf("%w: %w", ErrStreamDegraded, err)).Int("attempts", recon.attempt).Msg("reconnect budget exhausted")
		}
		m.setStatus(s, ConnStatus{State: StateReconnecting, RoomID: s.room, Degraded: degraded})
		streamReconnects.Inc()
		log.Warn().Err(err).Int("attempt", recon.attempt).Dur("delay", delay).Msg("live stream dropped, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// pump forwards events of stream until it fails or ctx ends.
func (m *ConnManager) pump(ctx context.Context, room string, stream Stream, log zerolog.Logger) error {
	for {
		ev, err := stream.Recv(ctx)
		if err != nil {
			return err
		}

		switch ev.Type {
		case EventMessageNew:
			if ev.Message == nil {
				streamEventsDropped.WithLabelValues("malformed").Inc()
				continue
			}
			msg := *ev.Message
			if msg.RoomID == "" {
				msg.RoomID = room
			}
			if msg.RoomID != room {
				streamEventsDropped.WithLabelValues("foreign_room").Inc()
				log.Debug().Str("message_room", msg.RoomID).Msg("dropping message for another room")
				continue
			}
			m.messages.Publish(ctx, msg)
		case EventRoomUpdated:
			// Each update only triggers a wholesale list refresh, so a
			// subscriber that is still refreshing may miss some.
			if ev.RoomID != "" {
				m.updates.Offer(ev.RoomID)
			}
		case EventError:
			streamEventsDropped.WithLabelValues("server_error").Inc()
			log.Warn().Str("detail", ev.Detail).Msg("server reported stream error")
		}
	}
}
