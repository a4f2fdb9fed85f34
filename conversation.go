package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LiveStream is the part of the ConnManager a conversation consumes.
type LiveStream interface {
	SubscribeMessages(ctx context.Context) <-chan Message
	SubscribeState(ctx context.Context) <-chan ConnStatus
	Open(roomID string)
	Release(roomID string)
}

// ConversationConfig tunes a Conversation. Zero fields take defaults.
type ConversationConfig struct {
	PageSize int
	// CacheLimit caps how many stored messages are shown on open. Zero
	// shows every stored message of the room.
	CacheLimit     int
	RequestTimeout time.Duration
	SendTimeout    time.Duration
}

func (c *ConversationConfig) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = DefaultTimeout
	}
}

// ConversationDeps are the collaborators of a Conversation. Uploader and
// Stream are optional.
type ConversationDeps struct {
	Store    Store
	History  HistoryFetcher
	Sender   MessageSender
	Uploader FileUploader
	Stream   LiveStream
	Self     Sender
	Log      zerolog.Logger
}

// Draft is the content of a send that failed, kept for an explicit retry.
type Draft struct {
	Content string
	Files   []File
}

// Snapshot is an immutable view of a conversation. Messages is shared
// between snapshots and must not be modified.
type Snapshot struct {
	RoomID        string
	Messages      []Message
	IsLoading     bool
	IsLoadingMore bool
	HasMore       bool
	Err           error // last failed initial load, cleared by a successful one
	StorageErr    error // last local persistence failure of a background task
	Degraded      bool
	FailedDraft   *Draft
	// ScrollSeq increases on every insertion that should scroll the view to
	// the newest message.
	ScrollSeq uint64
	Version   uint64
}

type convState struct {
	tl          Timeline
	loading     bool
	loadingMore bool
	hasMore     bool
	err         error
	storageErr  error
	degraded    bool
	draft       *Draft
	scrollSeq   uint64
	version     uint64
}

func (st *convState) merge(msgs []Message, origin Origin) bool {
	tl, res := st.tl.Merge(msgs, origin)
	st.tl = tl
	st.record(res, origin)
	return res.Changed()
}

func (st *convState) record(res MergeResult, origin Origin) {
	if n := res.Inserted + res.Replaced; n > 0 {
		messagesMerged.WithLabelValues(string(origin)).Add(float64(n))
	}
	if res.Duplicates > 0 {
		duplicatesIgnored.WithLabelValues(string(origin)).Add(float64(res.Duplicates))
	}
	if res.AutoScroll && res.Changed() {
		st.scrollSeq++
	}
}

type convOp struct {
	fn   func(st *convState) bool
	done chan struct{}
}

// Conversation reconciles one room's timeline from the local store, the
// live stream and the history API. All state changes run on a single
// goroutine; readers observe immutable Snapshots.
type Conversation struct {
	roomID string
	deps   ConversationDeps
	cfg    ConversationConfig
	log    zerolog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	ops    chan convOp
	done   chan struct{}
	tasks  sync.WaitGroup
	st     convState // owned by loop

	mu        sync.RWMutex
	latest    Snapshot
	snaps     *Broadcaster[Snapshot]
	closeOnce sync.Once
}

// OpenConversation shows the cached messages of roomID at once, then
// attaches the live stream and loads the latest history page in the
// background. Only a failing store read makes it return an error.
func OpenConversation(ctx context.Context, roomID string, deps ConversationDeps, cfg ConversationConfig) (*Conversation, error) {
	cfg.defaults()

	cached, err := deps.Store.Query(ctx, roomID, cfg.CacheLimit)
	if err != nil {
		storageErrors.WithLabelValues("query").Inc()
		return nil, fmt.Errorf("open room %s: %w", roomID, err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Conversation{
		roomID: roomID,
		deps:   deps,
		cfg:    cfg,
		log:    deps.Log.With().Str("component", "conversation").Str("room", roomID).Logger(),
		now:    time.Now,
		ctx:    cctx,
		cancel: cancel,
		ops:    make(chan convOp),
		done:   make(chan struct{}),
		snaps:  NewBroadcaster[Snapshot](),
	}
	c.st = convState{hasMore: true, loading: len(cached) == 0}
	c.st.merge(cached, OriginCache)
	c.publish()
	go c.loop()

	if deps.Stream != nil {
		msgs := deps.Stream.SubscribeMessages(cctx)
		states := deps.Stream.SubscribeState(cctx)
		c.spawn(func() { c.consumeStream(msgs) })
		c.spawn(func() { c.consumeState(states) })
		deps.Stream.Open(roomID)
	}
	c.spawn(func() { _ = c.loadLatest(cctx) })

	c.log.Debug().Int("cached", len(cached)).Msg("conversation opened")
	return c, nil
}

// RoomID returns the room this conversation reconciles.
func (c *Conversation) RoomID() string { return c.roomID }

// Snapshot returns the latest published state.
func (c *Conversation) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

// Subscribe returns a channel that first yields the current snapshot and
// then the newest one whenever state changes. Intermediate snapshots may be
// skipped; compare ScrollSeq to detect scroll requests.
func (c *Conversation) Subscribe(ctx context.Context) <-chan Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snaps.SubscribeWith(ctx, 1, c.latest)
}

// Done is closed once the conversation has been closed.
func (c *Conversation) Done() <-chan struct{} { return c.done }

// ── Actor ────────────────────────────────────────────────

func (c *Conversation) loop() {
	defer close(c.done)
	for {
		select {
		case op := <-c.ops:
			if op.fn(&c.st) {
				c.publish()
			}
			close(op.done)
		case <-c.ctx.Done():
			return
		}
	}
}

// apply runs fn on the actor and waits until its result is published.
func (c *Conversation) apply(fn func(st *convState) bool) error {
	op := convOp{fn: fn, done: make(chan struct{})}
	select {
	case c.ops <- op:
	case <-c.ctx.Done():
		return ErrClosed
	}
	<-op.done
	return nil
}

func (c *Conversation) publish() {
	c.st.version++
	st := &c.st
	snap := Snapshot{
		RoomID:        c.roomID,
		Messages:      st.tl.Messages(),
		IsLoading:     st.loading,
		IsLoadingMore: st.loadingMore,
		HasMore:       st.hasMore,
		Err:           st.err,
		StorageErr:    st.storageErr,
		Degraded:      st.degraded,
		FailedDraft:   st.draft,
		ScrollSeq:     st.scrollSeq,
		Version:       st.version,
	}
	c.mu.Lock()
	c.latest = snap
	c.snaps.Replace(snap)
	c.mu.Unlock()
}

func (c *Conversation) spawn(fn func()) {
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		fn()
	}()
}

// bind derives a context that also ends when the conversation closes.
func (c *Conversation) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// ── Sources ──────────────────────────────────────────────

func (c *Conversation) consumeStream(msgs <-chan Message) {
	for m := range msgs {
		if m.RoomID != c.roomID {
			continue
		}
		_ = c.persist(c.ctx, m)
		err := c.apply(func(st *convState) bool {
			return st.merge([]Message{m}, OriginStream)
		})
		if err != nil {
			return
		}
	}
}

func (c *Conversation) consumeState(states <-chan ConnStatus) {
	for s := range states {
		degraded := s.Degraded && s.RoomID == c.roomID
		err := c.apply(func(st *convState) bool {
			if st.degraded == degraded {
				return false
			}
			st.degraded = degraded
			return true
		})
		if err != nil {
			return
		}
	}
}

// loadLatest fetches the newest history page and merges it.
func (c *Conversation) loadLatest(ctx context.Context) error {
	fctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	msgs, err := c.deps.History.FetchPage(fctx, c.roomID)
	fetchDuration.WithLabelValues("history").Observe(time.Since(start).Seconds())
	if err != nil {
		if c.ctx.Err() != nil {
			return ErrClosed
		}
		if !errors.Is(err, ErrFetchFailed) {
			err = fmt.Errorf("%w: %w", ErrFetchFailed, err)
		}
		fetchFailures.WithLabelValues("history").Inc()
		c.log.Warn().Err(err).Msg("history fetch failed")
		_ = c.apply(func(st *convState) bool {
			st.loading = false
			st.err = err
			return true
		})
		return err
	}

	msgs = c.ownRoom(msgs)
	perr := c.persist(ctx, msgs...)
	aerr := c.apply(func(st *convState) bool {
		st.merge(msgs, OriginHistory)
		st.loading = false
		st.err = nil
		if len(msgs) == 0 {
			st.hasMore = false
		}
		return true
	})
	if aerr != nil {
		return aerr
	}
	return perr
}

// Retry reloads the latest history page after a failed load.
func (c *Conversation) Retry(ctx context.Context) error {
	err := c.apply(func(st *convState) bool {
		st.loading = st.tl.Len() == 0
		st.err = nil
		return true
	})
	if err != nil {
		return err
	}
	ctx, cancel := c.bind(ctx)
	defer cancel()
	return c.loadLatest(ctx)
}

// LoadMore fetches the page before the oldest confirmed message. It is a
// no-op while another LoadMore runs or once the history is exhausted. A
// failed fetch is not returned; cached older messages from the store are
// shown instead.
func (c *Conversation) LoadMore(ctx context.Context) error {
	var anchor string
	err := c.apply(func(st *convState) bool {
		if st.loadingMore || !st.hasMore {
			return false
		}
		oldest, ok := st.tl.Oldest()
		if !ok {
			return false
		}
		anchor = oldest.ID
		st.loadingMore = true
		return true
	})
	if err != nil || anchor == "" {
		return err
	}

	ctx, cancel := c.bind(ctx)
	defer cancel()
	fctx, fcancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer fcancel()

	start := time.Now()
	msgs, err := c.deps.History.FetchPageBefore(fctx, c.roomID, anchor, c.cfg.PageSize)
	fetchDuration.WithLabelValues("pagination").Observe(time.Since(start).Seconds())
	if err != nil {
		return c.loadMoreFromStore(ctx, anchor, err)
	}

	msgs = c.ownRoom(msgs)
	perr := c.persist(ctx, msgs...)
	err = c.apply(func(st *convState) bool {
		st.loadingMore = false
		before := st.tl.Len()
		st.merge(msgs, OriginPagination)
		if len(msgs) == 0 || st.tl.Len() == before {
			st.hasMore = false
		}
		return true
	})
	if err != nil {
		return err
	}
	return perr
}

func (c *Conversation) loadMoreFromStore(ctx context.Context, anchor string, cause error) error {
	if ctx.Err() != nil {
		_ = c.apply(func(st *convState) bool {
			st.loadingMore = false
			return true
		})
		return ctx.Err()
	}
	fetchFailures.WithLabelValues("pagination").Inc()
	c.log.Warn().Err(cause).Str("before", anchor).Msg("load more failed, falling back to store")

	cached, err := c.deps.Store.QueryBefore(ctx, c.roomID, anchor, c.cfg.PageSize)
	if errors.Is(err, ErrNotFound) {
		cached, err = nil, nil
	}
	if err != nil {
		storageErrors.WithLabelValues("query_before").Inc()
	}
	aerr := c.apply(func(st *convState) bool {
		st.loadingMore = false
		st.merge(cached, OriginPagination)
		if err != nil {
			st.storageErr = err
		}
		return true
	})
	if aerr != nil {
		return aerr
	}
	return err
}

// ── Sending ──────────────────────────────────────────────

// Send shows content as a pending message, uploads files, and submits the
// message. The confirmed copy replaces the pending one. On failure the
// pending message is withdrawn and the draft is kept in FailedDraft; sends
// are never retried automatically.
func (c *Conversation) Send(ctx context.Context, content string, files ...File) (*Message, error) {
	if strings.TrimSpace(content) == "" && len(files) == 0 {
		return nil, ErrEmptyMessage
	}

	pending := newPendingMessage(c.roomID, c.deps.Self, content, c.now())
	err := c.apply(func(st *convState) bool {
		st.draft = nil
		return st.merge([]Message{pending}, OriginLocal)
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.bind(ctx)
	defer cancel()

	msg, err := c.deliver(ctx, content, files)
	if err != nil {
		sendFailures.Inc()
		c.log.Warn().Err(err).Msg("send failed")
		_ = c.apply(func(st *convState) bool {
			st.tl = st.tl.Remove(pending.ID)
			st.draft = &Draft{Content: content, Files: files}
			return true
		})
		return nil, err
	}

	if msg.RoomID == "" {
		msg.RoomID = c.roomID
	}
	perr := c.persist(ctx, *msg)
	err = c.apply(func(st *convState) bool {
		tl, res := st.tl.Replace(pending.ID, *msg)
		st.tl = tl
		st.record(res, OriginSend)
		return true
	})
	if err != nil {
		return msg, err
	}
	return msg, perr
}

func (c *Conversation) deliver(ctx context.Context, content string, files []File) (*Message, error) {
	var urls []string
	if len(files) > 0 {
		if c.deps.Uploader == nil {
			return nil, fmt.Errorf("%w: attachments are not supported", ErrSendFailed)
		}
		uctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
		var err error
		urls, err = c.deps.Uploader.Upload(uctx, c.roomID, files)
		cancel()
		if err != nil {
			return nil, wrapSendErr(fmt.Errorf("upload: %w", err))
		}
	}

	sctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()
	msg, err := c.deps.Sender.Send(sctx, c.roomID, content, urls)
	if err != nil {
		return nil, wrapSendErr(err)
	}
	return msg, nil
}

func wrapSendErr(err error) error {
	if errors.Is(err, ErrSendFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSendFailed, err)
}

// RetrySend resends the draft of the last failed send.
func (c *Conversation) RetrySend(ctx context.Context) (*Message, error) {
	var draft *Draft
	err := c.apply(func(st *convState) bool {
		draft = st.draft
		return false
	})
	if err != nil {
		return nil, err
	}
	if draft == nil {
		return nil, fmt.Errorf("no failed draft: %w", ErrNotFound)
	}
	return c.Send(ctx, draft.Content, draft.Files...)
}

// DiscardDraft drops the failed draft.
func (c *Conversation) DiscardDraft() error {
	return c.apply(func(st *convState) bool {
		if st.draft == nil {
			return false
		}
		st.draft = nil
		return true
	})
}

// ── Read state ───────────────────────────────────────────

// MarkRead moves the room's last-read marker to the newest confirmed
// message.
func (c *Conversation) MarkRead(ctx context.Context) error {
	newest, ok := Timeline{msgs: c.Snapshot().Messages}.Newest()
	if !ok {
		return nil
	}
	if err := c.deps.Store.SetLastRead(ctx, c.roomID, newest.ID); err != nil {
		storageErrors.WithLabelValues("set_last_read").Inc()
		return err
	}
	return nil
}

// ── Teardown ─────────────────────────────────────────────

// Close cancels in-flight work, stops the actor, and releases the live
// stream if it still belongs to this room. The store is left untouched.
func (c *Conversation) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
		c.tasks.Wait()
		if c.deps.Stream != nil {
			c.deps.Stream.Release(c.roomID)
		}
		c.snaps.Close()
		c.log.Debug().Msg("conversation closed")
	})
	return nil
}

// ── Helpers ──────────────────────────────────────────────

func (c *Conversation) persist(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	err := c.deps.Store.Upsert(ctx, msgs...)
	if err == nil || c.ctx.Err() != nil {
		return err
	}
	storageErrors.WithLabelValues("upsert").Inc()
	c.log.Error().Err(err).Int("count", len(msgs)).Msg("persist failed")
	_ = c.apply(func(st *convState) bool {
		st.storageErr = err
		return true
	})
	return err
}

// ownRoom drops messages of other rooms and stamps missing room IDs.
func (c *Conversation) ownRoom(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.RoomID == "" {
			m.RoomID = c.roomID
		}
		if m.RoomID != c.roomID {
			continue
		}
		m.Pending = false
		out = append(out, m)
	}
	return out
}
