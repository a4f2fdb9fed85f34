package chatsync

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PendingMatchWindow bounds the creation-time distance between a pending
// message and the confirmed copy that may replace it.
const PendingMatchWindow = 2 * time.Minute

const localIDPrefix = "local-"

// Origin records why messages enter a timeline.
type Origin string

const (
	OriginCache      Origin = "cache"
	OriginStream     Origin = "stream"
	OriginHistory    Origin = "history"
	OriginPagination Origin = "pagination"
	OriginLocal      Origin = "local"
	OriginSend       Origin = "send"
)

// AutoScroll reports whether an insertion of this origin moves the view to
// the newest message. Only backward pagination keeps the scroll anchor.
func (o Origin) AutoScroll() bool { return o != OriginPagination }

// MergeResult describes the effect of one merge.
type MergeResult struct {
	Inserted   int
	Replaced   int // pending entries resolved by a confirmed copy
	Duplicates int
	AutoScroll bool
}

// Changed reports whether the merge altered the timeline.
func (r MergeResult) Changed() bool { return r.Inserted+r.Replaced > 0 }

// Timeline is an immutable, ascending, duplicate-free message sequence.
// The zero value is an empty timeline.
type Timeline struct {
	msgs []Message
}

// NewTimeline builds a timeline from msgs with cache origin.
func NewTimeline(msgs []Message) Timeline {
	t, _ := Timeline{}.Merge(msgs, OriginCache)
	return t
}

// Messages returns the ordered messages. The slice must not be modified.
func (t Timeline) Messages() []Message { return t.msgs }

func (t Timeline) Len() int { return len(t.msgs) }

// Oldest returns the oldest confirmed message.
func (t Timeline) Oldest() (Message, bool) {
	for _, m := range t.msgs {
		if !m.Pending {
			return m, true
		}
	}
	return Message{}, false
}

// Newest returns the newest confirmed message.
func (t Timeline) Newest() (Message, bool) {
	for i := len(t.msgs) - 1; i >= 0; i-- {
		if !t.msgs[i].Pending {
			return t.msgs[i], true
		}
	}
	return Message{}, false
}

// Contains reports whether a message with id is present.
func (t Timeline) Contains(id string) bool {
	return t.index(id) >= 0
}

func (t Timeline) index(id string) int {
	for i := range t.msgs {
		if t.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// Merge folds incoming into the timeline. A message whose identity is
// already present is discarded. A confirmed message that matches a pending
// entry by sender, content and time takes that entry's place. The result
// is stable-sorted by creation time.
func (t Timeline) Merge(incoming []Message, origin Origin) (Timeline, MergeResult) {
	out := make([]Message, len(t.msgs), len(t.msgs)+len(incoming))
	copy(out, t.msgs)
	ids := make(map[string]struct{}, len(out)+len(incoming))
	for _, m := range out {
		ids[m.ID] = struct{}{}
	}

	var res MergeResult
	for _, m := range incoming {
		if _, dup := ids[m.ID]; dup {
			res.Duplicates++
			continue
		}
		ids[m.ID] = struct{}{}
		if !m.Pending {
			if i := matchPending(out, m); i >= 0 {
				delete(ids, out[i].ID)
				out[i] = m
				res.Replaced++
				continue
			}
		}
		out = append(out, m)
		res.Inserted++
	}

	if !res.Changed() {
		return t, res
	}
	sortByCreatedAt(out)
	res.AutoScroll = origin.AutoScroll()
	return Timeline{msgs: out}, res
}

// Replace resolves the pending message tempID with its confirmed copy. If
// the confirmed identity is already present (the stream delivered it first)
// only the pending entry is dropped.
func (t Timeline) Replace(tempID string, confirmed Message) (Timeline, MergeResult) {
	confirmed.Pending = false
	base := t.Remove(tempID)
	removed := base.Len() != t.Len()

	if base.Contains(confirmed.ID) {
		res := MergeResult{Duplicates: 1}
		if removed {
			res.Replaced = 1
		}
		return base, res
	}

	out := make([]Message, base.Len(), base.Len()+1)
	copy(out, base.msgs)
	out = append(out, confirmed)
	sortByCreatedAt(out)

	res := MergeResult{AutoScroll: OriginSend.AutoScroll()}
	if removed {
		res.Replaced = 1
	} else {
		res.Inserted = 1
	}
	return Timeline{msgs: out}, res
}

// Remove returns the timeline without the message id.
func (t Timeline) Remove(id string) Timeline {
	i := t.index(id)
	if i < 0 {
		return t
	}
	out := make([]Message, 0, len(t.msgs)-1)
	out = append(out, t.msgs[:i]...)
	out = append(out, t.msgs[i+1:]...)
	return Timeline{msgs: out}
}

// matchPending returns the index of the oldest pending message that m
// confirms, or -1.
func matchPending(msgs []Message, m Message) int {
	for i := range msgs {
		p := msgs[i]
		if !p.Pending || p.Sender.UserID != m.Sender.UserID || p.Content != m.Content {
			continue
		}
		d := m.CreatedAt.Sub(p.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= PendingMatchWindow {
			return i
		}
	}
	return -1
}

func sortByCreatedAt(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// newPendingMessage builds the optimistic copy of a user send.
func newPendingMessage(roomID string, sender Sender, content string, now time.Time) Message {
	return Message{
		ID:        localIDPrefix + uuid.NewString(),
		RoomID:    roomID,
		Content:   content,
		CreatedAt: now,
		Sender:    sender,
		Pending:   true,
	}
}

// IsLocalID reports whether id is a temporary client-side identity.
func IsLocalID(id string) bool { return strings.HasPrefix(id, localIDPrefix) }
