package chatsync

import (
	"strings"
	"testing"
	"time"
)

func TestTimelineMerge(t *testing.T) {
	t.Run("orders ascending and drops duplicates", func(t *testing.T) {
		tl := NewTimeline(seq("r1", 1, 3))
		incoming := []Message{testMsg("r1", "m5", 5), testMsg("r1", "m2", 2), testMsg("r1", "m4", 4)}

		tl, res := tl.Merge(incoming, OriginHistory)
		if res.Inserted != 2 || res.Duplicates != 1 {
			t.Fatalf("unexpected result %+v", res)
		}
		want := []string{"m1", "m2", "m3", "m4", "m5"}
		if got := ids(tl.Messages()); !equalIDs(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("duplicates inside one batch", func(t *testing.T) {
		tl, res := Timeline{}.Merge([]Message{testMsg("r1", "m1", 1), testMsg("r1", "m1", 1)}, OriginStream)
		if tl.Len() != 1 || res.Duplicates != 1 {
			t.Fatalf("len=%d result=%+v", tl.Len(), res)
		}
	})

	t.Run("equal timestamps keep arrival order", func(t *testing.T) {
		a := testMsg("r1", "a", 1)
		b := testMsg("r1", "b", 1)
		c := testMsg("r1", "c", 1)
		tl, _ := Timeline{}.Merge([]Message{a, b}, OriginHistory)
		tl, _ = tl.Merge([]Message{c}, OriginStream)
		if got := ids(tl.Messages()); !equalIDs(got, []string{"a", "b", "c"}) {
			t.Fatalf("got %v", got)
		}
	})

	t.Run("unchanged merge returns same timeline", func(t *testing.T) {
		tl := NewTimeline(seq("r1", 1, 2))
		next, res := tl.Merge(seq("r1", 1, 2), OriginStream)
		if res.Changed() || res.AutoScroll {
			t.Fatalf("unexpected result %+v", res)
		}
		if &next.Messages()[0] != &tl.Messages()[0] {
			t.Fatal("expected the original backing slice")
		}
	})

	t.Run("does not mutate the receiver", func(t *testing.T) {
		tl := NewTimeline(seq("r1", 2, 3))
		before := ids(tl.Messages())
		tl.Merge([]Message{testMsg("r1", "m1", 1)}, OriginPagination)
		if !equalIDs(ids(tl.Messages()), before) {
			t.Fatal("receiver was modified")
		}
	})

	t.Run("auto scroll by origin", func(t *testing.T) {
		tl := NewTimeline(seq("r1", 5, 6))
		_, res := tl.Merge([]Message{testMsg("r1", "m1", 1)}, OriginPagination)
		if res.AutoScroll {
			t.Error("pagination must not auto scroll")
		}
		for _, o := range []Origin{OriginCache, OriginStream, OriginHistory, OriginLocal} {
			_, res := tl.Merge([]Message{testMsg("r1", "m9", 9)}, o)
			if !res.AutoScroll {
				t.Errorf("%s should auto scroll", o)
			}
		}
	})
}

func TestTimelinePending(t *testing.T) {
	self := Sender{UserID: "u-self"}

	t.Run("confirmed copy replaces pending in place", func(t *testing.T) {
		p := newPendingMessage("r1", self, "hello", at(10))
		tl := NewTimeline(seq("r1", 1, 3))
		tl, _ = tl.Merge([]Message{p}, OriginLocal)

		echo := Message{ID: "m42", RoomID: "r1", Content: "hello", CreatedAt: at(11), Sender: self}
		tl, res := tl.Merge([]Message{echo}, OriginStream)
		if res.Replaced != 1 || res.Inserted != 0 {
			t.Fatalf("unexpected result %+v", res)
		}
		if tl.Contains(p.ID) || !tl.Contains("m42") || tl.Len() != 4 {
			t.Fatalf("got %v", ids(tl.Messages()))
		}
	})

	t.Run("no match outside the window", func(t *testing.T) {
		p := newPendingMessage("r1", self, "hello", at(0))
		tl, _ := Timeline{}.Merge([]Message{p}, OriginLocal)
		late := Message{ID: "m1", RoomID: "r1", Content: "hello", CreatedAt: at(0).Add(PendingMatchWindow + time.Second), Sender: self}
		tl, res := tl.Merge([]Message{late}, OriginStream)
		if res.Inserted != 1 || tl.Len() != 2 {
			t.Fatalf("result %+v len %d", res, tl.Len())
		}
	})

	t.Run("no match for another sender", func(t *testing.T) {
		p := newPendingMessage("r1", self, "hello", at(0))
		tl, _ := Timeline{}.Merge([]Message{p}, OriginLocal)
		other := Message{ID: "m1", RoomID: "r1", Content: "hello", CreatedAt: at(1), Sender: Sender{UserID: "u-other"}}
		tl, _ = tl.Merge([]Message{other}, OriginStream)
		if tl.Len() != 2 {
			t.Fatalf("len %d", tl.Len())
		}
	})

	t.Run("identical sends resolve oldest first", func(t *testing.T) {
		p1 := newPendingMessage("r1", self, "ok", at(0))
		p2 := newPendingMessage("r1", self, "ok", at(1))
		tl, _ := Timeline{}.Merge([]Message{p1, p2}, OriginLocal)
		tl, _ = tl.Merge([]Message{{ID: "s1", RoomID: "r1", Content: "ok", CreatedAt: at(0), Sender: self}}, OriginStream)
		if tl.Contains(p1.ID) || !tl.Contains(p2.ID) {
			t.Fatalf("got %v", ids(tl.Messages()))
		}
	})

	t.Run("replace after echo drops only the pending entry", func(t *testing.T) {
		p := newPendingMessage("r1", self, "hi", at(5))
		tl, _ := Timeline{}.Merge([]Message{testMsg("r1", "m1", 1), p}, OriginLocal)
		confirmed := Message{ID: "m42", RoomID: "r1", Content: "hi", CreatedAt: at(6), Sender: self}
		// stream echo arrived first but from a different sender view, so no match
		tl, _ = tl.Merge([]Message{{ID: "m42", RoomID: "r1", Content: "hi!", CreatedAt: at(6)}}, OriginStream)

		tl, res := tl.Replace(p.ID, confirmed)
		if res.Duplicates != 1 || res.Replaced != 1 {
			t.Fatalf("unexpected result %+v", res)
		}
		if got := ids(tl.Messages()); !equalIDs(got, []string{"m1", "m42"}) {
			t.Fatalf("got %v", got)
		}
	})

	t.Run("replace inserts when pending is gone", func(t *testing.T) {
		tl := NewTimeline(seq("r1", 1, 1))
		tl, res := tl.Replace("local-missing", testMsg("r1", "m2", 2))
		if res.Inserted != 1 || tl.Len() != 2 || !res.AutoScroll {
			t.Fatalf("result %+v len %d", res, tl.Len())
		}
	})

	t.Run("oldest and newest skip pending", func(t *testing.T) {
		p := newPendingMessage("r1", self, "x", at(50))
		tl, _ := NewTimeline(seq("r1", 1, 2)).Merge([]Message{p}, OriginLocal)
		if n, _ := tl.Newest(); n.ID != "m2" {
			t.Errorf("newest = %s", n.ID)
		}
		if o, _ := tl.Oldest(); o.ID != "m1" {
			t.Errorf("oldest = %s", o.ID)
		}
		only, _ := Timeline{}.Merge([]Message{p}, OriginLocal)
		if _, ok := only.Oldest(); ok {
			t.Error("expected no confirmed message")
		}
	})
}

func TestNewPendingMessage(t *testing.T) {
	p := newPendingMessage("r1", Sender{UserID: "u"}, "c", at(0))
	if !p.Pending || !IsLocalID(p.ID) || !strings.HasPrefix(p.ID, "local-") {
		t.Fatalf("unexpected pending message %+v", p)
	}
	if IsLocalID("m1") {
		t.Fatal("server IDs are not local")
	}
	q := newPendingMessage("r1", Sender{UserID: "u"}, "c", at(0))
	if p.ID == q.ID {
		t.Fatal("pending IDs must be unique")
	}
}
