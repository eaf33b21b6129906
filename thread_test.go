package tether

import (
	"context"
	"errors"
	"testing"
)

func msg(id, convID, senderID, content, createdAt string) Message {
	return Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       senderID,
		Content:        content,
		Type:           MessageText,
		CreatedAt:      createdAt,
	}
}

func newThreadFixture() (*ThreadStore, *fakeGateway, *fakeChannels, *MemoryCache) {
	gw := newFakeGateway()
	ch := newFakeChannels()
	cache := NewMemoryCache()
	return NewThreadStore("u1", gw, ch, cache, nil), gw, ch, cache
}

func TestThreadLoadLatest(t *testing.T) {
	s, gw, _, _ := newThreadFixture()
	gw.msgPages["c1|"] = &MessagePage{
		Items: []Message{
			msg("m2", "c1", "u1", "second", "2026-01-01T00:00:02Z"),
			msg("m1", "c1", "peer", "first", "2026-01-01T00:00:01Z"),
		},
		NextCursor: "cur-old",
	}

	s.LoadLatest(context.Background(), "c1")

	got := s.Messages("c1")
	if len(got) != 2 || got[0].ID != "m1" || got[1].ID != "m2" {
		t.Fatalf("expected ascending order [m1 m2], got %v", got)
	}
	if !s.HasMore("c1") {
		t.Error("cursor should point at older history")
	}
}

func TestThreadLoadOlderPrepends(t *testing.T) {
	s, gw, _, _ := newThreadFixture()
	gw.msgPages["c1|"] = &MessagePage{
		Items:      []Message{msg("m3", "c1", "u1", "newest", "2026-01-01T00:00:03Z")},
		NextCursor: "cur-1",
	}
	gw.msgPages["c1|cur-1"] = &MessagePage{
		Items: []Message{
			msg("m1", "c1", "peer", "oldest", "2026-01-01T00:00:01Z"),
			msg("m2", "c1", "peer", "older", "2026-01-01T00:00:02Z"),
			msg("m3", "c1", "u1", "newest", "2026-01-01T00:00:03Z"), // overlap
		},
	}

	ctx := context.Background()
	s.LoadLatest(ctx, "c1")
	s.LoadOlder(ctx, "c1")

	got := s.Messages("c1")
	if len(got) != 3 {
		t.Fatalf("overlap not deduplicated: %v", got)
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if got[i].ID != want {
			t.Errorf("position %d: got %s, want %s", i, got[i].ID, want)
		}
	}
	if s.HasMore("c1") {
		t.Error("cursor should be exhausted")
	}

	// Exhausted history: no-op, no gateway call.
	gw.mu.Lock()
	gw.fetchErr = errors.New("must not be called")
	gw.mu.Unlock()
	s.LoadOlder(ctx, "c1")
	if len(s.Messages("c1")) != 3 {
		t.Error("load past end changed state")
	}
}

func TestThreadOptimisticSendConfirmedByEcho(t *testing.T) {
	s, gw, _, _ := newThreadFixture()
	gw.setSendErr(errors.New("hold the gateway path")) // force the echo path

	id := s.OptimisticSend(context.Background(), SendInput{
		ConversationID: "c1",
		SenderID:       "u1",
		Content:        "hello",
	})
	if id == "" {
		t.Fatal("expected generated id")
	}

	got := s.Messages("c1")
	if len(got) != 1 || !got[0].IsOptimistic || got[0].ID != id {
		t.Fatalf("optimistic entry missing: %v", got)
	}

	// Realtime echo carries the same id: confirm in place, no duplicate.
	echo := msg(id, "c1", "u1", "hello", got[0].CreatedAt)
	s.OnInsert(echo)

	got = s.Messages("c1")
	if len(got) != 1 {
		t.Fatalf("echo duplicated the message: %v", got)
	}
	if got[0].IsOptimistic {
		t.Error("entry still optimistic after echo")
	}
}

func TestThreadOptimisticSendConfirmedByGateway(t *testing.T) {
	s, gw, _, _ := newThreadFixture()

	id := s.OptimisticSend(context.Background(), SendInput{
		ConversationID: "c1",
		SenderID:       "u1",
		Content:        "hello",
	})

	waitUntil(t, func() bool {
		got := s.Messages("c1")
		return len(got) == 1 && !got[0].IsOptimistic
	})
	if gw.sentCount() != 1 {
		t.Errorf("expected one gateway send, got %d", gw.sentCount())
	}
	gw.mu.Lock()
	sentID := gw.sent[0].ID
	gw.mu.Unlock()
	if sentID != id {
		t.Errorf("gateway send used id %s, local entry has %s", sentID, id)
	}
}

func TestThreadDuplicateDeliveryIgnored(t *testing.T) {
	s, _, _, _ := newThreadFixture()

	row := msg("m1", "c1", "peer", "hi", "2026-01-01T00:00:01Z")
	s.OnInsert(row)
	s.OnInsert(row)
	s.OnInsert(row)

	if got := s.Messages("c1"); len(got) != 1 {
		t.Fatalf("duplicate delivery produced %d entries", len(got))
	}
}

func TestThreadOutOfOrderArrival(t *testing.T) {
	t.Run("later arrival of an earlier message re-sorts", func(t *testing.T) {
		s, _, _, _ := newThreadFixture()
		s.OnInsert(msg("m2", "c1", "peer", "later", "2026-01-01T00:00:02Z"))
		s.OnInsert(msg("m1", "c1", "peer", "earlier", "2026-01-01T00:00:01Z"))

		got := s.Messages("c1")
		if got[0].ID != "m1" || got[1].ID != "m2" {
			t.Errorf("arrival order leaked into list order: %v", got)
		}
	})

	t.Run("mixed precision compares by instant, not by string", func(t *testing.T) {
		s, _, _, _ := newThreadFixture()
		// A whole-second timestamp carries no fraction, so byte order
		// would put it after the fractional one.
		s.OnInsert(msg("m2", "c1", "peer", "at 1.5s", "2026-01-01T00:00:01.5Z"))
		s.OnInsert(msg("m1", "c1", "peer", "at 1.0s", "2026-01-01T00:00:01Z"))

		got := s.Messages("c1")
		if got[0].ID != "m1" || got[1].ID != "m2" {
			t.Errorf("1.0s must sort before 1.5s: %v", got)
		}
	})

	t.Run("zone offsets compare by instant", func(t *testing.T) {
		s, _, _, _ := newThreadFixture()
		// 01:00+02:00 is 23:00Z the previous day.
		s.OnInsert(msg("m2", "c1", "peer", "midnight utc", "2026-01-01T00:00:00Z"))
		s.OnInsert(msg("m1", "c1", "peer", "earlier instant", "2026-01-01T01:00:00+02:00"))

		got := s.Messages("c1")
		if got[0].ID != "m1" || got[1].ID != "m2" {
			t.Errorf("offset timestamp misordered: %v", got)
		}
	})
}

func TestThreadSendFailureAndRetry(t *testing.T) {
	s, gw, _, _ := newThreadFixture()
	gw.setSendErr(errors.New("backend down"))

	id := s.OptimisticSend(context.Background(), SendInput{
		ConversationID: "c1",
		SenderID:       "u1",
		Content:        "hello",
	})

	// The entry stays in place, flagged, never auto-retried.
	waitUntil(t, func() bool {
		got := s.Messages("c1")
		return len(got) == 1 && got[0].Failed
	})
	if gw.sentCount() != 0 {
		t.Error("failed send must not be recorded as sent")
	}

	t.Run("retry of a healthy id is refused", func(t *testing.T) {
		if s.RetrySend(context.Background(), "c1", "no-such-id") {
			t.Error("retry accepted an unknown id")
		}
	})

	t.Run("manual retry clears the flag on success", func(t *testing.T) {
		gw.setSendErr(nil)
		if !s.RetrySend(context.Background(), "c1", id) {
			t.Fatal("retry refused a failed entry")
		}
		waitUntil(t, func() bool {
			got := s.Messages("c1")
			return len(got) == 1 && !got[0].Failed && !got[0].IsOptimistic
		})
		if gw.sentCount() != 1 {
			t.Errorf("expected one successful send, got %d", gw.sentCount())
		}
	})
}

func TestThreadMarkRead(t *testing.T) {
	s, gw, _, _ := newThreadFixture()

	t.Run("empty thread is a no-op", func(t *testing.T) {
		s.MarkRead(context.Background(), "c1")
		if gw.readCount() != 0 {
			t.Error("mark read called with no messages")
		}
	})

	t.Run("covers the newest loaded message", func(t *testing.T) {
		s.OnInsert(msg("m1", "c1", "peer", "a", "2026-01-01T00:00:01Z"))
		s.OnInsert(msg("m2", "c1", "peer", "b", "2026-01-01T00:00:02Z"))
		s.MarkRead(context.Background(), "c1")
		waitUntil(t, func() bool { return gw.readCount() == 1 })
		gw.mu.Lock()
		read := gw.reads[0]
		gw.mu.Unlock()
		if read != [3]string{"c1", "u1", "m2"} {
			t.Errorf("unexpected receipt: %v", read)
		}
	})
}

func TestThreadTyping(t *testing.T) {
	s, _, ch, _ := newThreadFixture()

	s.SetTyping(context.Background(), "c1", true)
	s.SetTyping(context.Background(), "c1", false)

	if n := ch.subscribeCount("typing:c1"); n != 1 {
		t.Errorf("typing channel opened %d times", n)
	}
	ch.mu.Lock()
	published := append([]TypingEvent(nil), ch.published...)
	ch.mu.Unlock()
	if len(published) != 2 || !published[0].IsTyping || published[1].IsTyping {
		t.Fatalf("unexpected broadcasts: %v", published)
	}
	if published[0].UserID != "u1" || published[0].ConversationID != "c1" {
		t.Errorf("broadcast misaddressed: %+v", published[0])
	}

	t.Run("peer typing is surfaced, own echo dropped", func(t *testing.T) {
		var got []TypingEvent
		s.On("typing", func(event string, payload any) {
			got = append(got, payload.(TypingEvent))
		})
		ch.pushTyping("c1", TypingEvent{ConversationID: "c1", UserID: "u1", IsTyping: true})
		ch.pushTyping("c1", TypingEvent{ConversationID: "c1", UserID: "peer", IsTyping: true})
		if len(got) != 1 || got[0].UserID != "peer" {
			t.Errorf("unexpected typing events: %v", got)
		}
	})
}

func TestThreadOpenClose(t *testing.T) {
	s, _, ch, _ := newThreadFixture()

	if err := s.OpenThread("c1"); err != nil {
		t.Fatal(err)
	}
	if err := s.OpenThread("c1"); err != nil {
		t.Fatal(err)
	}
	if n := ch.subscribeCount("messages:c1"); n != 1 {
		t.Errorf("message channel opened %d times", n)
	}

	// Pushed events flow through the subscription into the store.
	ch.pushMessage("c1", msg("m1", "c1", "peer", "hi", "2026-01-01T00:00:01Z"))
	if len(s.Messages("c1")) != 1 {
		t.Error("pushed message not applied")
	}

	s.CloseThread("c1")
	if ch.teardownCount("messages:c1") != 1 || ch.teardownCount("typing:c1") != 1 {
		t.Error("close did not tear down the thread's channels")
	}

	// Closing one thread leaves another untouched.
	if err := s.OpenThread("c2"); err != nil {
		t.Fatal(err)
	}
	s.CloseThread("c1")
	if ch.teardownCount("messages:c2") != 0 {
		t.Error("closing c1 tore down c2")
	}
}

func TestThreadCacheRestore(t *testing.T) {
	gw := newFakeGateway()
	ch := newFakeChannels()
	cache := NewMemoryCache()

	first := NewThreadStore("u1", gw, ch, cache, nil)
	first.OnInsert(msg("m1", "c1", "peer", "hi", "2026-01-01T00:00:01Z"))
	pendingID := first.OptimisticSend(context.Background(), SendInput{
		ConversationID: "c1",
		SenderID:       "u1",
		Content:        "draft",
	})
	waitUntil(t, func() bool {
		got := first.Messages("c1")
		return len(got) == 2 && !got[1].IsOptimistic
	})

	second := NewThreadStore("u1", gw, ch, cache, nil)
	got := second.Messages("c1")
	if len(got) != 2 || got[0].ID != "m1" || got[1].ID != pendingID {
		t.Fatalf("snapshot not restored: %v", got)
	}

	// A late duplicate of a restored message is still absorbed.
	second.OnInsert(msg("m1", "c1", "peer", "hi", "2026-01-01T00:00:01Z"))
	if len(second.Messages("c1")) != 2 {
		t.Error("restored seen set did not absorb duplicate")
	}
}

func TestThreadSearch(t *testing.T) {
	s, _, _, _ := newThreadFixture()
	s.OnInsert(msg("m1", "c1", "peer", "see you Tomorrow", "2026-01-01T00:00:01Z"))
	s.OnInsert(msg("m2", "c1", "u1", "tomorrow works", "2026-01-01T00:00:02Z"))
	s.OnInsert(msg("m3", "c1", "peer", "great", "2026-01-01T00:00:03Z"))

	got := s.Search("c1", "TOMORROW", 0)
	if len(got) != 2 || got[0].ID != "m1" || got[1].ID != "m2" {
		t.Errorf("unexpected search hits: %v", got)
	}
	if got := s.Search("c1", "tomorrow", 1); len(got) != 1 {
		t.Errorf("limit not applied: %v", got)
	}
}
