package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chatengine/internal/fanout"
	"github.com/chatengine/internal/model"
	"github.com/chatengine/internal/repository/memstore"
)

func TestChannelOwnerPostsAndMemberReads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "bob", "tom")
	ch, _, err := f.svc.CreateChannel(ctx, "bob", "announcements", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.AddMember(ctx, "bob", ch.ID, "tom", model.RoleNormal); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Append(ctx, ch.ID, "tom", text("can I post?")); !errors.Is(err, model.ErrChatArchived) {
		t.Fatalf("normal channel member posting: %v", err)
	}
	hello := mustAppend(t, f.svc, ch.ID, "bob", "hello")
	if n := mustUnread(t, f.svc, "tom", ch.ID); n != 1 {
		t.Fatalf("tom unread = %d, want 1", n)
	}

	f.disp.reset()
	advanced, err := f.svc.MarkSeen(ctx, "tom", ch.ID, hello.ID())
	if err != nil || !advanced {
		t.Fatalf("MarkSeen: advanced=%v err=%v", advanced, err)
	}
	if n := mustUnread(t, f.svc, "tom", ch.ID); n != 0 {
		t.Fatalf("tom unread after MarkSeen = %d", n)
	}
	seen := f.disp.ofType(fanout.EventSeenUpdated)
	if len(seen) != 1 {
		t.Fatalf("want one seen_updated fact, got %d", len(seen))
	}
	p := seen[0].fact.Payload.(fanout.SeenUpdatedPayload)
	if p.Username != "tom" || !p.LastSeenAt.Equal(hello.CreatedAt()) {
		t.Fatalf("seen payload: %+v", p)
	}
	if !contains(seen[0].audience, "bob") || contains(seen[0].audience, "tom") {
		t.Fatalf("seen audience: %v", seen[0].audience)
	}
	if n := mustUnread(t, f.svc, "bob", ch.ID); n != 0 {
		t.Fatalf("MarkSeen must not touch other members' counts, bob=%d", n)
	}
}

func TestUnreadWhenNeverSeen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ann", "ben", "cat")
	g, _, _ := f.svc.CreateGroup(ctx, "ann", "team", []string{"ben", "cat"})
	for i := 0; i < 3; i++ {
		mustAppend(t, f.svc, g.ID, "ann", "from ann")
	}
	for i := 0; i < 2; i++ {
		mustAppend(t, f.svc, g.ID, "ben", "from ben")
	}
	cases := map[string]int{"ann": 2, "ben": 3, "cat": 5}
	for user, want := range cases {
		if got := mustUnread(t, f.svc, user, g.ID); got != want {
			t.Errorf("%s unread = %d, want %d", user, got, want)
		}
	}
	counts, err := f.svc.UnreadCounts(ctx, g.ID, []string{"ann", "ben", "cat", "stranger"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := counts["stranger"]; ok || counts["cat"] != 5 {
		t.Fatalf("batch counts: %v", counts)
	}
}

func TestMarkSeenIsMonotonic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	d, _ := f.svc.CreateDirect(ctx, "alice", "bob")
	m1 := mustAppend(t, f.svc, d.ID, "alice", "1")
	m2 := mustAppend(t, f.svc, d.ID, "alice", "2")
	m3 := mustAppend(t, f.svc, d.ID, "alice", "3")
	f.disp.reset()

	watermark := func() time.Time {
		sum, err := f.svc.GetChat(ctx, "bob", d.ID)
		if err != nil {
			t.Fatal(err)
		}
		for _, m := range sum.Members {
			if m.UserID == "bob" {
				return m.LastSeenAt
			}
		}
		t.Fatal("bob not in members")
		return time.Time{}
	}

	if ok, err := f.svc.MarkSeen(ctx, "bob", d.ID, m2.ID()); err != nil || !ok {
		t.Fatalf("advance to m2: %v %v", ok, err)
	}
	if !watermark().Equal(m2.CreatedAt()) || mustUnread(t, f.svc, "bob", d.ID) != 1 {
		t.Fatal("watermark must be exactly m2")
	}
	if ok, err := f.svc.MarkSeen(ctx, "bob", d.ID, m1.ID()); err != nil || ok {
		t.Fatalf("earlier message must be a no-op: %v %v", ok, err)
	}
	if !watermark().Equal(m2.CreatedAt()) {
		t.Fatal("watermark regressed")
	}
	if ok, _ := f.svc.MarkSeen(ctx, "bob", d.ID, m3.ID()); !ok || !watermark().Equal(m3.CreatedAt()) {
		t.Fatal("advance to m3")
	}
	if got := f.disp.ofType(fanout.EventSeenUpdated); len(got) != 2 {
		t.Fatalf("only advancing calls emit, got %d facts", len(got))
	}

	other, _ := f.svc.CreateSaved(ctx, "bob")
	foreign := mustAppend(t, f.svc, other.ID, "bob", "note")
	if _, err := f.svc.MarkSeen(ctx, "bob", d.ID, foreign.ID()); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("message of another chat: %v", err)
	}
	if _, err := f.svc.MarkSeen(ctx, "eve", d.ID, m3.ID()); !errors.Is(err, model.ErrNotAMember) {
		t.Fatalf("outsider: %v", err)
	}
}

func TestTypingSignals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ann", "ben", "cat", "dan")
	g, _, _ := f.svc.CreateGroup(ctx, "ann", "team", []string{"ben", "cat"})
	f.disp.reset()

	f.svc.StartTyping(ctx, "dan", g.ID)
	if got := f.disp.ofType(fanout.EventTypingChanged); len(got) != 0 {
		t.Fatalf("non-member typing produced %d facts", len(got))
	}

	f.svc.StartTyping(ctx, "ben", g.ID)
	f.svc.StartTyping(ctx, "ben", g.ID)
	f.svc.Typing().Flush()
	got := f.disp.ofType(fanout.EventTypingChanged)
	if len(got) != 1 {
		t.Fatalf("want one typing fact, got %d", len(got))
	}
	p := got[0].fact.Payload.(fanout.TypingChangedPayload)
	if !p.IsTyping || p.Username != "ben" || p.DisplayName != "User ben" {
		t.Fatalf("payload: %+v", p)
	}
	if contains(got[0].audience, "ben") || len(got[0].audience) != 2 {
		t.Fatalf("audience: %v", got[0].audience)
	}

	mustAppend(t, f.svc, g.ID, "ben", "done typing")
	f.svc.Typing().Flush()
	got = f.disp.ofType(fanout.EventTypingChanged)
	if len(got) != 2 || got[1].fact.Payload.(fanout.TypingChangedPayload).IsTyping {
		t.Fatal("sending a message must emit typing stop")
	}

	f.svc.StartTyping(ctx, "cat", g.ID)
	f.svc.UserDisconnected("cat")
	if f.svc.Typing().IsTyping(g.ID, "cat") {
		t.Fatal("disconnect must clear typing")
	}
	f.svc.StopTyping(ctx, "cat", g.ID)
	f.svc.Typing().Flush()
	if got := f.disp.ofType(fanout.EventTypingChanged); len(got) != 4 {
		t.Fatalf("want 4 typing facts, got %d", len(got))
	}
}

// fakeTransport - реестр соединений в памяти; online задаётся тестом.
type fakeTransport struct {
	mu     sync.Mutex
	online map[string]bool
	got    map[string][]fanout.Event
	ch     chan fanout.Event
}

func newFakeTransport(online ...string) *fakeTransport {
	tr := &fakeTransport{online: map[string]bool{}, got: map[string][]fanout.Event{}, ch: make(chan fanout.Event, 64)}
	for _, u := range online {
		tr.online[u] = true
	}
	return tr
}

func (tr *fakeTransport) setOnline(userID string, on bool) {
	tr.mu.Lock()
	tr.online[userID] = on
	tr.mu.Unlock()
}

func (tr *fakeTransport) Online(userID string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.online[userID]
}

func (tr *fakeTransport) SendToUser(userID string, ev fanout.Event) (int, error) {
	tr.mu.Lock()
	if !tr.online[userID] {
		tr.mu.Unlock()
		return 0, nil
	}
	tr.got[userID] = append(tr.got[userID], ev)
	tr.mu.Unlock()
	tr.ch <- ev
	return 1, nil
}

func (tr *fakeTransport) events(userID string, t fanout.EventType) []fanout.Event {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var out []fanout.Event
	for _, ev := range tr.got[userID] {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func TestDirectChatDeliveryAndReconnect(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tr := newFakeTransport("carol")
	disp := fanout.NewDispatcher(tr, nil, nil, fanout.Options{})
	svc := NewChatService(store, disp, Options{})
	disp.SetUnreadCounter(svc)
	f := &fixture{svc: svc, store: store}
	f.addUsers(t, "alice", "carol")

	chat, err := svc.CreateDirect(ctx, "alice", "carol")
	if err != nil {
		t.Fatal(err)
	}
	mustAppend(t, svc, chat.ID, "alice", "hi")

	deadline := time.After(2 * time.Second)
	for {
		var ev fanout.Event
		select {
		case ev = <-tr.ch:
		case <-deadline:
			t.Fatal("carol did not receive new_message")
		}
		if ev.Type != fanout.EventNewMessage {
			continue
		}
		p := ev.Payload.(fanout.NewMessagePayload)
		if p.RecipientUnreadCount == nil || *p.RecipientUnreadCount != 1 || p.ChatID != chat.ID || p.Message.Body != "hi" {
			t.Fatalf("new_message payload: %+v", p)
		}
		break
	}

	tr.setOnline("carol", false)
	mustAppend(t, svc, chat.ID, "alice", "again")
	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := disp.Close(closeCtx); err != nil {
		t.Fatal(err)
	}
	if got := tr.events("carol", fanout.EventNewMessage); len(got) != 1 {
		t.Fatalf("offline recipient must not be pushed, got %d new_message events", len(got))
	}
	if got := tr.events("alice", fanout.EventNewMessage); len(got) != 0 {
		t.Fatal("sender must not receive its own message")
	}

	tr.setOnline("carol", true)
	if n := mustUnread(t, svc, "carol", chat.ID); n != 2 {
		t.Fatalf("carol unread on reconnect = %d, want 2", n)
	}
}
