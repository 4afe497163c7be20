package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chatengine/internal/fanout"
	"github.com/chatengine/internal/model"
	"github.com/chatengine/internal/repository"
	"github.com/chatengine/internal/repository/memstore"
)

func TestConcurrentAppendsKeepCommitOrder(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	disp := &recordingDispatcher{}
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// Часы стоят: порядок задаётся только монотонным назначением createdAt.
	svc := NewChatService(store, disp, Options{Now: func() time.Time { return frozen }})
	f := &fixture{svc: svc, store: store, disp: disp}
	senders := []string{"s0", "s1", "s2", "s3"}
	f.addUsers(t, senders...)
	g, _, err := svc.CreateGroup(ctx, "s0", "load", senders[1:])
	if err != nil {
		t.Fatal(err)
	}

	const perSender = 25
	var wg sync.WaitGroup
	for _, s := range senders {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if _, err := svc.Append(ctx, g.ID, sender, text(fmt.Sprintf("%s-%d", sender, i))); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}(s)
	}
	wg.Wait()

	msgs, err := svc.ListMessages(ctx, "s0", g.ID, repository.MessageQuery{Limit: maxPageSize})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != len(senders)*perSender {
		t.Fatalf("got %d messages", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if !msgs[i-1].Before(msgs[i]) || !msgs[i-1].CreatedAt().Before(msgs[i].CreatedAt()) {
			t.Fatalf("ledger not strictly increasing at %d", i)
		}
	}

	facts := disp.ofType(fanout.EventNewMessage)
	if len(facts) != len(msgs) {
		t.Fatalf("got %d NewMessage facts", len(facts))
	}
	for i, j := range facts {
		if j.fact.Message.ID() != msgs[i].ID() {
			t.Fatalf("fact %d out of commit order", i)
		}
		if contains(j.audience, j.fact.Message.SenderID()) {
			t.Fatalf("sender %s in its own NewMessage audience", j.fact.Message.SenderID())
		}
	}
	// Порядок отдельного отправителя сохраняется.
	next := map[string]int{}
	for _, m := range msgs {
		want := fmt.Sprintf("%s-%d", m.SenderID(), next[m.SenderID()])
		if m.Content().Body != want {
			t.Fatalf("got %q, want %q", m.Content().Body, want)
		}
		next[m.SenderID()]++
	}
}

func TestAppendValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob", "eve")
	d, _ := f.svc.CreateDirect(ctx, "alice", "bob")

	if _, err := f.svc.Append(ctx, d.ID, "eve", text("hi")); !errors.Is(err, model.ErrNotAMember) {
		t.Fatalf("outsider: %v", err)
	}
	if _, err := f.svc.Append(ctx, d.ID, "alice", text("")); !errors.Is(err, model.ErrInvalidContent) {
		t.Fatalf("empty body: %v", err)
	}
	if _, err := f.svc.Append(ctx, "missing", "alice", text("hi")); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("unknown chat: %v", err)
	}
	photo := model.Content{Type: model.MessageTypePhoto, MediaRef: "p/1.jpg"}
	m, err := f.svc.Append(ctx, d.ID, "bob", photo)
	if err != nil {
		t.Fatal(err)
	}
	if m.Content().MediaRef != "p/1.jpg" || m.Type() != model.MessageTypePhoto {
		t.Fatalf("media message: %+v", m.Data())
	}
}

func TestGroupSendPermissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ann", "ben")
	g, _, _ := f.svc.CreateGroup(ctx, "ann", "team", []string{"ben"})

	p := model.DefaultGroupPermissions()
	p.SendMedia = false
	if _, err := f.svc.UpdatePermissions(ctx, "ann", g.ID, p); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Append(ctx, g.ID, "ben", text("words are fine")); err != nil {
		t.Fatalf("text: %v", err)
	}
	voice := model.Content{Type: model.MessageTypeVoice, MediaRef: "v/1.ogg"}
	if _, err := f.svc.Append(ctx, g.ID, "ben", voice); !errors.Is(err, model.ErrChatArchived) {
		t.Fatalf("media without permission: %v", err)
	}
	if _, err := f.svc.Append(ctx, g.ID, "ann", voice); err != nil {
		t.Fatalf("owner is not restricted: %v", err)
	}
}

func TestForwardIsAtomic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob", "carol")
	src, _ := f.svc.CreateDirect(ctx, "alice", "bob")
	secret, _ := f.svc.CreateDirect(ctx, "bob", "carol")
	target, _ := f.svc.CreateDirect(ctx, "alice", "carol")

	m1 := mustAppend(t, f.svc, src.ID, "bob", "one")
	m2 := mustAppend(t, f.svc, src.ID, "alice", "two")
	hidden := mustAppend(t, f.svc, secret.ID, "carol", "private")

	_, err := f.svc.Forward(ctx, []string{m1.ID(), hidden.ID(), m2.ID()}, target.ID, "alice")
	if !errors.Is(err, model.ErrNotAMember) {
		t.Fatalf("want ErrNotAMember, got %v", err)
	}
	msgs, _ := f.svc.ListMessages(ctx, "alice", target.ID, repository.MessageQuery{})
	if len(msgs) != 0 {
		t.Fatalf("partial forward: %d messages", len(msgs))
	}

	out, err := f.svc.Forward(ctx, []string{m2.ID(), m1.ID()}, target.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].ForwardedFrom() != m2.ID() || out[1].ForwardedFrom() != m1.ID() {
		t.Fatalf("forward order: %+v", out)
	}
	if out[0].Content().Body != "two" || out[0].SenderID() != "alice" || out[0].ChatID() != target.ID {
		t.Fatalf("forwarded copy: %+v", out[0].Data())
	}
	if n := mustUnread(t, f.svc, "carol", target.ID); n != 2 {
		t.Fatalf("carol unread = %d", n)
	}

	if err := f.svc.SoftDelete(ctx, m1.ID(), "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Forward(ctx, []string{m1.ID()}, target.ID, "alice"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("forwarding a deleted message: %v", err)
	}
	if _, err := f.svc.Forward(ctx, []string{"nope"}, target.ID, "alice"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("forwarding unknown message: %v", err)
	}
}

func TestSoftDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	d, _ := f.svc.CreateDirect(ctx, "alice", "bob")
	m := mustAppend(t, f.svc, d.ID, "alice", "oops")
	f.disp.reset()

	if err := f.svc.SoftDelete(ctx, m.ID(), "bob"); !errors.Is(err, model.ErrPermissionDenied) {
		t.Fatalf("delete by non-sender: %v", err)
	}
	if err := f.svc.SoftDelete(ctx, m.ID(), "alice"); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.SoftDelete(ctx, m.ID(), "alice"); err != nil {
		t.Fatalf("second delete must be a no-op: %v", err)
	}
	if got := f.disp.ofType(fanout.EventMessageUpdated); len(got) != 1 {
		t.Fatalf("want one message_updated fact, got %d", len(got))
	}
	if n := mustUnread(t, f.svc, "bob", d.ID); n != 0 {
		t.Fatalf("deleted message still unread: %d", n)
	}
	msgs, _ := f.svc.ListMessages(ctx, "bob", d.ID, repository.MessageQuery{})
	if len(msgs) != 1 || !msgs[0].IsDeleted() {
		t.Fatal("deleted message must stay in the ledger as a tombstone")
	}
	if err := f.svc.SoftDelete(ctx, "nope", "alice"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("unknown message: %v", err)
	}
}

func TestPinRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "bob", "tom", "alice")
	ch, _, _ := f.svc.CreateChannel(ctx, "bob", "news", "daily", []string{"tom"})
	post := mustAppend(t, f.svc, ch.ID, "bob", "headline")

	if err := f.svc.Pin(ctx, post.ID(), "tom"); !errors.Is(err, model.ErrPermissionDenied) {
		t.Fatalf("channel member pinning: %v", err)
	}
	if err := f.svc.Pin(ctx, post.ID(), "bob"); err != nil {
		t.Fatal(err)
	}
	pinned, err := f.svc.ListPinned(ctx, "tom", ch.ID)
	if err != nil || len(pinned) != 1 {
		t.Fatalf("pinned: %d, %v", len(pinned), err)
	}
	if err := f.svc.Unpin(ctx, post.ID(), "bob"); err != nil {
		t.Fatal(err)
	}

	d, _ := f.svc.CreateDirect(ctx, "alice", "tom")
	dm := mustAppend(t, f.svc, d.ID, "alice", "note")
	if err := f.svc.Pin(ctx, dm.ID(), "tom"); err != nil {
		t.Fatalf("either direct participant may pin: %v", err)
	}
	if err := f.svc.SoftDelete(ctx, dm.ID(), "alice"); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Pin(ctx, dm.ID(), "alice"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("pinning a deleted message: %v", err)
	}
	if pinned, _ := f.svc.ListPinned(ctx, "alice", d.ID); len(pinned) != 0 {
		t.Fatal("deletion must unpin")
	}
}

func TestGroupPinPermission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ann", "ben")
	g, _, _ := f.svc.CreateGroup(ctx, "ann", "team", []string{"ben"})
	m := mustAppend(t, f.svc, g.ID, "ben", "pin me")
	if err := f.svc.Pin(ctx, m.ID(), "ben"); !errors.Is(err, model.ErrPermissionDenied) {
		t.Fatalf("pin without permission: %v", err)
	}
	p := model.DefaultGroupPermissions()
	p.PinMessages = true
	if _, err := f.svc.UpdatePermissions(ctx, "ann", g.ID, p); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Pin(ctx, m.ID(), "ben"); err != nil {
		t.Fatalf("pin with permission: %v", err)
	}
}

func TestListMessagesPaging(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	d, _ := f.svc.CreateDirect(ctx, "alice", "bob")
	var all []model.Message
	for i := 0; i < 7; i++ {
		all = append(all, mustAppend(t, f.svc, d.ID, "alice", fmt.Sprintf("m%d", i)))
	}

	latest, err := f.svc.ListMessages(ctx, "bob", d.ID, repository.MessageQuery{Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 3 || latest[0].ID() != all[4].ID() || latest[2].ID() != all[6].ID() {
		t.Fatal("latest page must be the newest messages in ascending order")
	}
	cur := repository.CursorOf(latest[0])
	older, _ := f.svc.ListMessages(ctx, "bob", d.ID, repository.MessageQuery{Before: &cur, Limit: 3})
	if len(older) != 3 || older[0].ID() != all[1].ID() || older[2].ID() != all[3].ID() {
		t.Fatal("page before cursor")
	}
	after := repository.CursorOf(all[1])
	newer, _ := f.svc.ListMessages(ctx, "bob", d.ID, repository.MessageQuery{After: &after, Limit: 2})
	if len(newer) != 2 || newer[0].ID() != all[2].ID() {
		t.Fatal("page after cursor")
	}
	if _, err := f.svc.ListMessages(ctx, "eve", d.ID, repository.MessageQuery{}); !errors.Is(err, model.ErrNotAMember) {
		t.Fatalf("outsider reading: %v", err)
	}
}
