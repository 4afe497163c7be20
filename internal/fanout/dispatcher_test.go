package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chatengine/internal/media"
	"github.com/chatengine/internal/model"
)

type stubTransport struct {
	mu      sync.Mutex
	online  map[string]bool
	failing map[string]error
	panics  map[string]bool
	got     map[string][]Event
}

func newStubTransport(online ...string) *stubTransport {
	tr := &stubTransport{
		online:  map[string]bool{},
		failing: map[string]error{},
		panics:  map[string]bool{},
		got:     map[string][]Event{},
	}
	for _, u := range online {
		tr.online[u] = true
	}
	return tr
}

func (tr *stubTransport) Online(userID string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.online[userID]
}

func (tr *stubTransport) SendToUser(userID string, ev Event) (int, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.panics[userID] {
		panic("socket exploded")
	}
	if err := tr.failing[userID]; err != nil {
		return 0, err
	}
	tr.got[userID] = append(tr.got[userID], ev)
	return 1, nil
}

func (tr *stubTransport) events(userID string) []Event {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]Event(nil), tr.got[userID]...)
}

type stubUnread map[string]int

func (u stubUnread) UnreadCounts(_ context.Context, _ string, userIDs []string) (map[string]int, error) {
	out := map[string]int{}
	for _, id := range userIDs {
		if n, ok := u[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

type offlineRecorder struct {
	mu    sync.Mutex
	users []string
}

func (o *offlineRecorder) NotifyOffline(_ context.Context, userID string, _ model.Message) {
	o.mu.Lock()
	o.users = append(o.users, userID)
	o.mu.Unlock()
}

func message(id, chatID, body string) model.Message {
	return model.NewMessage(model.MessageData{
		ID:        id,
		ChatID:    chatID,
		SenderID:  "alice",
		Content:   model.Content{Type: model.MessageTypeText, Body: body},
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
}

func TestDispatchPersonalizesUnreadCount(t *testing.T) {
	tr := newStubTransport("bob", "carol")
	d := NewDispatcher(tr, stubUnread{"bob": 3, "carol": 1}, nil, Options{})
	rep := d.Dispatch(context.Background(), NewMessage(message("m1", "c1", "hi")), []string{"bob", "carol", "dave"})

	sort.Strings(rep.Delivered)
	if fmt.Sprint(rep.Delivered) != "[bob carol]" || fmt.Sprint(rep.Dropped) != "[dave]" {
		t.Fatalf("report: %+v", rep)
	}
	for user, want := range map[string]int{"bob": 3, "carol": 1} {
		evs := tr.events(user)
		if len(evs) != 1 {
			t.Fatalf("%s got %d events", user, len(evs))
		}
		p := evs[0].Payload.(NewMessagePayload)
		if p.RecipientUnreadCount == nil || *p.RecipientUnreadCount != want || p.Message.Body != "hi" || p.ChatID != "c1" {
			t.Fatalf("%s payload: %+v", user, p)
		}
	}
}

func TestDispatchIsolatesRecipientFailures(t *testing.T) {
	tr := newStubTransport("bob", "carol", "dave")
	tr.failing["bob"] = errors.New("write: broken pipe")
	tr.panics["carol"] = true
	d := NewDispatcher(tr, nil, nil, Options{})

	rep := d.Dispatch(context.Background(), SeenUpdated("c1", "erin", time.Now()), []string{"bob", "carol", "dave"})
	if len(rep.Delivered) != 1 || rep.Delivered[0] != "dave" {
		t.Fatalf("delivered: %v", rep.Delivered)
	}
	if len(rep.Failed) != 2 {
		t.Fatalf("failed: %v", rep.Failed)
	}
	for _, u := range []string{"bob", "carol"} {
		if !errors.Is(rep.Failed[u], model.ErrPushDelivery) {
			t.Fatalf("%s error not classified: %v", u, rep.Failed[u])
		}
	}
}

func TestDispatchUnknownUnreadCount(t *testing.T) {
	tr := newStubTransport("bob")
	d := NewDispatcher(tr, nil, nil, Options{})
	d.Dispatch(context.Background(), NewMessage(message("m1", "c1", "hi")), []string{"bob"})
	p := tr.events("bob")[0].Payload.(NewMessagePayload)
	if p.RecipientUnreadCount != nil {
		t.Fatalf("without a counter the count is unknown, got %d", *p.RecipientUnreadCount)
	}
	raw, err := json.Marshal(tr.events("bob")[0])
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "recipient_unread_count") {
		t.Fatalf("unknown count must be omitted: %s", raw)
	}
}

func TestDispatchResolvesMediaAndNotifiesOffline(t *testing.T) {
	tr := newStubTransport("bob")
	off := &offlineRecorder{}
	d := NewDispatcher(tr, nil, media.NewBaseURLResolver("https://files.example"), Options{})
	d.SetOfflineNotifier(off)

	m := model.NewMessage(model.MessageData{
		ID: "m1", ChatID: "c1", SenderID: "alice",
		Content: model.Content{Type: model.MessageTypePhoto, MediaRef: "p.jpg"},
	})
	d.Dispatch(context.Background(), NewMessage(m), []string{"bob", "carol"})

	p := tr.events("bob")[0].Payload.(NewMessagePayload)
	if p.Message.MediaURL != "https://files.example/p.jpg" {
		t.Fatalf("media url: %q", p.Message.MediaURL)
	}
	if len(off.users) != 1 || off.users[0] != "carol" {
		t.Fatalf("offline notified: %v", off.users)
	}

	// Прочие факты оффлайн-уведомлений не порождают.
	d.Dispatch(context.Background(), ChatUpdated(model.Chat{ID: "c1"}), []string{"carol"})
	if len(off.users) != 1 {
		t.Fatalf("offline notified for non-message fact: %v", off.users)
	}
}

func TestEnqueuePreservesPerChatOrder(t *testing.T) {
	tr := newStubTransport("bob")
	d := NewDispatcher(tr, nil, nil, Options{Concurrency: 4})
	const n = 200
	for i := 0; i < n; i++ {
		chat := fmt.Sprintf("c%d", i%3)
		if !d.Enqueue(SeenUpdated(chat, fmt.Sprint(i), time.Now()), []string{"bob"}) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatal(err)
	}

	evs := tr.events("bob")
	if len(evs) != n {
		t.Fatalf("delivered %d of %d", len(evs), n)
	}
	last := map[string]int{}
	for _, ev := range evs {
		p := ev.Payload.(SeenUpdatedPayload)
		var seq int
		fmt.Sscan(p.Username, &seq)
		if prev, ok := last[p.ChatID]; ok && seq <= prev {
			t.Fatalf("chat %s: %d delivered after %d", p.ChatID, seq, prev)
		}
		last[p.ChatID] = seq
	}
	if d.Enqueue(SeenUpdated("c0", "late", time.Now()), []string{"bob"}) {
		t.Fatal("closed dispatcher must reject facts")
	}
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	tr := &blockingTransport{release: block}
	d := NewDispatcher(tr, nil, nil, Options{QueueSize: 1})
	defer close(block)

	accepted := 0
	for i := 0; i < 10; i++ {
		if d.Enqueue(SeenUpdated("c1", "x", time.Now()), []string{"bob"}) {
			accepted++
		}
	}
	// Один факт в работе у воркера и один в очереди; остальные отброшены.
	if accepted < 1 || accepted > 2 {
		t.Fatalf("accepted %d facts with a queue of 1", accepted)
	}
}

type blockingTransport struct {
	release chan struct{}
}

func (b *blockingTransport) Online(string) bool { return true }

func (b *blockingTransport) SendToUser(string, Event) (int, error) {
	<-b.release
	return 1, nil
}

func TestIdleWorkerExits(t *testing.T) {
	tr := newStubTransport("bob")
	d := NewDispatcher(tr, nil, nil, Options{IdleTimeout: 20 * time.Millisecond})
	d.Enqueue(SeenUpdated("c1", "x", time.Now()), []string{"bob"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		n := len(d.queues)
		d.mu.Unlock()
		if n == 0 {
			// После выхода воркера чат снова обслуживается новым.
			d.Enqueue(SeenUpdated("c1", "y", time.Now()), []string{"bob"})
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := d.Close(ctx); err != nil {
				t.Fatal(err)
			}
			if got := len(tr.events("bob")); got != 2 {
				t.Fatalf("delivered %d events", got)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("idle worker did not exit")
}
