package relay

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatengine/internal/fanout"
)

type localStub struct {
	mu     sync.Mutex
	online map[string]bool
	got    map[string][]fanout.Event
}

func newLocalStub(online ...string) *localStub {
	l := &localStub{online: make(map[string]bool), got: make(map[string][]fanout.Event)}
	for _, u := range online {
		l.online[u] = true
	}
	return l
}

func (l *localStub) Online(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online[userID]
}

func (l *localStub) SendToUser(userID string, ev fanout.Event) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.online[userID] {
		return 0, nil
	}
	l.got[userID] = append(l.got[userID], ev)
	return 1, nil
}

// unreachable возвращает клиент, все команды которого быстро падают.
func unreachable() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestDeliverFromChannel(t *testing.T) {
	local := newLocalStub("bob")
	r := New(unreachable(), local, "")

	data, err := encode("other-instance", "bob", fanout.Event{
		Type:    fanout.EventSeenUpdated,
		Payload: fanout.SeenUpdatedPayload{Username: "alice", ChatID: "c1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	r.deliver(data)

	own, _ := encode(r.InstanceID(), "bob", fanout.Event{Type: fanout.EventSeenUpdated})
	r.deliver(own)
	r.deliver([]byte("garbage"))

	got := local.got["bob"]
	if len(got) != 1 || got[0].Type != fanout.EventSeenUpdated {
		t.Fatalf("delivered: %+v", got)
	}
	raw, err := json.Marshal(got[0])
	if err != nil {
		t.Fatal(err)
	}
	var back struct {
		Type    string                    `json:"type"`
		Payload fanout.SeenUpdatedPayload `json:"payload"`
	}
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if back.Payload.Username != "alice" || back.Payload.ChatID != "c1" {
		t.Fatalf("payload changed in transit: %s", raw)
	}
}

func TestLocalDeliveryWithoutRedis(t *testing.T) {
	local := newLocalStub("bob")
	r := New(unreachable(), local, "test:events")

	if !r.Online("bob") {
		t.Fatal("local session must count as online")
	}
	if r.Online("carol") {
		t.Fatal("carol has no sessions anywhere reachable")
	}
	n, err := r.SendToUser("bob", fanout.Event{Type: fanout.EventTypingChanged})
	if n != 1 || err != nil {
		t.Fatalf("SendToUser = %d, %v", n, err)
	}
	if n, _ := r.SendToUser("carol", fanout.Event{Type: fanout.EventTypingChanged}); n != 0 {
		t.Fatalf("carol: %d", n)
	}

	r.SetPresence("bob", true)
	r.SetPresence("bob", false)
	if len(r.online) != 0 {
		t.Fatalf("presence not cleared: %v", r.online)
	}
}
