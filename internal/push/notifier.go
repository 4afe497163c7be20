// Package push шлёт web push уведомления получателям, у которых нет ни одного соединения.
// Уведомление носит рекомендательный характер: состояние клиент всё равно сверяет запросом.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/chatengine/internal/fanout"
	"github.com/chatengine/internal/logger"
	"github.com/chatengine/internal/model"
	"github.com/chatengine/internal/storage"
)

const (
	sendTimeout    = 10 * time.Second
	maxInFlight    = 16
	previewRunes   = 120
	defaultTTLSecs = 3600
)

// Payload - то, что получает service worker.
type Payload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type sendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Notifier реализует fanout.OfflineNotifier. Без ключей - no-op.
type Notifier struct {
	store   storage.PushStore
	keys    Keys
	subject string
	send    sendFunc

	sem chan struct{}
	wg  sync.WaitGroup
}

var _ fanout.OfflineNotifier = (*Notifier)(nil)

// NewNotifier создаёт отправителя. subject - mailto: или https: контакт для VAPID.
func NewNotifier(store storage.PushStore, keys Keys, subject string) *Notifier {
	return &Notifier{
		store:   store,
		keys:    keys,
		subject: subject,
		send:    webpush.SendNotificationWithContext,
		sem:     make(chan struct{}, maxInFlight),
	}
}

func (n *Notifier) PublicKey() string { return n.keys.PublicKey }

// NotifyOffline не блокирует: отправка идёт в фоне, при перегрузке уведомление пропускается.
func (n *Notifier) NotifyOffline(ctx context.Context, userID string, m model.Message) {
	if n == nil || !n.keys.Valid() {
		return
	}
	select {
	case n.sem <- struct{}{}:
	default:
		logger.Errorf("push: too many in-flight notifications, skipping user=%s", userID)
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() { <-n.sem }()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()
		n.notify(sctx, userID, m)
	}()
}

// Wait дожидается фоновых отправок (для остановки и тестов).
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) notify(ctx context.Context, userID string, m model.Message) {
	allowed, err := n.store.AllowPush(ctx, userID)
	if err != nil {
		logger.Errorf("push: rate limit user=%s: %v", userID, err)
		return
	}
	if !allowed {
		return
	}
	subs, err := n.store.Subscriptions(ctx, userID)
	if err != nil {
		logger.Errorf("push: subscriptions user=%s: %v", userID, err)
		return
	}
	if len(subs) == 0 {
		return
	}
	body, err := json.Marshal(payloadFor(m))
	if err != nil {
		logger.Errorf("push: marshal: %v", err)
		return
	}
	for _, s := range subs {
		if err := n.sendOne(ctx, userID, s, body); err != nil {
			logger.Errorf("push: user=%s endpoint=%s: %v", userID, s.Endpoint, err)
		}
	}
}

func (n *Notifier) sendOne(ctx context.Context, userID string, s storage.Subscription, body []byte) error {
	sub := &webpush.Subscription{
		Endpoint: s.Endpoint,
		Keys:     webpush.Keys{P256dh: s.Keys.P256dh, Auth: s.Keys.Auth},
	}
	resp, err := n.send(ctx, body, sub, &webpush.Options{
		Subscriber:      n.subject,
		VAPIDPublicKey:  n.keys.PublicKey,
		VAPIDPrivateKey: n.keys.PrivateKey,
		TTL:             defaultTTLSecs,
		Urgency:         webpush.UrgencyNormal,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrPushDelivery, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		// Подписка отозвана браузером.
		return n.store.DeleteSubscription(ctx, userID, s.Endpoint)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: status %d", model.ErrPushDelivery, resp.StatusCode)
	}
	return nil
}

func payloadFor(m model.Message) Payload {
	c := m.Content()
	body := c.Body
	if c.Type.IsMedia() && body == "" {
		body = "[" + string(c.Type) + "]"
	}
	if utf8.RuneCountInString(body) > previewRunes {
		body = string([]rune(body)[:previewRunes]) + "…"
	}
	return Payload{
		Title: "New message",
		Body:  body,
		Data:  map[string]string{"chat_id": m.ChatID(), "message_id": m.ID()},
	}
}
