package storage

import (
	"context"
)

// Subscription - web push подписка из браузера (PushManager.subscribe()).
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// PushStore - подписки на push и лимит уведомлений на пользователя.
// Реализации: redis.Client, memory.Client (для -memory без Redis).
type PushStore interface {
	SaveSubscription(ctx context.Context, userID string, sub Subscription) error
	Subscriptions(ctx context.Context, userID string) ([]Subscription, error)
	DeleteSubscription(ctx context.Context, userID, endpoint string) error
	// AllowPush считает уведомления пользователю в окне; false - лимит исчерпан.
	AllowPush(ctx context.Context, userID string) (allowed bool, err error)
	Close() error
}
