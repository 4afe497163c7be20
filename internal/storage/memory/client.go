package memory

import (
	"context"
	"sync"
	"time"

	"github.com/chatengine/internal/storage"
)

const (
	pushLimitWindow = 60 * time.Second
	pushLimitMax    = 30
)

type Client struct {
	mu    sync.RWMutex
	subs  map[string]map[string]storage.Subscription
	limit map[string][]time.Time
}

var _ storage.PushStore = (*Client)(nil)

func New() *Client {
	return &Client{
		subs:  make(map[string]map[string]storage.Subscription),
		limit: make(map[string][]time.Time),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) SaveSubscription(ctx context.Context, userID string, sub storage.Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.subs[userID]
	if !ok {
		m = make(map[string]storage.Subscription)
		c.subs[userID] = m
	}
	m[sub.Endpoint] = sub
	return nil
}

func (c *Client) Subscriptions(ctx context.Context, userID string) ([]storage.Subscription, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]storage.Subscription, 0, len(c.subs[userID]))
	for _, s := range c.subs[userID] {
		out = append(out, s)
	}
	return out, nil
}

func (c *Client) DeleteSubscription(ctx context.Context, userID, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs[userID], endpoint)
	return nil
}

func (c *Client) AllowPush(ctx context.Context, userID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	cut := now.Add(-pushLimitWindow)
	var kept []time.Time
	for _, t := range c.limit[userID] {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= pushLimitMax {
		c.limit[userID] = kept
		return false, nil
	}
	c.limit[userID] = append(kept, now)
	return true, nil
}
