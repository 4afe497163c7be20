package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatengine/internal/storage"
)

// Подписки живут 60 дней с последнего сохранения; не больше 30 пушей в минуту на пользователя.
const (
	SubscriptionTTL = 60 * 24 * 3600
	PushLimitWindow = 60
	PushLimitMax    = 30
)

type Client struct {
	cli *redis.Client
}

var _ storage.PushStore = (*Client)(nil)

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Raw отдаёт go-redis клиент для pub/sub relay.
func (c *Client) Raw() *redis.Client {
	return c.cli
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// SaveSubscription кладёт подписку в хеш push_subs:{user} под ключом endpoint.
func (c *Client) SaveSubscription(ctx context.Context, userID string, sub storage.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	key := "push_subs:" + userID
	pipe := c.cli.TxPipeline()
	pipe.HSet(ctx, key, sub.Endpoint, data)
	pipe.Expire(ctx, key, SubscriptionTTL*time.Second)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *Client) Subscriptions(ctx context.Context, userID string) ([]storage.Subscription, error) {
	vals, err := c.cli.HGetAll(ctx, "push_subs:"+userID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	subs := make([]storage.Subscription, 0, len(vals))
	for endpoint, raw := range vals {
		var s storage.Subscription
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("push_subs %s: %w", endpoint, err)
		}
		subs = append(subs, s)
	}
	return subs, nil
}

func (c *Client) DeleteSubscription(ctx context.Context, userID, endpoint string) error {
	return c.cli.HDel(ctx, "push_subs:"+userID, endpoint).Err()
}

// AllowPush - счётчик push_limit:{user} с окном PushLimitWindow.
func (c *Client) AllowPush(ctx context.Context, userID string) (allowed bool, err error) {
	key := "push_limit:" + userID
	n, err := c.cli.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		c.cli.Expire(ctx, key, PushLimitWindow*time.Second)
	}
	return n <= int64(PushLimitMax), nil
}
