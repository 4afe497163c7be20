package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chatengine/internal/logger"
	redisstorage "github.com/chatengine/internal/storage/redis"
)

// ConnectRedis подключается к Redis с повторами.
func ConnectRedis(ctx context.Context, redisURL string, maxWait time.Duration) (*redisstorage.Client, error) {
	var client *redisstorage.Client
	op := func() error {
		connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		c, err := redisstorage.New(connCtx, redisURL)
		if err != nil {
			return err
		}
		client = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Errorf("redis connect failed, retry in %v: %v", wait.Round(time.Millisecond), err)
	}
	if err := backoff.RetryNotify(op, retryPolicy(ctx, maxWait), notify); err != nil {
		return nil, fmt.Errorf("redis: gave up after %v: %w", maxWait, err)
	}
	return client, nil
}
