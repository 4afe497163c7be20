// Package startup - подключение к внешним зависимостям с повторами при старте процесса.
package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatengine/internal/logger"
)

// retryPolicy - экспоненциальные паузы от 1s до 30s, всего не дольше maxWait.
func retryPolicy(ctx context.Context, maxWait time.Duration) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = maxWait
	return backoff.WithContext(b, ctx)
}

// ConnectDB подключается к Postgres с повторами; пока БД поднимается, процесс не падает.
func ConnectDB(ctx context.Context, poolCfg *pgxpool.Config, maxWait time.Duration) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	op := func() error {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		p, err := pgxpool.NewWithConfig(connCtx, poolCfg)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		if err := p.Ping(connCtx); err != nil {
			p.Close()
			return fmt.Errorf("db ping: %w", err)
		}
		pool = p
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Errorf("%v, retry in %v", err, wait.Round(time.Millisecond))
	}
	if err := backoff.RetryNotify(op, retryPolicy(ctx, maxWait), notify); err != nil {
		return nil, fmt.Errorf("gave up after %v: %w", maxWait, err)
	}
	return pool, nil
}
