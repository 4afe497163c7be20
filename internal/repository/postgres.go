package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatengine/internal/logger"
	"github.com/chatengine/internal/model"
)

// PgStore - Store поверх пула pgx.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Close() { s.pool.Close() }

func (s *PgStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	defer logger.DeferLogDuration("store.InTx", time.Now())()
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
	if err != nil {
		return classify("store.InTx", err)
	}
	return nil
}

// pgTx реализует Tx внутри одной транзакции PostgreSQL.
type pgTx struct {
	tx pgx.Tx
}

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// classify оборачивает ошибку драйвера: сбои соединения, сериализации и дедлоки
// помечаются model.ErrTransientStore (их можно повторить), остальное - как есть с контекстом op.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrTransientStore) || isDomainError(err) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgSerializationFailure, pgErr.Code == pgDeadlockDetected,
			strings.HasPrefix(pgErr.Code, "08"):
			return fmt.Errorf("%s: %w: %w", op, model.ErrTransientStore, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, model.ErrTransientStore, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isDomainError(err error) bool {
	for _, target := range []error{
		model.ErrNotFound, model.ErrNotAMember, model.ErrLastOwnerViolation, model.ErrUnsupportedForChatKind,
		model.ErrDuplicateMembership, model.ErrChatArchived, model.ErrPermissionDenied, model.ErrInvalidContent,
		ErrConflict,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
