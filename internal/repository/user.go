package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chatengine/internal/logger"
	"github.com/chatengine/internal/model"
)

const userCols = `id, username, display_name, created_at`

// scanUser сканирует строку в model.User (порядок соответствует userCols).
func scanUser(s interface{ Scan(dest ...any) error }, u *model.User) error {
	return s.Scan(&u.ID, &u.Username, &u.DisplayName, &u.CreatedAt)
}

func (t *pgTx) GetUser(ctx context.Context, id string) (model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	var u model.User
	row := t.tx.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
	if err := scanUser(row, &u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, classify("userRepo.GetByID", err)
	}
	return u, nil
}

func (t *pgTx) GetUsers(ctx context.Context, ids []string) (map[string]model.User, error) {
	defer logger.DeferLogDuration("user.GetUsers", time.Now())()
	out := make(map[string]model.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := t.tx.Query(ctx, `SELECT `+userCols+` FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, classify("userRepo.GetUsers query", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u model.User
		if err := scanUser(rows, &u); err != nil {
			return nil, classify("userRepo.GetUsers scan", err)
		}
		out[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, classify("userRepo.GetUsers rows", err)
	}
	return out, nil
}

// UpsertUser создаёт пользователя или обновляет username и отображаемое имя.
func (t *pgTx) UpsertUser(ctx context.Context, u model.User) error {
	defer logger.DeferLogDuration("user.Upsert", time.Now())()
	_, err := t.tx.Exec(ctx,
		`INSERT INTO users (id, username, display_name, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, display_name = EXCLUDED.display_name`,
		u.ID, u.Username, u.DisplayName, u.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return classify("userRepo.Upsert", err)
	}
	return nil
}
