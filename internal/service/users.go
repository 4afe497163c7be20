package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chatengine/internal/model"
	"github.com/chatengine/internal/repository"
)

// SyncUser заводит пользователя или обновляет его имена. Пользователей создаёт
// внешний сервис идентификации; движок только хранит их копию.
// Пустой DisplayName не затирает уже сохранённое имя.
func (s *ChatService) SyncUser(ctx context.Context, u model.User) (model.User, error) {
	u.ID = strings.TrimSpace(u.ID)
	u.Username = strings.TrimSpace(u.Username)
	if u.ID == "" || u.Username == "" {
		return model.User{}, fmt.Errorf("%w: user id and username required", model.ErrInvalidContent)
	}
	var out model.User
	err := s.inTx(ctx, "SyncUser", func(tx repository.Tx) error {
		existing, err := tx.GetUser(ctx, u.ID)
		switch {
		case err == nil:
			u.CreatedAt = existing.CreatedAt
			if u.DisplayName == "" {
				u.DisplayName = existing.DisplayName
			}
			if existing.Username == u.Username && existing.DisplayName == u.DisplayName {
				out = existing
				return nil
			}
		case errors.Is(err, repository.ErrNotFound):
			if u.CreatedAt.IsZero() {
				u.CreatedAt = s.now()
			}
		default:
			return err
		}
		if err := tx.UpsertUser(ctx, u); err != nil {
			return err
		}
		out = u
		return nil
	})
	return out, err
}
