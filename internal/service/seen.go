package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatengine/internal/fanout"
	"github.com/chatengine/internal/model"
	"github.com/chatengine/internal/repository"
)

// MarkSeen сдвигает отметку прочтения userID до времени сообщения messageID.
// Более раннее сообщение ничего не меняет; true - отметка сдвинулась и остальным
// участникам ушёл SeenUpdated.
func (s *ChatService) MarkSeen(ctx context.Context, userID, chatID, messageID string) (bool, error) {
	unlock := s.locks.lock(chatID)
	defer unlock()

	var (
		advanced bool
		at       time.Time
		username string
		audience []string
	)
	err := s.inTx(ctx, "MarkSeen", func(tx repository.Tx) error {
		advanced = false
		if _, err := requireMember(ctx, tx, chatID, userID); err != nil {
			return err
		}
		m, err := tx.GetMessage(ctx, messageID)
		if errors.Is(err, repository.ErrNotFound) || (err == nil && m.ChatID() != chatID) {
			return fmt.Errorf("message %s in chat %s: %w", messageID, chatID, model.ErrNotFound)
		}
		if err != nil {
			return err
		}
		at = m.CreatedAt()
		advanced, err = tx.AdvanceLastSeen(ctx, chatID, userID, at)
		if err != nil || !advanced {
			return err
		}
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		username = u.Username
		members, err := tx.ListMembers(ctx, chatID)
		if err != nil {
			return err
		}
		audience = without(memberIDs(members), userID)
		return nil
	})
	if err != nil {
		return false, err
	}
	if advanced {
		s.enqueue(fanout.SeenUpdated(chatID, username, at), audience)
	}
	return advanced, nil
}

// GetUnreadCount - сообщения чата новее отметки прочтения, не от самого пользователя и не удалённые.
func (s *ChatService) GetUnreadCount(ctx context.Context, userID, chatID string) (int, error) {
	var n int
	err := s.inTx(ctx, "GetUnreadCount", func(tx repository.Tx) error {
		if _, err := requireMember(ctx, tx, chatID, userID); err != nil {
			return err
		}
		var err error
		n, err = tx.CountUnread(ctx, chatID, userID)
		return err
	})
	return n, err
}

// UnreadCounts - счётчики сразу для нескольких участников (персонализация NewMessage).
// Не-участники в результат не попадают.
func (s *ChatService) UnreadCounts(ctx context.Context, chatID string, userIDs []string) (map[string]int, error) {
	var out map[string]int
	err := s.inTx(ctx, "UnreadCounts", func(tx repository.Tx) error {
		var err error
		out, err = tx.CountUnreadBatch(ctx, chatID, userIDs)
		return err
	})
	return out, err
}
