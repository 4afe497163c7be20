package service

import (
	"context"

	"github.com/chatengine/internal/fanout"
	"github.com/chatengine/internal/logger"
	"github.com/chatengine/internal/model"
	"github.com/chatengine/internal/repository"
)

// StartTyping - сигнал «печатает». Для не-участника ничего не происходит.
func (s *ChatService) StartTyping(ctx context.Context, userID, chatID string) {
	ok, err := s.IsMember(ctx, userID, chatID)
	if err != nil {
		logger.Errorf("typing: membership user=%s chat=%s: %v", userID, chatID, err)
		return
	}
	if ok {
		s.typing.Start(chatID, userID)
	}
}

func (s *ChatService) StopTyping(ctx context.Context, userID, chatID string) {
	s.typing.Stop(chatID, userID)
}

// UserDisconnected сбрасывает состояние набора, когда закрылось последнее соединение пользователя.
func (s *ChatService) UserDisconnected(userID string) {
	s.typing.Disconnect(userID)
}

// TypingChanged получает переходы от автомата набора и рассылает их всем участникам, кроме печатающего.
func (s *ChatService) TypingChanged(chatID, userID string, typing bool) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	var (
		user     model.User
		audience []string
	)
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		user, err = tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		members, err := tx.ListMembers(ctx, chatID)
		if err != nil {
			return err
		}
		audience = without(memberIDs(members), userID)
		return nil
	})
	if err != nil {
		logger.Errorf("typing: notify user=%s chat=%s: %v", userID, chatID, err)
		return
	}
	s.enqueue(fanout.TypingChanged(chatID, user, typing), audience)
}
