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

// Append сохраняет сообщение и ставит NewMessage в очередь чата для всех участников, кроме отправителя.
func (s *ChatService) Append(ctx context.Context, chatID, senderID string, content model.Content) (model.Message, error) {
	if err := content.Validate(); err != nil {
		return model.Message{}, err
	}
	msgs, err := s.commitMessages(ctx, "Append", chatID, senderID, func(ctx context.Context, tx repository.Tx) ([]model.MessageData, error) {
		return []model.MessageData{{Content: content}}, nil
	})
	if err != nil {
		return model.Message{}, err
	}
	return msgs[0], nil
}

// Forward пересылает сообщения в targetChatID в порядке sourceIDs. Если хоть одно
// исходное сообщение недоступно отправителю, не создаётся ни одного.
func (s *ChatService) Forward(ctx context.Context, sourceIDs []string, targetChatID, senderID string) ([]model.Message, error) {
	if len(sourceIDs) == 0 {
		return nil, fmt.Errorf("nothing to forward: %w", model.ErrInvalidContent)
	}
	return s.commitMessages(ctx, "Forward", targetChatID, senderID, func(ctx context.Context, tx repository.Tx) ([]model.MessageData, error) {
		out := make([]model.MessageData, 0, len(sourceIDs))
		for _, id := range sourceIDs {
			src, err := tx.GetMessage(ctx, id)
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("forward source %s: %w", id, model.ErrNotFound)
			}
			if err != nil {
				return nil, err
			}
			if _, err := requireMember(ctx, tx, src.ChatID(), senderID); err != nil {
				return nil, fmt.Errorf("forward source %s: %w", id, err)
			}
			if src.IsDeleted() {
				return nil, fmt.Errorf("forward source %s is deleted: %w", id, model.ErrNotFound)
			}
			out = append(out, model.MessageData{Content: src.Content(), ForwardedFrom: src.ID()})
		}
		return out, nil
	})
}

// commitMessages - общая часть Append и Forward: под блокировкой чата проверяет право
// писать, назначает createdAt по часам хранилища и ставит факты в очередь в порядке коммита.
func (s *ChatService) commitMessages(
	ctx context.Context,
	op, chatID, senderID string,
	build func(ctx context.Context, tx repository.Tx) ([]model.MessageData, error),
) ([]model.Message, error) {
	unlock := s.locks.lock(chatID)
	var (
		msgs     []model.Message
		audience []string
	)
	err := s.inTx(ctx, op, func(tx repository.Tx) error {
		msgs = nil
		c, err := getChat(ctx, tx, chatID, true)
		if err != nil {
			return err
		}
		member, err := requireMember(ctx, tx, chatID, senderID)
		if err != nil {
			return err
		}
		drafts, err := build(ctx, tx)
		if err != nil {
			return err
		}
		at, err := s.lastTimestamp(ctx, tx, chatID)
		if err != nil {
			return err
		}
		for _, d := range drafts {
			if err := canPost(c, member, d.Content.Type); err != nil {
				return err
			}
			at = s.nextTimestamp(at)
			d.ID = s.newID()
			d.ChatID = chatID
			d.SenderID = senderID
			d.CreatedAt = at
			m := model.NewMessage(d)
			if err := tx.InsertMessage(ctx, m); err != nil {
				return err
			}
			msgs = append(msgs, m)
		}
		members, err := tx.ListMembers(ctx, chatID)
		if err != nil {
			return err
		}
		audience = without(memberIDs(members), senderID)
		return nil
	})
	if err == nil {
		for _, m := range msgs {
			s.enqueue(fanout.NewMessage(m), audience)
		}
	}
	unlock()
	if err != nil {
		return nil, err
	}
	s.typing.MessageSent(chatID, senderID)
	return msgs, nil
}

func (s *ChatService) lastTimestamp(ctx context.Context, tx repository.Tx, chatID string) (time.Time, error) {
	last, err := tx.LastMessage(ctx, chatID)
	if errors.Is(err, repository.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return last.CreatedAt(), nil
}

// nextTimestamp - время коммита, строго большее предыдущего сообщения чата.
func (s *ChatService) nextTimestamp(prev time.Time) time.Time {
	now := s.now()
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}

// canPost: в личных чатах пишут оба, в канале - только владельцы,
// в группе - владельцы и участники с правом на этот тип сообщения.
func canPost(c model.Chat, m model.ChatMember, t model.MessageType) error {
	switch c.Kind {
	case model.ChatKindDirect:
		return nil
	case model.ChatKindChannel:
		if m.Role == model.RoleOwner {
			return nil
		}
		return fmt.Errorf("user %s posting to channel %s: %w", m.UserID, c.ID, model.ErrChatArchived)
	case model.ChatKindGroup:
		if m.Role == model.RoleOwner || c.Group.Permissions.CanSend(t) {
			return nil
		}
		return fmt.Errorf("user %s posting %s to group %s: %w", m.UserID, t, c.ID, model.ErrChatArchived)
	}
	return fmt.Errorf("chat %s: %w", c.ID, model.ErrUnsupportedForChatKind)
}

// canPin: в личных чатах - любой участник, в группе - владелец или участник с правом закрепления,
// в канале - только владелец.
func canPin(c model.Chat, m model.ChatMember) bool {
	switch c.Kind {
	case model.ChatKindDirect:
		return true
	case model.ChatKindGroup:
		return m.Role == model.RoleOwner || c.Group.Permissions.PinMessages
	case model.ChatKindChannel:
		return m.Role == model.RoleOwner
	}
	return false
}

// SoftDelete помечает сообщение удалённым. Удалять может только отправитель; повторный вызов - no-op.
func (s *ChatService) SoftDelete(ctx context.Context, messageID, requesterID string) error {
	return s.mutateMessage(ctx, "SoftDelete", messageID, requesterID, func(c model.Chat, member model.ChatMember, m model.Message) (model.Message, error) {
		if m.SenderID() != requesterID {
			return m, fmt.Errorf("user %s deleting message %s: %w", requesterID, messageID, model.ErrPermissionDenied)
		}
		if m.IsDeleted() {
			return m, nil
		}
		return m.WithDeleted(s.now()), nil
	})
}

func (s *ChatService) Pin(ctx context.Context, messageID, requesterID string) error {
	return s.setPinned(ctx, "Pin", messageID, requesterID, true)
}

func (s *ChatService) Unpin(ctx context.Context, messageID, requesterID string) error {
	return s.setPinned(ctx, "Unpin", messageID, requesterID, false)
}

func (s *ChatService) setPinned(ctx context.Context, op, messageID, requesterID string, pinned bool) error {
	return s.mutateMessage(ctx, op, messageID, requesterID, func(c model.Chat, member model.ChatMember, m model.Message) (model.Message, error) {
		if !canPin(c, member) {
			return m, fmt.Errorf("user %s pinning in chat %s: %w", requesterID, c.ID, model.ErrPermissionDenied)
		}
		if pinned && m.IsDeleted() {
			return m, fmt.Errorf("message %s is deleted: %w", messageID, model.ErrNotFound)
		}
		return m.WithPinned(pinned), nil
	})
}

// mutateMessage меняет pinned/deleted_at под блокировкой чата сообщения.
// MessageUpdated уходит всем участникам, только если состояние изменилось.
func (s *ChatService) mutateMessage(
	ctx context.Context,
	op, messageID, requesterID string,
	fn func(c model.Chat, member model.ChatMember, m model.Message) (model.Message, error),
) error {
	var chatID string
	err := s.inTx(ctx, op, func(tx repository.Tx) error {
		m, err := tx.GetMessage(ctx, messageID)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("message %s: %w", messageID, model.ErrNotFound)
		}
		chatID = m.ChatID()
		return err
	})
	if err != nil {
		return err
	}

	unlock := s.locks.lock(chatID)
	defer unlock()

	var (
		updated  model.Message
		changed  bool
		audience []string
	)
	err = s.inTx(ctx, op, func(tx repository.Tx) error {
		changed = false
		c, err := getChat(ctx, tx, chatID, true)
		if err != nil {
			return err
		}
		member, err := requireMember(ctx, tx, chatID, requesterID)
		if err != nil {
			return err
		}
		m, err := tx.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		updated, err = fn(c, member, m)
		if err != nil {
			return err
		}
		if updated.Pinned() == m.Pinned() && updated.IsDeleted() == m.IsDeleted() {
			return nil
		}
		if err := tx.UpdateMessageState(ctx, updated); err != nil {
			return err
		}
		members, err := tx.ListMembers(ctx, chatID)
		if err != nil {
			return err
		}
		audience = memberIDs(members)
		changed = true
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		s.enqueue(fanout.MessageUpdated(updated), audience)
	}
	return nil
}

// ListMessages - страница ленты для сверки после переподключения, по возрастанию (createdAt, id).
func (s *ChatService) ListMessages(ctx context.Context, userID, chatID string, q repository.MessageQuery) ([]model.Message, error) {
	switch {
	case q.Limit <= 0:
		q.Limit = defaultPageSize
	case q.Limit > maxPageSize:
		q.Limit = maxPageSize
	}
	var out []model.Message
	err := s.inTx(ctx, "ListMessages", func(tx repository.Tx) error {
		if _, err := getChat(ctx, tx, chatID, false); err != nil {
			return err
		}
		if _, err := requireMember(ctx, tx, chatID, userID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListMessages(ctx, chatID, q)
		return err
	})
	return out, err
}

func (s *ChatService) ListPinned(ctx context.Context, userID, chatID string) ([]model.Message, error) {
	var out []model.Message
	err := s.inTx(ctx, "ListPinned", func(tx repository.Tx) error {
		if _, err := requireMember(ctx, tx, chatID, userID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListPinned(ctx, chatID)
		return err
	})
	return out, err
}
