package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/chatengine/internal/fanout"
	"github.com/chatengine/internal/model"
	"github.com/chatengine/internal/repository"
)

func (s *ChatService) IsMember(ctx context.Context, userID, chatID string) (bool, error) {
	var ok bool
	err := s.inTx(ctx, "IsMember", func(tx repository.Tx) error {
		_, err := tx.GetMember(ctx, chatID, userID)
		switch {
		case err == nil:
			ok = true
		case errors.Is(err, repository.ErrNotFound):
			ok = false
		default:
			return err
		}
		return nil
	})
	return ok, err
}

// GetRole возвращает роль участника. В личных чатах ролей нет: RoleNone.
func (s *ChatService) GetRole(ctx context.Context, userID, chatID string) (model.Role, error) {
	var role model.Role
	err := s.inTx(ctx, "GetRole", func(tx repository.Tx) error {
		m, err := requireMember(ctx, tx, chatID, userID)
		if err != nil {
			return err
		}
		role = m.Role
		return nil
	})
	return role, err
}

// AddMember добавляет userID в групповой чат или канал от имени actorID.
func (s *ChatService) AddMember(ctx context.Context, actorID, chatID, userID string, role model.Role) error {
	if role == model.RoleNone {
		role = model.RoleNormal
	}
	if !role.Valid() {
		return fmt.Errorf("role %q: %w", role, model.ErrInvalidContent)
	}
	unlock := s.locks.lock(chatID)
	defer unlock()

	var audience []string
	err := s.inTx(ctx, "AddMember", func(tx repository.Tx) error {
		c, err := getChat(ctx, tx, chatID, true)
		if err != nil {
			return err
		}
		if c.Kind == model.ChatKindDirect {
			return fmt.Errorf("add member to direct chat %s: %w", chatID, model.ErrUnsupportedForChatKind)
		}
		actor, err := requireMember(ctx, tx, chatID, actorID)
		if err != nil {
			return err
		}
		if !canAddMembers(c, actor) || (role == model.RoleOwner && actor.Role != model.RoleOwner) {
			return fmt.Errorf("user %s adding to chat %s: %w", actorID, chatID, model.ErrPermissionDenied)
		}
		if _, err := tx.GetUser(ctx, userID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("user %s: %w", userID, model.ErrNotFound)
			}
			return err
		}
		if _, err := tx.GetMember(ctx, chatID, userID); err == nil {
			return fmt.Errorf("user %s in chat %s: %w", userID, chatID, model.ErrDuplicateMembership)
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		now := s.now()
		if err := tx.InsertMember(ctx, model.ChatMember{
			ChatID:     chatID,
			UserID:     userID,
			Role:       role,
			JoinedAt:   now,
			LastSeenAt: model.NeverSeen,
		}); err != nil {
			return err
		}
		members, err := tx.ListMembers(ctx, chatID)
		if err != nil {
			return err
		}
		audience = memberIDs(members)
		return nil
	})
	if err != nil {
		return err
	}
	s.enqueue(fanout.MembershipChanged(chatID, []string{userID}, nil, nil), audience)
	return nil
}

// RemoveMember исключает userID. Сам себя может исключить любой участник, другого - только владелец.
func (s *ChatService) RemoveMember(ctx context.Context, actorID, chatID, userID string) error {
	unlock := s.locks.lock(chatID)
	defer unlock()

	var audience []string
	err := s.inTx(ctx, "RemoveMember", func(tx repository.Tx) error {
		c, err := getChat(ctx, tx, chatID, true)
		if err != nil {
			return err
		}
		if c.Kind == model.ChatKindDirect {
			return fmt.Errorf("remove member from direct chat %s: %w", chatID, model.ErrUnsupportedForChatKind)
		}
		target, err := requireMember(ctx, tx, chatID, userID)
		if err != nil {
			return err
		}
		if actorID != userID {
			actor, err := requireMember(ctx, tx, chatID, actorID)
			if err != nil {
				return err
			}
			if actor.Role != model.RoleOwner {
				return fmt.Errorf("user %s removing %s from chat %s: %w", actorID, userID, chatID, model.ErrPermissionDenied)
			}
		}
		if target.Role == model.RoleOwner {
			if err := ensureAnotherOwner(ctx, tx, chatID); err != nil {
				return err
			}
		}
		if err := tx.DeleteMember(ctx, chatID, userID); err != nil {
			return err
		}
		members, err := tx.ListMembers(ctx, chatID)
		if err != nil {
			return err
		}
		audience = memberIDs(members)
		return nil
	})
	if err != nil {
		return err
	}
	s.enqueue(fanout.MembershipChanged(chatID, nil, []string{userID}, nil), audience)
	return nil
}

// Leave - выход из чата по собственной инициативе.
func (s *ChatService) Leave(ctx context.Context, userID, chatID string) error {
	return s.RemoveMember(ctx, userID, chatID, userID)
}

// SetRole меняет роль участника. Только владельцы; последнего владельца понизить нельзя.
func (s *ChatService) SetRole(ctx context.Context, actorID, chatID, userID string, role model.Role) error {
	if !role.Valid() {
		return fmt.Errorf("role %q: %w", role, model.ErrInvalidContent)
	}
	unlock := s.locks.lock(chatID)
	defer unlock()

	var (
		audience []string
		changed  bool
	)
	err := s.inTx(ctx, "SetRole", func(tx repository.Tx) error {
		changed = false
		c, err := getChat(ctx, tx, chatID, true)
		if err != nil {
			return err
		}
		if c.Kind == model.ChatKindDirect {
			return fmt.Errorf("set role in direct chat %s: %w", chatID, model.ErrUnsupportedForChatKind)
		}
		actor, err := requireMember(ctx, tx, chatID, actorID)
		if err != nil {
			return err
		}
		if actor.Role != model.RoleOwner {
			return fmt.Errorf("user %s setting role in chat %s: %w", actorID, chatID, model.ErrPermissionDenied)
		}
		target, err := requireMember(ctx, tx, chatID, userID)
		if err != nil {
			return err
		}
		if target.Role == role {
			return nil
		}
		if target.Role == model.RoleOwner {
			if err := ensureAnotherOwner(ctx, tx, chatID); err != nil {
				return err
			}
		}
		if err := tx.SetRole(ctx, chatID, userID, role); err != nil {
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
		s.enqueue(fanout.MembershipChanged(chatID, nil, nil, []string{userID}), audience)
	}
	return nil
}

// UpdatePermissions меняет права обычных участников группы. Только владельцы.
func (s *ChatService) UpdatePermissions(ctx context.Context, actorID, chatID string, p model.GroupPermissions) (model.Chat, error) {
	unlock := s.locks.lock(chatID)
	defer unlock()

	var (
		chat     model.Chat
		audience []string
	)
	err := s.inTx(ctx, "UpdatePermissions", func(tx repository.Tx) error {
		c, err := getChat(ctx, tx, chatID, true)
		if err != nil {
			return err
		}
		if c.Kind != model.ChatKindGroup {
			return fmt.Errorf("permissions of %s chat %s: %w", c.Kind, chatID, model.ErrUnsupportedForChatKind)
		}
		actor, err := requireMember(ctx, tx, chatID, actorID)
		if err != nil {
			return err
		}
		if actor.Role != model.RoleOwner {
			return fmt.Errorf("user %s changing permissions of chat %s: %w", actorID, chatID, model.ErrPermissionDenied)
		}
		if err := tx.UpdateGroupPermissions(ctx, chatID, p); err != nil {
			return err
		}
		c.Group = &model.GroupDetail{Name: c.Group.Name, Permissions: p}
		members, err := tx.ListMembers(ctx, chatID)
		if err != nil {
			return err
		}
		chat = c
		audience = memberIDs(members)
		return nil
	})
	if err != nil {
		return model.Chat{}, err
	}
	s.enqueue(fanout.ChatUpdated(chat), audience)
	return chat, nil
}

func canAddMembers(c model.Chat, actor model.ChatMember) bool {
	if actor.Role == model.RoleOwner {
		return true
	}
	return c.Kind == model.ChatKindGroup && c.Group.Permissions.AddUsers
}

// ensureAnotherOwner вызывается под блокировкой чата, поэтому проверка атомарна с последующим изменением.
func ensureAnotherOwner(ctx context.Context, tx repository.Tx, chatID string) error {
	n, err := tx.CountOwners(ctx, chatID)
	if err != nil {
		return err
	}
	if n <= 1 {
		return fmt.Errorf("chat %s: %w", chatID, model.ErrLastOwnerViolation)
	}
	return nil
}
