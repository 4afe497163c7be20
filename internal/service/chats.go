package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/chatengine/internal/fanout"
	"github.com/chatengine/internal/model"
	"github.com/chatengine/internal/repository"
)

const (
	warnUnknownUser = "unknown user"
	warnDuplicate   = "duplicate member"
)

// CreateDirect возвращает личный чат пары, создавая его при первом обращении.
// Порядок аргументов не важен; a == b - «Избранное».
func (s *ChatService) CreateDirect(ctx context.Context, userA, userB string) (model.Chat, error) {
	pairKey := model.DirectPairKey(userA, userB)
	unlock := s.locks.lock("direct:" + pairKey)
	defer unlock()

	var (
		chat    model.Chat
		created bool
	)
	err := s.inTx(ctx, "CreateDirect", func(tx repository.Tx) error {
		var err error
		chat, created, err = s.findOrCreateDirect(ctx, tx, pairKey, userA, userB)
		return err
	})
	if errors.Is(err, repository.ErrConflict) {
		// Чат пары создан параллельно другим инстансом: читаем его.
		created = false
		err = s.inTx(ctx, "CreateDirect", func(tx repository.Tx) error {
			var err error
			chat, err = tx.FindDirectChat(ctx, pairKey)
			return err
		})
	}
	if err != nil {
		return model.Chat{}, err
	}
	if created {
		ids := []string{userA}
		if userB != userA {
			ids = append(ids, userB)
		}
		s.enqueue(fanout.MembershipChanged(chat.ID, ids, nil, nil), ids)
	}
	return chat, nil
}

// CreateSaved - чат «Избранное»: личный чат с одним участником.
func (s *ChatService) CreateSaved(ctx context.Context, userID string) (model.Chat, error) {
	return s.CreateDirect(ctx, userID, userID)
}

func (s *ChatService) findOrCreateDirect(ctx context.Context, tx repository.Tx, pairKey, userA, userB string) (model.Chat, bool, error) {
	c, err := tx.FindDirectChat(ctx, pairKey)
	if err == nil {
		return c, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return model.Chat{}, false, err
	}
	ids := []string{userA}
	if userB != userA {
		ids = append(ids, userB)
	}
	users, err := tx.GetUsers(ctx, ids)
	if err != nil {
		return model.Chat{}, false, err
	}
	for _, id := range ids {
		if _, ok := users[id]; !ok {
			return model.Chat{}, false, fmt.Errorf("user %s: %w", id, model.ErrNotFound)
		}
	}
	now := s.now()
	c = model.Chat{
		ID:        s.newID(),
		Kind:      model.ChatKindDirect,
		CreatedAt: now,
		Direct:    &model.DirectDetail{PairKey: pairKey, Saved: userA == userB},
	}
	if err := tx.CreateChat(ctx, c); err != nil {
		return model.Chat{}, false, err
	}
	for _, id := range ids {
		if err := tx.InsertMember(ctx, model.ChatMember{
			ChatID:     c.ID,
			UserID:     id,
			Role:       model.RoleNone,
			JoinedAt:   now,
			LastSeenAt: model.NeverSeen,
		}); err != nil {
			return model.Chat{}, false, err
		}
	}
	return c, true, nil
}

// CreateGroup создаёт группу: создатель - владелец, остальные - обычные участники.
// Неизвестные и повторяющиеся id пропускаются с предупреждением.
func (s *ChatService) CreateGroup(ctx context.Context, creatorID, name string, memberIDs []string) (model.Chat, []Warning, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Chat{}, nil, fmt.Errorf("group name is empty: %w", model.ErrInvalidContent)
	}
	return s.createMultiUser(ctx, "CreateGroup", model.Chat{
		Kind:  model.ChatKindGroup,
		Group: &model.GroupDetail{Name: name, Permissions: model.DefaultGroupPermissions()},
	}, creatorID, memberIDs)
}

// CreateChannel создаёт канал; писать в него могут только владельцы.
func (s *ChatService) CreateChannel(ctx context.Context, creatorID, name, description string, memberIDs []string) (model.Chat, []Warning, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Chat{}, nil, fmt.Errorf("channel name is empty: %w", model.ErrInvalidContent)
	}
	return s.createMultiUser(ctx, "CreateChannel", model.Chat{
		Kind:    model.ChatKindChannel,
		Channel: &model.ChannelDetail{Name: name, Description: strings.TrimSpace(description)},
	}, creatorID, memberIDs)
}

func (s *ChatService) createMultiUser(ctx context.Context, op string, c model.Chat, creatorID string, memberIDs []string) (model.Chat, []Warning, error) {
	c.ID = s.newID()
	var (
		warnings []Warning
		added    []string
	)
	err := s.inTx(ctx, op, func(tx repository.Tx) error {
		warnings, added = nil, nil
		if _, err := tx.GetUser(ctx, creatorID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("creator %s: %w", creatorID, model.ErrNotFound)
			}
			return err
		}
		users, err := tx.GetUsers(ctx, memberIDs)
		if err != nil {
			return err
		}
		c.CreatedAt = s.now()
		if err := tx.CreateChat(ctx, c); err != nil {
			return err
		}
		if err := tx.InsertMember(ctx, model.ChatMember{
			ChatID: c.ID, UserID: creatorID, Role: model.RoleOwner, JoinedAt: c.CreatedAt, LastSeenAt: model.NeverSeen,
		}); err != nil {
			return err
		}
		added = append(added, creatorID)
		for _, id := range memberIDs {
			if contains(added, id) {
				warnings = append(warnings, Warning{UserID: id, Reason: warnDuplicate})
				continue
			}
			if _, ok := users[id]; !ok {
				warnings = append(warnings, Warning{UserID: id, Reason: warnUnknownUser})
				continue
			}
			if err := tx.InsertMember(ctx, model.ChatMember{
				ChatID: c.ID, UserID: id, Role: model.RoleNormal, JoinedAt: c.CreatedAt, LastSeenAt: model.NeverSeen,
			}); err != nil {
				return err
			}
			added = append(added, id)
		}
		return nil
	})
	if err != nil {
		return model.Chat{}, nil, err
	}
	s.enqueue(fanout.MembershipChanged(c.ID, added, nil, nil), added)
	return c, warnings, nil
}

// GetChat возвращает чат с участниками, последним сообщением и счётчиком непрочитанного для userID.
func (s *ChatService) GetChat(ctx context.Context, userID, chatID string) (model.ChatSummary, error) {
	var sum model.ChatSummary
	err := s.inTx(ctx, "GetChat", func(tx repository.Tx) error {
		c, err := getChat(ctx, tx, chatID, false)
		if err != nil {
			return err
		}
		if _, err := requireMember(ctx, tx, chatID, userID); err != nil {
			return err
		}
		sum, err = summarize(ctx, tx, c, userID)
		return err
	})
	return sum, err
}

// ListChats - все чаты пользователя, свежие сверху.
func (s *ChatService) ListChats(ctx context.Context, userID string) ([]model.ChatSummary, error) {
	var out []model.ChatSummary
	err := s.inTx(ctx, "ListChats", func(tx repository.Tx) error {
		chats, err := tx.ListUserChats(ctx, userID)
		if err != nil {
			return err
		}
		out = make([]model.ChatSummary, 0, len(chats))
		for _, c := range chats {
			sum, err := summarize(ctx, tx, c, userID)
			if err != nil {
				return err
			}
			out = append(out, sum)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortSummaries(out)
	return out, nil
}

func summarize(ctx context.Context, tx repository.Tx, c model.Chat, userID string) (model.ChatSummary, error) {
	members, err := tx.ListMembers(ctx, c.ID)
	if err != nil {
		return model.ChatSummary{}, err
	}
	sum := model.ChatSummary{Chat: c, Members: members}
	last, err := tx.LastMessage(ctx, c.ID)
	switch {
	case err == nil:
		sum.LastMessage = &last
	case !errors.Is(err, repository.ErrNotFound):
		return model.ChatSummary{}, err
	}
	sum.UnreadCount, err = tx.CountUnread(ctx, c.ID, userID)
	if err != nil {
		return model.ChatSummary{}, err
	}
	return sum, nil
}

// sortSummaries: по времени последнего сообщения (или создания чата), по убыванию.
func sortSummaries(list []model.ChatSummary) {
	activity := func(s model.ChatSummary) time.Time {
		if s.LastMessage != nil {
			return s.LastMessage.CreatedAt()
		}
		return s.Chat.CreatedAt
	}
	slices.SortStableFunc(list, func(a, b model.ChatSummary) int {
		return activity(b).Compare(activity(a))
	})
}
