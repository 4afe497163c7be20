package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chatengine/internal/logger"
	"github.com/chatengine/internal/model"
)

const chatCols = `id, kind, direct_key, saved, name, description, permissions, created_at`

// chatRow - плоское представление строки chats; детали собираются в toChat.
type chatRow struct {
	ID          string
	Kind        model.ChatKind
	DirectKey   *string
	Saved       bool
	Name        string
	Description string
	Permissions []byte
	CreatedAt   time.Time
}

func scanChat(s interface{ Scan(dest ...any) error }) (model.Chat, error) {
	var r chatRow
	if err := s.Scan(&r.ID, &r.Kind, &r.DirectKey, &r.Saved, &r.Name, &r.Description, &r.Permissions, &r.CreatedAt); err != nil {
		return model.Chat{}, err
	}
	return r.toChat()
}

func (r chatRow) toChat() (model.Chat, error) {
	c := model.Chat{ID: r.ID, Kind: r.Kind, CreatedAt: r.CreatedAt}
	switch r.Kind {
	case model.ChatKindDirect:
		d := &model.DirectDetail{Saved: r.Saved}
		if r.DirectKey != nil {
			d.PairKey = *r.DirectKey
		}
		c.Direct = d
	case model.ChatKindGroup:
		g := &model.GroupDetail{Name: r.Name, Permissions: model.DefaultGroupPermissions()}
		if len(r.Permissions) > 0 {
			if err := json.Unmarshal(r.Permissions, &g.Permissions); err != nil {
				return model.Chat{}, fmt.Errorf("chat %s permissions: %w", r.ID, err)
			}
		}
		c.Group = g
	case model.ChatKindChannel:
		c.Channel = &model.ChannelDetail{Name: r.Name, Description: r.Description}
	}
	return c, c.Validate()
}

func fromChat(c model.Chat) (chatRow, error) {
	r := chatRow{ID: c.ID, Kind: c.Kind, CreatedAt: c.CreatedAt}
	switch {
	case c.Direct != nil:
		key := c.Direct.PairKey
		r.DirectKey = &key
		r.Saved = c.Direct.Saved
	case c.Group != nil:
		r.Name = c.Group.Name
		raw, err := json.Marshal(c.Group.Permissions)
		if err != nil {
			return r, err
		}
		r.Permissions = raw
	case c.Channel != nil:
		r.Name = c.Channel.Name
		r.Description = c.Channel.Description
	}
	return r, nil
}

func (t *pgTx) CreateChat(ctx context.Context, c model.Chat) error {
	defer logger.DeferLogDuration("chat.Create", time.Now())()
	if err := c.Validate(); err != nil {
		return err
	}
	r, err := fromChat(c)
	if err != nil {
		return fmt.Errorf("chatRepo.Create: %w", err)
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO chats (`+chatCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.Kind, r.DirectKey, r.Saved, r.Name, r.Description, r.Permissions, r.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return classify("chatRepo.Create", err)
	}
	return nil
}

func (t *pgTx) getChat(ctx context.Context, op, query string, arg string) (model.Chat, error) {
	defer logger.DeferLogDuration(op, time.Now())()
	c, err := scanChat(t.tx.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Chat{}, ErrNotFound
	}
	if err != nil {
		return model.Chat{}, classify("chatRepo."+op, err)
	}
	return c, nil
}

func (t *pgTx) GetChat(ctx context.Context, id string) (model.Chat, error) {
	return t.getChat(ctx, "chat.GetByID", `SELECT `+chatCols+` FROM chats WHERE id = $1`, id)
}

func (t *pgTx) LockChat(ctx context.Context, id string) (model.Chat, error) {
	return t.getChat(ctx, "chat.Lock", `SELECT `+chatCols+` FROM chats WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) FindDirectChat(ctx context.Context, pairKey string) (model.Chat, error) {
	return t.getChat(ctx, "chat.FindDirect", `SELECT `+chatCols+` FROM chats WHERE direct_key = $1`, pairKey)
}

func (t *pgTx) ListUserChats(ctx context.Context, userID string) ([]model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetUserChats", time.Now())()
	rows, err := t.tx.Query(ctx,
		`SELECT c.id, c.kind, c.direct_key, c.saved, c.name, c.description, c.permissions, c.created_at
		 FROM chats c
		 JOIN chat_members cm ON cm.chat_id = c.id
		 WHERE cm.user_id = $1
		 ORDER BY c.created_at DESC`, userID,
	)
	if err != nil {
		return nil, classify("chatRepo.GetUserChats query", err)
	}
	defer rows.Close()

	chats := make([]model.Chat, 0, 16)
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, classify("chatRepo.GetUserChats scan", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("chatRepo.GetUserChats rows", err)
	}
	return chats, nil
}
