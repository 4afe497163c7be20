// Package repository - граница хранения: транзакции над пользователями, чатами, участниками и сообщениями.
// Реализации: PostgreSQL (этот пакет) и in-memory (memstore, для -memory и тестов).
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/chatengine/internal/model"
)

var (
	ErrNotFound = model.ErrNotFound
	// ErrConflict - нарушение уникальности (например, личный чат этой пары уже создан параллельно).
	ErrConflict = errors.New("conflict")
)

// Cursor - позиция в ленте сообщений чата (порядок created_at, id).
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

func (c *Cursor) IsZero() bool { return c == nil || c.CreatedAt.IsZero() }

// CursorOf возвращает позицию сообщения.
func CursorOf(m model.Message) Cursor {
	return Cursor{CreatedAt: m.CreatedAt(), ID: m.ID()}
}

// MessageQuery - выборка страницы сообщений. Результат всегда по возрастанию (created_at, id).
// С Before - последние Limit сообщений строго раньше курсора, с After - первые Limit строго позже.
type MessageQuery struct {
	Before *Cursor
	After  *Cursor
	Limit  int
}

// Store открывает транзакции. fn выполняется целиком или не выполняется совсем:
// при ошибке из fn или при отмене ctx всё откатывается.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close()
}

type Tx interface {
	UserTx
	ChatTx
	MemberTx
	MessageTx
}

type UserTx interface {
	GetUser(ctx context.Context, id string) (model.User, error)
	GetUsers(ctx context.Context, ids []string) (map[string]model.User, error)
	UpsertUser(ctx context.Context, u model.User) error
}

type ChatTx interface {
	CreateChat(ctx context.Context, c model.Chat) error
	GetChat(ctx context.Context, id string) (model.Chat, error)
	// LockChat читает чат и блокирует его строку до конца транзакции.
	LockChat(ctx context.Context, id string) (model.Chat, error)
	FindDirectChat(ctx context.Context, pairKey string) (model.Chat, error)
	ListUserChats(ctx context.Context, userID string) ([]model.Chat, error)
	UpdateGroupPermissions(ctx context.Context, chatID string, p model.GroupPermissions) error
}

type MemberTx interface {
	InsertMember(ctx context.Context, m model.ChatMember) error
	GetMember(ctx context.Context, chatID, userID string) (model.ChatMember, error)
	ListMembers(ctx context.Context, chatID string) ([]model.ChatMember, error)
	DeleteMember(ctx context.Context, chatID, userID string) error
	SetRole(ctx context.Context, chatID, userID string, role model.Role) error
	CountOwners(ctx context.Context, chatID string) (int, error)
	// AdvanceLastSeen сдвигает отметку прочтения только вперёд; false - отметка не изменилась.
	AdvanceLastSeen(ctx context.Context, chatID, userID string, t time.Time) (bool, error)
}

type MessageTx interface {
	InsertMessage(ctx context.Context, m model.Message) error
	GetMessage(ctx context.Context, id string) (model.Message, error)
	LastMessage(ctx context.Context, chatID string) (model.Message, error)
	// UpdateMessageState сохраняет изменяемые поля сообщения: pinned и deleted_at.
	UpdateMessageState(ctx context.Context, m model.Message) error
	ListMessages(ctx context.Context, chatID string, q MessageQuery) ([]model.Message, error)
	ListPinned(ctx context.Context, chatID string) ([]model.Message, error)
	CountUnread(ctx context.Context, chatID, userID string) (int, error)
	CountUnreadBatch(ctx context.Context, chatID string, userIDs []string) (map[string]int, error)
}
