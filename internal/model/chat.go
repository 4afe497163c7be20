package model

import (
	"fmt"
	"time"
)

type ChatKind string

const (
	ChatKindDirect  ChatKind = "direct"
	ChatKindGroup   ChatKind = "group"
	ChatKindChannel ChatKind = "channel"
)

func (k ChatKind) Valid() bool {
	switch k {
	case ChatKindDirect, ChatKindGroup, ChatKindChannel:
		return true
	}
	return false
}

type Role string

const (
	RoleOwner  Role = "owner"
	RoleNormal Role = "normal"
	// RoleNone - у участников личных чатов ролей нет.
	RoleNone Role = ""
)

func (r Role) Valid() bool {
	return r == RoleOwner || r == RoleNormal
}

// DirectDetail - личный чат двух пользователей или «Избранное» (один участник).
type DirectDetail struct {
	PairKey string `json:"-"`
	Saved   bool   `json:"saved"`
}

type GroupDetail struct {
	Name        string           `json:"name"`
	Permissions GroupPermissions `json:"permissions"`
}

type ChannelDetail struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Chat - беседа одного из трёх видов. Заполнена ровно одна деталь, соответствующая Kind.
type Chat struct {
	ID        string         `json:"id"`
	Kind      ChatKind       `json:"kind"`
	CreatedAt time.Time      `json:"created_at"`
	Direct    *DirectDetail  `json:"direct,omitempty"`
	Group     *GroupDetail   `json:"group,omitempty"`
	Channel   *ChannelDetail `json:"channel,omitempty"`
}

// Validate проверяет, что вид чата и заполненная деталь согласованы.
func (c *Chat) Validate() error {
	n := 0
	if c.Direct != nil {
		n++
	}
	if c.Group != nil {
		n++
	}
	if c.Channel != nil {
		n++
	}
	if n != 1 {
		return fmt.Errorf("chat %s: expected exactly one detail, got %d", c.ID, n)
	}
	switch c.Kind {
	case ChatKindDirect:
		if c.Direct == nil {
			return fmt.Errorf("chat %s: direct detail missing", c.ID)
		}
	case ChatKindGroup:
		if c.Group == nil {
			return fmt.Errorf("chat %s: group detail missing", c.ID)
		}
	case ChatKindChannel:
		if c.Channel == nil {
			return fmt.Errorf("chat %s: channel detail missing", c.ID)
		}
	default:
		return fmt.Errorf("chat %s: unknown kind %q", c.ID, c.Kind)
	}
	return nil
}

// Name возвращает название группы или канала; у личных чатов названия нет.
func (c *Chat) Name() string {
	switch {
	case c.Group != nil:
		return c.Group.Name
	case c.Channel != nil:
		return c.Channel.Name
	}
	return ""
}

// DirectPairKey - ключ неупорядоченной пары пользователей; для «Избранного» a == b.
func DirectPairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// NeverSeen - значение last_seen_at участника, который ещё ничего не прочитал.
var NeverSeen = time.Unix(0, 0).UTC()

type ChatMember struct {
	ChatID     string    `json:"chat_id"`
	UserID     string    `json:"user_id"`
	Role       Role      `json:"role,omitempty"`
	JoinedAt   time.Time `json:"joined_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// ChatSummary - элемент списка чатов пользователя.
type ChatSummary struct {
	Chat        Chat         `json:"chat"`
	Members     []ChatMember `json:"members"`
	LastMessage *Message     `json:"last_message,omitempty"`
	UnreadCount int          `json:"unread_count"`
}
