package fanout

import (
	"time"

	"github.com/chatengine/internal/model"
)

type EventType string

const (
	EventNewMessage        EventType = "new_message"
	EventMembershipChanged EventType = "membership_changed"
	EventSeenUpdated       EventType = "seen_updated"
	EventTypingChanged     EventType = "typing_changed"
	EventMessageUpdated    EventType = "message_updated"
	EventChatUpdated       EventType = "chat_updated"
	EventError             EventType = "error"
)

// Event - то, что сервер отправляет клиенту.
// Payload использует типизированные структуры, а не map[string]any.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// --- Typed payloads ---

// NewMessagePayload персонализирован: unread-счётчик свой у каждого получателя.
// Если счётчик получить не удалось, поле отсутствует и клиент запрашивает его сам.
type NewMessagePayload struct {
	Message              model.MessageView `json:"message"`
	ChatID               string            `json:"chat_id"`
	RecipientUnreadCount *int              `json:"recipient_unread_count,omitempty"`
}

type MembershipChangedPayload struct {
	ChatID         string   `json:"chat_id"`
	AddedUserIDs   []string `json:"added_user_ids"`
	RemovedUserIDs []string `json:"removed_user_ids"`
	// UpdatedUserIDs - участники, у которых сменилась роль.
	UpdatedUserIDs []string `json:"updated_user_ids,omitempty"`
}

type SeenUpdatedPayload struct {
	Username   string    `json:"username"`
	ChatID     string    `json:"chat_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

type TypingChangedPayload struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	ChatID      string `json:"chat_id"`
	IsTyping    bool   `json:"is_typing"`
}

// MessageUpdatedPayload рассылается при закреплении, откреплении и удалении сообщения.
type MessageUpdatedPayload struct {
	ChatID    string     `json:"chat_id"`
	MessageID string     `json:"message_id"`
	Pinned    bool       `json:"pinned"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

type ChatUpdatedPayload struct {
	Chat model.Chat `json:"chat"`
}

// Fact - закоммиченное изменение, ожидающее доставки. Для NewMessage payload
// собирается отдельно для каждого получателя.
type Fact struct {
	ChatID  string
	Type    EventType
	Payload any
	Message *model.Message
}

func NewMessage(m model.Message) Fact {
	return Fact{ChatID: m.ChatID(), Type: EventNewMessage, Message: &m}
}

func MembershipChanged(chatID string, added, removed, updated []string) Fact {
	if added == nil {
		added = []string{}
	}
	if removed == nil {
		removed = []string{}
	}
	return Fact{ChatID: chatID, Type: EventMembershipChanged, Payload: MembershipChangedPayload{
		ChatID:         chatID,
		AddedUserIDs:   added,
		RemovedUserIDs: removed,
		UpdatedUserIDs: updated,
	}}
}

func SeenUpdated(chatID, username string, lastSeenAt time.Time) Fact {
	return Fact{ChatID: chatID, Type: EventSeenUpdated, Payload: SeenUpdatedPayload{
		Username:   username,
		ChatID:     chatID,
		LastSeenAt: lastSeenAt,
	}}
}

func TypingChanged(chatID string, u model.User, typing bool) Fact {
	return Fact{ChatID: chatID, Type: EventTypingChanged, Payload: TypingChangedPayload{
		Username:    u.Username,
		DisplayName: u.Name(),
		ChatID:      chatID,
		IsTyping:    typing,
	}}
}

func MessageUpdated(m model.Message) Fact {
	p := MessageUpdatedPayload{ChatID: m.ChatID(), MessageID: m.ID(), Pinned: m.Pinned()}
	if at, ok := m.DeletedAt(); ok {
		p.DeletedAt = &at
	}
	return Fact{ChatID: m.ChatID(), Type: EventMessageUpdated, Payload: p}
}

func ChatUpdated(c model.Chat) Fact {
	return Fact{ChatID: c.ID, Type: EventChatUpdated, Payload: ChatUpdatedPayload{Chat: c}}
}
