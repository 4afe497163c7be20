package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypePhoto MessageType = "photo"
	MessageTypeVideo MessageType = "video"
	MessageTypeVoice MessageType = "voice"
)

// MaxBodyLength - максимальная длина текста сообщения в символах.
const MaxBodyLength = 4096

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypePhoto, MessageTypeVideo, MessageTypeVoice:
		return true
	}
	return false
}

func (t MessageType) IsMedia() bool {
	return t == MessageTypePhoto || t == MessageTypeVideo || t == MessageTypeVoice
}

// Content - содержимое сообщения: текст или ссылка на медиа с необязательной подписью.
type Content struct {
	Type     MessageType `json:"type"`
	Body     string      `json:"body,omitempty"`
	MediaRef string      `json:"media_ref,omitempty"`
}

func (c Content) Validate() error {
	if !c.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidContent, c.Type)
	}
	if utf8.RuneCountInString(c.Body) > MaxBodyLength {
		return fmt.Errorf("%w: body longer than %d", ErrInvalidContent, MaxBodyLength)
	}
	if c.Type.IsMedia() {
		if strings.TrimSpace(c.MediaRef) == "" {
			return fmt.Errorf("%w: media_ref required for %s", ErrInvalidContent, c.Type)
		}
		return nil
	}
	if strings.TrimSpace(c.Body) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidContent)
	}
	if c.MediaRef != "" {
		return fmt.Errorf("%w: text message with media_ref", ErrInvalidContent)
	}
	return nil
}

// MessageData - поля сообщения для создания и сохранения.
type MessageData struct {
	ID            string
	ChatID        string
	SenderID      string
	Content       Content
	CreatedAt     time.Time
	Pinned        bool
	DeletedAt     *time.Time
	ForwardedFrom string
}

// Message неизменяемо после создания; меняются только признак закрепления и время удаления,
// причём через методы, возвращающие новое значение.
type Message struct {
	d MessageData
}

func NewMessage(d MessageData) Message {
	if d.DeletedAt != nil {
		t := *d.DeletedAt
		d.DeletedAt = &t
	}
	return Message{d: d}
}

func (m Message) ID() string            { return m.d.ID }
func (m Message) ChatID() string        { return m.d.ChatID }
func (m Message) SenderID() string      { return m.d.SenderID }
func (m Message) Content() Content      { return m.d.Content }
func (m Message) Type() MessageType     { return m.d.Content.Type }
func (m Message) CreatedAt() time.Time  { return m.d.CreatedAt }
func (m Message) Pinned() bool          { return m.d.Pinned }
func (m Message) ForwardedFrom() string { return m.d.ForwardedFrom }
func (m Message) IsDeleted() bool       { return m.d.DeletedAt != nil }

// DeletedAt возвращает время удаления; ok=false, если сообщение не удалено.
func (m Message) DeletedAt() (t time.Time, ok bool) {
	if m.d.DeletedAt == nil {
		return time.Time{}, false
	}
	return *m.d.DeletedAt, true
}

// Data возвращает копию полей для слоя хранения.
func (m Message) Data() MessageData {
	d := m.d
	if d.DeletedAt != nil {
		t := *d.DeletedAt
		d.DeletedAt = &t
	}
	return d
}

// WithPinned возвращает копию с новым признаком закрепления.
func (m Message) WithPinned(pinned bool) Message {
	d := m.Data()
	d.Pinned = pinned
	return Message{d: d}
}

// WithDeleted помечает сообщение удалённым. Повторное удаление не меняет исходное время.
func (m Message) WithDeleted(at time.Time) Message {
	if m.IsDeleted() {
		return m
	}
	d := m.Data()
	d.DeletedAt = &at
	d.Pinned = false
	return Message{d: d}
}

// Before задаёт порядок сообщений внутри чата: (created_at, id).
func (m Message) Before(o Message) bool {
	if !m.d.CreatedAt.Equal(o.d.CreatedAt) {
		return m.d.CreatedAt.Before(o.d.CreatedAt)
	}
	return m.d.ID < o.d.ID
}

// MessageView - представление сообщения для клиентов. Содержимое удалённых сообщений не отдаётся.
type MessageView struct {
	ID            string      `json:"id"`
	ChatID        string      `json:"chat_id"`
	SenderID      string      `json:"sender_id"`
	Type          MessageType `json:"type"`
	Body          string      `json:"body,omitempty"`
	MediaRef      string      `json:"media_ref,omitempty"`
	MediaURL      string      `json:"media_url,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	Pinned        bool        `json:"pinned"`
	DeletedAt     *time.Time  `json:"deleted_at,omitempty"`
	ForwardedFrom string      `json:"forwarded_from,omitempty"`
}

// View собирает представление; mediaURL - разрешённая ссылка на медиа (может быть пустой).
func (m Message) View(mediaURL string) MessageView {
	d := m.Data()
	v := MessageView{
		ID:            d.ID,
		ChatID:        d.ChatID,
		SenderID:      d.SenderID,
		Type:          d.Content.Type,
		CreatedAt:     d.CreatedAt,
		Pinned:        d.Pinned,
		DeletedAt:     d.DeletedAt,
		ForwardedFrom: d.ForwardedFrom,
	}
	if d.DeletedAt == nil {
		v.Body = d.Content.Body
		v.MediaRef = d.Content.MediaRef
		v.MediaURL = mediaURL
	}
	return v
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.View(""))
}
