package ws

import (
	"github.com/chatengine/internal/fanout"
	"github.com/chatengine/internal/model"
)

// ActionType - команды, которые клиент шлёт по сокету.
type ActionType string

const (
	ActionSendMessage ActionType = "send_message"
	ActionForward     ActionType = "forward"
	ActionTyping      ActionType = "typing"
	ActionStopTyping  ActionType = "stop_typing"
	ActionMarkSeen    ActionType = "mark_seen"
)

// EventMessageSent - подтверждение отправителю: своё сообщение он не получает через new_message.
const EventMessageSent fanout.EventType = "message_sent"

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type ActionType `json:"type"`
	// RequestID возвращается в подтверждении или ошибке, чтобы клиент сопоставил ответ.
	RequestID string `json:"request_id,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`

	// send_message
	ContentType model.MessageType `json:"content_type,omitempty"`
	Body        string            `json:"body,omitempty"`
	MediaRef    string            `json:"media_ref,omitempty"`

	// mark_seen
	MessageID string `json:"message_id,omitempty"`

	// forward
	MessageIDs []string `json:"message_ids,omitempty"`
}

func (m IncomingMessage) content() model.Content {
	t := m.ContentType
	if t == "" {
		t = model.MessageTypeText
	}
	return model.Content{Type: t, Body: m.Body, MediaRef: m.MediaRef}
}

type MessageSentPayload struct {
	RequestID string              `json:"request_id,omitempty"`
	Messages  []model.MessageView `json:"messages"`
}

type ErrorPayload struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}
