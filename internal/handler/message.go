package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chatengine/internal/media"
	"github.com/chatengine/internal/middleware"
	"github.com/chatengine/internal/model"
	"github.com/chatengine/internal/repository"
)

type MessageHandler struct {
	engine Engine
	media  media.Resolver
}

func NewMessageHandler(engine Engine, resolver media.Resolver) *MessageHandler {
	return &MessageHandler{engine: engine, media: resolver}
}

type SendMessageRequest struct {
	ContentType model.MessageType `json:"content_type"`
	Body        string            `json:"body"`
	MediaRef    string            `json:"media_ref"`
}

type ForwardRequest struct {
	MessageIDs []string `json:"message_ids"`
}

type MarkSeenRequest struct {
	MessageID string `json:"message_id"`
}

type MarkSeenResponse struct {
	Advanced    bool `json:"advanced"`
	UnreadCount int  `json:"unread_count"`
}

type TypingRequest struct {
	Typing bool `json:"typing"`
}

// GetMessages - страница ленты по возрастанию (created_at, id).
// Параметры: before_ts/before_id или after_ts/after_id, limit.
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	before, err := queryCursor(r, "before")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid before_ts")
		return
	}
	after, err := queryCursor(r, "after")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid after_ts")
		return
	}
	q := repository.MessageQuery{Before: before, After: after, Limit: queryInt(r, "limit", 0)}
	msgs, err := h.engine.ListMessages(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "chatId"), q)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views(h.media, msgs))
}

func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ContentType == "" {
		req.ContentType = model.MessageTypeText
	}
	content := model.Content{Type: req.ContentType, Body: req.Body, MediaRef: req.MediaRef}
	m, err := h.engine.Append(r.Context(), chi.URLParam(r, "chatId"), middleware.GetUserID(r.Context()), content)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view(h.media, m))
}

func (h *MessageHandler) Forward(w http.ResponseWriter, r *http.Request) {
	var req ForwardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	msgs, err := h.engine.Forward(r.Context(), req.MessageIDs, chi.URLParam(r, "chatId"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, views(h.media, msgs))
}

func (h *MessageHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.SoftDelete(r.Context(), chi.URLParam(r, "messageId"), middleware.GetUserID(r.Context())); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MessageHandler) PinMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Pin(r.Context(), chi.URLParam(r, "messageId"), middleware.GetUserID(r.Context())); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MessageHandler) UnpinMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Unpin(r.Context(), chi.URLParam(r, "messageId"), middleware.GetUserID(r.Context())); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MessageHandler) GetPinnedMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.engine.ListPinned(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "chatId"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views(h.media, msgs))
}

// MarkSeen сдвигает отметку прочтения до сообщения и возвращает оставшийся счётчик.
func (h *MessageHandler) MarkSeen(w http.ResponseWriter, r *http.Request) {
	var req MarkSeenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MessageID == "" {
		writeError(w, http.StatusBadRequest, "message_id is required")
		return
	}
	userID, chatID := middleware.GetUserID(r.Context()), chi.URLParam(r, "chatId")
	advanced, err := h.engine.MarkSeen(r.Context(), userID, chatID, req.MessageID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	n, err := h.engine.GetUnreadCount(r.Context(), userID, chatID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MarkSeenResponse{Advanced: advanced, UnreadCount: n})
}

func (h *MessageHandler) GetUnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.GetUnreadCount(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "chatId"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread_count": n})
}

// Typing - тот же сигнал, что и по сокету, для клиентов без WebSocket.
func (h *MessageHandler) Typing(w http.ResponseWriter, r *http.Request) {
	var req TypingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID, chatID := middleware.GetUserID(r.Context()), chi.URLParam(r, "chatId")
	if req.Typing {
		h.engine.StartTyping(r.Context(), userID, chatID)
	} else {
		h.engine.StopTyping(r.Context(), userID, chatID)
	}
	w.WriteHeader(http.StatusNoContent)
}
