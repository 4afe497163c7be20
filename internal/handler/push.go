package handler

import (
	"net/http"

	"github.com/chatengine/internal/middleware"
	"github.com/chatengine/internal/storage"
)

// PushHandler хранит web push подписки текущего пользователя.
type PushHandler struct {
	store storage.PushStore
}

func NewPushHandler(store storage.PushStore) *PushHandler {
	return &PushHandler{store: store}
}

// SubscribeRequest - тело от фронта (subscription из PushManager.getSubscription()).
type SubscribeRequest struct {
	Subscription storage.Subscription `json:"subscription"`
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s := req.Subscription
	if s.Endpoint == "" || s.Keys.P256dh == "" || s.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "subscription.endpoint and subscription.keys required")
		return
	}
	if err := h.store.SaveSubscription(r.Context(), middleware.GetUserID(r.Context()), s); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req UnsubscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	if err := h.store.DeleteSubscription(r.Context(), middleware.GetUserID(r.Context()), req.Endpoint); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to unsubscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
